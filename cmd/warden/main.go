package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowhq/warden/pkg/api"
	"github.com/burrowhq/warden/pkg/audit"
	"github.com/burrowhq/warden/pkg/commands"
	"github.com/burrowhq/warden/pkg/configstore"
	"github.com/burrowhq/warden/pkg/crypto"
	"github.com/burrowhq/warden/pkg/enroll"
	"github.com/burrowhq/warden/pkg/events"
	"github.com/burrowhq/warden/pkg/heartbeat"
	"github.com/burrowhq/warden/pkg/log"
	"github.com/burrowhq/warden/pkg/metrics"
	"github.com/burrowhq/warden/pkg/ratelimit"
	"github.com/burrowhq/warden/pkg/replay"
	"github.com/burrowhq/warden/pkg/settings"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/tasks"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - lightweight remote monitoring and management control plane",
	Long: `Warden is the server side of a lightweight RMM platform: agents on
managed machines enroll, heart-beat, pull declarative tasks and imperative
commands, and report back over a signed JSON protocol.`,
	Version: Version,
}

func init() {
	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Run the Warden control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runServer(configPath)
		},
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Warden version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(tokenCmd)
}

var serverCmd *cobra.Command

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 key pair for server identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		fmt.Printf("public key (SPKI):   %s\n", pub)
		fmt.Printf("private key (PKCS8): %s\n", priv)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage enrollment tokens against the local stores",
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Mint an enrollment token",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		expiresIn, _ := cmd.Flags().GetInt("expires-in")
		description, _ := cmd.Flags().GetString("description")
		maxUsage, _ := cmd.Flags().GetInt("max-usage")

		return withTokenService(configPath, func(svc *enroll.TokenService) error {
			t, err := svc.Generate(cmd.Context(), time.Duration(expiresIn)*time.Second,
				description, "cli", maxUsage)
			if err != nil {
				return err
			}
			fmt.Printf("token: %s\n", t.Token)
			if t.ExpiresAt != nil {
				fmt.Printf("expires: %s\n", t.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Printf("max usage: %d\n", t.MaxUsage)
			return nil
		})
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrollment tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		return withTokenService(configPath, func(svc *enroll.TokenService) error {
			list, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range list {
				expires := "never"
				if t.ExpiresAt != nil {
					expires = t.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Printf("%s  usage=%d/%d  active=%t  expires=%s  %s\n",
					t.Token, t.UsageCount, t.MaxUsage, t.IsActive, expires, t.Description)
			}
			return nil
		})
	},
}

// withTokenService opens the local stores like the server would and runs fn
// against the token service.
func withTokenService(configPath string, fn func(*enroll.TokenService) error) error {
	cfg, err := settings.Load(configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open relational store: %w", err)
	}
	defer store.Close()
	kv, err := storage.NewKV(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer kv.Close()

	return fn(enroll.NewTokenService(kv, store, cfg.Environment))
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	serverCmd.Flags().Bool("log-json", false, "Emit JSON logs")

	tokenCmd.AddCommand(tokenGenerateCmd, tokenListCmd)
	tokenGenerateCmd.Flags().String("config", "", "Path to YAML config file")
	tokenGenerateCmd.Flags().Int("expires-in", 0, "Token lifetime in seconds (0 = never)")
	tokenGenerateCmd.Flags().String("description", "", "Token description")
	tokenGenerateCmd.Flags().Int("max-usage", 1, "Enrollments allowed before exhaustion")
	tokenListCmd.Flags().String("config", "", "Path to YAML config file")
}

func runServer(configPath string) error {
	cfg, err := settings.Load(configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	logLevel, _ := serverCmd.Flags().GetString("log-level")
	logJSON, _ := serverCmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON, Output: os.Stderr})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open relational store: %w", err)
	}
	defer store.Close()

	kv, err := storage.NewKV(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer kv.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ledger := replay.NewLedger(kv, cfg.NonceWindow)
	limiter := ratelimit.NewLimiter(kv)
	tokens := enroll.NewTokenService(kv, store, cfg.Environment)
	gate := enroll.NewGate(store, tokens, cfg.ServerPublicKey, cfg.ServerURL, cfg.SessionTimeout)
	reconciler := tasks.NewReconciler(store, broker)
	queue := commands.NewQueue(kv, broker)
	configs := configstore.NewResolver(store, broker)
	engine := heartbeat.NewEngine(store, ledger, limiter, reconciler, configs, broker,
		cfg.HeartbeatInterval, cfg.SessionTimeout)
	auditor := audit.NewIngestor(store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepLoop(ctx, kv, store)
	go livenessLoop(ctx, store, broker, cfg.HeartbeatInterval)

	server := api.NewServer(cfg, store, kv, gate, tokens, engine, queue, reconciler,
		configs, auditor, ledger, limiter, broker)

	log.Info("Warden control plane starting")
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	log.Info("Warden control plane stopped")
	return nil
}

// sweepLoop reclaims expired KV records and sessions once a minute.
func sweepLoop(ctx context.Context, kv *storage.KV, store storage.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := kv.Sweep()
			if err != nil {
				wlog := log.WithComponent("sweeper")
				wlog.Warn().Err(err).Msg("kv sweep failed")
			} else if removed > 0 {
				wlog := log.WithComponent("sweeper")
				wlog.Debug().Int("removed", removed).Msg("kv records swept")
			}
			if n, err := store.DeleteExpiredSessions(ctx); err != nil {
				wlog := log.WithComponent("sweeper")
				wlog.Warn().Err(err).Msg("session sweep failed")
			} else if n > 0 {
				wlog := log.WithComponent("sweeper")
				wlog.Debug().Int64("removed", n).Msg("sessions swept")
			}
		}
	}
}

// livenessLoop demotes devices whose last_seen is older than twice the
// heartbeat interval.
func livenessLoop(ctx context.Context, store storage.Store, broker *events.Broker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	updateFleetGauge(ctx, store)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * interval).UnixMilli()
			n, err := store.MarkDevicesOffline(ctx, cutoff)
			if err != nil {
				wlog := log.WithComponent("liveness")
				wlog.Warn().Err(err).Msg("offline demotion failed")
				continue
			}
			if n > 0 {
				wlog := log.WithComponent("liveness")
				wlog.Info().Int64("devices", n).Msg("devices marked offline")
				broker.Publish(&events.Event{
					Type:     events.EventDeviceOffline,
					Metadata: map[string]string{"count": fmt.Sprintf("%d", n)},
				})
			}
			updateFleetGauge(ctx, store)
		}
	}
}

// updateFleetGauge refreshes the device gauge from the store. Reset first
// so buckets that emptied out since the last tick drop to absent rather
// than reporting their stale count.
func updateFleetGauge(ctx context.Context, store storage.Store) {
	counts, err := store.CountDevices(ctx)
	if err != nil {
		wlog := log.WithComponent("liveness")
		wlog.Warn().Err(err).Msg("device count failed")
		return
	}
	metrics.DevicesTotal.Reset()
	for _, c := range counts {
		metrics.DevicesTotal.WithLabelValues(string(c.Platform), string(c.Status)).Set(float64(c.Count))
	}
}
