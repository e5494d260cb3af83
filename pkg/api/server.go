// Package api is the HTTP surface of the control plane: the agent-facing
// endpoints (enroll, heartbeat, command pull/ack, config pull, audit
// upload) and the administrator endpoints behind bearer auth.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/burrowhq/warden/pkg/audit"
	"github.com/burrowhq/warden/pkg/commands"
	"github.com/burrowhq/warden/pkg/configstore"
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

// Server owns the HTTP surface. All dependencies are injected at startup.
type Server struct {
	settings   *settings.Settings
	store      storage.Store
	kv         *storage.KV
	gate       *enroll.Gate
	tokens     *enroll.TokenService
	engine     *heartbeat.Engine
	queue      *commands.Queue
	reconciler *tasks.Reconciler
	configs    *configstore.Resolver
	auditor    *audit.Ingestor
	ledger     *replay.Ledger
	limiter    *ratelimit.Limiter
	broker     *events.Broker

	httpServer *http.Server
}

// NewServer wires the HTTP surface over the domain engines.
func NewServer(
	cfg *settings.Settings,
	store storage.Store,
	kv *storage.KV,
	gate *enroll.Gate,
	tokens *enroll.TokenService,
	engine *heartbeat.Engine,
	queue *commands.Queue,
	reconciler *tasks.Reconciler,
	configs *configstore.Resolver,
	auditor *audit.Ingestor,
	ledger *replay.Ledger,
	limiter *ratelimit.Limiter,
	broker *events.Broker,
) *Server {
	return &Server{
		settings:   cfg,
		store:      store,
		kv:         kv,
		gate:       gate,
		tokens:     tokens,
		engine:     engine,
		queue:      queue,
		reconciler: reconciler,
		configs:    configs,
		auditor:    auditor,
		ledger:     ledger,
		limiter:    limiter,
		broker:     broker,
	}
}

// Router builds the chi router with both surfaces mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	// Agent surface: authenticated by signature, not bearer token.
	r.Route("/agent", func(r chi.Router) {
		r.Post("/enroll", s.handleEnroll)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Get("/command", s.handleCommandPoll)
		r.Post("/command/{id}/ack", s.handleCommandAck)
		r.Post("/config", s.handleConfigPull)
		r.Post("/audit", s.handleAuditUpload)
	})

	// Administrator surface.
	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth)

		r.Post("/commands", s.handleAdminCreateCommand)
		r.Get("/commands/{id}", s.handleAdminGetCommand)
		r.Get("/devices/{id}/commands", s.handleAdminListCommands)

		r.Post("/admin/tasks", s.handleAdminCreateTask)
		r.Get("/admin/tasks/{id}", s.handleAdminGetTask)
		r.Post("/admin/tasks/{id}/cancel", s.handleAdminCancelTask)
		r.Get("/devices/{id}/tasks", s.handleAdminListTasks)

		r.Get("/admin/config", s.handleAdminListConfigs)
		r.Post("/admin/config", s.handleAdminUpsertConfig)
		r.Get("/admin/config/{id}", s.handleAdminGetConfig)
		r.Delete("/admin/config/{id}", s.handleAdminDeleteConfig)

		r.Get("/devices", s.handleAdminListDevices)
		r.Get("/devices/{id}", s.handleAdminGetDevice)
		r.Put("/devices/{id}", s.handleAdminUpdateDevice)
		r.Delete("/devices/{id}", s.handleAdminDeleteDevice)

		r.Post("/enrollment/token", s.handleAdminCreateToken)
		r.Get("/enrollment/tokens", s.handleAdminListTokens)
		r.Put("/enrollment/tokens/{token}", s.handleAdminUpdateToken)
		r.Delete("/enrollment/tokens/{token}", s.handleAdminDeleteToken)

		r.Get("/admin/audit", s.handleAdminListAudit)
		r.Get("/admin/events", s.handleEventStream)
	})

	// Operational surface, unauthenticated.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// Start serves HTTP on the configured listen address until the context is
// canceled, then drains with a 10 s grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.settings.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		wlog := log.WithComponent("api")
		wlog.Info().Str("addr", s.settings.ListenAddr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz answers ok only when both stores respond.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListTokenRows(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeDatabaseError, "relational store unavailable")
		return
	}
	if _, err := s.kv.Get(storage.BucketNonces, "readyz-probe"); err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, CodeDatabaseError, "kv store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
