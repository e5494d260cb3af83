// Package settings loads process-wide configuration. Values come from the
// environment at startup; a YAML file may supply the operational knobs
// (listen address, data directory) that do not belong in the environment.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the environment is silent.
const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultNonceWindow       = 300 * time.Second
	DefaultSessionTimeout    = 30 * time.Minute
	DefaultMaxFileSize       = 100 << 20 // 100 MB
	DefaultListenAddr        = "127.0.0.1:8420"
	DefaultDataDir           = "./warden-data"
)

// Settings is the resolved process configuration.
type Settings struct {
	Environment string
	APIVersion  string

	ListenAddr string
	DataDir    string

	HeartbeatInterval time.Duration
	NonceWindow       time.Duration
	SessionTimeout    time.Duration
	MaxFileSize       int64

	EnrollmentSecret string
	JWTSecret        string
	WebhookSecret    string
	DBEncryptionKey  string
	AdminAPIKey      string
	AdminPassword    string

	ServerPublicKey string
	ServerURL       string
	ConsoleURL      string
}

// File is the YAML shape of the optional --config file. Only operational
// knobs live here; secrets always come from the environment.
type File struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
}

// Load reads the environment and, if path is non-empty, overlays the YAML
// file on top of the operational defaults.
func Load(path string) (*Settings, error) {
	s := &Settings{
		Environment:       getenv("ENVIRONMENT", "production"),
		APIVersion:        getenv("API_VERSION", "v1"),
		ListenAddr:        DefaultListenAddr,
		DataDir:           DefaultDataDir,
		HeartbeatInterval: secondsEnv("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		NonceWindow:       secondsEnv("NONCE_WINDOW", DefaultNonceWindow),
		SessionTimeout:    secondsEnv("SESSION_TIMEOUT", DefaultSessionTimeout),
		MaxFileSize:       int64Env("MAX_FILE_SIZE", DefaultMaxFileSize),
		EnrollmentSecret:  os.Getenv("ENROLLMENT_SECRET"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		DBEncryptionKey:   os.Getenv("DB_ENCRYPTION_KEY"),
		AdminAPIKey:       os.Getenv("ADMIN_API_KEY"),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
		ServerPublicKey:   os.Getenv("SERVER_PUBLIC_KEY"),
		ServerURL:         os.Getenv("SERVER_URL"),
		ConsoleURL:        os.Getenv("CONSOLE_URL"),
	}

	if path != "" {
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if f.ListenAddr != "" {
			s.ListenAddr = f.ListenAddr
		}
		if f.DataDir != "" {
			s.DataDir = f.DataDir
		}
	}

	return s, nil
}

// LoadFile parses the YAML config file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &f, nil
}

// IsTest reports whether the process runs in the test environment, which
// unlocks the synthetic test-token-* enrollment tokens.
func (s *Settings) IsTest() bool {
	return s.Environment == "test"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func secondsEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func int64Env(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
