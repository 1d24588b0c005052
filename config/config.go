/*
Package config loads the server configuration.

PRECEDENCE:
  defaults < command-line flags < LEDGER_* environment variables

FLAGS / ENVIRONMENT:
  -addr                LEDGER_ADDR                listen address (default :8080)
  -db-driver           LEDGER_DB_DRIVER           sqlite | postgres | memory (default sqlite)
  -db                  LEDGER_DB_DSN              SQLite path or PostgreSQL DSN (default ledger.db)
  -log-level           LEDGER_LOG_LEVEL           debug | info | warn | error (default info)
  -jwt-secret          LEDGER_JWT_SECRET          HS256 secret for bearer tokens (required)
  -max-retries         LEDGER_MAX_RETRIES         allocation restarts on conflict (default 3)
  -cors-origins        LEDGER_CORS_ORIGINS        comma-separated allowed origins
  -shutdown-timeout    LEDGER_SHUTDOWN_TIMEOUT    graceful shutdown budget (default 30s)
  -reconcile-interval  LEDGER_RECONCILE_INTERVAL  balance drift sweep period, 0 disables (default 1h)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warp/credit-ledger/ledger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Addr            string
	DBDriver        string
	DBDSN           string
	LogLevel        string
	JWTSecret       string
	MaxRetries      int
	CORSOrigins     []string
	ShutdownTimeout time.Duration

	ReconcileInterval time.Duration
}

// Load parses args (without the program name) and then applies overrides
// from getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	var (
		cfg     Config
		origins string
	)

	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", ":8080", "HTTP listen address")
	fs.StringVar(&cfg.DBDriver, "db-driver", DriverSQLite, "storage backend: sqlite, postgres or memory")
	fs.StringVar(&cfg.DBDSN, "db", "ledger.db", "SQLite path (\":memory:\" for in-memory) or PostgreSQL DSN")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "HS256 secret used to verify bearer tokens")
	fs.IntVar(&cfg.MaxRetries, "max-retries", ledger.DefaultMaxRetries, "allocation restarts on concurrent modification")
	fs.StringVar(&origins, "cors-origins", "http://localhost:5173,http://localhost:8080", "comma-separated CORS origins")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", time.Hour, "cached balance reconciliation period (0 disables)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if v := getenv("LEDGER_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := getenv("LEDGER_DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := getenv("LEDGER_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := getenv("LEDGER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LEDGER_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := getenv("LEDGER_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("LEDGER_MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}
	if v := getenv("LEDGER_CORS_ORIGINS"); v != "" {
		origins = v
	}
	if v := getenv("LEDGER_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("LEDGER_SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	if v := getenv("LEDGER_RECONCILE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("LEDGER_RECONCILE_INTERVAL: %w", err)
		}
		cfg.ReconcileInterval = d
	}

	cfg.CORSOrigins = splitList(origins)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown db driver %q", c.DBDriver)
	}
	if c.DBDriver != DriverMemory && c.DBDSN == "" {
		return errors.New("database DSN is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT secret is required (-jwt-secret or LEDGER_JWT_SECRET)")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("reconcile interval must not be negative, got %s", c.ReconcileInterval)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
