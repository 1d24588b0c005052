package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/config"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load([]string{"-jwt-secret", "s3cret"}, env(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, config.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "ledger.db", cfg.DBDSN)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.CORSOrigins)
}

func TestLoad_EnvironmentOverridesFlags(t *testing.T) {
	cfg, err := config.Load(
		[]string{"-addr", ":9000", "-jwt-secret", "flag-secret", "-max-retries", "1"},
		env(map[string]string{
			"LEDGER_ADDR":               ":9100",
			"LEDGER_DB_DRIVER":          "postgres",
			"LEDGER_DB_DSN":             "postgres://localhost/ledger",
			"LEDGER_JWT_SECRET":         "env-secret",
			"LEDGER_MAX_RETRIES":        "5",
			"LEDGER_CORS_ORIGINS":       " https://a.example , https://b.example ,",
			"LEDGER_SHUTDOWN_TIMEOUT":   "5s",
			"LEDGER_RECONCILE_INTERVAL": "0",
		}),
	)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, config.DriverPostgres, cfg.DBDriver)
	assert.Equal(t, "postgres://localhost/ledger", cfg.DBDSN)
	assert.Equal(t, "env-secret", cfg.JWTSecret)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Zero(t, cfg.ReconcileInterval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"missing secret", nil, nil},
		{"unknown driver", []string{"-jwt-secret", "x", "-db-driver", "mongo"}, nil},
		{"negative retries", []string{"-jwt-secret", "x", "-max-retries", "-1"}, nil},
		{"bad retries env", []string{"-jwt-secret", "x"}, map[string]string{"LEDGER_MAX_RETRIES": "many"}},
		{"bad timeout env", []string{"-jwt-secret", "x"}, map[string]string{"LEDGER_SHUTDOWN_TIMEOUT": "soon"}},
		{"negative interval", []string{"-jwt-secret", "x", "-reconcile-interval", "-1m"}, nil},
		{"unknown flag", []string{"-port", "80"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(tt.args, env(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MemoryNeedsNoDSN(t *testing.T) {
	cfg, err := config.Load([]string{"-jwt-secret", "x", "-db-driver", "memory", "-db", ""}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, config.DriverMemory, cfg.DBDriver)
}
