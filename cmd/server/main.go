/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags, then LEDGER_* environment)
  2. Build the zap logger
  3. Open the store (SQLite, PostgreSQL or memory) and migrate
  4. Create the allocation engine and API handler
  5. Start the reconciliation scheduler
  6. Start the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (-shutdown-timeout)
  3. Stop the scheduler after its current sweep
  4. Close the database

EXAMPLES:
  ./server -jwt-secret=dev -db=./data/ledger.db
  ./server -jwt-secret=dev -db-driver=memory
  LEDGER_DB_DRIVER=postgres LEDGER_DB_DSN=postgres://ledger@localhost/ledger ./server -jwt-secret=dev

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
	"github.com/warp/credit-ledger/logger"
	"github.com/warp/credit-ledger/store/postgres"
	"github.com/warp/credit-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()

	backend, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("closing database", zap.Error(err))
		}
	}()

	engine := ledger.NewEngine(backend,
		ledger.WithLogger(log.Named("engine")),
		ledger.WithMaxRetries(cfg.MaxRetries))
	handler := api.NewHandler(engine, backend, log.Named("api"))
	router := api.NewRouter(handler, api.NewAuthenticator(cfg.JWTSecret), cfg.CORSOrigins)

	scheduler := api.NewReconciliationScheduler(engine, backend, log.Named("reconcile"))
	scheduler.CheckInterval = cfg.ReconcileInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", cfg.Addr),
			zap.String("db_driver", cfg.DBDriver),
			zap.Bool("transactional", engine.Transactional()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (api.Store, func() error, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMemory:
		return store.NewMemory(), func() error { return nil }, nil
	default:
		s, err := sqlite.New(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}
