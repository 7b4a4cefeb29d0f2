/*
main.go - Remittance engine entry point

PURPOSE:
  Initializes and starts the remittance pipeline daemon: SQLite store,
  event bus, bucket/check/delivery services, background schedulers and the
  HTTP operations surface. Handles configuration, dependency injection and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Open the SQLite store and attach the event bus
  3. Wire services (aggregator, manager, checks, generator, delivery)
  4. Apply the bootstrap file when -bootstrap is given
  5. Start the threshold monitor and delivery scheduler
  6. Serve HTTP until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080, env REMIT_PORT)
  -db         SQLite database path (default: remit.db, env REMIT_DB)
              Use ":memory:" for an in-memory database
  -bootstrap  YAML seed file applied before the pipeline starts
  -sender-id  ISA06 interchange sender id (env REMIT_ISA_SENDER_ID)
  -insecure-sftp  Skip SFTP host key verification (dev only)

ENVIRONMENT:
  REMIT_ENCRYPTION_KEY / REMIT_ENCRYPTION_SALT protect SFTP credentials at
  rest; with neither set the engine runs with plaintext credential storage.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, drain requests (30s),
  stop the schedulers, close the bus, close the database, exit.

SEE ALSO:
  - api/server.go: Router configuration
  - config/bootstrap.go: Seed file format
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lumera/remit-engine/api"
	"github.com/lumera/remit-engine/bucket"
	"github.com/lumera/remit-engine/checks"
	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/delivery"
	"github.com/lumera/remit-engine/edi"
	"github.com/lumera/remit-engine/monitor"
	"github.com/lumera/remit-engine/naming"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/secrets"
	"github.com/lumera/remit-engine/store/sqlite"
)

func main() {
	// .env is optional; flags beat env, env beats defaults.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("REMIT_PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envString("REMIT_DB", "remit.db"), "SQLite database path")
	bootstrapPath := flag.String("bootstrap", "", "YAML seed file applied at startup")
	senderID := flag.String("sender-id", envString("REMIT_ISA_SENDER_ID", "LUMERA"), "ISA06 interchange sender id")
	insecureSFTP := flag.Bool("insecure-sftp", false, "skip SFTP host key verification (dev only)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(logger, *port, *dbPath, *bootstrapPath, *senderID, *insecureSFTP); err != nil {
		logger.Fatal("remitd exited", zap.Error(err))
	}
}

func run(logger *zap.Logger, port int, dbPath, bootstrapPath, senderID string, insecureSFTP bool) error {
	ctx := context.Background()

	// Store and event bus.
	store, err := sqlite.New(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	bus := remit.NewBus(logger)
	defer bus.Close()
	store.SetEventBus(bus)

	settings := config.NewSettingsSource(store, 30*time.Second, logger)

	// SFTP credential encryption. Empty key and salt mean plaintext storage.
	cipher, noop, err := secrets.NewCipher(
		os.Getenv("REMIT_ENCRYPTION_KEY"), os.Getenv("REMIT_ENCRYPTION_SALT"))
	if err != nil {
		return fmt.Errorf("failed to initialize credential encryption: %w", err)
	}
	if noop {
		logger.Warn("credential encryption disabled, SFTP passwords stored in plaintext")
	}

	// Seed configuration before anything reads it.
	if bootstrapPath != "" {
		boot := &config.Bootstrapper{Store: store, Cipher: cipher, Logger: logger.Named("bootstrap")}
		if err := boot.LoadFile(ctx, bootstrapPath); err != nil {
			return err
		}
	}

	// Domain services. Manager and payment service call each other, so the
	// cross-references are injected after construction.
	manager := &bucket.Manager{Store: store, Settings: settings, Logger: logger.Named("bucket")}
	reservations := checks.NewReservationService(store, settings, logger.Named("checks"))
	payments := checks.NewPaymentService(store, settings, reservations, logger.Named("checks"))
	manager.Checks = payments
	payments.Trigger = manager

	aggregator := &bucket.Aggregator{
		Store:   store,
		Config:  config.NewCached(store, config.DefaultCacheTTL),
		Manager: manager,
		Logger:  logger.Named("aggregator"),
	}
	approval := &bucket.Approval{Store: store, Manager: manager, Logger: logger.Named("approval")}

	// File generation rides the bucket status bus.
	generator := &edi.Generator{
		Store:      store,
		Manager:    manager,
		Namer:      naming.NewExpander(logger.Named("naming")),
		Logger:     logger.Named("edi"),
		SenderID:   senderID,
		Production: settings.Current(ctx).EDIProductionUsage,
	}
	generator.Register(bus)

	// Delivery over SFTP.
	engine := &delivery.Engine{
		Store:    store,
		Settings: settings,
		Cipher:   cipher,
		Sessions: &delivery.SFTPFactory{InsecureSkipHostKeyCheck: insecureSFTP},
		Logger:   logger.Named("delivery"),
	}
	if insecureSFTP {
		logger.Warn("SFTP host key verification disabled")
	}
	sweeper := &delivery.Scheduler{Engine: engine, Settings: settings, Logger: logger.Named("delivery")}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start delivery scheduler: %w", err)
	}
	defer sweeper.Stop()

	// Threshold monitor.
	mon := &monitor.Monitor{Store: store, Manager: manager, Settings: settings, Logger: logger.Named("monitor")}
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start threshold monitor: %w", err)
	}
	defer mon.Stop()

	// HTTP surface.
	handler := &api.Handler{
		Store:        store,
		Aggregator:   aggregator,
		Approval:     approval,
		Manager:      manager,
		Payments:     payments,
		Reservations: reservations,
		Delivery:     engine,
		Sweeper:      sweeper,
		Logger:       logger.Named("api"),
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // manual delivery sweeps can be slow
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("remitd listening", zap.Int("port", port), zap.String("db", dbPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	// Deferred stops run schedulers down before the bus and store close.
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
