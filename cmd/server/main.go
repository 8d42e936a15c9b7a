/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the partner wallet ledger service. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env honored in development; -port/-db flags
     override the environment)
  2. Build the zap logger
  3. Open the store (sqlite or postgres per DB_DRIVER)
  4. Wire gateways, processors, and the reconciliation auditor
  5. Start the HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the reconciliation auditor
  4. Close the database connection

ENVIRONMENT:
  See config/config.go for the full variable list. The service boots with
  zero configuration against a local sqlite file.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
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
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pesaflow/ledger-engine/api"
	"github.com/pesaflow/ledger-engine/config"
	"github.com/pesaflow/ledger-engine/gateway"
	"github.com/pesaflow/ledger-engine/ledger"
	"github.com/pesaflow/ledger-engine/logging"
	"github.com/pesaflow/ledger-engine/metrics"
	"github.com/pesaflow/ledger-engine/processor"
	"github.com/pesaflow/ledger-engine/store/postgres"
	"github.com/pesaflow/ledger-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DatabaseDriver = "sqlite"
		cfg.DatabasePath = *dbPath
	}

	logger, err := logging.NewFromEnv()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal("failed to open store",
			zap.String("driver", cfg.DatabaseDriver), zap.Error(err))
	}
	defer closeStore()

	wallets := ledger.NewWalletService(store)

	mm := gateway.NewMobileMoneyClient(gateway.MobileMoneyConfig{
		BaseURL:       cfg.MobileMoneyBaseURL,
		InitiatorName: cfg.InitiatorName,
		ShortCode:     cfg.ShortCode,
	}, logger)

	collections := processor.NewCollectionProcessor(wallets, store, store, cfg.FixedAccountNumber, logger)
	if cfg.LMSBaseURL != "" {
		collections.Loans = gateway.NewLMSClient(gateway.LMSConfig{BaseURL: cfg.LMSBaseURL}, logger)
	}

	disbursements := processor.NewDisbursementProcessor(wallets, store, store, mm, logger)
	disbursements.AutoReverse = cfg.AutoReverse

	handler := api.NewHandler(
		store,
		wallets,
		collections,
		disbursements,
		processor.NewAdjustmentProcessor(wallets, logger),
		processor.NewReconciliationAuditor(store, store, logger),
		cfg.Currency,
		logger,
	)
	handler.AlertSenderID = cfg.AlertSenderID
	handler.Metrics = metrics.NewCollector(cfg.MetricsNamespace)

	if cfg.BankBaseURL != "" {
		handler.Bank = gateway.NewBankClient(gateway.BankConfig{
			BaseURL:   cfg.BankBaseURL,
			ShortCode: cfg.ShortCode,
		}, logger)
	}

	if cfg.SMSBaseURL != "" {
		sms := gateway.NewSMSClient(gateway.SMSConfig{
			BaseURL: cfg.SMSBaseURL,
			APIKey:  cfg.SMSAPIKey,
		}, logger)
		handler.SMS = sms
		disbursements.SMS = sms
		disbursements.AlertSenderID = cfg.AlertSenderID
	}

	auditor := handler.Auditor
	auditor.CheckInterval = cfg.ReconcileInterval
	auditor.Drift = handler.Metrics
	auditor.Start()
	defer auditor.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("driver", cfg.DatabaseDriver),
			zap.String("currency", cfg.Currency))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openStore picks the backend from configuration. Both implementations
// satisfy the full api.Storage surface.
func openStore(cfg config.Config) (api.Storage, func(), error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		st, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "sqlite":
		st, err := sqlite.New(cfg.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DatabaseDriver)
	}
}
