/*
audit.go - Periodic reconciliation audit

PURPOSE:
  Periodically recomputes every wallet's balance from the transaction log
  and records drift against the cached balance. Detection only: correction
  is an operator decision made through the adjustment path.

DESIGN:
  - Background goroutine with a configurable check interval
  - Each run produces one ReconciliationRun record per wallet
  - Drift is logged at warn level; a consistent wallet logs nothing

USAGE:
  auditor := processor.NewReconciliationAuditor(store, ledgerStore, logger)
  auditor.Start()
  // ... later
  auditor.Stop()
*/
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pesaflow/ledger-engine/ledger"
)

// DriftRecorder counts wallets found drifted. Implemented by
// metrics.Collector.
type DriftRecorder interface {
	RecordDrift(walletID string)
}

// ReconciliationAuditor runs scheduled drift checks over all wallets.
type ReconciliationAuditor struct {
	Store         Store
	Ledger        ledger.Store
	CheckInterval time.Duration

	// Drift, when set, is incremented for every inconsistent wallet.
	Drift DriftRecorder

	Logger *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewReconciliationAuditor(store Store, ledgerStore ledger.Store, logger *zap.Logger) *ReconciliationAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationAuditor{
		Store:         store,
		Ledger:        ledgerStore,
		CheckInterval: 1 * time.Hour,
		Logger:        logger,
		stop:          make(chan struct{}),
	}
}

// Start begins the background audit loop.
func (a *ReconciliationAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ticker = time.NewTicker(a.CheckInterval)
	a.wg.Add(1)
	go a.run()

	a.Logger.Info("reconciliation auditor started",
		zap.Duration("check_interval", a.CheckInterval))
}

// Stop stops the audit loop and waits for an in-flight run to finish.
func (a *ReconciliationAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker != nil {
		a.ticker.Stop()
		close(a.stop)
		a.wg.Wait()
		a.Logger.Info("reconciliation auditor stopped")
	}
}

func (a *ReconciliationAuditor) run() {
	defer a.wg.Done()

	// Run immediately on start
	a.RunNow(context.Background())

	for {
		select {
		case <-a.ticker.C:
			a.RunNow(context.Background())
		case <-a.stop:
			return
		}
	}
}

// RunNow audits every wallet once. Also the admin-triggered path.
func (a *ReconciliationAuditor) RunNow(ctx context.Context) {
	wallets, err := a.Ledger.ListWallets(ctx)
	if err != nil {
		a.Logger.Error("audit: listing wallets failed", zap.Error(err))
		return
	}

	log := ledger.NewTransactionLog(a.Ledger)
	driftCount := 0

	for _, w := range wallets {
		run := ReconciliationRun{
			ID:        "run-" + uuid.NewString(),
			WalletID:  w.ID,
			Status:    "completed",
			StartedAt: time.Now().UTC(),
		}

		result, err := log.Reconcile(ctx, w.ID)
		if err != nil {
			run.Status = "failed"
			run.Error = err.Error()
		} else {
			run.Cached = result.Cached
			run.Recomputed = result.Recomputed
			run.Drift = result.Drift
			run.Consistent = result.Consistent
			if !result.Consistent {
				driftCount++
				if a.Drift != nil {
					a.Drift.RecordDrift(string(w.ID))
				}
				a.Logger.Warn("wallet drift detected",
					zap.String("wallet_id", string(w.ID)),
					zap.String("cached", result.Cached.String()),
					zap.String("recomputed", result.Recomputed.String()),
					zap.String("drift", result.Drift.String()),
				)
			}
		}

		done := time.Now().UTC()
		run.CompletedAt = &done
		if err := a.Store.SaveReconciliationRun(ctx, run); err != nil {
			a.Logger.Error("audit: saving run failed",
				zap.String("wallet_id", string(w.ID)), zap.Error(err))
		}
	}

	a.Logger.Info("reconciliation audit completed",
		zap.Int("wallets", len(wallets)),
		zap.Int("drifted", driftCount))
}
