/*
log.go - Transaction log queries and reconciliation

PURPOSE:
  The read side of the ledger: statements, audits, and drift detection.
  The log is durable and queryable independently of the Wallet Store's
  cached current-value view.

INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. Ever.
  2. ORDERED: Entries are totally ordered per wallet by DB-assigned
     sequence, not wall-clock timestamp.
  3. KEYED: Every entry carries the external reference of the upstream
     event it explains.

RECONCILIATION:
  Reconcile recomputes the balance from completed entries and reports the
  drift against the cached wallet balance. Detection only; correction is an
  operator decision made through the adjustment path.

SEE ALSO:
  - wallet.go: The write side (ApplyDelta)
  - processor/audit.go: Periodic reconciliation runs over all wallets
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// TRANSACTION LOG
// =============================================================================

// TransactionLog exposes the append and query surface of the ledger.
type TransactionLog struct {
	Store Store
}

func NewTransactionLog(store Store) *TransactionLog {
	return &TransactionLog{Store: store}
}

// Record is a pure append, used for entries that do not move the cached
// balance through ApplyDelta (e.g. a pending charge awaiting confirmation).
// Fails with ErrDuplicateReference if the reference is already recorded.
func (l *TransactionLog) Record(ctx context.Context, walletID WalletID, amount Money, txType TransactionType, status TransactionStatus, externalRef string, metadata map[string]string) (TransactionID, error) {
	if externalRef == "" {
		return "", ErrReferenceRequired
	}
	tx := Transaction{
		ID:                NewTransactionID(),
		WalletID:          walletID,
		Amount:            amount,
		Type:              txType,
		Status:            status,
		ExternalReference: externalRef,
		Metadata:          metadata,
		CreatedAt:         time.Now().UTC(),
	}
	if err := l.Store.AppendTransaction(ctx, tx); err != nil {
		return "", err
	}
	return tx.ID, nil
}

// ListByWallet returns entries newest-first, paginated and restartable via
// the filter's limit/offset.
func (l *TransactionLog) ListByWallet(ctx context.Context, walletID WalletID, filter TransactionFilter) ([]Transaction, error) {
	return l.Store.ListTransactions(ctx, walletID, filter)
}

// =============================================================================
// RECONCILIATION - Drift detection between log and cached balance
// =============================================================================

// ReconcileResult compares the recomputed ledger sum with the cached
// wallet balance.
type ReconcileResult struct {
	WalletID   WalletID
	Cached     Money
	Recomputed Money
	Drift      Money // Cached - Recomputed; zero when consistent
	Consistent bool
	CheckedAt  time.Time
}

// Reconcile sums all completed entries for the wallet and reports drift.
func (l *TransactionLog) Reconcile(ctx context.Context, walletID WalletID) (ReconcileResult, error) {
	w, err := l.Store.GetWallet(ctx, walletID)
	if err != nil {
		return ReconcileResult{}, err
	}

	sum, err := l.Store.SumCompleted(ctx, walletID)
	if err != nil {
		return ReconcileResult{}, err
	}

	recomputed := Money{Value: sum, Currency: w.Currency}
	drift := w.Balance.Sub(recomputed)
	return ReconcileResult{
		WalletID:   walletID,
		Cached:     w.Balance,
		Recomputed: recomputed,
		Drift:      drift,
		Consistent: drift.IsZero(),
		CheckedAt:  time.Now().UTC(),
	}, nil
}
