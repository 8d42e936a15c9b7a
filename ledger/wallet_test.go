package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pesaflow/ledger-engine/ledger"
	"github.com/pesaflow/ledger-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func kes(v float64) ledger.Money {
	return ledger.NewMoney(v, "KES")
}

func newTestService(t *testing.T) (*ledger.WalletService, *store.Memory, ledger.Wallet) {
	t.Helper()
	mem := store.NewMemory()
	svc := ledger.NewWalletService(mem)

	ctx := context.Background()
	partner := ledger.Partner{ID: "ptn-1", Name: "Acme Sacco", ShortCode: "ACM", Active: true}
	if err := mem.CreatePartner(ctx, partner); err != nil {
		t.Fatalf("create partner: %v", err)
	}
	w, err := svc.OpenWallet(ctx, partner.ID, "KES", kes(100))
	if err != nil {
		t.Fatalf("open wallet: %v", err)
	}
	return svc, mem, w
}

func mustApply(t *testing.T, svc *ledger.WalletService, amount ledger.Money, txType ledger.TransactionType, ref string) ledger.ApplyDeltaResult {
	t.Helper()
	res, err := svc.ApplyDelta(context.Background(), ledger.ApplyDeltaInput{
		PartnerID:         "ptn-1",
		Amount:            amount,
		Type:              txType,
		ExternalReference: ref,
	})
	if err != nil {
		t.Fatalf("apply delta %s: %v", ref, err)
	}
	return res
}

// =============================================================================
// RECONCILIATION INVARIANT
// =============================================================================

func TestApplyDelta_BalanceEqualsSumOfCompletedTransactions(t *testing.T) {
	// GIVEN: A sequence of credits and debits
	// WHEN: Recomputing the balance from the transaction log
	// THEN: The cached balance matches the signed sum exactly

	svc, mem, w := newTestService(t)
	ctx := context.Background()

	mustApply(t, svc, kes(500), ledger.TxTopUp, "RCPT1")
	mustApply(t, svc, kes(250), ledger.TxTopUp, "RCPT2")
	mustApply(t, svc, kes(200).Neg(), ledger.TxDisbursement, "CONV1")
	mustApply(t, svc, kes(30).Neg(), ledger.TxCharge, "FEE1")

	log := ledger.NewTransactionLog(mem)
	rec, err := log.Reconcile(ctx, w.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if !rec.Consistent {
		t.Errorf("expected consistent ledger, drift = %s", rec.Drift)
	}
	if !rec.Cached.Equal(kes(520)) {
		t.Errorf("expected balance 520, got %s", rec.Cached)
	}
}

// =============================================================================
// IDEMPOTENT REPLAY
// =============================================================================

func TestApplyDelta_ReplaySameReference_IsNoOp(t *testing.T) {
	// GIVEN: A collection credit already applied under reference "TXN1"
	// WHEN: The same event is delivered again (webhook redelivery)
	// THEN: Balance and transaction count do not change, and the second
	//       result matches the first call's result

	svc, mem, w := newTestService(t)
	ctx := context.Background()

	first := mustApply(t, svc, kes(500), ledger.TxTopUp, "TXN1")
	second := mustApply(t, svc, kes(500), ledger.TxTopUp, "TXN1")

	if !second.Replayed {
		t.Error("expected second call to be flagged as replayed")
	}
	if second.TransactionID != first.TransactionID {
		t.Errorf("expected same transaction id, got %s vs %s", second.TransactionID, first.TransactionID)
	}
	if !second.NewBalance.Equal(first.NewBalance) {
		t.Errorf("expected same balance, got %s vs %s", second.NewBalance, first.NewBalance)
	}

	txs, err := mem.ListTransactions(ctx, w.ID, ledger.TransactionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txs))
	}

	balance, err := svc.Balance(ctx, "ptn-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(kes(500)) {
		t.Errorf("expected balance 500, got %s", balance)
	}
}

// =============================================================================
// CONCURRENT CREDITS - No lost updates
// =============================================================================

func TestApplyDelta_ConcurrentCredits_NoLostUpdate(t *testing.T) {
	// GIVEN: N concurrent credits of 10 each with distinct references
	// WHEN: All have completed
	// THEN: Final balance increased by exactly N*10

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ApplyDelta(ctx, ledger.ApplyDeltaInput{
				PartnerID:         "ptn-1",
				Amount:            kes(10),
				Type:              ledger.TxTopUp,
				ExternalReference: fmt.Sprintf("RCPT-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent apply: %v", err)
		}
	}

	balance, err := svc.Balance(ctx, "ptn-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(kes(n * 10)) {
		t.Errorf("expected balance %d, got %s", n*10, balance)
	}
}

// =============================================================================
// INSUFFICIENT FUNDS
// =============================================================================

func TestApplyDelta_DebitBelowZero_RejectedWithoutTransaction(t *testing.T) {
	// GIVEN: Wallet with balance 100
	// WHEN: A debit of 150 is applied
	// THEN: InsufficientFunds, and no transaction row is written

	svc, mem, w := newTestService(t)
	ctx := context.Background()

	mustApply(t, svc, kes(100), ledger.TxTopUp, "RCPT1")

	_, err := svc.ApplyDelta(ctx, ledger.ApplyDeltaInput{
		PartnerID:         "ptn-1",
		Amount:            kes(150).Neg(),
		Type:              ledger.TxDisbursement,
		ExternalReference: "CONV1",
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	var detail *ledger.InsufficientFundsError
	if !errors.As(err, &detail) {
		t.Fatal("expected structured InsufficientFundsError")
	}
	if !detail.Available.Equal(kes(100)) {
		t.Errorf("expected available 100, got %s", detail.Available)
	}

	txs, err := mem.ListTransactions(ctx, w.ID, ledger.TransactionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 1 { // only the top-up
		t.Errorf("expected 1 transaction, got %d", len(txs))
	}
}

func TestApplyDelta_MissingReference_Rejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ApplyDelta(context.Background(), ledger.ApplyDeltaInput{
		PartnerID: "ptn-1",
		Amount:    kes(100),
		Type:      ledger.TxTopUp,
	})
	if !errors.Is(err, ledger.ErrReferenceRequired) {
		t.Fatalf("expected ErrReferenceRequired, got %v", err)
	}
}

func TestApplyDelta_UnknownPartner_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ApplyDelta(context.Background(), ledger.ApplyDeltaInput{
		PartnerID:         "ptn-missing",
		Amount:            kes(100),
		Type:              ledger.TxTopUp,
		ExternalReference: "RCPT1",
	})
	if !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

// =============================================================================
// CONFLICT RETRY LOOP
// =============================================================================

// conflictingStore fails the first n WithTx calls with a concurrency
// conflict, simulating lost optimistic writes.
type conflictingStore struct {
	*store.Memory
	mu        sync.Mutex
	conflicts int
}

func (c *conflictingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	c.mu.Lock()
	inject := c.conflicts > 0
	if inject {
		c.conflicts--
	}
	c.mu.Unlock()

	if inject {
		return ledger.ErrConcurrencyConflict
	}
	return c.Memory.WithTx(ctx, fn)
}

func TestApplyDelta_ConflictIsRetriedLocally(t *testing.T) {
	// GIVEN: The first two balance writes lose to concurrent writers
	// WHEN: ApplyDelta runs with the default retry budget
	// THEN: The third attempt succeeds without surfacing the conflict

	mem := store.NewMemory()
	flaky := &conflictingStore{Memory: mem, conflicts: 2}
	svc := ledger.NewWalletService(flaky)
	svc.RetryBackoff = 1 // keep the test fast

	ctx := context.Background()
	if err := mem.CreatePartner(ctx, ledger.Partner{ID: "ptn-1", ShortCode: "ACM", Active: true}); err != nil {
		t.Fatalf("create partner: %v", err)
	}
	if _, err := svc.OpenWallet(ctx, "ptn-1", "KES", kes(0)); err != nil {
		t.Fatalf("open wallet: %v", err)
	}

	res, err := svc.ApplyDelta(ctx, ledger.ApplyDeltaInput{
		PartnerID:         "ptn-1",
		Amount:            kes(500),
		Type:              ledger.TxTopUp,
		ExternalReference: "RCPT1",
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if !res.NewBalance.Equal(kes(500)) {
		t.Errorf("expected balance 500, got %s", res.NewBalance)
	}
}

func TestApplyDelta_ConflictBudgetExhausted_Surfaces(t *testing.T) {
	mem := store.NewMemory()
	flaky := &conflictingStore{Memory: mem, conflicts: 10}
	svc := ledger.NewWalletService(flaky)
	svc.RetryBackoff = 1

	ctx := context.Background()
	if err := mem.CreatePartner(ctx, ledger.Partner{ID: "ptn-1", ShortCode: "ACM", Active: true}); err != nil {
		t.Fatalf("create partner: %v", err)
	}
	if _, err := svc.OpenWallet(ctx, "ptn-1", "KES", kes(0)); err != nil {
		t.Fatalf("open wallet: %v", err)
	}

	_, err := svc.ApplyDelta(ctx, ledger.ApplyDeltaInput{
		PartnerID:         "ptn-1",
		Amount:            kes(500),
		Type:              ledger.TxTopUp,
		ExternalReference: "RCPT1",
	})
	if !errors.Is(err, ledger.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict after retries, got %v", err)
	}
	if !ledger.IsRetryable(err) {
		t.Error("expected conflict to be classified retryable")
	}
}
