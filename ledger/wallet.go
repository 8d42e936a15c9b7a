/*
wallet.go - WalletService, the sole balance mutation path

PURPOSE:
  ApplyDelta is the only way a wallet balance changes. It writes the
  transaction-log entry and the balance update as one atomic unit, enforces
  the non-negative balance policy, and makes replays of the same upstream
  event a no-op.

CONTRACT (ApplyDelta):
  1. newBalance == oldBalance + signedAmount
  2. A Transaction row explaining the change commits with the balance write
  3. A repeated external reference returns the FIRST call's result unchanged
  4. A debit that would breach zero fails with InsufficientFunds and writes
     no transaction row

CONCURRENCY:
  Two callbacks for the same wallet can arrive concurrently. The balance
  write is version-checked (optimistic locking); on conflict the whole
  read-compute-write is retried with bounded backoff before
  ErrConcurrencyConflict surfaces. An application-level mutex would not do:
  multiple service instances may run against the same database.

REPLAY RACES:
  The replay check inside the transaction closes most redeliveries cheaply.
  Two simultaneous deliveries of the same event can still race past it;
  the (wallet_id, external_reference) uniqueness constraint then rejects
  the loser, which is resolved by returning the recorded result.

SEE ALSO:
  - store.go: UpdateBalance version contract
  - log.go: Read-side queries and reconciliation
*/
package ledger

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// WALLET SERVICE
// =============================================================================

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 25 * time.Millisecond
)

// WalletService is the single source of truth for a partner's spendable
// balance.
type WalletService struct {
	Store TxStore

	// MaxRetries bounds the local retry loop for ErrConcurrencyConflict.
	MaxRetries int

	// RetryBackoff is the base backoff between retries (doubled per attempt).
	RetryBackoff time.Duration
}

func NewWalletService(store TxStore) *WalletService {
	return &WalletService{
		Store:        store,
		MaxRetries:   defaultMaxRetries,
		RetryBackoff: defaultRetryBackoff,
	}
}

// ApplyDeltaInput describes one balance-affecting event.
type ApplyDeltaInput struct {
	PartnerID         PartnerID
	Amount            Money // signed: credits positive, debits negative
	Type              TransactionType
	ExternalReference string // required; upstream idempotency key
	Metadata          map[string]string
}

// ApplyDeltaResult is returned to the reconciliation trigger. Replayed is
// true when the external reference had already been recorded and the call
// was a no-op.
type ApplyDeltaResult struct {
	WalletID      WalletID
	NewBalance    Money
	TransactionID TransactionID
	Replayed      bool
}

// Balance reads the partner's current balance.
func (s *WalletService) Balance(ctx context.Context, partnerID PartnerID) (Money, error) {
	w, err := s.Store.GetWalletByPartner(ctx, partnerID)
	if err != nil {
		return Money{}, err
	}
	return w.Balance, nil
}

// OpenWallet creates the wallet row for a newly registered partner.
func (s *WalletService) OpenWallet(ctx context.Context, partnerID PartnerID, currency string, lowBalanceThreshold Money) (Wallet, error) {
	now := time.Now().UTC()
	w := Wallet{
		ID:                  WalletID("wal-" + string(NewTransactionID())),
		PartnerID:           partnerID,
		Balance:             Money{Currency: currency}.Zero(),
		Currency:            currency,
		LowBalanceThreshold: lowBalanceThreshold,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.Store.CreateWallet(ctx, w); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

// ApplyDelta applies a signed amount to the partner's wallet, recording a
// transaction-log entry in the same database transaction.
func (s *WalletService) ApplyDelta(ctx context.Context, in ApplyDeltaInput) (ApplyDeltaResult, error) {
	if in.ExternalReference == "" {
		return ApplyDeltaResult{}, ErrReferenceRequired
	}

	retries := s.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	backoff := s.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		res, err := s.applyOnce(ctx, in)
		switch {
		case err == nil:
			return res, nil

		case errors.Is(err, ErrConcurrencyConflict):
			lastErr = err
			select {
			case <-ctx.Done():
				return ApplyDeltaResult{}, ctx.Err()
			case <-time.After(backoff << attempt):
			}

		case errors.Is(err, ErrDuplicateReference):
			// Lost the race to another delivery of the same event; the
			// recorded result is the answer.
			return s.replayResult(ctx, in)

		default:
			return ApplyDeltaResult{}, err
		}
	}
	return ApplyDeltaResult{}, lastErr
}

// applyOnce runs a single read-compute-write attempt atomically.
func (s *WalletService) applyOnce(ctx context.Context, in ApplyDeltaInput) (ApplyDeltaResult, error) {
	var res ApplyDeltaResult

	err := s.Store.WithTx(ctx, func(st Store) error {
		w, err := st.GetWalletByPartner(ctx, in.PartnerID)
		if err != nil {
			return err
		}

		// Idempotent replay: the reference is already recorded.
		existing, err := st.FindByReference(ctx, w.ID, in.ExternalReference)
		if err != nil {
			return err
		}
		if existing != nil {
			res = ApplyDeltaResult{
				WalletID:      w.ID,
				NewBalance:    existing.BalanceAfter,
				TransactionID: existing.ID,
				Replayed:      true,
			}
			return nil
		}

		newBalance := w.Balance.Add(in.Amount)
		if in.Amount.IsNegative() && newBalance.IsNegative() {
			return &InsufficientFundsError{
				WalletID:  w.ID,
				Available: w.Balance,
				Requested: in.Amount,
			}
		}

		tx := Transaction{
			ID:                NewTransactionID(),
			WalletID:          w.ID,
			Amount:            in.Amount,
			Type:              in.Type,
			Status:            StatusCompleted,
			ExternalReference: in.ExternalReference,
			Metadata:          in.Metadata,
			BalanceAfter:      newBalance,
			CreatedAt:         time.Now().UTC(),
		}
		if err := st.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		var topUpAt *time.Time
		if in.Type == TxTopUp {
			t := tx.CreatedAt
			topUpAt = &t
		}
		if err := st.UpdateBalance(ctx, w.ID, newBalance, topUpAt, w.Version); err != nil {
			return err
		}

		res = ApplyDeltaResult{
			WalletID:      w.ID,
			NewBalance:    newBalance,
			TransactionID: tx.ID,
		}
		return nil
	})
	if err != nil {
		return ApplyDeltaResult{}, err
	}
	return res, nil
}

// replayResult loads the result previously recorded under the reference.
func (s *WalletService) replayResult(ctx context.Context, in ApplyDeltaInput) (ApplyDeltaResult, error) {
	w, err := s.Store.GetWalletByPartner(ctx, in.PartnerID)
	if err != nil {
		return ApplyDeltaResult{}, err
	}
	existing, err := s.Store.FindByReference(ctx, w.ID, in.ExternalReference)
	if err != nil {
		return ApplyDeltaResult{}, err
	}
	if existing == nil {
		// Constraint fired but the row is not visible; surface as a conflict
		// so the upstream retry re-drives the operation.
		return ApplyDeltaResult{}, ErrConcurrencyConflict
	}
	return ApplyDeltaResult{
		WalletID:      w.ID,
		NewBalance:    existing.BalanceAfter,
		TransactionID: existing.ID,
		Replayed:      true,
	}, nil
}
