/*
store.go - Persistence interfaces for wallets, transactions, and partners

PURPOSE:
  Defines the interface between the wallet engine and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory
  storage; the engine's semantics must not depend on which one is wired.

KEY INTERFACES:
  WalletStore:      Wallet rows with version-checked balance writes
  TransactionStore: Append-only transaction log
  PartnerStore:     Partner directory (resolve by id or short code)
  TxStore:          Atomic multi-write operations

APPEND-ONLY CONTRACT:
  The transaction log has no Update or Delete. Corrections are made via
  reversal transactions.

IDEMPOTENCY:
  AppendTransaction enforces uniqueness of (wallet_id, external_reference)
  at the storage layer and reports a violation as ErrDuplicateReference.
  The constraint violation IS the idempotent-replay signal; there is no
  separate check-then-insert window.

IMPLEMENTATIONS:
  - store/sqlite:        Embedded SQLite (dev, tests)
  - store/postgres:      Production PostgreSQL
  - ledger/store/memory: In-memory for unit tests

SEE ALSO:
  - wallet.go: WalletService, the only caller of UpdateBalance
  - log.go: Read-side queries over the transaction log
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WALLET STORE
// =============================================================================

// WalletStore persists wallet rows.
//
// UpdateBalance is version-checked: the write succeeds only when the stored
// version equals expectedVersion, and increments it. A mismatch returns
// ErrConcurrencyConflict. No caller may observe a stale balance and commit
// a delta against it.
type WalletStore interface {
	CreateWallet(ctx context.Context, w Wallet) error

	// GetWallet returns the wallet or ErrWalletNotFound.
	GetWallet(ctx context.Context, id WalletID) (*Wallet, error)

	// GetWalletByPartner returns the partner's wallet or ErrWalletNotFound.
	GetWalletByPartner(ctx context.Context, partnerID PartnerID) (*Wallet, error)

	// UpdateBalance writes the new balance iff version matches.
	// lastTopUpAt, when non-nil, also advances the last top-up timestamp.
	UpdateBalance(ctx context.Context, id WalletID, balance Money, lastTopUpAt *time.Time, expectedVersion int64) error

	ListWallets(ctx context.Context) ([]Wallet, error)
}

// =============================================================================
// TRANSACTION STORE - Append-only
// =============================================================================

// TransactionFilter narrows ListTransactions output. Zero value lists
// everything with the default page size.
type TransactionFilter struct {
	Types    []TransactionType
	Statuses []TransactionStatus
	Limit    int // default 50
	Offset   int
}

// TransactionStore handles persistence of ledger entries.
// IMPORTANT: append-only. No Update, No Delete. Ever.
type TransactionStore interface {
	// AppendTransaction persists an entry. Returns ErrDuplicateReference if
	// (wallet_id, external_reference) already exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// FindByReference returns the entry holding the external reference for
	// this wallet, or (nil, nil) when absent.
	FindByReference(ctx context.Context, walletID WalletID, ref string) (*Transaction, error)

	// ListTransactions returns entries newest-first by sequence, paginated.
	ListTransactions(ctx context.Context, walletID WalletID, filter TransactionFilter) ([]Transaction, error)

	// SumCompleted returns the signed sum of completed entries for a wallet.
	SumCompleted(ctx context.Context, walletID WalletID) (decimal.Decimal, error)
}

// =============================================================================
// PARTNER STORE - Directory of tenants
// =============================================================================

type PartnerStore interface {
	CreatePartner(ctx context.Context, p Partner) error

	// GetPartner returns the partner or ErrPartnerNotFound.
	GetPartner(ctx context.Context, id PartnerID) (*Partner, error)

	// ResolvePartnerByShortCode returns the ACTIVE partner holding the short
	// code, or ErrPartnerNotFound. Inactive partners do not resolve.
	ResolvePartnerByShortCode(ctx context.Context, shortCode string) (*Partner, error)

	ListPartners(ctx context.Context) ([]Partner, error)

	// DeactivatePartner flips the active flag. Partners with financial
	// history are never hard-deleted.
	DeactivatePartner(ctx context.Context, id PartnerID) error
}

// Store is the full persistence surface the engine needs.
type Store interface {
	WalletStore
	TransactionStore
	PartnerStore
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic log append + balance write
// =============================================================================

// TxStore wraps Store with transaction support. ApplyDelta requires it:
// the transaction row and the balance mutation it explains commit as a unit.
type TxStore interface {
	Store

	// WithTx executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
