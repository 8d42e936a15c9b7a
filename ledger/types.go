/*
Package ledger provides the core partner wallet engine.

PURPOSE:
  This package contains the types and algorithms for managing partner
  float: one running balance per partner, an append-only transaction log
  explaining every balance change, and the ApplyDelta entry point that
  keeps the two consistent.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A fixed-point amount with a currency code
  - Transaction: An immutable ledger entry recording a balance change
  - Wallet: The cached current-value view of a partner's float
  - Partner: The tenant that owns a wallet

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing partner/wallet IDs
  4. Auditability: Every transaction carries an external reference
     (idempotency key) tying it to the upstream event that caused it

SEE ALSO:
  - wallet.go: ApplyDelta, the sole balance mutation path
  - log.go: Transaction log queries and reconciliation
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point amount with currency
// =============================================================================

type Money struct {
	Value    decimal.Decimal
	Currency string
}

func NewMoney(value float64, currency string) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewMoneyFromInt(value int64, currency string) Money {
	return Money{Value: decimal.NewFromInt(value), Currency: currency}
}

// ParseMoney parses a decimal string ("1500.00") into Money.
func ParseMoney(s string, currency string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d, Currency: currency}, nil
}

func (m Money) Zero() Money              { return Money{Value: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(o Money) Money        { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money        { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) Neg() Money               { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) Abs() Money               { return Money{Value: m.Value.Abs(), Currency: m.Currency} }
func (m Money) IsNegative() bool         { return m.Value.IsNegative() }
func (m Money) IsZero() bool             { return m.Value.IsZero() }
func (m Money) IsPositive() bool         { return m.Value.IsPositive() }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool    { return m.Value.LessThan(o.Value) }
func (m Money) Equal(o Money) bool       { return m.Value.Equal(o.Value) }
func (m Money) String() string           { return m.Value.StringFixed(2) + " " + m.Currency }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PartnerID string
type WalletID string
type TransactionID string

// NewTransactionID generates a fresh transaction identifier.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.NewString())
}

// =============================================================================
// TRANSACTION - Atomic change to a wallet balance
// =============================================================================

type TransactionType string

const (
	TxTopUp        TransactionType = "top_up"       // Collection credit or manual top-up
	TxDisbursement TransactionType = "disbursement" // B2C debit (accept-time reservation)
	TxReversal     TransactionType = "reversal"     // Compensating credit for a failed debit
	TxCharge       TransactionType = "charge"       // Service fee debit
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Transaction is an immutable ledger entry.
//
// ExternalReference is the idempotency key: the upstream identifier of the
// event that caused this entry (collection receipt number, disbursement
// conversation id, operator-supplied reference). It is unique per wallet.
//
// Seq is the database-assigned sequence that totally orders entries per
// wallet. Wall-clock CreatedAt is informational only; clock skew between
// retries must not reorder audit output.
type Transaction struct {
	ID                TransactionID
	WalletID          WalletID
	Amount            Money // signed: credits positive, debits negative
	Type              TransactionType
	Status            TransactionStatus
	ExternalReference string
	Metadata          map[string]string
	BalanceAfter      Money // wallet balance once this entry applied
	Seq               int64
	CreatedAt         time.Time
}

// =============================================================================
// WALLET - Cached current-value view of a partner's float
// =============================================================================

// Wallet holds the spendable balance for one partner.
//
// INVARIANT: Balance == sum of signed amounts of completed transactions.
// The version counter backs optimistic concurrency: every balance write
// checks-and-increments it, so two concurrent reconciliation triggers can
// never both commit against the same observed balance.
type Wallet struct {
	ID                  WalletID
	PartnerID           PartnerID
	Balance             Money
	Currency            string
	LowBalanceThreshold Money
	LastTopUpAt         *time.Time
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// BelowThreshold reports whether the balance has crossed the low-balance
// alert line.
func (w Wallet) BelowThreshold() bool {
	return w.Balance.LessThan(w.LowBalanceThreshold)
}

// =============================================================================
// PARTNER - Tenant that owns a wallet
// =============================================================================

// ChannelCredentials holds per-channel API credentials for a partner.
// Stored encrypted at rest; the store layer handles sealing.
type ChannelCredentials struct {
	CollectionKey      string
	CollectionSecret   string
	DisbursementKey    string
	DisbursementSecret string
}

// Partner is a tenant/business entity. Partners are deactivated, never
// hard-deleted, while financial history exists.
type Partner struct {
	ID            PartnerID
	Name          string
	ShortCode     string // account-reference suffix for collection routing
	ContactMSISDN string // operational alerts (low balance, failures)
	Active        bool
	Credentials   ChannelCredentials
	CreatedAt     time.Time
}
