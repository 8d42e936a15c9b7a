/*
Package processor contains the reconciliation triggers: the event handlers
that turn upstream gateway events into wallet mutations.

PURPOSE:
  Three flows converge on ledger.WalletService.ApplyDelta:
  - Collection confirmed (payer sent money in)     -> credit
  - Disbursement outcome (B2C callback)            -> debit / reversal
  - Manual correction (administrative adjustment)  -> signed delta

  Upstream gateways deliver duck-shaped JSON. The boundary parsers in the
  gateway package map each raw payload into the normalized variants defined
  here (CollectionEvent, DisbursementCallback, SMSDeliveryReport); the
  ledger core never consumes raw JSON.

FAILURE SEMANTICS:
  Any failure to resolve a partner, duplicate reference, or write conflict
  is reported to the caller and the inbound event is NOT marked processed,
  so webhook redelivery or operator retry re-drives it. The idempotency key
  in ApplyDelta makes re-driving safe.

SEE ALSO:
  - collection.go: received -> allocated -> wallet_credited
  - disbursement.go: queued -> accepted -> success | failed
  - adjustment.go: requested -> wallet_credited
*/
package processor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pesaflow/ledger-engine/ledger"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrCollectionNotFound is returned when a collection id does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDisbursementNotFound is returned when a conversation id does not
	// match any disbursement request.
	ErrDisbursementNotFound = errors.New("disbursement not found")

	// ErrAlreadyAllocated is returned when manually allocating a collection
	// that has already credited a wallet.
	ErrAlreadyAllocated = errors.New("collection already allocated")

	// ErrBadAccountReference is returned when an inbound account reference
	// does not match the <account><separator><shortCode> format.
	ErrBadAccountReference = errors.New("malformed account reference")

	// ErrInvalidAmount is returned for zero or negative disbursement amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// =============================================================================
// NORMALIZED UPSTREAM EVENTS (tagged variants)
// =============================================================================

// CollectionChannel identifies which inbound channel delivered a payment.
type CollectionChannel string

const (
	ChannelMobileMoney CollectionChannel = "mobile_money" // C2B paybill
	ChannelBank        CollectionChannel = "bank"         // STK push
)

// CollectionEvent is the normalized form of an inbound payment notification.
type CollectionEvent struct {
	Channel          CollectionChannel
	ExternalID       string // upstream transaction id; the idempotency key
	Amount           ledger.Money
	PayerMSISDN      string
	AccountReference string
	OccurredAt       time.Time
}

// DisbursementCallback is the normalized form of an asynchronous B2C
// outcome report. ResultCode zero means success.
type DisbursementCallback struct {
	ConversationID    string
	ResultCode        int
	ResultDescription string
	ReceiptNumber     string
	ReceivedAt        time.Time
}

// SMSDeliveryReport is the normalized form of a bulk-SMS delivery status
// callback. Never balance-affecting.
type SMSDeliveryReport struct {
	MessageID  string
	MSISDN     string
	Status     string
	ReceivedAt time.Time
}

// =============================================================================
// COLLECTION RECORD - Persisted inbound payment
// =============================================================================

type CollectionStatus string

const (
	CollectionReceived    CollectionStatus = "received"
	CollectionUnallocated CollectionStatus = "unallocated" // parked, awaiting manual allocation
	CollectionAllocated   CollectionStatus = "allocated"
	CollectionCredited    CollectionStatus = "wallet_credited"
)

// CollectionRecord is the stored copy of an inbound payment. Parked events
// (no resolvable partner) stay retrievable here as "unallocated"; the money
// is never silently dropped.
type CollectionRecord struct {
	ID               string
	Channel          CollectionChannel
	ExternalID       string
	Amount           ledger.Money
	PayerMSISDN      string
	AccountReference string
	PartnerID        ledger.PartnerID // empty until allocated
	Status           CollectionStatus
	OccurredAt       time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// =============================================================================
// DISBURSEMENT REQUEST - Debit intent
// =============================================================================

type DisbursementStatus string

const (
	DisbursementQueued       DisbursementStatus = "queued"
	DisbursementAccepted     DisbursementStatus = "accepted"
	DisbursementSucceeded    DisbursementStatus = "success"
	DisbursementFailed       DisbursementStatus = "failed"
	DisbursementManualReview DisbursementStatus = "manual_review" // failed upstream, reversal awaiting operator
)

// DisbursementRequest is a debit intent directed at a phone-number-
// identified recipient. Status is advanced asynchronously by upstream
// callbacks, which may arrive zero, one, or more times per conversation id.
type DisbursementRequest struct {
	ID                string
	PartnerID         ledger.PartnerID
	Amount            ledger.Money // positive; the ledger debit is the negation
	RecipientMSISDN   string
	Status            DisbursementStatus
	ConversationID    string
	ResultCode        *int
	ResultDescription string
	ReceiptNumber     string
	RetryCount        int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// =============================================================================
// SMS MESSAGE - Notification side-effect log
// =============================================================================

type SMSMessage struct {
	ID        string
	PartnerID ledger.PartnerID
	SenderID  string
	MSISDN    string
	Body      string
	MessageID string // gateway-assigned, set on acceptance
	Status    string // queued | sent | delivered | failed
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// RECONCILIATION RUN - Audit record of a drift check
// =============================================================================

type ReconciliationRun struct {
	ID          string
	WalletID    ledger.WalletID
	Cached      ledger.Money
	Recomputed  ledger.Money
	Drift       ledger.Money
	Consistent  bool
	Status      string // completed | failed
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// =============================================================================
// ACCOUNT REFERENCE - <fixedAccountNumber><separator><partnerShortCode>
// =============================================================================

// AccountRefSeparator splits the fixed paybill account number from the
// partner short code in inbound account references, e.g. "77001#ACM".
const AccountRefSeparator = "#"

// ParseAccountReference extracts the partner short code from an inbound
// account reference. The prefix must match the configured fixed account
// number exactly. An optional trailing segment tags a loan account,
// e.g. "77001#ACM#LN-9"; see LoanTag.
func ParseAccountReference(ref, fixedAccountNumber string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(ref), AccountRefSeparator, 3)
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %q", ErrBadAccountReference, ref)
	}
	if parts[0] != fixedAccountNumber {
		return "", fmt.Errorf("%w: unexpected account number %q", ErrBadAccountReference, parts[0])
	}
	code := strings.TrimSpace(parts[1])
	if code == "" {
		return "", fmt.Errorf("%w: empty short code", ErrBadAccountReference)
	}
	return code, nil
}

// LoanTag returns the loan account segment of an account reference, or ""
// when the payment does not repay a loan.
func LoanTag(ref string) string {
	parts := strings.SplitN(strings.TrimSpace(ref), AccountRefSeparator, 3)
	if len(parts) < 3 {
		return ""
	}
	return strings.TrimSpace(parts[2])
}
