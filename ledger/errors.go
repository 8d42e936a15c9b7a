/*
errors.go - Centralized error taxonomy for the wallet engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Handlers map these to structured HTTP responses; a NotFound or
  InsufficientFunds must never surface as a generic internal error.

ERROR CATEGORIES:
  1. Lookup errors   - missing wallet/partner
  2. Ledger errors   - duplicate reference, insufficient funds
  3. Write conflicts - optimistic-concurrency failures (retried locally)
  4. Upstream errors - gateway timeout vs explicit rejection

USAGE:
  Callers branch with errors.Is():

    if errors.Is(err, ledger.ErrDuplicateReference) {
        // idempotent replay, not a failure
    }

SEE ALSO:
  - wallet.go: Retries ErrConcurrencyConflict before surfacing it
  - api/handlers.go: HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrWalletNotFound is returned when no wallet row exists for a partner.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrPartnerNotFound is returned when a partner id or short code does not
	// resolve to an active partner.
	ErrPartnerNotFound = errors.New("partner not found")

	// ErrDuplicateReference is returned when a transaction with the same
	// external reference already exists for the wallet. This is the expected
	// signal for webhook redelivery and operator retries.
	ErrDuplicateReference = errors.New("duplicate external reference")

	// ErrInsufficientFunds is returned when a debit would drive the wallet
	// balance negative. Disbursements must not fire without covered float.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConcurrencyConflict is returned when a version-checked balance write
	// loses to a concurrent writer. Retried inside WalletService.
	ErrConcurrencyConflict = errors.New("concurrent wallet modification detected")

	// ErrUpstreamTimeout is returned when a gateway call did not respond in
	// time. The request stays pending; only an explicit callback or operator
	// action may close it out.
	ErrUpstreamTimeout = errors.New("upstream gateway timeout")

	// ErrUpstreamRejected is returned when a gateway explicitly declined the
	// request. Terminal; no retry.
	ErrUpstreamRejected = errors.New("upstream gateway rejected request")

	// ErrReferenceRequired is returned when a mutation is attempted without
	// an external reference. Every balance change must be keyed.
	ErrReferenceRequired = errors.New("external reference required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a float shortage.
type InsufficientFundsError struct {
	WalletID  WalletID
	Available Money
	Requested Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s",
		e.Available, e.Requested.Abs())
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// DuplicateReferenceError identifies the transaction that already holds the
// external reference.
type DuplicateReferenceError struct {
	WalletID          WalletID
	ExternalReference string
	ExistingTxID      TransactionID
}

func (e *DuplicateReferenceError) Error() string {
	return fmt.Sprintf("duplicate external reference %q on wallet %s (tx: %s)",
		e.ExternalReference, e.WalletID, e.ExistingTxID)
}

func (e *DuplicateReferenceError) Unwrap() error {
	return ErrDuplicateReference
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrDuplicateReference) ||
		errors.Is(err, ErrReferenceRequired)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrPartnerNotFound)
}
