/*
collection.go - Collection confirmed: received -> allocated -> wallet_credited

PURPOSE:
  Handles inbound payment notifications (mobile-money C2B, bank STK push).
  Resolves the owning partner from the account reference and credits the
  partner's wallet, keyed by the upstream transaction id.

PARKING:
  If the short code does not resolve to an active partner, the event is
  persisted as "unallocated" and PartnerNotFound is reported. The raw event
  stays retrievable for manual allocation; money is never silently dropped.

REPLAY:
  Webhook redelivery re-enters HandleCollection from the top. Every step is
  idempotent: the record upsert converges, and the wallet credit replays as
  a no-op on its external reference.
*/
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pesaflow/ledger-engine/ledger"
)

// =============================================================================
// COLLECTION PROCESSOR
// =============================================================================

// LoanRepayment is forwarded to the loan-management system when a credited
// collection's account reference tags a loan account.
type LoanRepayment struct {
	LoanID        string
	Amount        ledger.Money
	ReceiptNumber string // the upstream transaction id
	PaidAt        time.Time
}

// RepaymentNotifier posts repayments to the loan-management system.
// Side-effect only; a notification failure never fails the credit.
type RepaymentNotifier interface {
	NotifyRepayment(ctx context.Context, rp LoanRepayment) (string, error)
}

// CollectionProcessor turns inbound payment events into wallet credits.
type CollectionProcessor struct {
	Wallets   *ledger.WalletService
	Directory ledger.PartnerStore
	Store     Store

	// FixedAccountNumber is the paybill/account prefix expected before the
	// short-code separator in inbound account references.
	FixedAccountNumber string

	// Loans, when set, receives repayments for loan-tagged references.
	Loans RepaymentNotifier

	Logger *zap.Logger
}

func NewCollectionProcessor(wallets *ledger.WalletService, directory ledger.PartnerStore, store Store, fixedAccountNumber string, logger *zap.Logger) *CollectionProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollectionProcessor{
		Wallets:            wallets,
		Directory:          directory,
		Store:              store,
		FixedAccountNumber: fixedAccountNumber,
		Logger:             logger,
	}
}

// HandleCollection processes one normalized inbound payment.
// Safe to re-drive: the credit is keyed by the upstream transaction id.
func (p *CollectionProcessor) HandleCollection(ctx context.Context, ev CollectionEvent) (ledger.ApplyDeltaResult, error) {
	rec, err := p.ensureRecord(ctx, ev)
	if err != nil {
		return ledger.ApplyDeltaResult{}, err
	}

	// Already allocated (possibly manually, to a partner the account
	// reference never resolved to): re-drive the credit to the recorded
	// partner. The ledger replays it as a no-op. Re-resolving here would
	// let a redelivery demote or re-route an allocated record.
	if rec.Status == CollectionAllocated || rec.Status == CollectionCredited {
		return p.credit(ctx, rec, rec.PartnerID)
	}

	shortCode, err := ParseAccountReference(ev.AccountReference, p.FixedAccountNumber)
	if err != nil {
		p.park(ctx, rec, err)
		return ledger.ApplyDeltaResult{}, err
	}

	partner, err := p.Directory.ResolvePartnerByShortCode(ctx, shortCode)
	if err != nil {
		p.park(ctx, rec, err)
		return ledger.ApplyDeltaResult{}, fmt.Errorf("short code %q: %w", shortCode, ledger.ErrPartnerNotFound)
	}

	return p.credit(ctx, rec, partner.ID)
}

// Allocate assigns a parked collection to a partner and credits the wallet.
// Operator path for events whose account reference never resolved.
func (p *CollectionProcessor) Allocate(ctx context.Context, collectionID string, partnerID ledger.PartnerID) (ledger.ApplyDeltaResult, error) {
	rec, err := p.Store.GetCollection(ctx, collectionID)
	if err != nil {
		return ledger.ApplyDeltaResult{}, err
	}
	if rec == nil {
		return ledger.ApplyDeltaResult{}, ErrCollectionNotFound
	}
	if rec.Status == CollectionCredited {
		return ledger.ApplyDeltaResult{}, ErrAlreadyAllocated
	}

	partner, err := p.Directory.GetPartner(ctx, partnerID)
	if err != nil {
		return ledger.ApplyDeltaResult{}, err
	}
	if !partner.Active {
		return ledger.ApplyDeltaResult{}, fmt.Errorf("partner %s inactive: %w", partnerID, ledger.ErrPartnerNotFound)
	}

	return p.credit(ctx, rec, partner.ID)
}

// Unallocated returns parked events awaiting manual allocation.
func (p *CollectionProcessor) Unallocated(ctx context.Context) ([]CollectionRecord, error) {
	return p.Store.ListUnallocatedCollections(ctx)
}

// =============================================================================
// INTERNALS
// =============================================================================

// ensureRecord persists the raw event before any processing so it is never
// lost, converging on redelivery.
func (p *CollectionProcessor) ensureRecord(ctx context.Context, ev CollectionEvent) (*CollectionRecord, error) {
	existing, err := p.Store.GetCollectionByExternalID(ctx, ev.Channel, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	rec := CollectionRecord{
		ID:               "col-" + uuid.NewString(),
		Channel:          ev.Channel,
		ExternalID:       ev.ExternalID,
		Amount:           ev.Amount,
		PayerMSISDN:      ev.PayerMSISDN,
		AccountReference: ev.AccountReference,
		Status:           CollectionReceived,
		OccurredAt:       ev.OccurredAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.Store.SaveCollection(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// credit runs allocated -> wallet_credited. The record only advances to
// wallet_credited after the ledger write lands, so a crash in between is
// re-driven by the next delivery.
func (p *CollectionProcessor) credit(ctx context.Context, rec *CollectionRecord, partnerID ledger.PartnerID) (ledger.ApplyDeltaResult, error) {
	rec.PartnerID = partnerID
	rec.Status = CollectionAllocated
	rec.UpdatedAt = time.Now().UTC()
	if err := p.Store.SaveCollection(ctx, *rec); err != nil {
		return ledger.ApplyDeltaResult{}, err
	}

	res, err := p.Wallets.ApplyDelta(ctx, ledger.ApplyDeltaInput{
		PartnerID:         partnerID,
		Amount:            rec.Amount,
		Type:              ledger.TxTopUp,
		ExternalReference: rec.ExternalID,
		Metadata: map[string]string{
			"channel":      string(rec.Channel),
			"payer_msisdn": rec.PayerMSISDN,
			"account_ref":  rec.AccountReference,
		},
	})
	if err != nil {
		return ledger.ApplyDeltaResult{}, err
	}

	rec.Status = CollectionCredited
	rec.UpdatedAt = time.Now().UTC()
	if err := p.Store.SaveCollection(ctx, *rec); err != nil {
		return ledger.ApplyDeltaResult{}, err
	}

	p.Logger.Info("collection credited",
		zap.String("collection_id", rec.ID),
		zap.String("external_id", rec.ExternalID),
		zap.String("partner_id", string(partnerID)),
		zap.String("amount", rec.Amount.String()),
		zap.Bool("replayed", res.Replayed),
	)

	p.notifyLoanRepayment(ctx, rec, res)
	return res, nil
}

// notifyLoanRepayment forwards loan-tagged credits to the LMS. Fires once
// per collection: replays skip it.
func (p *CollectionProcessor) notifyLoanRepayment(ctx context.Context, rec *CollectionRecord, res ledger.ApplyDeltaResult) {
	if p.Loans == nil || res.Replayed {
		return
	}
	loanID := LoanTag(rec.AccountReference)
	if loanID == "" {
		return
	}

	repaymentID, err := p.Loans.NotifyRepayment(ctx, LoanRepayment{
		LoanID:        loanID,
		Amount:        rec.Amount,
		ReceiptNumber: rec.ExternalID,
		PaidAt:        rec.OccurredAt,
	})
	if err != nil {
		p.Logger.Error("loan repayment notification failed",
			zap.String("collection_id", rec.ID),
			zap.String("loan_id", loanID),
			zap.Error(err))
		return
	}
	p.Logger.Info("loan repayment posted",
		zap.String("collection_id", rec.ID),
		zap.String("loan_id", loanID),
		zap.String("repayment_id", repaymentID))
}

// park holds an unresolvable event for manual allocation. Only freshly
// received records park; anything already parked or allocated keeps its
// status, so a redelivery can never demote a credited record.
func (p *CollectionProcessor) park(ctx context.Context, rec *CollectionRecord, cause error) {
	if rec.Status != CollectionReceived {
		return
	}
	rec.Status = CollectionUnallocated
	rec.UpdatedAt = time.Now().UTC()
	if err := p.Store.SaveCollection(ctx, *rec); err != nil {
		p.Logger.Error("failed to park collection",
			zap.String("collection_id", rec.ID), zap.Error(err))
		return
	}
	p.Logger.Warn("collection parked for manual allocation",
		zap.String("collection_id", rec.ID),
		zap.String("external_id", rec.ExternalID),
		zap.String("account_ref", rec.AccountReference),
		zap.NamedError("cause", cause),
	)
}
