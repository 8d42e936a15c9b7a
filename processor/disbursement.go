/*
disbursement.go - Disbursement lifecycle: queued -> accepted -> success | failed

PURPOSE:
  Submits B2C debits to the upstream gateway and applies their asynchronous
  outcomes to the wallet.

DEBIT REALIZATION:
  The debit is realized exactly once, at accept-time (optimistic
  reservation), keyed by the upstream conversation id. A failure callback
  issues a compensating credit keyed "reversal:" + conversationID. Because
  both writes are idempotent on their references, callbacks may be
  redelivered any number of times.

TIMEOUT:
  A gateway timeout leaves the request queued. The upstream operation may
  have actually succeeded; only an explicit callback or an operator action
  closes out a pending request.

POLICY:
  AutoReverse controls whether a failed disbursement reverses automatically
  or parks as manual_review for operator approval. Real money moves here;
  the choice is a deployment policy, not a hardcoded behavior.
*/
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pesaflow/ledger-engine/ledger"
)

// =============================================================================
// GATEWAY CONTRACTS (implemented by the gateway package)
// =============================================================================

// B2CSubmission is the outbound disbursement order.
type B2CSubmission struct {
	Reference   string // our request id, echoed for tracing
	Amount      ledger.Money
	MSISDN      string
	Credentials ledger.ChannelCredentials
}

// DisbursementGateway submits B2C orders upstream.
// Returns the upstream conversation id, ledger.ErrUpstreamTimeout when the
// call did not respond in time, or ledger.ErrUpstreamRejected on explicit
// decline.
type DisbursementGateway interface {
	SubmitB2C(ctx context.Context, in B2CSubmission) (string, error)
}

// SMSSender delivers notification messages. Side-effect only; a send
// failure never fails the financial operation.
type SMSSender interface {
	Send(ctx context.Context, senderID, msisdn, text string) (string, error)
}

// =============================================================================
// DISBURSEMENT PROCESSOR
// =============================================================================

type DisbursementProcessor struct {
	Wallets   *ledger.WalletService
	Directory ledger.PartnerStore
	Store     Store
	Gateway   DisbursementGateway

	// SMS, when set, sends low-balance alerts after debits. Optional.
	SMS           SMSSender
	AlertSenderID string

	// AutoReverse: reverse failed disbursements automatically. When false,
	// failed requests park as manual_review for the operator.
	AutoReverse bool

	Logger *zap.Logger
}

func NewDisbursementProcessor(wallets *ledger.WalletService, directory ledger.PartnerStore, store Store, gw DisbursementGateway, logger *zap.Logger) *DisbursementProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DisbursementProcessor{
		Wallets:     wallets,
		Directory:   directory,
		Store:       store,
		Gateway:     gw,
		AutoReverse: true,
		Logger:      logger,
	}
}

// SubmitInput is a partner's request to pay a recipient.
type SubmitInput struct {
	PartnerID       ledger.PartnerID
	Amount          ledger.Money // positive
	RecipientMSISDN string
}

// Submit creates the request, gates it on covered float, forwards it to the
// gateway, and realizes the accept-time debit.
//
// On ErrUpstreamTimeout the request (still queued) is returned alongside
// the error so the caller can surface "pending" rather than "failed".
func (p *DisbursementProcessor) Submit(ctx context.Context, in SubmitInput) (DisbursementRequest, error) {
	if !in.Amount.IsPositive() {
		return DisbursementRequest{}, ErrInvalidAmount
	}

	partner, err := p.Directory.GetPartner(ctx, in.PartnerID)
	if err != nil {
		return DisbursementRequest{}, err
	}
	if !partner.Active {
		return DisbursementRequest{}, fmt.Errorf("partner %s inactive: %w", in.PartnerID, ledger.ErrPartnerNotFound)
	}

	// Gate before the gateway fires: a disbursement must not go out
	// without covered funds. The authoritative check happens again inside
	// the atomic debit below.
	w, err := p.Wallets.Store.GetWalletByPartner(ctx, in.PartnerID)
	if err != nil {
		return DisbursementRequest{}, err
	}
	if w.Balance.LessThan(in.Amount) {
		return DisbursementRequest{}, &ledger.InsufficientFundsError{
			WalletID:  w.ID,
			Available: w.Balance,
			Requested: in.Amount.Neg(),
		}
	}

	now := time.Now().UTC()
	req := DisbursementRequest{
		ID:              "dsb-" + uuid.NewString(),
		PartnerID:       in.PartnerID,
		Amount:          in.Amount,
		RecipientMSISDN: in.RecipientMSISDN,
		Status:          DisbursementQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.Store.SaveDisbursement(ctx, req); err != nil {
		return DisbursementRequest{}, err
	}

	return p.submitUpstream(ctx, req, partner.Credentials)
}

// Resubmit retries a queued request after a gateway timeout. Operator path.
func (p *DisbursementProcessor) Resubmit(ctx context.Context, requestID string) (DisbursementRequest, error) {
	req, err := p.Store.GetDisbursement(ctx, requestID)
	if err != nil {
		return DisbursementRequest{}, err
	}
	if req == nil {
		return DisbursementRequest{}, ErrDisbursementNotFound
	}
	if req.Status != DisbursementQueued {
		return *req, fmt.Errorf("request %s is %s, only queued requests can be resubmitted", req.ID, req.Status)
	}

	partner, err := p.Directory.GetPartner(ctx, req.PartnerID)
	if err != nil {
		return *req, err
	}

	req.RetryCount++
	req.UpdatedAt = time.Now().UTC()
	if err := p.Store.SaveDisbursement(ctx, *req); err != nil {
		return *req, err
	}
	return p.submitUpstream(ctx, *req, partner.Credentials)
}

func (p *DisbursementProcessor) submitUpstream(ctx context.Context, req DisbursementRequest, creds ledger.ChannelCredentials) (DisbursementRequest, error) {
	conversationID, err := p.Gateway.SubmitB2C(ctx, B2CSubmission{
		Reference:   req.ID,
		Amount:      req.Amount,
		MSISDN:      req.RecipientMSISDN,
		Credentials: creds,
	})

	switch {
	case errors.Is(err, ledger.ErrUpstreamTimeout):
		// The order may have landed upstream. Stay queued; never mark
		// failed on a timeout.
		p.Logger.Warn("disbursement submission timed out, left queued",
			zap.String("request_id", req.ID))
		return req, err

	case err != nil:
		req.Status = DisbursementFailed
		req.ResultDescription = err.Error()
		req.UpdatedAt = time.Now().UTC()
		if saveErr := p.Store.SaveDisbursement(ctx, req); saveErr != nil {
			return req, saveErr
		}
		return req, err
	}

	req.ConversationID = conversationID
	req.Status = DisbursementAccepted
	req.UpdatedAt = time.Now().UTC()
	if err := p.Store.SaveDisbursement(ctx, req); err != nil {
		return req, err
	}

	// Accept-time debit, keyed by the conversation id. If this write loses
	// its retry budget the request stays accepted and the success callback
	// re-drives the same idempotent debit.
	res, err := p.debit(ctx, req)
	if err != nil {
		p.Logger.Error("accept-time debit did not land, awaiting callback re-drive",
			zap.String("request_id", req.ID),
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err))
		return req, err
	}

	p.lowBalanceAlert(ctx, req.PartnerID, res)
	p.Logger.Info("disbursement accepted",
		zap.String("request_id", req.ID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("amount", req.Amount.String()),
		zap.String("new_balance", res.NewBalance.String()),
	)
	return req, nil
}

// HandleCallback applies an asynchronous outcome report.
// Redelivery-safe: both the debit and the reversal replay as no-ops.
func (p *DisbursementProcessor) HandleCallback(ctx context.Context, cb DisbursementCallback) (DisbursementRequest, error) {
	req, err := p.Store.GetDisbursementByConversationID(ctx, cb.ConversationID)
	if err != nil {
		return DisbursementRequest{}, err
	}
	if req == nil {
		return DisbursementRequest{}, fmt.Errorf("conversation %q: %w", cb.ConversationID, ErrDisbursementNotFound)
	}

	rc := cb.ResultCode
	req.ResultCode = &rc
	req.ResultDescription = cb.ResultDescription

	if cb.ResultCode == 0 {
		return p.confirmSuccess(ctx, *req, cb)
	}
	return p.confirmFailure(ctx, *req, cb)
}

func (p *DisbursementProcessor) confirmSuccess(ctx context.Context, req DisbursementRequest, cb DisbursementCallback) (DisbursementRequest, error) {
	// Re-drive the accept-time debit; a no-op when it already landed.
	if _, err := p.debit(ctx, req); err != nil {
		// Not marked processed; upstream redelivery completes it later.
		return req, err
	}

	req.Status = DisbursementSucceeded
	req.ReceiptNumber = cb.ReceiptNumber
	req.UpdatedAt = time.Now().UTC()
	if err := p.Store.SaveDisbursement(ctx, req); err != nil {
		return req, err
	}

	p.Logger.Info("disbursement succeeded",
		zap.String("request_id", req.ID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("receipt", cb.ReceiptNumber),
	)
	return req, nil
}

func (p *DisbursementProcessor) confirmFailure(ctx context.Context, req DisbursementRequest, cb DisbursementCallback) (DisbursementRequest, error) {
	// Reverse only what was actually debited.
	w, err := p.Wallets.Store.GetWalletByPartner(ctx, req.PartnerID)
	if err != nil {
		return req, err
	}
	debited, err := p.Wallets.Store.FindByReference(ctx, w.ID, req.ConversationID)
	if err != nil {
		return req, err
	}

	switch {
	case debited == nil:
		// Debit never landed; nothing to compensate.
		req.Status = DisbursementFailed

	case p.AutoReverse:
		if _, err := p.Wallets.ApplyDelta(ctx, ledger.ApplyDeltaInput{
			PartnerID:         req.PartnerID,
			Amount:            req.Amount,
			Type:              ledger.TxReversal,
			ExternalReference: "reversal:" + req.ConversationID,
			Metadata: map[string]string{
				"request_id":  req.ID,
				"result_code": fmt.Sprintf("%d", cb.ResultCode),
			},
		}); err != nil {
			return req, err
		}
		req.Status = DisbursementFailed

	default:
		// Operator approves the reversal through the adjustment path.
		req.Status = DisbursementManualReview
	}

	req.UpdatedAt = time.Now().UTC()
	if err := p.Store.SaveDisbursement(ctx, req); err != nil {
		return req, err
	}

	p.Logger.Warn("disbursement failed upstream",
		zap.String("request_id", req.ID),
		zap.String("conversation_id", req.ConversationID),
		zap.Int("result_code", cb.ResultCode),
		zap.String("result", cb.ResultDescription),
		zap.String("status", string(req.Status)),
	)
	return req, nil
}

// ListByPartner returns a partner's disbursement requests, newest first.
func (p *DisbursementProcessor) ListByPartner(ctx context.Context, partnerID ledger.PartnerID) ([]DisbursementRequest, error) {
	return p.Store.ListDisbursementsByPartner(ctx, partnerID)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (p *DisbursementProcessor) debit(ctx context.Context, req DisbursementRequest) (ledger.ApplyDeltaResult, error) {
	return p.Wallets.ApplyDelta(ctx, ledger.ApplyDeltaInput{
		PartnerID:         req.PartnerID,
		Amount:            req.Amount.Neg(),
		Type:              ledger.TxDisbursement,
		ExternalReference: req.ConversationID,
		Metadata: map[string]string{
			"request_id": req.ID,
			"msisdn":     req.RecipientMSISDN,
		},
	})
}

// lowBalanceAlert notifies the partner when a debit crosses the wallet's
// alert threshold. Best effort.
func (p *DisbursementProcessor) lowBalanceAlert(ctx context.Context, partnerID ledger.PartnerID, res ledger.ApplyDeltaResult) {
	if p.SMS == nil {
		return
	}
	w, err := p.Wallets.Store.GetWallet(ctx, res.WalletID)
	if err != nil || !w.BelowThreshold() {
		return
	}
	partner, err := p.Directory.GetPartner(ctx, partnerID)
	if err != nil || partner.ContactMSISDN == "" {
		return
	}
	text := fmt.Sprintf("Float alert: wallet balance %s is below your threshold %s. Top up to keep disbursements flowing.",
		w.Balance, w.LowBalanceThreshold)
	if _, err := p.SMS.Send(ctx, p.AlertSenderID, partner.ContactMSISDN, text); err != nil {
		p.Logger.Warn("low-balance alert failed",
			zap.String("partner_id", string(partnerID)), zap.Error(err))
	}
}
