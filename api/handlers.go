/*
handlers.go - HTTP API handlers for the payment operations backend

PURPOSE:
  Exposes the wallet engine and reconciliation triggers via REST. Handles
  HTTP request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Partners:
    POST   /api/partners                     Register partner + open wallet
    GET    /api/partners                     List partners
    GET    /api/partners/{id}                Partner details
    DELETE /api/partners/{id}                Deactivate (never hard-delete)
    GET    /api/partners/{id}/balance        Current float position
    GET    /api/partners/{id}/transactions   Ledger history (paginated)
    POST   /api/partners/{id}/sms            Send notification SMS

  Collections:
    POST   /api/collections/mobile-money     C2B confirmation webhook
    POST   /api/collections/bank             STK-push callback webhook
    GET    /api/collections/unallocated      Parked events
    POST   /api/collections/{id}/allocate    Manual allocation

  Disbursements:
    POST   /api/partners/{id}/disbursements  Submit B2C order
    GET    /api/partners/{id}/disbursements  List partner orders
    POST   /api/disbursements/{id}/resubmit  Retry after timeout
    POST   /api/disbursements/callback       Upstream result webhook

  Admin:
    POST   /api/admin/adjustments            Manual correction
    GET    /api/reconciliation/runs          Audit history
    POST   /api/reconciliation/process       Trigger audit now
    POST   /api/sms/delivery                 Delivery report webhook

ERROR MAPPING:
  not found            -> 404
  insufficient funds   -> 422
  duplicate reference  -> replayed result, 200 (never an error to redeliver)
  upstream timeout     -> 202 (request pending, NOT failed)
  upstream rejected    -> 502
  write conflict       -> retried internally, then 409
  validation           -> 400

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pesaflow/ledger-engine/gateway"
	"github.com/pesaflow/ledger-engine/ledger"
	"github.com/pesaflow/ledger-engine/metrics"
	"github.com/pesaflow/ledger-engine/processor"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Storage is the full persistence surface the handlers read from.
type Storage interface {
	ledger.TxStore
	processor.Store
}

// STKPusher initiates a payment prompt on the payer's phone. Implemented
// by gateway.BankClient.
type STKPusher interface {
	InitiateSTKPush(ctx context.Context, in gateway.STKPushInput) (string, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         Storage
	Wallets       *ledger.WalletService
	Collections   *processor.CollectionProcessor
	Disbursements *processor.DisbursementProcessor
	Adjustments   *processor.AdjustmentProcessor
	Auditor       *processor.ReconciliationAuditor

	// SMS, when set, backs the partner notification endpoint.
	SMS           processor.SMSSender
	AlertSenderID string

	// Bank, when set, backs the STK-push initiation endpoint.
	Bank STKPusher

	// Currency is the deployment's operating currency for inbound payloads.
	Currency string

	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// NewHandler wires the handler. Metrics and SMS stay optional.
func NewHandler(store Storage, wallets *ledger.WalletService, collections *processor.CollectionProcessor, disbursements *processor.DisbursementProcessor, adjustments *processor.AdjustmentProcessor, auditor *processor.ReconciliationAuditor, currency string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:         store,
		Wallets:       wallets,
		Collections:   collections,
		Disbursements: disbursements,
		Adjustments:   adjustments,
		Auditor:       auditor,
		Currency:      currency,
		Logger:        logger,
	}
}

// =============================================================================
// PARTNER ENDPOINTS
// =============================================================================

// CreatePartner registers a partner and opens its wallet.
// POST /api/partners
func (h *Handler) CreatePartner(w http.ResponseWriter, r *http.Request) {
	var req CreatePartnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" || req.ShortCode == "" {
		writeError(w, http.StatusBadRequest, "id, name and short_code are required", nil)
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = h.Currency
	}
	threshold := ledger.Money{Currency: currency}.Zero()
	if req.LowBalanceThreshold != "" {
		var err error
		threshold, err = ledger.ParseMoney(req.LowBalanceThreshold, currency)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid low_balance_threshold", err)
			return
		}
	}

	p := ledger.Partner{
		ID:            ledger.PartnerID(req.ID),
		Name:          req.Name,
		ShortCode:     req.ShortCode,
		ContactMSISDN: req.ContactMSISDN,
		Active:        true,
		Credentials: ledger.ChannelCredentials{
			CollectionKey:      req.Credentials.CollectionKey,
			CollectionSecret:   req.Credentials.CollectionSecret,
			DisbursementKey:    req.Credentials.DisbursementKey,
			DisbursementSecret: req.Credentials.DisbursementSecret,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.CreatePartner(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create partner", err)
		return
	}
	if _, err := h.Wallets.OpenWallet(r.Context(), p.ID, currency, threshold); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open wallet", err)
		return
	}

	writeJSON(w, http.StatusCreated, partnerDTO(p))
}

// ListPartners returns all partners, active and deactivated.
// GET /api/partners
func (h *Handler) ListPartners(w http.ResponseWriter, r *http.Request) {
	partners, err := h.Store.ListPartners(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list partners", err)
		return
	}
	dtos := make([]PartnerDTO, len(partners))
	for i, p := range partners {
		dtos[i] = partnerDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPartner returns one partner.
// GET /api/partners/{id}
func (h *Handler) GetPartner(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPartner(r.Context(), ledger.PartnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, partnerDTO(*p))
}

// DeactivatePartner soft-deletes a partner. The wallet and its history
// remain.
// DELETE /api/partners/{id}
func (h *Handler) DeactivatePartner(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeactivatePartner(r.Context(), ledger.PartnerID(chi.URLParam(r, "id"))); err != nil {
		h.mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BALANCE AND HISTORY
// =============================================================================

// GetBalance returns the partner's current float position.
// GET /api/partners/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Store.GetWalletByPartner(r.Context(), ledger.PartnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.mapError(w, err)
		return
	}

	dto := BalanceDTO{
		PartnerID:           string(wallet.PartnerID),
		WalletID:            string(wallet.ID),
		Balance:             wallet.Balance.Value.StringFixed(2),
		Currency:            wallet.Currency,
		LowBalanceThreshold: wallet.LowBalanceThreshold.Value.StringFixed(2),
		BelowThreshold:      wallet.BelowThreshold(),
		AsOf:                time.Now().UTC().Format(time.RFC3339),
	}
	if wallet.LastTopUpAt != nil {
		s := wallet.LastTopUpAt.Format(time.RFC3339)
		dto.LastTopUpAt = &s
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetTransactions returns the partner's ledger history, newest first.
// GET /api/partners/{id}/transactions?limit=&offset=&type=&status=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Store.GetWalletByPartner(r.Context(), ledger.PartnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.mapError(w, err)
		return
	}

	filter := ledger.TransactionFilter{}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	for _, t := range splitParam(r.URL.Query().Get("type")) {
		filter.Types = append(filter.Types, ledger.TransactionType(t))
	}
	for _, s := range splitParam(r.URL.Query().Get("status")) {
		filter.Statuses = append(filter.Statuses, ledger.TransactionStatus(s))
	}

	txs, err := h.Store.ListTransactions(r.Context(), wallet.ID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = transactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// COLLECTION ENDPOINTS
// =============================================================================

// MobileMoneyCollection receives the C2B confirmation webhook.
// POST /api/collections/mobile-money
func (h *Handler) MobileMoneyCollection(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	ev, err := gateway.ParseC2BConfirmation(payload, h.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Malformed C2B payload", err)
		return
	}
	h.handleCollectionEvent(w, r, ev)
}

// BankCollection receives the STK-push result webhook.
// POST /api/collections/bank
func (h *Handler) BankCollection(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	ev, err := gateway.ParseSTKCallback(payload, h.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Malformed STK callback", err)
		return
	}
	if ev == nil {
		// Payer declined or prompt expired; nothing to credit.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	h.handleCollectionEvent(w, r, *ev)
}

func (h *Handler) handleCollectionEvent(w http.ResponseWriter, r *http.Request, ev processor.CollectionEvent) {
	res, err := h.Collections.HandleCollection(r.Context(), ev)
	switch {
	case err == nil:
		h.recordCollection(ev, res)
		writeJSON(w, http.StatusOK, applyResultDTO(res))

	case errors.Is(err, ledger.ErrPartnerNotFound),
		errors.Is(err, processor.ErrBadAccountReference):
		// Parked, not lost. Acknowledge so the upstream stops redelivering;
		// the operator allocates it later.
		if h.Metrics != nil {
			h.Metrics.RecordCollection(string(ev.Channel), "parked")
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":      string(processor.CollectionUnallocated),
			"external_id": ev.ExternalID,
		})

	default:
		if h.Metrics != nil {
			h.Metrics.RecordCollection(string(ev.Channel), "error")
		}
		h.mapError(w, err)
	}
}

func (h *Handler) recordCollection(ev processor.CollectionEvent, res ledger.ApplyDeltaResult) {
	if h.Metrics == nil {
		return
	}
	outcome := "credited"
	if res.Replayed {
		outcome = "replayed"
	}
	h.Metrics.RecordCollection(string(ev.Channel), outcome)
	h.Metrics.RecordMutation(string(ledger.TxTopUp), res.Replayed)
}

// ListUnallocatedCollections returns parked events awaiting allocation.
// GET /api/collections/unallocated
func (h *Handler) ListUnallocatedCollections(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Collections.Unallocated(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list unallocated collections", err)
		return
	}
	dtos := make([]CollectionDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = collectionDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AllocateCollection manually assigns a parked collection to a partner.
// POST /api/collections/{id}/allocate
func (h *Handler) AllocateCollection(w http.ResponseWriter, r *http.Request) {
	var req AllocateCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PartnerID == "" {
		writeError(w, http.StatusBadRequest, "partner_id is required", nil)
		return
	}

	res, err := h.Collections.Allocate(r.Context(), chi.URLParam(r, "id"), ledger.PartnerID(req.PartnerID))
	if err != nil {
		h.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applyResultDTO(res))
}

// =============================================================================
// DISBURSEMENT ENDPOINTS
// =============================================================================

// InitiateSTKPush prompts a payer's phone to top up the partner float.
// The credit itself lands later through the bank collection webhook.
// POST /api/partners/{id}/stkpush
func (h *Handler) InitiateSTKPush(w http.ResponseWriter, r *http.Request) {
	if h.Bank == nil {
		writeError(w, http.StatusServiceUnavailable, "Bank gateway not configured", nil)
		return
	}

	partner, err := h.Store.GetPartner(r.Context(), ledger.PartnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.mapError(w, err)
		return
	}

	var req InitiateSTKPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := ledger.ParseMoney(req.Amount, h.Currency)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	if req.MSISDN == "" {
		writeError(w, http.StatusBadRequest, "msisdn is required", nil)
		return
	}

	accountRef := h.Collections.FixedAccountNumber + processor.AccountRefSeparator + partner.ShortCode
	checkoutID, err := h.Bank.InitiateSTKPush(r.Context(), gateway.STKPushInput{
		Amount:           amount,
		MSISDN:           req.MSISDN,
		AccountReference: accountRef,
	})
	if err != nil {
		h.mapError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"checkout_request_id": checkoutID,
		"account_reference":   accountRef,
	})
}

// SubmitDisbursement submits a B2C order from the partner float.
// POST /api/partners/{id}/disbursements
func (h *Handler) SubmitDisbursement(w http.ResponseWriter, r *http.Request) {
	var req SubmitDisbursementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := ledger.ParseMoney(req.Amount, h.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	if req.RecipientMSISDN == "" {
		writeError(w, http.StatusBadRequest, "recipient_msisdn is required", nil)
		return
	}

	out, err := h.Disbursements.Submit(r.Context(), processor.SubmitInput{
		PartnerID:       ledger.PartnerID(chi.URLParam(r, "id")),
		Amount:          amount,
		RecipientMSISDN: req.RecipientMSISDN,
	})

	switch {
	case errors.Is(err, ledger.ErrUpstreamTimeout):
		// Pending, not failed. The operator resubmits or the callback
		// closes it out.
		if h.Metrics != nil {
			h.Metrics.RecordDisbursement("timeout")
		}
		writeJSON(w, http.StatusAccepted, disbursementDTO(out))

	case err != nil:
		if h.Metrics != nil {
			h.Metrics.RecordDisbursement("rejected")
		}
		h.mapError(w, err)

	default:
		if h.Metrics != nil {
			h.Metrics.RecordDisbursement("accepted")
			h.Metrics.RecordMutation(string(ledger.TxDisbursement), false)
		}
		writeJSON(w, http.StatusCreated, disbursementDTO(out))
	}
}

// ListDisbursements returns the partner's orders, newest first.
// GET /api/partners/{id}/disbursements
func (h *Handler) ListDisbursements(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Disbursements.ListByPartner(r.Context(), ledger.PartnerID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list disbursements", err)
		return
	}
	dtos := make([]DisbursementDTO, len(reqs))
	for i, d := range reqs {
		dtos[i] = disbursementDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResubmitDisbursement retries a queued order after a gateway timeout.
// POST /api/disbursements/{id}/resubmit
func (h *Handler) ResubmitDisbursement(w http.ResponseWriter, r *http.Request) {
	out, err := h.Disbursements.Resubmit(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ledger.ErrUpstreamTimeout):
		writeJSON(w, http.StatusAccepted, disbursementDTO(out))
	case err != nil:
		h.mapError(w, err)
	default:
		writeJSON(w, http.StatusOK, disbursementDTO(out))
	}
}

// DisbursementCallback receives the asynchronous upstream outcome.
// POST /api/disbursements/callback
func (h *Handler) DisbursementCallback(w http.ResponseWriter, r *http.Request) {
	var req DisbursementCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	out, err := h.Disbursements.HandleCallback(r.Context(), processor.DisbursementCallback{
		ConversationID:    req.ConversationID,
		ResultCode:        req.ResultCode,
		ResultDescription: req.ResultDescription,
		ReceiptNumber:     req.ReceiptNumber,
		ReceivedAt:        time.Now().UTC(),
	})
	if err != nil {
		h.mapError(w, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.RecordDisbursement(string(out.Status))
	}
	writeJSON(w, http.StatusOK, disbursementDTO(out))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// CreateAdjustment applies a manual correction.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = h.Currency
	}
	amount, err := ledger.ParseMoney(req.Amount, currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := h.Adjustments.Apply(r.Context(), processor.AdjustmentInput{
		PartnerID: ledger.PartnerID(req.PartnerID),
		Amount:    amount,
		Reference: req.Reference,
		Reason:    req.Reason,
		Actor:     req.Actor,
	})
	if err != nil {
		h.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applyResultDTO(res))
}

// SendSMS queues a notification message to an arbitrary MSISDN on behalf
// of a partner.
// POST /api/partners/{id}/sms
func (h *Handler) SendSMS(w http.ResponseWriter, r *http.Request) {
	if h.SMS == nil {
		writeError(w, http.StatusServiceUnavailable, "SMS gateway not configured", nil)
		return
	}

	partner, err := h.Store.GetPartner(r.Context(), ledger.PartnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.mapError(w, err)
		return
	}

	var req SendSMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MSISDN == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "msisdn and message are required", nil)
		return
	}

	messageID, err := h.SMS.Send(r.Context(), h.AlertSenderID, req.MSISDN, req.Message)
	if err != nil {
		h.mapError(w, err)
		return
	}

	now := time.Now().UTC()
	msg := processor.SMSMessage{
		ID:        "sms-" + uuid.NewString(),
		PartnerID: partner.ID,
		SenderID:  h.AlertSenderID,
		MSISDN:    req.MSISDN,
		Body:      req.Message,
		MessageID: messageID,
		Status:    "sent",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.Store.SaveSMSMessage(r.Context(), msg); err != nil {
		h.Logger.Warn("sms sent but not logged", zap.String("message_id", messageID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID})
}

// SMSDeliveryReport receives the bulk-SMS delivery webhook.
// POST /api/sms/delivery
func (h *Handler) SMSDeliveryReport(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	rep, err := gateway.ParseDeliveryReport(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Malformed delivery report", err)
		return
	}
	if err := h.Store.UpdateSMSStatus(r.Context(), rep.MessageID, rep.Status); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update delivery status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// ListReconciliationRuns returns recent audit runs.
// GET /api/reconciliation/runs?limit=
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	runs, err := h.Store.ListReconciliationRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list reconciliation runs", err)
		return
	}
	dtos := make([]ReconciliationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = reconciliationRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerReconciliation runs the audit immediately. The run is synchronous,
// so the response reflects a completed pass.
// POST /api/reconciliation/process
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	h.Auditor.RunNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// mapError translates domain errors to HTTP statuses. A known error kind
// must never surface as a generic 500.
func (h *Handler) mapError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err),
		errors.Is(err, processor.ErrCollectionNotFound),
		errors.Is(err, processor.ErrDisbursementNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)

	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, "Insufficient funds", err)

	case errors.Is(err, ledger.ErrReferenceRequired),
		errors.Is(err, processor.ErrInvalidAmount),
		errors.Is(err, processor.ErrBadAccountReference):
		writeError(w, http.StatusBadRequest, "Invalid request", err)

	case errors.Is(err, processor.ErrAlreadyAllocated),
		errors.Is(err, ledger.ErrDuplicateReference),
		errors.Is(err, ledger.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "Conflict", err)

	case errors.Is(err, ledger.ErrUpstreamRejected):
		writeError(w, http.StatusBadGateway, "Upstream rejected the request", err)

	case errors.Is(err, ledger.ErrUpstreamTimeout):
		writeError(w, http.StatusGatewayTimeout, "Upstream timed out", err)

	default:
		h.Logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
