/*
handlers_test.go - HTTP layer tests against a real in-memory database

Exercises the full stack: router -> handlers -> processors -> sqlite.
Upstream gateways are faked; everything below the HTTP boundary is real.
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaflow/ledger-engine/api"
	"github.com/pesaflow/ledger-engine/gateway"
	"github.com/pesaflow/ledger-engine/ledger"
	"github.com/pesaflow/ledger-engine/processor"
	"github.com/pesaflow/ledger-engine/store/sqlite"
)

const fixedAccount = "77001"

// =============================================================================
// FIXTURE
// =============================================================================

type fakeGateway struct {
	err   error
	calls int
	last  processor.B2CSubmission
}

func (g *fakeGateway) SubmitB2C(_ context.Context, in processor.B2CSubmission) (string, error) {
	g.calls++
	g.last = in
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("AG_%s_%d", in.Reference, g.calls), nil
}

type fakePusher struct {
	last gateway.STKPushInput
}

func (p *fakePusher) InitiateSTKPush(_ context.Context, in gateway.STKPushInput) (string, error) {
	p.last = in
	return "chk-1", nil
}

type fakeSMS struct {
	sent []string
}

func (s *fakeSMS) Send(_ context.Context, _, msisdn, _ string) (string, error) {
	s.sent = append(s.sent, msisdn)
	return fmt.Sprintf("msg-%d", len(s.sent)), nil
}

type env struct {
	store  *sqlite.Store
	router http.Handler
	gw     *fakeGateway
	sms    *fakeSMS
	pusher *fakePusher
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	wallets := ledger.NewWalletService(store)
	gw := &fakeGateway{}
	sms := &fakeSMS{}

	h := api.NewHandler(
		store,
		wallets,
		processor.NewCollectionProcessor(wallets, store, store, fixedAccount, nil),
		processor.NewDisbursementProcessor(wallets, store, store, gw, nil),
		processor.NewAdjustmentProcessor(wallets, nil),
		processor.NewReconciliationAuditor(store, store, nil),
		"KES",
		nil,
	)
	h.SMS = sms
	h.AlertSenderID = "PESAFLOW"
	pusher := &fakePusher{}
	h.Bank = pusher

	return &env{store: store, router: api.NewRouter(h), gw: gw, sms: sms, pusher: pusher}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

// createPartner registers the fixture partner and tops up its float.
func (e *env) createPartner(t *testing.T, openingBalance string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/partners", api.CreatePartnerRequest{
		ID:                  "ptn-1",
		Name:                "Acme Microfinance",
		ShortCode:           "ACM",
		ContactMSISDN:       "254700000001",
		Currency:            "KES",
		LowBalanceThreshold: "100",
		Credentials: api.ChannelCredentialsRequest{
			DisbursementKey:    "acme-key",
			DisbursementSecret: "acme-secret",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	if openingBalance != "" {
		rec = e.do(t, http.MethodPost, "/api/admin/adjustments", api.AdjustmentRequest{
			PartnerID: "ptn-1",
			Amount:    openingBalance,
			Reference: "OPENING",
			Reason:    "opening balance",
			Actor:     "test",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

// =============================================================================
// PARTNERS
// =============================================================================

func TestAPI_PartnerLifecycle(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "")

	// GIVEN a registered partner, its balance endpoint reports a fresh wallet
	rec := e.do(t, http.MethodGet, "/api/partners/ptn-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[api.BalanceDTO](t, rec)
	assert.Equal(t, "0.00", bal.Balance)
	assert.Equal(t, "KES", bal.Currency)
	assert.True(t, bal.BelowThreshold)

	// WHEN the partner is deactivated
	rec = e.do(t, http.MethodDelete, "/api/partners/ptn-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// THEN it still lists (never hard-deleted), flagged inactive
	rec = e.do(t, http.MethodGet, "/api/partners", nil)
	partners := decode[[]api.PartnerDTO](t, rec)
	require.Len(t, partners, 1)
	assert.False(t, partners[0].Active)
}

func TestAPI_UnknownPartner_Is404(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/partners/ghost/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/partners/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// COLLECTIONS
// =============================================================================

func c2bPayload(transID, ref, amount string) map[string]any {
	return map[string]any{
		"TransactionType":   "Pay Bill",
		"TransID":           transID,
		"TransTime":         "20260828101500",
		"TransAmount":       amount,
		"BusinessShortCode": fixedAccount,
		"BillRefNumber":     ref,
		"MSISDN":            "254711111111",
	}
}

func TestAPI_MobileMoneyCollection_CreditsWallet(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "")

	// WHEN the C2B confirmation webhook fires
	rec := e.do(t, http.MethodPost, "/api/collections/mobile-money",
		c2bPayload("RKT1", fixedAccount+"#ACM", "1500.00"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.ApplyResultDTO](t, rec)
	assert.Equal(t, "1500.00", res.NewBalance)
	assert.False(t, res.Replayed)

	// AND a redelivery of the same event replays without double-crediting
	rec = e.do(t, http.MethodPost, "/api/collections/mobile-money",
		c2bPayload("RKT1", fixedAccount+"#ACM", "1500.00"))
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[api.ApplyResultDTO](t, rec)
	assert.Equal(t, "1500.00", res.NewBalance)
	assert.True(t, res.Replayed)
}

func TestAPI_UnresolvableCollection_ParksAndAllocates(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "")

	// GIVEN a payment naming a short code nobody owns
	rec := e.do(t, http.MethodPost, "/api/collections/mobile-money",
		c2bPayload("RKT2", fixedAccount+"#NOPE", "700.00"))

	// THEN the webhook is acknowledged and the money parks
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ack := decode[map[string]string](t, rec)
	assert.Equal(t, "unallocated", ack["status"])

	rec = e.do(t, http.MethodGet, "/api/collections/unallocated", nil)
	parked := decode[[]api.CollectionDTO](t, rec)
	require.Len(t, parked, 1)
	assert.Equal(t, "RKT2", parked[0].ExternalID)

	// WHEN the operator allocates it
	rec = e.do(t, http.MethodPost, "/api/collections/"+parked[0].ID+"/allocate",
		api.AllocateCollectionRequest{PartnerID: "ptn-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.ApplyResultDTO](t, rec)
	assert.Equal(t, "700.00", res.NewBalance)

	// AND a second allocation attempt conflicts
	rec = e.do(t, http.MethodPost, "/api/collections/"+parked[0].ID+"/allocate",
		api.AllocateCollectionRequest{PartnerID: "ptn-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_BankCollection_DeclineIsIgnored(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "")

	// Payer declined the STK prompt: acknowledged, nothing credited
	rec := e.do(t, http.MethodPost, "/api/collections/bank", map[string]any{
		"checkoutRequestID": "chk-1",
		"resultCode":        1032,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ack := decode[map[string]string](t, rec)
	assert.Equal(t, "ignored", ack["status"])

	bal := decode[api.BalanceDTO](t, e.do(t, http.MethodGet, "/api/partners/ptn-1/balance", nil))
	assert.Equal(t, "0.00", bal.Balance)
}

func TestAPI_BankCollection_SuccessCredits(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "")

	rec := e.do(t, http.MethodPost, "/api/collections/bank", map[string]any{
		"checkoutRequestID": "chk-2",
		"resultCode":        0,
		"amount":            "500.00",
		"receiptNumber":     "BNK777",
		"msisdn":            "254722000000",
		"accountReference":  fixedAccount + "#ACM",
		"transactionDate":   "20260828110000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.ApplyResultDTO](t, rec)
	assert.Equal(t, "500.00", res.NewBalance)
}

// =============================================================================
// DISBURSEMENTS
// =============================================================================

func TestAPI_Disbursement_AcceptedDebitsFloat(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "1000")

	rec := e.do(t, http.MethodPost, "/api/partners/ptn-1/disbursements",
		api.SubmitDisbursementRequest{Amount: "200", RecipientMSISDN: "254722000000"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decode[api.DisbursementDTO](t, rec)
	assert.Equal(t, "accepted", d.Status)
	assert.NotEmpty(t, d.ConversationID)

	// The credentials supplied at registration reach the gateway
	assert.Equal(t, "acme-key", e.gw.last.Credentials.DisbursementKey)
	assert.Equal(t, "acme-secret", e.gw.last.Credentials.DisbursementSecret)

	bal := decode[api.BalanceDTO](t, e.do(t, http.MethodGet, "/api/partners/ptn-1/balance", nil))
	assert.Equal(t, "800.00", bal.Balance)
}

func TestAPI_Disbursement_InsufficientFloat_Is422(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "100")

	rec := e.do(t, http.MethodPost, "/api/partners/ptn-1/disbursements",
		api.SubmitDisbursementRequest{Amount: "500", RecipientMSISDN: "254722000000"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 0, e.gw.calls, "rejected before reaching the gateway")
}

func TestAPI_Disbursement_Timeout_Is202AndResubmittable(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "1000")

	// GIVEN a gateway that times out
	e.gw.err = ledger.ErrUpstreamTimeout
	rec := e.do(t, http.MethodPost, "/api/partners/ptn-1/disbursements",
		api.SubmitDisbursementRequest{Amount: "200", RecipientMSISDN: "254722000000"})

	// THEN the order is pending, not failed, and the float is untouched
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	d := decode[api.DisbursementDTO](t, rec)
	assert.Equal(t, "queued", d.Status)
	bal := decode[api.BalanceDTO](t, e.do(t, http.MethodGet, "/api/partners/ptn-1/balance", nil))
	assert.Equal(t, "1000.00", bal.Balance)

	// WHEN the upstream recovers and the operator resubmits
	e.gw.err = nil
	rec = e.do(t, http.MethodPost, "/api/disbursements/"+d.ID+"/resubmit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d = decode[api.DisbursementDTO](t, rec)
	assert.Equal(t, "accepted", d.Status)
	assert.Equal(t, 1, d.RetryCount)

	bal = decode[api.BalanceDTO](t, e.do(t, http.MethodGet, "/api/partners/ptn-1/balance", nil))
	assert.Equal(t, "800.00", bal.Balance)
}

func TestAPI_DisbursementCallback_FailureReverses(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "1000")

	d := decode[api.DisbursementDTO](t, e.do(t, http.MethodPost,
		"/api/partners/ptn-1/disbursements",
		api.SubmitDisbursementRequest{Amount: "200", RecipientMSISDN: "254722000000"}))

	// WHEN the upstream reports failure
	rec := e.do(t, http.MethodPost, "/api/disbursements/callback", api.DisbursementCallbackRequest{
		ConversationID:    d.ConversationID,
		ResultCode:        1,
		ResultDescription: "insufficient recipient limit",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d = decode[api.DisbursementDTO](t, rec)
	assert.Equal(t, "failed", d.Status)

	// THEN the accept-time debit is compensated
	bal := decode[api.BalanceDTO](t, e.do(t, http.MethodGet, "/api/partners/ptn-1/balance", nil))
	assert.Equal(t, "1000.00", bal.Balance)
}

func TestAPI_DisbursementCallback_UnknownConversation_Is404(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/disbursements/callback", api.DisbursementCallbackRequest{
		ConversationID: "no-such-conversation",
		ResultCode:     0,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADJUSTMENTS AND HISTORY
// =============================================================================

func TestAPI_Adjustment_MissingReference_Is400(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "")

	rec := e.do(t, http.MethodPost, "/api/admin/adjustments", api.AdjustmentRequest{
		PartnerID: "ptn-1",
		Amount:    "50",
		Reason:    "no reference supplied",
		Actor:     "test",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_TransactionHistory_FiltersByType(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "1000")

	rec := e.do(t, http.MethodPost, "/api/admin/adjustments", api.AdjustmentRequest{
		PartnerID: "ptn-1",
		Amount:    "-300",
		Reference: "CORR-1",
		Reason:    "posting error",
		Actor:     "ops",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/partners/ptn-1/transactions?type=charge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]api.TransactionDTO](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, "-300.00", txs[0].Amount)
	assert.Equal(t, "700.00", txs[0].BalanceAfter)
}

// =============================================================================
// SMS AND RECONCILIATION
// =============================================================================

func TestAPI_SendSMS_LogsMessage(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "")

	rec := e.do(t, http.MethodPost, "/api/partners/ptn-1/sms",
		api.SendSMSRequest{MSISDN: "254700000009", Message: "Float topped up"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ack := decode[map[string]string](t, rec)
	assert.Equal(t, "msg-1", ack["message_id"])
	assert.Equal(t, []string{"254700000009"}, e.sms.sent)

	// Delivery report flips the logged status without touching any balance
	rec = e.do(t, http.MethodPost, "/api/sms/delivery", map[string]string{
		"messageId": "msg-1",
		"msisdn":    "254700000009",
		"status":    "delivered",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Reconciliation_TriggerAndList(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "500")

	rec := e.do(t, http.MethodPost, "/api/reconciliation/process", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/reconciliation/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]api.ReconciliationRunDTO](t, rec)
	require.NotEmpty(t, runs)
	assert.True(t, runs[0].Consistent)
	assert.Equal(t, "500.00", runs[0].Cached)
}

func TestAPI_STKPush_BuildsAccountReference(t *testing.T) {
	e := newEnv(t)
	e.createPartner(t, "")

	rec := e.do(t, http.MethodPost, "/api/partners/ptn-1/stkpush",
		api.InitiateSTKPushRequest{Amount: "250", MSISDN: "254722000000"})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ack := decode[map[string]string](t, rec)
	assert.Equal(t, "chk-1", ack["checkout_request_id"])
	assert.Equal(t, fixedAccount+"#ACM", e.pusher.last.AccountReference)
	assert.True(t, e.pusher.last.Amount.Equal(ledger.NewMoney(250, "KES")))
}

func TestAPI_Healthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
