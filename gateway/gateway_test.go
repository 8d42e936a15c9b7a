/*
gateway_test.go - Upstream client behavior against stub servers

Covers the error-kind mapping (timeout vs rejection), circuit breaking,
token caching, and the boundary parsers.
*/
package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaflow/ledger-engine/gateway"
	"github.com/pesaflow/ledger-engine/ledger"
	"github.com/pesaflow/ledger-engine/processor"
)

// =============================================================================
// SHARED CLIENT
// =============================================================================

func TestClient_Non2xx_IsUpstreamRejected(t *testing.T) {
	// GIVEN an upstream that declines with 400
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := gateway.NewClient("test", time.Second, nil)

	// WHEN a call goes out
	err := c.PostJSON(context.Background(), srv.URL, nil, map[string]string{}, nil)

	// THEN it is a terminal rejection, not a timeout
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrUpstreamRejected))
	assert.False(t, errors.Is(err, ledger.ErrUpstreamTimeout))
}

func TestClient_SlowUpstream_IsUpstreamTimeout(t *testing.T) {
	// GIVEN an upstream slower than the client's budget
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := gateway.NewClient("test", 50*time.Millisecond, nil)

	err := c.PostJSON(context.Background(), srv.URL, nil, map[string]string{}, nil)

	// THEN the caller sees a timeout, never a rejection: the upstream may
	// have acted
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrUpstreamTimeout))
	assert.False(t, errors.Is(err, ledger.ErrUpstreamRejected))
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	// GIVEN an upstream failing every call
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := gateway.NewClient("test", time.Second, nil)
	ctx := context.Background()

	// WHEN failures accumulate past the trip threshold
	for i := 0; i < 8; i++ {
		_ = c.PostJSON(ctx, srv.URL, nil, map[string]string{}, nil)
	}

	// THEN the breaker short-circuits instead of hammering the upstream
	assert.Equal(t, 5, hits)
	err := c.PostJSON(ctx, srv.URL, nil, map[string]string{}, nil)
	assert.True(t, errors.Is(err, ledger.ErrUpstreamRejected))
}

// =============================================================================
// MOBILE MONEY
// =============================================================================

func mobileMoneyStub(t *testing.T, tokenHits *int, b2c http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, _ *http.Request) {
		*tokenHits++
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-123",
			"expires_in":   "3600",
		})
	})
	mux.HandleFunc("/mpesa/b2c/v1/paymentrequest", b2c)
	return httptest.NewServer(mux)
}

func TestMobileMoney_SubmitB2C_ReturnsConversationID(t *testing.T) {
	// GIVEN an upstream accepting B2C orders
	tokenHits := 0
	srv := mobileMoneyStub(t, &tokenHits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{
			"ConversationID":      "AG_20260828_0001",
			"ResponseCode":        "0",
			"ResponseDescription": "Accept the service request successfully.",
		})
	})
	defer srv.Close()

	c := gateway.NewMobileMoneyClient(gateway.MobileMoneyConfig{
		BaseURL:       srv.URL,
		InitiatorName: "pesaflow",
		ShortCode:     "77001",
	}, nil)

	// WHEN two orders go out
	sub := processor.B2CSubmission{
		Reference: "dsb-1",
		Amount:    ledger.NewMoney(250, "KES"),
		MSISDN:    "254722000000",
		Credentials: ledger.ChannelCredentials{
			DisbursementKey:    "key",
			DisbursementSecret: "secret",
		},
	}
	conv, err := c.SubmitB2C(context.Background(), sub)
	require.NoError(t, err)
	_, err = c.SubmitB2C(context.Background(), sub)
	require.NoError(t, err)

	// THEN the conversation id comes back and the token was fetched once
	assert.Equal(t, "AG_20260828_0001", conv)
	assert.Equal(t, 1, tokenHits)
}

func TestMobileMoney_DeclineOn200_IsRejected(t *testing.T) {
	// GIVEN an upstream that declines inside a 200 body
	tokenHits := 0
	srv := mobileMoneyStub(t, &tokenHits, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode":        "1",
			"ResponseDescription": "Initiator credentials invalid",
		})
	})
	defer srv.Close()

	c := gateway.NewMobileMoneyClient(gateway.MobileMoneyConfig{BaseURL: srv.URL}, nil)

	_, err := c.SubmitB2C(context.Background(), processor.B2CSubmission{
		Reference: "dsb-2",
		Amount:    ledger.NewMoney(100, "KES"),
		MSISDN:    "254722000000",
	})

	assert.True(t, errors.Is(err, ledger.ErrUpstreamRejected))
}

func TestParseC2BConfirmation(t *testing.T) {
	payload := []byte(`{
		"TransactionType": "Pay Bill",
		"TransID": "RKT12345",
		"TransTime": "20260828101500",
		"TransAmount": "1500.00",
		"BusinessShortCode": "77001",
		"BillRefNumber": "77001#ACM",
		"MSISDN": "254711111111"
	}`)

	ev, err := gateway.ParseC2BConfirmation(payload, "KES")
	require.NoError(t, err)
	assert.Equal(t, processor.ChannelMobileMoney, ev.Channel)
	assert.Equal(t, "RKT12345", ev.ExternalID)
	assert.True(t, ev.Amount.Equal(ledger.NewMoney(1500, "KES")))
	assert.Equal(t, "77001#ACM", ev.AccountReference)
	assert.Equal(t, 2026, ev.OccurredAt.Year())

	_, err = gateway.ParseC2BConfirmation([]byte(`{"TransAmount":"10"}`), "KES")
	assert.Error(t, err, "missing TransID must fail")
}

// =============================================================================
// BANK STK PUSH
// =============================================================================

func TestBank_InitiateSTKPush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stkpush/v1/processrequest", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"checkoutRequestID": "chk-789",
			"responseCode":      "0",
		})
	}))
	defer srv.Close()

	c := gateway.NewBankClient(gateway.BankConfig{BaseURL: srv.URL, ShortCode: "77001"}, nil)

	id, err := c.InitiateSTKPush(context.Background(), gateway.STKPushInput{
		Amount:           ledger.NewMoney(500, "KES"),
		MSISDN:           "254722000000",
		AccountReference: "77001#ACM",
	})
	require.NoError(t, err)
	assert.Equal(t, "chk-789", id)
}

func TestParseSTKCallback(t *testing.T) {
	// GIVEN a successful callback
	ok := []byte(`{
		"checkoutRequestID": "chk-789",
		"resultCode": 0,
		"amount": "500.00",
		"receiptNumber": "BNK777",
		"msisdn": "254722000000",
		"accountReference": "77001#ACM",
		"transactionDate": "20260828110000"
	}`)
	ev, err := gateway.ParseSTKCallback(ok, "KES")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, processor.ChannelBank, ev.Channel)
	assert.Equal(t, "BNK777", ev.ExternalID)
	assert.True(t, ev.Amount.Equal(ledger.NewMoney(500, "KES")))

	// AND a payer decline produces no event and no error
	declined := []byte(`{"checkoutRequestID":"chk-790","resultCode":1032}`)
	ev, err = gateway.ParseSTKCallback(declined, "KES")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

// =============================================================================
// SMS
// =============================================================================

func TestSMS_SendReturnsMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "PESAFLOW", body["senderId"])
		json.NewEncoder(w).Encode(map[string]string{"messageId": "msg-42", "status": "queued"})
	}))
	defer srv.Close()

	c := gateway.NewSMSClient(gateway.SMSConfig{BaseURL: srv.URL}, nil)

	id, err := c.Send(context.Background(), "PESAFLOW", "254700000001", "Float alert")
	require.NoError(t, err)
	assert.Equal(t, "msg-42", id)
}

func TestParseDeliveryReport(t *testing.T) {
	rep, err := gateway.ParseDeliveryReport([]byte(`{"messageId":"msg-42","msisdn":"254700000001","status":"delivered"}`))
	require.NoError(t, err)
	assert.Equal(t, "msg-42", rep.MessageID)
	assert.Equal(t, "delivered", rep.Status)

	_, err = gateway.ParseDeliveryReport([]byte(`{"status":"delivered"}`))
	assert.Error(t, err)
}

// =============================================================================
// LMS
// =============================================================================

func TestLMS_PostRepayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/loans/LN-9/repayments", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "1500.00", body["amount"])
		assert.Equal(t, "RKT12345", body["receiptNumber"])
		json.NewEncoder(w).Encode(map[string]string{"repaymentId": "rp-1", "status": "applied"})
	}))
	defer srv.Close()

	c := gateway.NewLMSClient(gateway.LMSConfig{BaseURL: srv.URL}, nil)

	id, err := c.PostRepayment(context.Background(), gateway.RepaymentNotice{
		LoanID:        "LN-9",
		Amount:        ledger.NewMoney(1500, "KES"),
		ReceiptNumber: "RKT12345",
		PaidAt:        time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "rp-1", id)
}

func TestParseRepaymentWebhook(t *testing.T) {
	hook, err := gateway.ParseRepaymentWebhook([]byte(`{"repaymentId":"rp-1","loanId":"LN-9","receiptNumber":"RKT12345","status":"applied"}`))
	require.NoError(t, err)
	assert.Equal(t, "rp-1", hook.RepaymentID)
	assert.Equal(t, "applied", hook.Status)
}
