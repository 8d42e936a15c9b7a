/*
mobilemoney.go - Mobile money B2C submissions and C2B payload parsing

PURPOSE:
  B2C: submits disbursement orders under an OAuth-style bearer token and
  returns the upstream conversation id (the ledger debit's idempotency key).
  C2B: parses paybill validation/confirmation payloads into the normalized
  CollectionEvent.

TOKEN CACHING:
  Access tokens are cached until shortly before expiry. A 401 is not
  retried here; the breaker and the caller's retry policy own that.
*/
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pesaflow/ledger-engine/ledger"
	"github.com/pesaflow/ledger-engine/processor"
)

// MobileMoneyConfig locates the mobile money upstream.
type MobileMoneyConfig struct {
	BaseURL       string
	InitiatorName string
	ShortCode     string // organization paybill
	Timeout       time.Duration
}

// MobileMoneyClient talks to the mobile money gateway. Implements
// processor.DisbursementGateway.
type MobileMoneyClient struct {
	cfg    MobileMoneyConfig
	client *Client
	logger *zap.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewMobileMoneyClient(cfg MobileMoneyConfig, logger *zap.Logger) *MobileMoneyClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MobileMoneyClient{
		cfg:    cfg,
		client: NewClient("mobile_money", cfg.Timeout, logger),
		logger: logger,
	}
}

// =============================================================================
// B2C SUBMISSION
// =============================================================================

type b2cRequest struct {
	InitiatorName   string `json:"InitiatorName"`
	CommandID       string `json:"CommandID"`
	Amount          string `json:"Amount"`
	PartyA          string `json:"PartyA"`
	PartyB          string `json:"PartyB"`
	Remarks         string `json:"Remarks"`
	OriginatorID    string `json:"OriginatorConversationID"`
	QueueTimeOutURL string `json:"QueueTimeOutURL,omitempty"`
	ResultURL       string `json:"ResultURL,omitempty"`
}

type b2cResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// SubmitB2C places a disbursement order and returns the upstream
// conversation id. Acceptance here means "queued upstream"; the financial
// outcome arrives later on the result callback.
func (c *MobileMoneyClient) SubmitB2C(ctx context.Context, in processor.B2CSubmission) (string, error) {
	token, err := c.accessToken(ctx, in.Credentials.DisbursementKey, in.Credentials.DisbursementSecret)
	if err != nil {
		return "", err
	}

	req := b2cRequest{
		InitiatorName: c.cfg.InitiatorName,
		CommandID:     "BusinessPayment",
		Amount:        in.Amount.Value.StringFixed(0),
		PartyA:        c.cfg.ShortCode,
		PartyB:        in.MSISDN,
		Remarks:       in.Reference,
		OriginatorID:  in.Reference,
	}

	var resp b2cResponse
	err = c.client.PostJSON(ctx, c.cfg.BaseURL+"/mpesa/b2c/v1/paymentrequest",
		map[string]string{"Authorization": "Bearer " + token}, req, &resp)
	if err != nil {
		return "", err
	}

	// ResponseCode "0" is the only acceptance; anything else is a decline
	// even on HTTP 200.
	if resp.ResponseCode != "0" {
		return "", fmt.Errorf("b2c declined (%s): %s: %w",
			resp.ResponseCode, resp.ResponseDescription, ledger.ErrUpstreamRejected)
	}

	c.logger.Info("b2c order accepted upstream",
		zap.String("reference", in.Reference),
		zap.String("conversation_id", resp.ConversationID))
	return resp.ConversationID, nil
}

// =============================================================================
// OAUTH TOKEN
// =============================================================================

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *MobileMoneyClient) accessToken(ctx context.Context, key, secret string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(key + ":" + secret))
	var resp tokenResponse
	err := c.client.GetJSON(ctx,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials",
		map[string]string{"Authorization": "Basic " + basic}, &resp)
	if err != nil {
		return "", fmt.Errorf("token fetch: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("token fetch: empty token: %w", ledger.ErrUpstreamRejected)
	}

	ttl := 3600
	if n, err := strconv.Atoi(resp.ExpiresIn); err == nil && n > 0 {
		ttl = n
	}
	c.token = resp.AccessToken
	// Refresh a minute early so in-flight calls never carry a dying token.
	c.tokenExp = time.Now().Add(time.Duration(ttl-60) * time.Second)
	return c.token, nil
}

// =============================================================================
// C2B PAYLOAD PARSING
// =============================================================================

// c2bConfirmation is the raw paybill confirmation payload.
type c2bConfirmation struct {
	TransactionType string `json:"TransactionType"`
	TransID         string `json:"TransID"`
	TransTime       string `json:"TransTime"` // yyyyMMddHHmmss
	TransAmount     string `json:"TransAmount"`
	BusinessShort   string `json:"BusinessShortCode"`
	BillRefNumber   string `json:"BillRefNumber"`
	MSISDN          string `json:"MSISDN"`
}

// ParseC2BConfirmation maps a raw paybill confirmation into the normalized
// CollectionEvent. The currency is fixed per deployment.
func ParseC2BConfirmation(payload []byte, currency string) (processor.CollectionEvent, error) {
	var raw c2bConfirmation
	if err := json.Unmarshal(payload, &raw); err != nil {
		return processor.CollectionEvent{}, fmt.Errorf("malformed c2b payload: %w", err)
	}
	if raw.TransID == "" {
		return processor.CollectionEvent{}, fmt.Errorf("c2b payload missing TransID")
	}

	amount, err := ledger.ParseMoney(raw.TransAmount, currency)
	if err != nil {
		return processor.CollectionEvent{}, fmt.Errorf("c2b amount %q: %w", raw.TransAmount, err)
	}

	occurred := time.Now().UTC()
	if t, err := time.Parse("20060102150405", raw.TransTime); err == nil {
		occurred = t.UTC()
	}

	return processor.CollectionEvent{
		Channel:          processor.ChannelMobileMoney,
		ExternalID:       raw.TransID,
		Amount:           amount,
		PayerMSISDN:      raw.MSISDN,
		AccountReference: raw.BillRefNumber,
		OccurredAt:       occurred,
	}, nil
}
