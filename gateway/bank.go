/*
bank.go - Bank STK-push collections

PURPOSE:
  Initiates STK-push prompts on the payer's phone and parses the resulting
  callback into a CollectionEvent. Only a successful callback (ResultCode 0)
  produces an event; declined or abandoned prompts never touch a wallet.
*/
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pesaflow/ledger-engine/ledger"
	"github.com/pesaflow/ledger-engine/processor"
)

// BankConfig locates the bank collection upstream.
type BankConfig struct {
	BaseURL   string
	APIKey    string
	ShortCode string
	Timeout   time.Duration
}

// BankClient initiates STK-push collection prompts.
type BankClient struct {
	cfg    BankConfig
	client *Client
	logger *zap.Logger
}

func NewBankClient(cfg BankConfig, logger *zap.Logger) *BankClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BankClient{
		cfg:    cfg,
		client: NewClient("bank", cfg.Timeout, logger),
		logger: logger,
	}
}

// STKPushInput asks the payer's phone to approve a collection.
type STKPushInput struct {
	Amount           ledger.Money
	MSISDN           string
	AccountReference string
}

type stkPushRequest struct {
	ShortCode        string `json:"shortCode"`
	Amount           string `json:"amount"`
	MSISDN           string `json:"msisdn"`
	AccountReference string `json:"accountReference"`
}

type stkPushResponse struct {
	CheckoutRequestID   string `json:"checkoutRequestID"`
	ResponseCode        string `json:"responseCode"`
	ResponseDescription string `json:"responseDescription"`
}

// InitiateSTKPush fires the payment prompt. The returned checkout request
// id correlates the asynchronous callback.
func (c *BankClient) InitiateSTKPush(ctx context.Context, in STKPushInput) (string, error) {
	req := stkPushRequest{
		ShortCode:        c.cfg.ShortCode,
		Amount:           in.Amount.Value.StringFixed(2),
		MSISDN:           in.MSISDN,
		AccountReference: in.AccountReference,
	}

	var resp stkPushResponse
	err := c.client.PostJSON(ctx, c.cfg.BaseURL+"/stkpush/v1/processrequest",
		map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}, req, &resp)
	if err != nil {
		return "", err
	}
	if resp.ResponseCode != "0" {
		return "", fmt.Errorf("stk push declined (%s): %s: %w",
			resp.ResponseCode, resp.ResponseDescription, ledger.ErrUpstreamRejected)
	}

	c.logger.Info("stk push initiated",
		zap.String("checkout_request_id", resp.CheckoutRequestID),
		zap.String("account_ref", in.AccountReference))
	return resp.CheckoutRequestID, nil
}

// =============================================================================
// CALLBACK PARSING
// =============================================================================

type stkCallback struct {
	CheckoutRequestID string `json:"checkoutRequestID"`
	ResultCode        int    `json:"resultCode"`
	ResultDescription string `json:"resultDescription"`
	Amount            string `json:"amount"`
	ReceiptNumber     string `json:"receiptNumber"`
	MSISDN            string `json:"msisdn"`
	AccountReference  string `json:"accountReference"`
	TransactionDate   string `json:"transactionDate"` // yyyyMMddHHmmss
}

// ParseSTKCallback maps a raw callback into a CollectionEvent. A non-zero
// result code (payer declined, prompt expired) yields (nil, nil): there is
// nothing to credit and nothing went wrong on our side.
func ParseSTKCallback(payload []byte, currency string) (*processor.CollectionEvent, error) {
	var raw stkCallback
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed stk callback: %w", err)
	}

	if raw.ResultCode != 0 {
		return nil, nil
	}
	if raw.ReceiptNumber == "" {
		return nil, fmt.Errorf("stk callback missing receipt number")
	}

	amount, err := ledger.ParseMoney(raw.Amount, currency)
	if err != nil {
		return nil, fmt.Errorf("stk amount %q: %w", raw.Amount, err)
	}

	occurred := time.Now().UTC()
	if t, err := time.Parse("20060102150405", raw.TransactionDate); err == nil {
		occurred = t.UTC()
	}

	return &processor.CollectionEvent{
		Channel:          processor.ChannelBank,
		ExternalID:       raw.ReceiptNumber,
		Amount:           amount,
		PayerMSISDN:      raw.MSISDN,
		AccountReference: raw.AccountReference,
		OccurredAt:       occurred,
	}, nil
}
