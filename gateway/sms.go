/*
sms.go - Bulk SMS gateway

PURPOSE:
  Sends notification messages (low-balance alerts, disbursement receipts)
  and parses delivery reports. Side-effect only: a send failure never fails
  a financial operation, and a delivery report never touches a wallet.
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

// SMSConfig locates the bulk SMS upstream.
type SMSConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// SMSClient sends notification messages. Implements processor.SMSSender.
type SMSClient struct {
	cfg    SMSConfig
	client *Client
	logger *zap.Logger
}

func NewSMSClient(cfg SMSConfig, logger *zap.Logger) *SMSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMSClient{
		cfg:    cfg,
		client: NewClient("sms", cfg.Timeout, logger),
		logger: logger,
	}
}

type smsSendRequest struct {
	SenderID string `json:"senderId"`
	MSISDN   string `json:"msisdn"`
	Message  string `json:"message"`
}

type smsSendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Send queues one message and returns the gateway-assigned message id used
// to correlate the delivery report.
func (c *SMSClient) Send(ctx context.Context, senderID, msisdn, text string) (string, error) {
	req := smsSendRequest{SenderID: senderID, MSISDN: msisdn, Message: text}

	var resp smsSendResponse
	err := c.client.PostJSON(ctx, c.cfg.BaseURL+"/v1/messages",
		map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}, req, &resp)
	if err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("sms gateway returned no message id: %w", ledger.ErrUpstreamRejected)
	}

	c.logger.Debug("sms queued",
		zap.String("message_id", resp.MessageID),
		zap.String("msisdn", msisdn))
	return resp.MessageID, nil
}

// =============================================================================
// DELIVERY REPORT PARSING
// =============================================================================

type smsDeliveryPayload struct {
	MessageID string `json:"messageId"`
	MSISDN    string `json:"msisdn"`
	Status    string `json:"status"` // delivered | failed | expired
}

// ParseDeliveryReport maps a raw delivery callback into the normalized
// report.
func ParseDeliveryReport(payload []byte) (processor.SMSDeliveryReport, error) {
	var raw smsDeliveryPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return processor.SMSDeliveryReport{}, fmt.Errorf("malformed delivery report: %w", err)
	}
	if raw.MessageID == "" {
		return processor.SMSDeliveryReport{}, fmt.Errorf("delivery report missing messageId")
	}
	return processor.SMSDeliveryReport{
		MessageID:  raw.MessageID,
		MSISDN:     raw.MSISDN,
		Status:     raw.Status,
		ReceivedAt: time.Now().UTC(),
	}, nil
}
