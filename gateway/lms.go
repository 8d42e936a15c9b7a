/*
lms.go - Loan-management system integration

PURPOSE:
  Forwards allocated collections that carry a loan account tag to the LMS
  as repayments, and parses the LMS repayment webhook. The LMS is a
  downstream consumer: its availability never blocks the wallet credit.
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

// LMSConfig locates the loan-management system.
type LMSConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// LMSClient posts loan repayments to the loan-management system.
type LMSClient struct {
	cfg    LMSConfig
	client *Client
	logger *zap.Logger
}

func NewLMSClient(cfg LMSConfig, logger *zap.Logger) *LMSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LMSClient{
		cfg:    cfg,
		client: NewClient("lms", cfg.Timeout, logger),
		logger: logger,
	}
}

// RepaymentNotice tells the LMS that a collection repaid a loan.
type RepaymentNotice struct {
	LoanID        string
	Amount        ledger.Money
	ReceiptNumber string // upstream collection id; the LMS dedup key
	PaidAt        time.Time
}

type repaymentRequest struct {
	LoanID        string `json:"loanId"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	ReceiptNumber string `json:"receiptNumber"`
	PaidAt        string `json:"paidAt"`
}

type repaymentResponse struct {
	RepaymentID string `json:"repaymentId"`
	Status      string `json:"status"`
}

// PostRepayment forwards one repayment. Safe to re-drive: the LMS dedupes
// on the receipt number.
func (c *LMSClient) PostRepayment(ctx context.Context, notice RepaymentNotice) (string, error) {
	req := repaymentRequest{
		LoanID:        notice.LoanID,
		Amount:        notice.Amount.Value.StringFixed(2),
		Currency:      notice.Amount.Currency,
		ReceiptNumber: notice.ReceiptNumber,
		PaidAt:        notice.PaidAt.UTC().Format(time.RFC3339),
	}

	var resp repaymentResponse
	err := c.client.PostJSON(ctx, c.cfg.BaseURL+"/v1/loans/"+notice.LoanID+"/repayments",
		map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}, req, &resp)
	if err != nil {
		return "", err
	}

	c.logger.Info("loan repayment posted",
		zap.String("loan_id", notice.LoanID),
		zap.String("repayment_id", resp.RepaymentID),
		zap.String("receipt", notice.ReceiptNumber))
	return resp.RepaymentID, nil
}

// NotifyRepayment implements processor.RepaymentNotifier.
func (c *LMSClient) NotifyRepayment(ctx context.Context, rp processor.LoanRepayment) (string, error) {
	return c.PostRepayment(ctx, RepaymentNotice{
		LoanID:        rp.LoanID,
		Amount:        rp.Amount,
		ReceiptNumber: rp.ReceiptNumber,
		PaidAt:        rp.PaidAt,
	})
}

// =============================================================================
// WEBHOOK PARSING
// =============================================================================

// RepaymentWebhook is the LMS's acknowledgement of a posted repayment.
type RepaymentWebhook struct {
	RepaymentID   string
	LoanID        string
	ReceiptNumber string
	Status        string // applied | rejected
	ReceivedAt    time.Time
}

type repaymentWebhookPayload struct {
	RepaymentID   string `json:"repaymentId"`
	LoanID        string `json:"loanId"`
	ReceiptNumber string `json:"receiptNumber"`
	Status        string `json:"status"`
}

// ParseRepaymentWebhook maps the raw webhook into RepaymentWebhook.
func ParseRepaymentWebhook(payload []byte) (RepaymentWebhook, error) {
	var raw repaymentWebhookPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return RepaymentWebhook{}, fmt.Errorf("malformed repayment webhook: %w", err)
	}
	if raw.RepaymentID == "" {
		return RepaymentWebhook{}, fmt.Errorf("repayment webhook missing repaymentId")
	}
	return RepaymentWebhook{
		RepaymentID:   raw.RepaymentID,
		LoanID:        raw.LoanID,
		ReceiptNumber: raw.ReceiptNumber,
		Status:        raw.Status,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}
