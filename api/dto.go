/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/pesaflow/ledger-engine/ledger"
	"github.com/pesaflow/ledger-engine/processor"
)

// =============================================================================
// PARTNER
// =============================================================================

// PartnerDTO represents a partner in API responses. Credentials are never
// serialized out.
type PartnerDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ShortCode     string `json:"short_code"`
	ContactMSISDN string `json:"contact_msisdn,omitempty"`
	Active        bool   `json:"active"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// ChannelCredentialsRequest carries a partner's upstream API credentials.
// Accepted inbound only; no response type ever serializes them back out.
type ChannelCredentialsRequest struct {
	CollectionKey      string `json:"collection_key"`
	CollectionSecret   string `json:"collection_secret"`
	DisbursementKey    string `json:"disbursement_key"`
	DisbursementSecret string `json:"disbursement_secret"`
}

// CreatePartnerRequest registers a partner and opens its wallet.
type CreatePartnerRequest struct {
	ID                  string                    `json:"id"`
	Name                string                    `json:"name"`
	ShortCode           string                    `json:"short_code"`
	ContactMSISDN       string                    `json:"contact_msisdn"`
	Currency            string                    `json:"currency"`
	LowBalanceThreshold string                    `json:"low_balance_threshold"`
	Credentials         ChannelCredentialsRequest `json:"credentials"`
}

func partnerDTO(p ledger.Partner) PartnerDTO {
	return PartnerDTO{
		ID:            string(p.ID),
		Name:          p.Name,
		ShortCode:     p.ShortCode,
		ContactMSISDN: p.ContactMSISDN,
		Active:        p.Active,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// BALANCE AND TRANSACTIONS
// =============================================================================

// BalanceDTO is the partner's current float position.
type BalanceDTO struct {
	PartnerID           string  `json:"partner_id"`
	WalletID            string  `json:"wallet_id"`
	Balance             string  `json:"balance"`
	Currency            string  `json:"currency"`
	LowBalanceThreshold string  `json:"low_balance_threshold"`
	BelowThreshold      bool    `json:"below_threshold"`
	LastTopUpAt         *string `json:"last_topup_at,omitempty"`
	AsOf                string  `json:"as_of"`
}

// TransactionDTO is one ledger entry.
type TransactionDTO struct {
	ID                string            `json:"id"`
	Amount            string            `json:"amount"`
	Currency          string            `json:"currency"`
	Type              string            `json:"type"`
	Status            string            `json:"status"`
	ExternalReference string            `json:"external_reference"`
	BalanceAfter      string            `json:"balance_after"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Seq               int64             `json:"seq"`
	CreatedAt         string            `json:"created_at"`
}

func transactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                string(tx.ID),
		Amount:            tx.Amount.Value.StringFixed(2),
		Currency:          tx.Amount.Currency,
		Type:              string(tx.Type),
		Status:            string(tx.Status),
		ExternalReference: tx.ExternalReference,
		BalanceAfter:      tx.BalanceAfter.Value.StringFixed(2),
		Metadata:          tx.Metadata,
		Seq:               tx.Seq,
		CreatedAt:         tx.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// DISBURSEMENTS
// =============================================================================

// SubmitDisbursementRequest asks to pay a recipient from the partner float.
type SubmitDisbursementRequest struct {
	Amount          string `json:"amount"`
	RecipientMSISDN string `json:"recipient_msisdn"`
}

// DisbursementDTO is one debit intent and its upstream progress.
type DisbursementDTO struct {
	ID                string `json:"id"`
	PartnerID         string `json:"partner_id"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	RecipientMSISDN   string `json:"recipient_msisdn"`
	Status            string `json:"status"`
	ConversationID    string `json:"conversation_id,omitempty"`
	ResultCode        *int   `json:"result_code,omitempty"`
	ResultDescription string `json:"result_description,omitempty"`
	ReceiptNumber     string `json:"receipt_number,omitempty"`
	RetryCount        int    `json:"retry_count"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func disbursementDTO(d processor.DisbursementRequest) DisbursementDTO {
	return DisbursementDTO{
		ID:                d.ID,
		PartnerID:         string(d.PartnerID),
		Amount:            d.Amount.Value.StringFixed(2),
		Currency:          d.Amount.Currency,
		RecipientMSISDN:   d.RecipientMSISDN,
		Status:            string(d.Status),
		ConversationID:    d.ConversationID,
		ResultCode:        d.ResultCode,
		ResultDescription: d.ResultDescription,
		ReceiptNumber:     d.ReceiptNumber,
		RetryCount:        d.RetryCount,
		CreatedAt:         d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         d.UpdatedAt.Format(time.RFC3339),
	}
}

// DisbursementCallbackRequest is the upstream result webhook body.
type DisbursementCallbackRequest struct {
	ConversationID    string `json:"conversation_id"`
	ResultCode        int    `json:"result_code"`
	ResultDescription string `json:"result_description"`
	ReceiptNumber     string `json:"receipt_number"`
}

// =============================================================================
// COLLECTIONS
// =============================================================================

// CollectionDTO is one inbound payment record.
type CollectionDTO struct {
	ID               string `json:"id"`
	Channel          string `json:"channel"`
	ExternalID       string `json:"external_id"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	PayerMSISDN      string `json:"payer_msisdn,omitempty"`
	AccountReference string `json:"account_reference,omitempty"`
	PartnerID        string `json:"partner_id,omitempty"`
	Status           string `json:"status"`
	OccurredAt       string `json:"occurred_at"`
}

func collectionDTO(c processor.CollectionRecord) CollectionDTO {
	return CollectionDTO{
		ID:               c.ID,
		Channel:          string(c.Channel),
		ExternalID:       c.ExternalID,
		Amount:           c.Amount.Value.StringFixed(2),
		Currency:         c.Amount.Currency,
		PayerMSISDN:      c.PayerMSISDN,
		AccountReference: c.AccountReference,
		PartnerID:        string(c.PartnerID),
		Status:           string(c.Status),
		OccurredAt:       c.OccurredAt.Format(time.RFC3339),
	}
}

// AllocateCollectionRequest manually assigns a parked collection.
type AllocateCollectionRequest struct {
	PartnerID string `json:"partner_id"`
}

// InitiateSTKPushRequest prompts a payer to top up a partner's float.
type InitiateSTKPushRequest struct {
	Amount string `json:"amount"`
	MSISDN string `json:"msisdn"`
}

// =============================================================================
// ADJUSTMENTS AND SMS
// =============================================================================

// AdjustmentRequest is an operator correction.
type AdjustmentRequest struct {
	PartnerID string `json:"partner_id"`
	Amount    string `json:"amount"` // signed decimal string
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor"`
}

// ApplyResultDTO reports the outcome of a balance mutation.
type ApplyResultDTO struct {
	WalletID      string `json:"wallet_id"`
	NewBalance    string `json:"new_balance"`
	Currency      string `json:"currency"`
	TransactionID string `json:"transaction_id"`
	Replayed      bool   `json:"replayed"`
}

func applyResultDTO(res ledger.ApplyDeltaResult) ApplyResultDTO {
	return ApplyResultDTO{
		WalletID:      string(res.WalletID),
		NewBalance:    res.NewBalance.Value.StringFixed(2),
		Currency:      res.NewBalance.Currency,
		TransactionID: string(res.TransactionID),
		Replayed:      res.Replayed,
	}
}

// SendSMSRequest queues a notification message to a partner contact.
type SendSMSRequest struct {
	MSISDN  string `json:"msisdn"`
	Message string `json:"message"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconciliationRunDTO is one audit run over one wallet.
type ReconciliationRunDTO struct {
	ID          string `json:"id"`
	WalletID    string `json:"wallet_id"`
	Cached      string `json:"cached"`
	Recomputed  string `json:"recomputed"`
	Drift       string `json:"drift"`
	Consistent  bool   `json:"consistent"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func reconciliationRunDTO(run processor.ReconciliationRun) ReconciliationRunDTO {
	dto := ReconciliationRunDTO{
		ID:         run.ID,
		WalletID:   string(run.WalletID),
		Cached:     run.Cached.Value.StringFixed(2),
		Recomputed: run.Recomputed.Value.StringFixed(2),
		Drift:      run.Drift.Value.StringFixed(2),
		Consistent: run.Consistent,
		Status:     run.Status,
		Error:      run.Error,
		StartedAt:  run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
