/*
store.go - Persistence interfaces for reconciliation-trigger records

PURPOSE:
  Collections, disbursement requests, SMS messages, and reconciliation runs
  are mutable workflow records (status enums advanced by callbacks), unlike
  the append-only ledger. They get their own store surface.

IMPLEMENTATIONS:
  - store/sqlite
  - store/postgres

SEE ALSO:
  - ledger/store.go: The append-only ledger interfaces
*/
package processor

import (
	"context"

	"github.com/pesaflow/ledger-engine/ledger"
)

// CollectionStore persists inbound payment records.
type CollectionStore interface {
	// SaveCollection inserts or updates by ID.
	SaveCollection(ctx context.Context, rec CollectionRecord) error

	// GetCollection returns the record or (nil, nil) when absent.
	GetCollection(ctx context.Context, id string) (*CollectionRecord, error)

	// GetCollectionByExternalID looks up by channel + upstream id.
	GetCollectionByExternalID(ctx context.Context, channel CollectionChannel, externalID string) (*CollectionRecord, error)

	// ListUnallocatedCollections returns parked events awaiting manual
	// allocation, oldest first.
	ListUnallocatedCollections(ctx context.Context) ([]CollectionRecord, error)
}

// DisbursementStore persists debit intents.
type DisbursementStore interface {
	// SaveDisbursement inserts or updates by ID.
	SaveDisbursement(ctx context.Context, req DisbursementRequest) error

	// GetDisbursement returns the request or (nil, nil) when absent.
	GetDisbursement(ctx context.Context, id string) (*DisbursementRequest, error)

	// GetDisbursementByConversationID looks up by the upstream correlation id.
	GetDisbursementByConversationID(ctx context.Context, conversationID string) (*DisbursementRequest, error)

	// ListDisbursementsByPartner returns a partner's requests, newest first.
	ListDisbursementsByPartner(ctx context.Context, partnerID ledger.PartnerID) ([]DisbursementRequest, error)
}

// SMSStore logs notification messages and their delivery status.
type SMSStore interface {
	SaveSMSMessage(ctx context.Context, msg SMSMessage) error

	// UpdateSMSStatus is keyed by the gateway-assigned message id.
	UpdateSMSStatus(ctx context.Context, messageID, status string) error
}

// RunStore records reconciliation audit runs.
type RunStore interface {
	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}

// Store is the full persistence surface the processors need.
type Store interface {
	CollectionStore
	DisbursementStore
	SMSStore
	RunStore
}
