package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Invoice statuses
const (
	InvoiceStatusIssued           = "issued"
	InvoiceStatusFundingRequested = "funding_requested"
	InvoiceStatusFunded           = "funded"
	InvoiceStatusPaid             = "paid"
	InvoiceStatusOverdue          = "overdue"
	InvoiceStatusCancelled        = "cancelled"
)

// Valid state transitions: from -> []to
var ValidInvoiceTransitions = map[string][]string{
	InvoiceStatusIssued:           {InvoiceStatusFundingRequested, InvoiceStatusFunded, InvoiceStatusOverdue, InvoiceStatusCancelled},
	InvoiceStatusFundingRequested: {InvoiceStatusFunded, InvoiceStatusOverdue, InvoiceStatusCancelled},
	InvoiceStatusFunded:           {InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusCancelled},
	InvoiceStatusOverdue:          {InvoiceStatusFunded, InvoiceStatusPaid, InvoiceStatusCancelled},
	InvoiceStatusPaid:             {},
	InvoiceStatusCancelled:        {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidInvoiceTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

type Invoice struct {
	ID            uuid.UUID       `json:"id"`
	SupplierID    uuid.UUID       `json:"supplier_id"`
	InvoiceNumber string          `json:"invoice_number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"` // ISO 4217
	DueDate       time.Time       `json:"due_date"`
	Description   *string         `json:"description,omitempty"`
	Status        string          `json:"status"`

	// Ledger anchors, filled in by best-effort enrichment steps.
	TokenID      *string `json:"token_id,omitempty"`
	SerialNumber *int64  `json:"serial_number,omitempty"`
	FileID       *string `json:"file_id,omitempty"`
	FileHash     *string `json:"file_hash,omitempty"` // SHA-384 hex of the original document
	TopicID      *string `json:"topic_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InvoiceEvent is a write-once audit record, one per pipeline step outcome.
type InvoiceEvent struct {
	ID          uuid.UUID      `json:"id"`
	InvoiceID   uuid.UUID      `json:"invoice_id"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description"`
	Meta        map[string]any `json:"meta,omitempty"`
	TopicSeq    *int64         `json:"topic_seq,omitempty"` // consensus message sequence, if anchored
	TxRef       *string        `json:"tx_ref,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Event types
const (
	EventInvoiceCreated   = "invoice_created"
	EventFileUploaded     = "file_uploaded"
	EventFileUploadFailed = "file_upload_failed"
	EventNFTMinted        = "nft_minted"
	EventMintFailed       = "mint_failed"
	EventStatusPublished  = "status_published"
	EventPublishFailed    = "publish_failed"
	EventFundingRequested = "funding_requested"
	EventEscrowFunded     = "escrow_funded"
	EventEscrowPartial    = "escrow_partial"
	EventEscrowOrphaned   = "escrow_orphaned"
	EventPaymentReceived  = "payment_received"
	EventEscrowRefunded   = "escrow_refunded"
	EventInvoiceCancelled = "invoice_cancelled"
	EventInvoiceOverdue   = "invoice_overdue"
)
