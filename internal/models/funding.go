package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Funding statuses. Transitions are one-directional:
// pending -> active -> released|refunded.
const (
	FundingStatusPending  = "pending" // partial escrow: one of the two ledger halves missing
	FundingStatusActive   = "active"
	FundingStatusReleased = "released"
	FundingStatusRefunded = "refunded"
)

type Funding struct {
	ID         uuid.UUID       `json:"id"`
	InvoiceID  uuid.UUID       `json:"invoice_id"`
	InvestorID uuid.UUID       `json:"investor_id"`
	Amount     decimal.Decimal `json:"amount"`
	EscrowID   string          `json:"escrow_id"`
	// TxRef is the contract deposit transaction. While a funding is
	// pending (partial escrow) it holds the schedule transaction instead,
	// the only reference that exists yet.
	TxRef      string     `json:"tx_ref"`
	ScheduleID *string    `json:"schedule_id,omitempty"`
	Status     string     `json:"status"`
	FundedAt   time.Time  `json:"funded_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}
