package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Escrow statuses as reported by the on-ledger contract.
const (
	EscrowStatusPending  = "pending"
	EscrowStatusFunded   = "funded"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
	EscrowStatusDisputed = "disputed"
)

// EscrowDetails is a read-through view reconstructed from a contract query.
// Authoritative state lives on the ledger; never make a financial decision
// from a stale copy of this struct.
type EscrowDetails struct {
	EscrowID        string          `json:"escrow_id"`
	InvoiceID       string          `json:"invoice_id"`
	InvestorAccount string          `json:"investor_account"`
	SupplierAccount string          `json:"supplier_account"`
	Amount          decimal.Decimal `json:"amount"`
	DepositedAt     *time.Time      `json:"deposited_at,omitempty"`
	DueDate         time.Time       `json:"due_date"`
	Status          string          `json:"status"`
	FileHash        string          `json:"file_hash,omitempty"`
}
