package dto

import "time"

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type AuthResponse struct {
	Token string `json:"token"`
	User  any    `json:"user"`
}

// InvoiceResponse wraps an invoice with any warnings the creation pipeline
// accumulated from degraded ledger steps.
type InvoiceResponse struct {
	Invoice  any      `json:"invoice"`
	Warnings []string `json:"warnings,omitempty"`
}

type PreparedTransactionResponse struct {
	TransactionID  string    `json:"transaction_id"`
	PayerAccountID string    `json:"payer_account_id"`
	Purpose        string    `json:"purpose"`
	UnsignedBytes  []byte    `json:"unsigned_bytes"` // base64 in JSON
	CreatedAt      time.Time `json:"created_at"`
}
