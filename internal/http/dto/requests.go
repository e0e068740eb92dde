package dto

import (
	"encoding/json"
	"time"
)

type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	Role      string `json:"role" validate:"required,oneof=supplier investor"`
	AccountID string `json:"account_id" validate:"required"`
	PublicKey string `json:"public_key" validate:"omitempty,hexadecimal,len=64"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type CreateInvoiceRequest struct {
	InvoiceNumber string    `json:"invoice_number" validate:"required,max=64"`
	Amount        string    `json:"amount" validate:"required"`
	Currency      string    `json:"currency" validate:"required,len=3"`
	DueDate       time.Time `json:"due_date" validate:"required"`
	Description   *string   `json:"description,omitempty"`

	// Optional PDF, base64-encoded.
	DocumentBase64 string `json:"document_base64,omitempty"`
	DocumentMime   string `json:"document_mime,omitempty"`
	DocumentName   string `json:"document_name,omitempty"`
}

type PrepareFundingRequest struct {
	Amount string `json:"amount" validate:"required"`
}

type SubmitFundingRequest struct {
	TransactionID  string          `json:"transaction_id" validate:"required"`
	Amount         string          `json:"amount" validate:"required"`
	SignedEnvelope json.RawMessage `json:"signed_envelope" validate:"required"`
}
