package ledger

import (
	"bytes"
	"regexp"

	"github.com/shopspring/decimal"
)

const (
	// FileChunkSize is the fixed chunk boundary for file storage. Must be
	// identical on every call so reassembly is reproducible.
	FileChunkSize = 4096

	// MaxDocumentSize caps uploaded documents at 10 MB.
	MaxDocumentSize = 10 << 20

	// MaxMessageBytes caps a serialized consensus message.
	MaxMessageBytes = 1024

	// MaxMetadataBytes is the ledger's NFT metadata ceiling.
	MaxMetadataBytes = 100

	// MaxMemoInvoiceNumber caps the invoice number carried in NFT metadata.
	MaxMemoInvoiceNumber = 20
)

var (
	entityIDRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	txIDRe     = regexp.MustCompile(`^\d+\.\d+\.\d+@\d+\.\d+$`)
	symbolRe   = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)
	currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)
)

var pdfMagic = []byte("%PDF")

// ValidEntityID reports whether s is a shard.realm.num resource id
// (account, token, file, topic, contract or schedule).
func ValidEntityID(s string) bool { return entityIDRe.MatchString(s) }

// ValidTxID reports whether s is a payer@seconds.nanos transaction id.
func ValidTxID(s string) bool { return txIDRe.MatchString(s) }

func ValidSymbol(s string) bool { return symbolRe.MatchString(s) }

func ValidCurrency(s string) bool { return currencyRe.MatchString(s) }

func validateAccount(field, id string) error {
	if !ValidEntityID(id) {
		return &ValidationError{Field: field, Reason: "must match shard.realm.num"}
	}
	return nil
}

func validateAmountPositive(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return nil
}

func validateDocument(contents []byte, mimeType string) error {
	if mimeType != "application/pdf" {
		return &ValidationError{Field: "mime_type", Reason: "only application/pdf is accepted"}
	}
	if len(contents) == 0 {
		return &ValidationError{Field: "document", Reason: "empty content"}
	}
	if len(contents) > MaxDocumentSize {
		return &ValidationError{Field: "document", Reason: "exceeds 10 MB limit"}
	}
	if len(contents) < len(pdfMagic) || !bytes.Equal(contents[:len(pdfMagic)], pdfMagic) {
		return &ValidationError{Field: "document", Reason: "missing PDF magic header"}
	}
	return nil
}
