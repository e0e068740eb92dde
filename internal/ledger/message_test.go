package ledger

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStatusMessageEncode(t *testing.T) {
	msg := StatusMessage{
		Type:      "invoice_status",
		InvoiceID: "b3f9b6f2-5a52-4c55-b0cd-0f1b5d9ff001",
		Status:    "issued",
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Amount:    "15000.00",
		Currency:  "USD",
		FileHash:  strings.Repeat("ab", 48),
	}

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if len(data) > MaxMessageBytes {
		t.Fatalf("encoded message is %d bytes, ceiling is %d", len(data), MaxMessageBytes)
	}

	var decoded StatusMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if decoded.InvoiceID != msg.InvoiceID || decoded.Status != msg.Status {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestStatusMessageEncodeRejectsOversized(t *testing.T) {
	msg := StatusMessage{
		Type:     "invoice_status",
		Status:   "issued",
		FileHash: strings.Repeat("a", MaxMessageBytes+1),
	}

	_, err := msg.Encode()
	if err == nil {
		t.Fatal("expected error for oversized message, got nil")
	}

	// Must fail, never truncate.
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}
