package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// StatusMessage is the JSON status anchor published to the consensus log.
type StatusMessage struct {
	Type      string    `json:"type"`
	InvoiceID string    `json:"invoice_id,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Amount    string    `json:"amount,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	FileHash  string    `json:"file_hash,omitempty"`
}

// Encode serializes the message and enforces the consensus byte ceiling.
// Oversized messages fail here, before any network call; they are never
// truncated silently.
func (m StatusMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageBytes {
		return nil, &ValidationError{
			Field:  "message",
			Reason: fmt.Sprintf("serialized to %d bytes, ceiling is %d", len(data), MaxMessageBytes),
		}
	}
	return data, nil
}
