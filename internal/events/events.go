package events

import "context"

// Event types
const (
	EventInvoiceStatusChanged = "invoice_status_changed"
	EventInvoiceAnchored      = "invoice_anchored"
	EventFundingRecorded      = "funding_recorded"
	EventEscrowReleased       = "escrow_released"
)

// StreamInvoice is the pub/sub channel invoice events go out on.
const StreamInvoice = "events:invoice"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
