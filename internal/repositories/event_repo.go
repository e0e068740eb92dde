package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/invoicemesh/backend/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepo is append-only: invoice events are written once and never
// updated.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

func (r *EventRepo) Append(ctx context.Context, e *models.InvoiceEvent) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO invoice_events (invoice_id, event_type, description, meta, topic_seq, tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, e.InvoiceID, e.EventType, e.Description, e.Meta, e.TopicSeq, e.TxRef,
	).Scan(&e.ID, &e.CreatedAt)
}

func (r *EventRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID, limit, offset int) ([]models.InvoiceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, event_type, description, meta, topic_seq, tx_ref, created_at
		FROM invoice_events WHERE invoice_id = $1
		ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, invoiceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.InvoiceEvent
	for rows.Next() {
		var e models.InvoiceEvent
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.EventType, &e.Description, &e.Meta, &e.TopicSeq, &e.TxRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
