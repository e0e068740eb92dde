package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/invoicemesh/backend/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

type InvoiceRepo struct {
	pool *pgxpool.Pool
}

func NewInvoiceRepo(pool *pgxpool.Pool) *InvoiceRepo {
	return &InvoiceRepo{pool: pool}
}

const invoiceColumns = `id, supplier_id, invoice_number, amount, currency, due_date, description,
       status, token_id, serial_number, file_id, file_hash, topic_id, created_at, updated_at`

func scanInvoice(row pgx.Row) (*models.Invoice, error) {
	var inv models.Invoice
	var amount string
	err := row.Scan(&inv.ID, &inv.SupplierID, &inv.InvoiceNumber, &amount, &inv.Currency,
		&inv.DueDate, &inv.Description, &inv.Status,
		&inv.TokenID, &inv.SerialNumber, &inv.FileID, &inv.FileHash, &inv.TopicID,
		&inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invoice %s has unparsable amount %q: %w", inv.ID, amount, err)
	}
	return &inv, nil
}

func (r *InvoiceRepo) Create(ctx context.Context, inv *models.Invoice) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO invoices (supplier_id, invoice_number, amount, currency, due_date, description, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, inv.SupplierID, inv.InvoiceNumber, inv.Amount.String(), inv.Currency, inv.DueDate, inv.Description, inv.Status,
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
}

func (r *InvoiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
}

type InvoiceFilter struct {
	SupplierID *uuid.UUID
	Status     *string
	Limit      int
	Offset     int
}

func (r *InvoiceRepo) List(ctx context.Context, f InvoiceFilter) ([]models.Invoice, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	args := []any{}
	argIdx := 1
	where := ""

	if f.SupplierID != nil {
		where = fmt.Sprintf(" WHERE supplier_id = $%d", argIdx)
		args = append(args, *f.SupplierID)
		argIdx++
	}
	if f.Status != nil {
		if where == "" {
			where = fmt.Sprintf(" WHERE status = $%d", argIdx)
		} else {
			where += fmt.Sprintf(" AND status = $%d", argIdx)
		}
		args = append(args, *f.Status)
		argIdx++
	}

	query += where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

func (r *InvoiceRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET status = $1, updated_at = now() WHERE id = $2
	`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *InvoiceRepo) SetFileAnchor(ctx context.Context, id uuid.UUID, fileID, fileHash string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE invoices SET file_id = $1, file_hash = $2, updated_at = now() WHERE id = $3
	`, fileID, fileHash, id)
	return err
}

func (r *InvoiceRepo) SetTokenAnchor(ctx context.Context, id uuid.UUID, tokenID string, serial int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE invoices SET token_id = $1, serial_number = $2, updated_at = now() WHERE id = $3
	`, tokenID, serial, id)
	return err
}

func (r *InvoiceRepo) SetTopicAnchor(ctx context.Context, id uuid.UUID, topicID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE invoices SET topic_id = $1, updated_at = now() WHERE id = $2
	`, topicID, id)
	return err
}

// MarkOverdue flips every non-terminal invoice whose due date has passed to
// overdue and returns the affected rows.
func (r *InvoiceRepo) MarkOverdue(ctx context.Context, now time.Time) ([]models.Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE invoices SET status = $1, updated_at = now()
		WHERE status IN ($2, $3, $4) AND due_date < $5
		RETURNING `+invoiceColumns,
		models.InvoiceStatusOverdue,
		models.InvoiceStatusIssued, models.InvoiceStatusFundingRequested, models.InvoiceStatusFunded,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}
