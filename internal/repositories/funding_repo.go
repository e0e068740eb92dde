package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/invoicemesh/backend/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvoiceNotFundable means the invoice is not in a status that
	// accepts funding.
	ErrInvoiceNotFundable = errors.New("invoice is not in a fundable status")

	// ErrOverFunded means the funding would push the total above the
	// invoice amount.
	ErrOverFunded = errors.New("funding exceeds remaining unfunded balance")

	// ErrDuplicateFunding means a funding with the same transaction
	// reference was already recorded.
	ErrDuplicateFunding = errors.New("funding transaction already processed")
)

type FundingRepo struct {
	pool *pgxpool.Pool
}

func NewFundingRepo(pool *pgxpool.Pool) *FundingRepo {
	return &FundingRepo{pool: pool}
}

type FundingOutcome struct {
	TotalFunded   decimal.Decimal
	InvoiceFunded bool // this funding completed the invoice amount
}

// RecordFunding inserts the funding row and flips the invoice to funded
// when the sum of all fundings reaches the invoice amount. The invoice row
// is locked for the duration, so concurrent fundings against the same
// invoice serialize on the balance check and can never over-fund it.
func (r *FundingRepo) RecordFunding(ctx context.Context, f *models.Funding) (*FundingOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var status, amountStr string
	err = tx.QueryRow(ctx, `
		SELECT status, amount FROM invoices WHERE id = $1 FOR UPDATE
	`, f.InvoiceID).Scan(&status, &amountStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if status != models.InvoiceStatusIssued && status != models.InvoiceStatusFundingRequested {
		return nil, fmt.Errorf("%w: status %s", ErrInvoiceNotFundable, status)
	}

	invoiceAmount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("invoice %s has unparsable amount %q: %w", f.InvoiceID, amountStr, err)
	}

	var totalStr string
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM fundings
		WHERE invoice_id = $1 AND status != $2
	`, f.InvoiceID, models.FundingStatusRefunded).Scan(&totalStr)
	if err != nil {
		return nil, err
	}
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return nil, err
	}

	newTotal := total.Add(f.Amount)
	if newTotal.GreaterThan(invoiceAmount) {
		return nil, fmt.Errorf("%w: %s already funded of %s", ErrOverFunded, total, invoiceAmount)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO fundings (invoice_id, investor_id, amount, escrow_id, tx_ref, schedule_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, funded_at
	`, f.InvoiceID, f.InvestorID, f.Amount.String(), f.EscrowID, f.TxRef, f.ScheduleID, f.Status,
	).Scan(&f.ID, &f.FundedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateFunding
		}
		return nil, err
	}

	outcome := &FundingOutcome{TotalFunded: newTotal}
	if newTotal.GreaterThanOrEqual(invoiceAmount) {
		if _, err := tx.Exec(ctx, `
			UPDATE invoices SET status = $1, updated_at = now() WHERE id = $2
		`, models.InvoiceStatusFunded, f.InvoiceID); err != nil {
			return nil, err
		}
		outcome.InvoiceFunded = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return outcome, nil
}

const fundingColumns = `id, invoice_id, investor_id, amount, escrow_id, tx_ref, schedule_id, status, funded_at, released_at`

func scanFunding(row pgx.Row) (*models.Funding, error) {
	var f models.Funding
	var amount string
	err := row.Scan(&f.ID, &f.InvoiceID, &f.InvestorID, &amount, &f.EscrowID, &f.TxRef,
		&f.ScheduleID, &f.Status, &f.FundedAt, &f.ReleasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("funding %s has unparsable amount %q: %w", f.ID, amount, err)
	}
	return &f, nil
}

func (r *FundingRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]models.Funding, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+fundingColumns+` FROM fundings WHERE invoice_id = $1 ORDER BY funded_at ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fundings []models.Funding
	for rows.Next() {
		f, err := scanFunding(rows)
		if err != nil {
			return nil, err
		}
		fundings = append(fundings, *f)
	}
	return fundings, rows.Err()
}

func (r *FundingRepo) ListByStatus(ctx context.Context, status string) ([]models.Funding, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+fundingColumns+` FROM fundings WHERE status = $1 ORDER BY funded_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fundings []models.Funding
	for rows.Next() {
		f, err := scanFunding(rows)
		if err != nil {
			return nil, err
		}
		fundings = append(fundings, *f)
	}
	return fundings, rows.Err()
}

// MarkActive promotes a pending (partial-escrow) funding once its missing
// half has been confirmed.
func (r *FundingRepo) MarkActive(ctx context.Context, id uuid.UUID, txRef string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fundings SET status = $1, tx_ref = $2
		WHERE id = $3 AND status = $4
	`, models.FundingStatusActive, txRef, id, models.FundingStatusPending)
	return err
}

// MarkReleased flips every active funding on the invoice to released.
func (r *FundingRepo) MarkReleased(ctx context.Context, invoiceID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fundings SET status = $1, released_at = $2
		WHERE invoice_id = $3 AND status = $4
	`, models.FundingStatusReleased, at, invoiceID, models.FundingStatusActive)
	return err
}

// MarkRefunded flips every non-terminal funding on the invoice to refunded.
func (r *FundingRepo) MarkRefunded(ctx context.Context, invoiceID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fundings SET status = $1
		WHERE invoice_id = $2 AND status IN ($3, $4)
	`, models.FundingStatusRefunded, invoiceID, models.FundingStatusPending, models.FundingStatusActive)
	return err
}

// TotalFunded sums the non-refunded fundings for an invoice.
func (r *FundingRepo) TotalFunded(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var totalStr string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM fundings
		WHERE invoice_id = $1 AND status != $2
	`, invoiceID, models.FundingStatusRefunded).Scan(&totalStr)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(totalStr)
}
