package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/invoicemesh/backend/internal/escrow"
	"github.com/invoicemesh/backend/internal/ledger"
	"github.com/invoicemesh/backend/internal/mirror"
	"github.com/invoicemesh/backend/internal/models"
	"github.com/invoicemesh/backend/internal/repositories"
	"github.com/invoicemesh/backend/internal/signing"
	"github.com/shopspring/decimal"
)

// Store interfaces implemented by the pgx repositories. The pipeline
// depends on these so tests can run it against in-memory fakes instead of
// a live database.

type InvoiceStore interface {
	Create(ctx context.Context, inv *models.Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	List(ctx context.Context, f repositories.InvoiceFilter) ([]models.Invoice, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	SetFileAnchor(ctx context.Context, id uuid.UUID, fileID, fileHash string) error
	SetTokenAnchor(ctx context.Context, id uuid.UUID, tokenID string, serial int64) error
	SetTopicAnchor(ctx context.Context, id uuid.UUID, topicID string) error
	MarkOverdue(ctx context.Context, now time.Time) ([]models.Invoice, error)
}

type EventStore interface {
	Append(ctx context.Context, e *models.InvoiceEvent) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID, limit, offset int) ([]models.InvoiceEvent, error)
}

type FundingStore interface {
	RecordFunding(ctx context.Context, f *models.Funding) (*repositories.FundingOutcome, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]models.Funding, error)
	ListByStatus(ctx context.Context, status string) ([]models.Funding, error)
	MarkActive(ctx context.Context, id uuid.UUID, txRef string) error
	MarkReleased(ctx context.Context, invoiceID uuid.UUID, at time.Time) error
	MarkRefunded(ctx context.Context, invoiceID uuid.UUID) error
	TotalFunded(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// EscrowEngine is the slice of the escrow coordinator the pipeline drives.
type EscrowEngine interface {
	CreateAndFundEscrow(ctx context.Context, invoiceID, tokenRef, investorAccount, supplierAccount string,
		amount decimal.Decimal, dueDate time.Time, fileDigest string) (*escrow.FundingResult, error)
	RetryDeposit(ctx context.Context, escrowID, invoiceID, tokenRef, investorAccount, supplierAccount string,
		amount decimal.Decimal, dueDate time.Time, fileDigest string) (string, error)
	Release(ctx context.Context, invoiceID, releaser string) (string, error)
	Refund(ctx context.Context, invoiceID, refunder string) (string, error)
	GetEscrowDetails(ctx context.Context, invoiceID string) (*models.EscrowDetails, error)
}

// SigningBroker is the two-phase wallet handshake the pipeline delegates to.
type SigningBroker interface {
	Prepare(ctx context.Context, op signing.Operation) (*signing.PreparedTransaction, error)
	Submit(ctx context.Context, signed []byte, transactionID, payerKey string) (*ledger.Receipt, error)
}

// MirrorClient resolves the real outcome of transactions whose synchronous
// call could not guarantee one.
type MirrorClient interface {
	GetTransaction(ctx context.Context, txRef string) (*mirror.TransactionRecord, error)
}
