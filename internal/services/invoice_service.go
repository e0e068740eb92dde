package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/invoicemesh/backend/internal/config"
	"github.com/invoicemesh/backend/internal/escrow"
	"github.com/invoicemesh/backend/internal/events"
	"github.com/invoicemesh/backend/internal/ledger"
	"github.com/invoicemesh/backend/internal/mirror"
	"github.com/invoicemesh/backend/internal/models"
	"github.com/invoicemesh/backend/internal/repositories"
	"github.com/invoicemesh/backend/internal/signing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvalidTransition means the requested status change is not allowed
	// from the invoice's current status.
	ErrInvalidTransition = errors.New("invalid invoice status transition")

	// ErrActiveFunding means the invoice cannot be cancelled directly while
	// escrowed money is attached; the refund path must run first.
	ErrActiveFunding = errors.New("invoice has active fundings, refund them first")
)

// InvoiceService runs the invoice lifecycle: persistence first, then the
// ordered best-effort ledger enrichment steps, then funding, settlement and
// recovery. Every collaborator arrives through the constructor.
type InvoiceService struct {
	invoices InvoiceStore
	events   EventStore
	fundings FundingStore
	users    UserStore
	gw       ledger.Gateway
	escrow   EscrowEngine
	broker   SigningBroker
	mirror   MirrorClient
	bus      events.Publisher
	links    *mirror.LinkBuilder
	cfg      *config.Config
	log      *zap.Logger
}

type Deps struct {
	Invoices InvoiceStore
	Events   EventStore
	Fundings FundingStore
	Users    UserStore
	Gateway  ledger.Gateway
	Escrow   EscrowEngine
	Broker   SigningBroker
	Mirror   MirrorClient
	Bus      events.Publisher
	Links    *mirror.LinkBuilder
	Config   *config.Config
	Log      *zap.Logger
}

func NewInvoiceService(d Deps) *InvoiceService {
	return &InvoiceService{
		invoices: d.Invoices,
		events:   d.Events,
		fundings: d.Fundings,
		users:    d.Users,
		gw:       d.Gateway,
		escrow:   d.Escrow,
		broker:   d.Broker,
		mirror:   d.Mirror,
		bus:      d.Bus,
		links:    d.Links,
		cfg:      d.Config,
		log:      d.Log,
	}
}

type CreateInvoiceInput struct {
	SupplierID    uuid.UUID
	InvoiceNumber string
	Amount        decimal.Decimal
	Currency      string
	DueDate       time.Time
	Description   *string

	// Optional PDF document to anchor on the ledger.
	Document     []byte
	DocumentMime string
	DocumentName string
}

type CreateInvoiceResult struct {
	Invoice  *models.Invoice
	Warnings []string
}

// pipelineStep is one stage of invoice creation. Mandatory steps abort the
// whole creation on failure; the rest record a failure event plus a warning
// and let the pipeline continue.
type pipelineStep struct {
	name      string
	failEvent string
	mandatory bool
	skip      bool
	run       func(ctx context.Context) error
}

// CreateInvoice persists the invoice and then runs the ledger enrichment
// steps in order: document storage, representation mint, status publication.
// Only persistence is mandatory; a ledger outage degrades the result to a
// bare invoice with warnings, never to an error.
func (s *InvoiceService) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*CreateInvoiceResult, error) {
	if in.InvoiceNumber == "" {
		return nil, &ledger.ValidationError{Field: "invoice_number", Reason: "must not be empty"}
	}
	if !in.Amount.IsPositive() {
		return nil, &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !ledger.ValidCurrency(in.Currency) {
		return nil, &ledger.ValidationError{Field: "currency", Reason: "must be a 3-letter code"}
	}

	inv := &models.Invoice{
		SupplierID:    in.SupplierID,
		InvoiceNumber: in.InvoiceNumber,
		Amount:        in.Amount,
		Currency:      in.Currency,
		DueDate:       in.DueDate,
		Description:   in.Description,
		Status:        models.InvoiceStatusIssued,
	}

	steps := []pipelineStep{
		{
			name:      "persist",
			mandatory: true,
			run: func(ctx context.Context) error {
				if err := s.invoices.Create(ctx, inv); err != nil {
					return err
				}
				s.appendEvent(ctx, inv.ID, models.EventInvoiceCreated, "invoice persisted", nil, nil, nil)
				return nil
			},
		},
		{
			name:      "store_document",
			failEvent: models.EventFileUploadFailed,
			skip:      len(in.Document) == 0,
			run: func(ctx context.Context) error {
				res, err := s.gw.StoreDocument(ctx, in.Document, in.DocumentMime, in.DocumentName)
				if err != nil {
					return err
				}
				if err := s.invoices.SetFileAnchor(ctx, inv.ID, res.FileID, res.Digest); err != nil {
					return err
				}
				inv.FileID = &res.FileID
				inv.FileHash = &res.Digest
				s.appendEvent(ctx, inv.ID, models.EventFileUploaded, "document anchored",
					map[string]any{"file_id": res.FileID, "chunks": res.Chunks, "size": len(in.Document)},
					&res.TxRef, nil)
				return nil
			},
		},
		{
			name:      "mint_representation",
			failEvent: models.EventMintFailed,
			skip:      s.cfg.TokenCollectionID == "",
			run: func(ctx context.Context) error {
				res, err := s.gw.MintRepresentation(ctx, s.cfg.TokenCollectionID, ledger.NFTMetadata{
					InvoiceNumber: in.InvoiceNumber,
					Amount:        in.Amount.String(),
					Currency:      in.Currency,
					DueDate:       in.DueDate,
				})
				if err != nil {
					return err
				}
				if err := s.invoices.SetTokenAnchor(ctx, inv.ID, s.cfg.TokenCollectionID, res.SerialNumber); err != nil {
					return err
				}
				tokenID := s.cfg.TokenCollectionID
				inv.TokenID = &tokenID
				inv.SerialNumber = &res.SerialNumber
				s.appendEvent(ctx, inv.ID, models.EventNFTMinted, "representation minted",
					map[string]any{"token_id": tokenID, "serial": res.SerialNumber},
					&res.TxRef, nil)
				return nil
			},
		},
		{
			name:      "publish_status",
			failEvent: models.EventPublishFailed,
			skip:      s.cfg.StatusTopicID == "",
			run: func(ctx context.Context) error {
				return s.publishStatus(ctx, inv, models.InvoiceStatusIssued)
			},
		},
	}

	var warnings []string
	for _, step := range steps {
		if step.skip {
			continue
		}
		err := step.run(ctx)
		if err == nil {
			continue
		}
		if step.mandatory {
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
		s.log.Warn("enrichment step failed",
			zap.String("step", step.name),
			zap.String("invoice_id", inv.ID.String()),
			zap.Error(err),
		)
		s.appendEvent(ctx, inv.ID, step.failEvent, err.Error(), nil, txRefFrom(err), nil)
		warnings = append(warnings, fmt.Sprintf("%s: %v", step.name, err))
	}

	s.publishBus(ctx, events.EventInvoiceAnchored, map[string]any{
		"invoice_id": inv.ID.String(),
		"status":     inv.Status,
	})

	stored, err := s.invoices.GetByID(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	return &CreateInvoiceResult{Invoice: stored, Warnings: warnings}, nil
}

// txRefFrom extracts a transaction id from an ambiguous-outcome error so the
// audit event keeps the handle needed for mirror resolution.
func txRefFrom(err error) *string {
	var te *ledger.TransientError
	if errors.As(err, &te) && te.TxID != "" {
		return &te.TxID
	}
	return nil
}

func (s *InvoiceService) GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return s.invoices.GetByID(ctx, id)
}

func (s *InvoiceService) ListInvoices(ctx context.Context, f repositories.InvoiceFilter) ([]models.Invoice, error) {
	return s.invoices.List(ctx, f)
}

func (s *InvoiceService) ListEvents(ctx context.Context, invoiceID uuid.UUID, limit, offset int) ([]models.InvoiceEvent, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.events.ListByInvoice(ctx, invoiceID, limit, offset)
}

func (s *InvoiceService) ListFundings(ctx context.Context, invoiceID uuid.UUID) ([]models.Funding, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.fundings.ListByInvoice(ctx, invoiceID)
}

// EscrowDetails reads the live escrow state from the contract. The chain is
// authoritative: nothing here is served from the database.
func (s *InvoiceService) EscrowDetails(ctx context.Context, invoiceID uuid.UUID) (*models.EscrowDetails, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.escrow.GetEscrowDetails(ctx, invoiceID.String())
}

// ProofBundle is the set of public explorer links for an invoice's ledger
// anchors.
type ProofBundle struct {
	Token    string         `json:"token,omitempty"`
	File     string         `json:"file,omitempty"`
	Topic    string         `json:"topic,omitempty"`
	Fundings []FundingProof `json:"fundings,omitempty"`
}

type FundingProof struct {
	EscrowID string `json:"escrow_id"`
	Schedule string `json:"schedule,omitempty"`
	Deposit  string `json:"deposit,omitempty"`
}

func (s *InvoiceService) Proofs(ctx context.Context, invoiceID uuid.UUID) (*ProofBundle, error) {
	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	bundle := &ProofBundle{}
	if inv.TokenID != nil && inv.SerialNumber != nil {
		bundle.Token = s.links.Token(*inv.TokenID, *inv.SerialNumber)
	}
	if inv.FileID != nil {
		bundle.File = s.links.File(*inv.FileID)
	}
	if inv.TopicID != nil {
		bundle.Topic = s.links.Topic(*inv.TopicID)
	}

	fundings, err := s.fundings.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	for _, f := range fundings {
		proof := FundingProof{EscrowID: f.EscrowID}
		if f.ScheduleID != nil {
			proof.Schedule = s.links.Schedule(*f.ScheduleID)
		}
		if f.TxRef != "" && f.Status != models.FundingStatusPending {
			proof.Deposit = s.links.Transaction(f.TxRef)
		}
		bundle.Fundings = append(bundle.Fundings, proof)
	}
	return bundle, nil
}

// PrepareFunding freezes the escrow-deposit transaction for the investor's
// wallet to sign. The first prepared funding moves the invoice from issued
// to funding_requested.
func (s *InvoiceService) PrepareFunding(ctx context.Context, invoiceID uuid.UUID, investor *models.User, amount decimal.Decimal) (*signing.PreparedTransaction, error) {
	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != models.InvoiceStatusIssued && inv.Status != models.InvoiceStatusFundingRequested {
		return nil, fmt.Errorf("%w: status %s", repositories.ErrInvoiceNotFundable, inv.Status)
	}
	if !amount.IsPositive() {
		return nil, &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	funded, err := s.fundings.TotalFunded(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if funded.Add(amount).GreaterThan(inv.Amount) {
		return nil, fmt.Errorf("%w: %s already funded of %s", repositories.ErrOverFunded, funded, inv.Amount)
	}

	prepared, err := s.broker.Prepare(ctx, signing.Operation{
		Purpose:        signing.PurposeFundEscrow,
		PayerAccountID: investor.AccountID,
		Params: map[string]any{
			"invoice_id":     invoiceID.String(),
			"amount_tiny":    amount.Shift(8).IntPart(),
			"escrow_account": s.cfg.EscrowAccountID,
			"memo":           "escrow:" + invoiceID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	if inv.Status == models.InvoiceStatusIssued {
		if err := s.transition(ctx, inv, models.InvoiceStatusFundingRequested, models.EventFundingRequested, nil); err != nil {
			s.log.Warn("funding_requested transition failed",
				zap.String("invoice_id", invoiceID.String()), zap.Error(err))
		}
	}
	return prepared, nil
}

// SubmitFunding completes the two-phase funding: the fundability checks
// rerun against the current invoice state, the signed deposit authorization
// goes to the ledger, then the escrow coordinator runs its two-transaction
// creation. A partial escrow is recorded as a pending funding and the
// partial error is returned alongside it.
func (s *InvoiceService) SubmitFunding(ctx context.Context, invoiceID uuid.UUID, investor *models.User, transactionID string, signed []byte, amount decimal.Decimal) (*models.Funding, error) {
	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	// The invoice may have stopped accepting money while the wallet held
	// the prepared transaction, so the prepare-time checks run again here,
	// before anything moves on-ledger.
	if inv.Status != models.InvoiceStatusIssued && inv.Status != models.InvoiceStatusFundingRequested {
		return nil, fmt.Errorf("%w: status %s", repositories.ErrInvoiceNotFundable, inv.Status)
	}
	funded, err := s.fundings.TotalFunded(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if funded.Add(amount).GreaterThan(inv.Amount) {
		return nil, fmt.Errorf("%w: %s already funded of %s", repositories.ErrOverFunded, funded, inv.Amount)
	}

	supplier, err := s.users.GetByID(ctx, inv.SupplierID)
	if err != nil {
		return nil, fmt.Errorf("load supplier: %w", err)
	}

	if _, err := s.broker.Submit(ctx, signed, transactionID, investor.PublicKey); err != nil {
		return nil, err
	}

	res, err := s.escrow.CreateAndFundEscrow(ctx, inv.ID.String(), tokenRef(inv),
		investor.AccountID, supplier.AccountID, amount, inv.DueDate, deref(inv.FileHash))

	var partial *escrow.PartialEscrowError
	if errors.As(err, &partial) {
		f := &models.Funding{
			InvoiceID:  invoiceID,
			InvestorID: investor.ID,
			Amount:     amount,
			EscrowID:   partial.EscrowID,
			TxRef:      partial.ScheduleTxRef,
			Status:     models.FundingStatusPending,
		}
		if partial.ScheduleID != "" {
			f.ScheduleID = &partial.ScheduleID
		}
		if _, recErr := s.fundings.RecordFunding(ctx, f); recErr != nil {
			// Money moved on-ledger but the row did not land. The audit
			// event keeps the schedule tx so operators can refund by hand;
			// the reconciler cannot find this one.
			s.log.Error("partial escrow not recorded",
				zap.String("invoice_id", invoiceID.String()),
				zap.String("escrow_id", partial.EscrowID),
				zap.String("schedule_tx", partial.ScheduleTxRef),
				zap.Error(recErr),
			)
			s.appendEvent(ctx, invoiceID, models.EventEscrowOrphaned, recErr.Error(),
				map[string]any{"escrow_id": partial.EscrowID},
				&partial.ScheduleTxRef, nil)
			return nil, errors.Join(err, recErr)
		}
		s.appendEvent(ctx, invoiceID, models.EventEscrowPartial, partial.Error(),
			map[string]any{"escrow_id": partial.EscrowID, "schedule_tx": partial.ScheduleTxRef},
			&partial.ScheduleTxRef, nil)
		return f, err
	}
	if err != nil {
		return nil, err
	}

	f := &models.Funding{
		InvoiceID:  invoiceID,
		InvestorID: investor.ID,
		Amount:     amount,
		EscrowID:   res.EscrowID,
		TxRef:      res.ContractTxRef,
		Status:     models.FundingStatusActive,
	}
	if res.ScheduleID != "" {
		f.ScheduleID = &res.ScheduleID
	}

	outcome, err := s.fundings.RecordFunding(ctx, f)
	if err != nil {
		// The deposit already executed. The audit event carries its tx ref
		// so operators can find and refund the orphaned escrow.
		s.log.Error("escrow funded on-ledger but funding not recorded",
			zap.String("invoice_id", invoiceID.String()),
			zap.String("escrow_id", res.EscrowID),
			zap.String("deposit_tx", res.ContractTxRef),
			zap.Error(err),
		)
		s.appendEvent(ctx, invoiceID, models.EventEscrowOrphaned, err.Error(),
			map[string]any{"escrow_id": res.EscrowID, "schedule_tx": res.ScheduleTxRef},
			&res.ContractTxRef, nil)
		return nil, err
	}

	s.appendEvent(ctx, invoiceID, models.EventEscrowFunded, "escrow funded",
		map[string]any{
			"escrow_id":   res.EscrowID,
			"schedule_tx": res.ScheduleTxRef,
			"fee":         res.Fee.String(),
			"net":         res.Net.String(),
		},
		&res.ContractTxRef, nil)
	s.publishBus(ctx, events.EventFundingRecorded, map[string]any{
		"invoice_id": invoiceID.String(),
		"funding_id": f.ID.String(),
		"amount":     amount.String(),
	})

	if outcome.InvoiceFunded {
		inv.Status = models.InvoiceStatusFunded
		if pubErr := s.publishStatus(ctx, inv, models.InvoiceStatusFunded); pubErr != nil {
			s.log.Warn("funded status publish failed",
				zap.String("invoice_id", invoiceID.String()), zap.Error(pubErr))
			s.appendEvent(ctx, invoiceID, models.EventPublishFailed, pubErr.Error(), nil, txRefFrom(pubErr), nil)
		}
		s.publishBus(ctx, events.EventInvoiceStatusChanged, map[string]any{
			"invoice_id": invoiceID.String(),
			"status":     models.InvoiceStatusFunded,
		})
	}
	return f, nil
}

// Settle releases the escrow to the supplier and marks the invoice paid.
// The contract refuses a second release, so a repeat settle surfaces an
// already-settled rejection and changes nothing.
func (s *InvoiceService) Settle(ctx context.Context, invoiceID uuid.UUID, releaserAccount string) (*models.Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !models.IsValidTransition(inv.Status, models.InvoiceStatusPaid) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, models.InvoiceStatusPaid)
	}

	txRef, err := s.escrow.Release(ctx, invoiceID.String(), releaserAccount)
	if err != nil {
		return nil, err
	}

	if err := s.fundings.MarkReleased(ctx, invoiceID, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, inv, models.InvoiceStatusPaid, models.EventPaymentReceived, &txRef); err != nil {
		return nil, err
	}

	s.publishBus(ctx, events.EventEscrowReleased, map[string]any{
		"invoice_id": invoiceID.String(),
		"tx_ref":     txRef,
	})
	if pubErr := s.publishStatus(ctx, inv, models.InvoiceStatusPaid); pubErr != nil {
		s.appendEvent(ctx, invoiceID, models.EventPublishFailed, pubErr.Error(), nil, txRefFrom(pubErr), nil)
	}
	return s.invoices.GetByID(ctx, invoiceID)
}

// Refund returns the escrow to the investors and cancels the invoice.
func (s *InvoiceService) Refund(ctx context.Context, invoiceID uuid.UUID, refunderAccount string) (*models.Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !models.IsValidTransition(inv.Status, models.InvoiceStatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, models.InvoiceStatusCancelled)
	}

	txRef, err := s.escrow.Refund(ctx, invoiceID.String(), refunderAccount)
	if err != nil {
		return nil, err
	}

	if err := s.fundings.MarkRefunded(ctx, invoiceID); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, invoiceID, models.EventEscrowRefunded, "escrow refunded", nil, &txRef, nil)
	if err := s.transition(ctx, inv, models.InvoiceStatusCancelled, models.EventInvoiceCancelled, &txRef); err != nil {
		return nil, err
	}

	if pubErr := s.publishStatus(ctx, inv, models.InvoiceStatusCancelled); pubErr != nil {
		s.appendEvent(ctx, invoiceID, models.EventPublishFailed, pubErr.Error(), nil, txRefFrom(pubErr), nil)
	}
	return s.invoices.GetByID(ctx, invoiceID)
}

// Cancel retires an invoice that has no escrowed money attached. With
// active or pending fundings the refund path is the only way out.
func (s *InvoiceService) Cancel(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !models.IsValidTransition(inv.Status, models.InvoiceStatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, models.InvoiceStatusCancelled)
	}

	fundings, err := s.fundings.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	for _, f := range fundings {
		if f.Status == models.FundingStatusActive || f.Status == models.FundingStatusPending {
			return nil, ErrActiveFunding
		}
	}

	if err := s.transition(ctx, inv, models.InvoiceStatusCancelled, models.EventInvoiceCancelled, nil); err != nil {
		return nil, err
	}
	if pubErr := s.publishStatus(ctx, inv, models.InvoiceStatusCancelled); pubErr != nil {
		s.appendEvent(ctx, invoiceID, models.EventPublishFailed, pubErr.Error(), nil, txRefFrom(pubErr), nil)
	}
	return s.invoices.GetByID(ctx, invoiceID)
}

// MarkOverdueInvoices flips every invoice past its due date to overdue and
// anchors the change. Run periodically by the worker.
func (s *InvoiceService) MarkOverdueInvoices(ctx context.Context) (int, error) {
	flipped, err := s.invoices.MarkOverdue(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for i := range flipped {
		inv := &flipped[i]
		s.appendEvent(ctx, inv.ID, models.EventInvoiceOverdue, "invoice past due date", nil, nil, nil)
		s.publishBus(ctx, events.EventInvoiceStatusChanged, map[string]any{
			"invoice_id": inv.ID.String(),
			"status":     models.InvoiceStatusOverdue,
		})
		if pubErr := s.publishStatus(ctx, inv, models.InvoiceStatusOverdue); pubErr != nil {
			s.appendEvent(ctx, inv.ID, models.EventPublishFailed, pubErr.Error(), nil, txRefFrom(pubErr), nil)
		}
	}
	return len(flipped), nil
}

// ReconcilePendingFundings retries the contract half of partial escrows.
// The schedule transaction must be confirmed executed on the mirror before
// the deposit is retried; an unexecuted schedule just waits.
func (s *InvoiceService) ReconcilePendingFundings(ctx context.Context) (int, error) {
	pending, err := s.fundings.ListByStatus(ctx, models.FundingStatusPending)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range pending {
		f := &pending[i]

		rec, err := s.mirror.GetTransaction(ctx, f.TxRef)
		if errors.Is(err, mirror.ErrNotFound) {
			continue // schedule not executed yet
		}
		if err != nil {
			s.log.Warn("mirror lookup failed",
				zap.String("funding_id", f.ID.String()), zap.Error(err))
			continue
		}
		if !rec.Executed() {
			continue
		}

		inv, err := s.invoices.GetByID(ctx, f.InvoiceID)
		if err != nil {
			s.log.Warn("pending funding references missing invoice",
				zap.String("funding_id", f.ID.String()), zap.Error(err))
			continue
		}
		investor, err := s.users.GetByID(ctx, f.InvestorID)
		if err != nil {
			continue
		}
		supplier, err := s.users.GetByID(ctx, inv.SupplierID)
		if err != nil {
			continue
		}

		txRef, err := s.escrow.RetryDeposit(ctx, f.EscrowID, inv.ID.String(), tokenRef(inv),
			investor.AccountID, supplier.AccountID, f.Amount, inv.DueDate, deref(inv.FileHash))
		if err != nil {
			s.log.Warn("deposit retry failed",
				zap.String("funding_id", f.ID.String()),
				zap.String("escrow_id", f.EscrowID),
				zap.Error(err),
			)
			continue
		}

		if err := s.fundings.MarkActive(ctx, f.ID, txRef); err != nil {
			s.log.Error("deposit retried but funding not promoted",
				zap.String("funding_id", f.ID.String()), zap.Error(err))
			continue
		}
		s.appendEvent(ctx, f.InvoiceID, models.EventEscrowFunded, "partial escrow recovered",
			map[string]any{"escrow_id": f.EscrowID, "retried": true},
			&txRef, nil)
		recovered++
	}
	return recovered, nil
}

// transition validates and applies a status change, records the audit event
// and announces it on the bus.
func (s *InvoiceService) transition(ctx context.Context, inv *models.Invoice, to, eventType string, txRef *string) error {
	if !models.IsValidTransition(inv.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, to)
	}
	if err := s.invoices.UpdateStatus(ctx, inv.ID, to); err != nil {
		return err
	}
	inv.Status = to

	s.appendEvent(ctx, inv.ID, eventType, fmt.Sprintf("status changed to %s", to), nil, txRef, nil)
	s.publishBus(ctx, events.EventInvoiceStatusChanged, map[string]any{
		"invoice_id": inv.ID.String(),
		"status":     to,
	})
	return nil
}

// publishStatus anchors a status change on the consensus log and stores the
// topic anchor on first use. Callers treat failure as best-effort.
func (s *InvoiceService) publishStatus(ctx context.Context, inv *models.Invoice, status string) error {
	if s.cfg.StatusTopicID == "" {
		return nil
	}

	res, err := s.gw.Publish(ctx, s.cfg.StatusTopicID, ledger.StatusMessage{
		Type:      "invoice_status",
		InvoiceID: inv.ID.String(),
		Status:    status,
		Timestamp: time.Now().UTC(),
		Amount:    inv.Amount.String(),
		Currency:  inv.Currency,
		FileHash:  deref(inv.FileHash),
	})
	if err != nil {
		return err
	}

	if inv.TopicID == nil {
		if err := s.invoices.SetTopicAnchor(ctx, inv.ID, s.cfg.StatusTopicID); err != nil {
			return err
		}
		topicID := s.cfg.StatusTopicID
		inv.TopicID = &topicID
	}
	s.appendEvent(ctx, inv.ID, models.EventStatusPublished, fmt.Sprintf("status %s anchored", status),
		map[string]any{"topic_id": s.cfg.StatusTopicID},
		&res.TxRef, &res.SequenceNumber)
	return nil
}

// appendEvent writes an audit record. The audit log never blocks the
// pipeline: a failed append is logged and swallowed.
func (s *InvoiceService) appendEvent(ctx context.Context, invoiceID uuid.UUID, eventType, description string, meta map[string]any, txRef *string, topicSeq *int64) {
	e := &models.InvoiceEvent{
		InvoiceID:   invoiceID,
		EventType:   eventType,
		Description: description,
		Meta:        meta,
		TxRef:       txRef,
		TopicSeq:    topicSeq,
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn("audit event not recorded",
			zap.String("invoice_id", invoiceID.String()),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (s *InvoiceService) publishBus(ctx context.Context, eventType string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, events.StreamInvoice, events.Event{Type: eventType, Payload: payload}); err != nil {
		s.log.Warn("bus publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

// tokenRef is the token_id/serial pair the contract stores, empty when the
// invoice was never minted.
func tokenRef(inv *models.Invoice) string {
	if inv.TokenID == nil || inv.SerialNumber == nil {
		return ""
	}
	return fmt.Sprintf("%s/%d", *inv.TokenID, *inv.SerialNumber)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
