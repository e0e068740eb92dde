package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/invoicemesh/backend/internal/config"
	"github.com/invoicemesh/backend/internal/escrow"
	"github.com/invoicemesh/backend/internal/ledger"
	"github.com/invoicemesh/backend/internal/mirror"
	"github.com/invoicemesh/backend/internal/models"
	"github.com/invoicemesh/backend/internal/repositories"
	"github.com/invoicemesh/backend/internal/signing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// In-memory stores with the same error contract as the pgx repositories.

type memInvoices struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Invoice
}

func newMemInvoices() *memInvoices {
	return &memInvoices{rows: make(map[uuid.UUID]*models.Invoice)}
}

func (m *memInvoices) Create(ctx context.Context, inv *models.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv.ID = uuid.New()
	inv.CreatedAt = time.Now().UTC()
	cp := *inv
	m.rows[inv.ID] = &cp
	return nil
}

func (m *memInvoices) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *memInvoices) List(ctx context.Context, f repositories.InvoiceFilter) ([]models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Invoice
	for _, inv := range m.rows {
		if f.SupplierID != nil && inv.SupplierID != *f.SupplierID {
			continue
		}
		if f.Status != nil && inv.Status != *f.Status {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

func (m *memInvoices) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	inv.Status = status
	return nil
}

func (m *memInvoices) SetFileAnchor(ctx context.Context, id uuid.UUID, fileID, fileHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	inv.FileID = &fileID
	inv.FileHash = &fileHash
	return nil
}

func (m *memInvoices) SetTokenAnchor(ctx context.Context, id uuid.UUID, tokenID string, serial int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	inv.TokenID = &tokenID
	inv.SerialNumber = &serial
	return nil
}

func (m *memInvoices) SetTopicAnchor(ctx context.Context, id uuid.UUID, topicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	inv.TopicID = &topicID
	return nil
}

func (m *memInvoices) MarkOverdue(ctx context.Context, now time.Time) ([]models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var flipped []models.Invoice
	for _, inv := range m.rows {
		switch inv.Status {
		case models.InvoiceStatusIssued, models.InvoiceStatusFundingRequested, models.InvoiceStatusFunded:
			if inv.DueDate.Before(now) {
				inv.Status = models.InvoiceStatusOverdue
				flipped = append(flipped, *inv)
			}
		}
	}
	return flipped, nil
}

type memEvents struct {
	mu   sync.Mutex
	rows []models.InvoiceEvent
}

func (m *memEvents) Append(ctx context.Context, e *models.InvoiceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	m.rows = append(m.rows, *e)
	return nil
}

func (m *memEvents) ListByInvoice(ctx context.Context, invoiceID uuid.UUID, limit, offset int) ([]models.InvoiceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.InvoiceEvent
	for _, e := range m.rows {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEvents) types(invoiceID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.rows {
		if e.InvoiceID == invoiceID {
			out = append(out, e.EventType)
		}
	}
	return out
}

type memFundings struct {
	mu       sync.Mutex
	rows     []*models.Funding
	invoices *memInvoices
	failNext error // returned by the next RecordFunding, then cleared
}

func (m *memFundings) RecordFunding(ctx context.Context, f *models.Funding) (*repositories.FundingOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}

	// Same serialization as the row-locked SQL transaction.
	m.invoices.mu.Lock()
	inv, ok := m.invoices.rows[f.InvoiceID]
	if !ok {
		m.invoices.mu.Unlock()
		return nil, repositories.ErrNotFound
	}
	status := inv.Status
	invoiceAmount := inv.Amount
	m.invoices.mu.Unlock()

	if status != models.InvoiceStatusIssued && status != models.InvoiceStatusFundingRequested {
		return nil, fmt.Errorf("%w: status %s", repositories.ErrInvoiceNotFundable, status)
	}

	total := decimal.Zero
	for _, r := range m.rows {
		if r.TxRef == f.TxRef {
			return nil, repositories.ErrDuplicateFunding
		}
		if r.InvoiceID == f.InvoiceID && r.Status != models.FundingStatusRefunded {
			total = total.Add(r.Amount)
		}
	}
	newTotal := total.Add(f.Amount)
	if newTotal.GreaterThan(invoiceAmount) {
		return nil, fmt.Errorf("%w: %s already funded of %s", repositories.ErrOverFunded, total, invoiceAmount)
	}

	f.ID = uuid.New()
	f.FundedAt = time.Now().UTC()
	cp := *f
	m.rows = append(m.rows, &cp)

	outcome := &repositories.FundingOutcome{TotalFunded: newTotal}
	if newTotal.GreaterThanOrEqual(invoiceAmount) {
		m.invoices.UpdateStatus(ctx, f.InvoiceID, models.InvoiceStatusFunded)
		outcome.InvoiceFunded = true
	}
	return outcome, nil
}

func (m *memFundings) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]models.Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Funding
	for _, f := range m.rows {
		if f.InvoiceID == invoiceID {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (m *memFundings) ListByStatus(ctx context.Context, status string) ([]models.Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Funding
	for _, f := range m.rows {
		if f.Status == status {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (m *memFundings) MarkActive(ctx context.Context, id uuid.UUID, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.rows {
		if f.ID == id && f.Status == models.FundingStatusPending {
			f.Status = models.FundingStatusActive
			f.TxRef = txRef
		}
	}
	return nil
}

func (m *memFundings) MarkReleased(ctx context.Context, invoiceID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.rows {
		if f.InvoiceID == invoiceID && f.Status == models.FundingStatusActive {
			f.Status = models.FundingStatusReleased
			f.ReleasedAt = &at
		}
	}
	return nil
}

func (m *memFundings) MarkRefunded(ctx context.Context, invoiceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.rows {
		if f.InvoiceID == invoiceID &&
			(f.Status == models.FundingStatusPending || f.Status == models.FundingStatusActive) {
			f.Status = models.FundingStatusRefunded
		}
	}
	return nil
}

func (m *memFundings) TotalFunded(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, f := range m.rows {
		if f.InvoiceID == invoiceID && f.Status != models.FundingStatusRefunded {
			total = total.Add(f.Amount)
		}
	}
	return total, nil
}

type memUsers struct {
	rows map[uuid.UUID]*models.User
}

func (m *memUsers) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := m.rows[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return u, nil
}

// fakeLedger is a scripted ledger.Gateway.
type fakeLedger struct {
	mu          sync.Mutex
	failStore   bool
	failMint    bool
	failPublish bool
	mints       int
	publishes   int
	seq         int64
}

func (g *fakeLedger) CreateRepresentationToken(ctx context.Context, name, symbol, memo string) (*ledger.TokenResult, error) {
	return &ledger.TokenResult{TokenID: "0.0.500", TxRef: "0.0.2@1.0"}, nil
}

func (g *fakeLedger) MintRepresentation(ctx context.Context, tokenID string, meta ledger.NFTMetadata) (*ledger.MintResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failMint {
		return nil, &ledger.TransientError{TxID: "0.0.2@2.0", Err: errors.New("consensus timeout")}
	}
	g.mints++
	return &ledger.MintResult{SerialNumber: int64(g.mints), TxRef: "0.0.2@2.0"}, nil
}

func (g *fakeLedger) StoreDocument(ctx context.Context, contents []byte, mimeType, filename string) (*ledger.StoreResult, error) {
	if g.failStore {
		return nil, errors.New("file service unavailable")
	}
	return &ledger.StoreResult{
		FileID: "0.0.600",
		TxRef:  "0.0.2@3.0",
		Digest: ledger.DocumentDigest(contents),
		Chunks: 1,
	}, nil
}

func (g *fakeLedger) CreateLog(ctx context.Context, memo string) (*ledger.TopicResult, error) {
	return &ledger.TopicResult{TopicID: "0.0.700", TxRef: "0.0.2@4.0"}, nil
}

func (g *fakeLedger) Publish(ctx context.Context, topicID string, msg ledger.StatusMessage) (*ledger.PublishResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failPublish {
		return nil, errors.New("topic unavailable")
	}
	g.publishes++
	g.seq++
	return &ledger.PublishResult{TxRef: "0.0.2@5.0", SequenceNumber: g.seq}, nil
}

func (g *fakeLedger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (*ledger.TransferResult, error) {
	return &ledger.TransferResult{TxRef: "0.0.2@6.0"}, nil
}

func (g *fakeLedger) ScheduleTransfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (*ledger.TransferResult, error) {
	return &ledger.TransferResult{TxRef: "0.0.2@7.0", ScheduleID: "0.0.800"}, nil
}

// fakeEscrow stands in for the escrow coordinator.
type fakeEscrow struct {
	mu       sync.Mutex
	partial  bool
	deposits int
	retries  int
	releases int
	refunds  int
}

func (e *fakeEscrow) CreateAndFundEscrow(ctx context.Context, invoiceID, tokenRef, investorAccount, supplierAccount string,
	amount decimal.Decimal, dueDate time.Time, fileDigest string) (*escrow.FundingResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deposits++
	n := e.deposits
	if e.partial {
		return nil, &escrow.PartialEscrowError{
			EscrowID:      fmt.Sprintf("escrow-%d", n),
			ScheduleID:    "0.0.800",
			ScheduleTxRef: fmt.Sprintf("0.0.1001@%d.1", n),
			Err:           errors.New("contract timeout"),
		}
	}
	return &escrow.FundingResult{
		EscrowID:      fmt.Sprintf("escrow-%d", n),
		ScheduleID:    "0.0.800",
		ScheduleTxRef: fmt.Sprintf("0.0.1001@%d.1", n),
		ContractTxRef: fmt.Sprintf("0.0.1001@%d.2", n),
		Fee:           amount.Mul(decimal.NewFromInt(250)).Div(decimal.NewFromInt(10000)).Floor(),
		Net:           amount.Sub(amount.Mul(decimal.NewFromInt(250)).Div(decimal.NewFromInt(10000)).Floor()),
	}, nil
}

func (e *fakeEscrow) RetryDeposit(ctx context.Context, escrowID, invoiceID, tokenRef, investorAccount, supplierAccount string,
	amount decimal.Decimal, dueDate time.Time, fileDigest string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries++
	return fmt.Sprintf("0.0.2@100.%d", e.retries), nil
}

func (e *fakeEscrow) Release(ctx context.Context, invoiceID, releaser string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releases++
	return "0.0.2@200.1", nil
}

func (e *fakeEscrow) Refund(ctx context.Context, invoiceID, refunder string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refunds++
	return "0.0.2@300.1", nil
}

func (e *fakeEscrow) GetEscrowDetails(ctx context.Context, invoiceID string) (*models.EscrowDetails, error) {
	return nil, nil
}

type fakeBroker struct {
	mu       sync.Mutex
	prepares int
	submits  int
}

func (b *fakeBroker) Prepare(ctx context.Context, op signing.Operation) (*signing.PreparedTransaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepares++
	return &signing.PreparedTransaction{
		TransactionID:  signing.NewTransactionID(op.PayerAccountID, time.Now()),
		PayerAccountID: op.PayerAccountID,
		Purpose:        op.Purpose,
		UnsignedBytes:  []byte("unsigned"),
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (b *fakeBroker) Submit(ctx context.Context, signed []byte, transactionID, payerKey string) (*ledger.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	return &ledger.Receipt{TxID: transactionID, Status: ledger.StatusSuccess}, nil
}

type fakeMirror struct {
	records map[string]*mirror.TransactionRecord
}

func (m *fakeMirror) GetTransaction(ctx context.Context, txRef string) (*mirror.TransactionRecord, error) {
	rec, ok := m.records[txRef]
	if !ok {
		return nil, mirror.ErrNotFound
	}
	return rec, nil
}

type testEnv struct {
	svc      *InvoiceService
	invoices *memInvoices
	events   *memEvents
	fundings *memFundings
	users    *memUsers
	gw       *fakeLedger
	escrow   *fakeEscrow
	broker   *fakeBroker
	mirror   *fakeMirror
	supplier *models.User
	investor *models.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	invoices := newMemInvoices()
	supplier := &models.User{ID: uuid.New(), Role: models.RoleSupplier, AccountID: "0.0.1002"}
	investor := &models.User{ID: uuid.New(), Role: models.RoleInvestor, AccountID: "0.0.1001"}

	env := &testEnv{
		invoices: invoices,
		events:   &memEvents{},
		fundings: &memFundings{invoices: invoices},
		users:    &memUsers{rows: map[uuid.UUID]*models.User{supplier.ID: supplier, investor.ID: investor}},
		gw:       &fakeLedger{},
		escrow:   &fakeEscrow{},
		broker:   &fakeBroker{},
		mirror:   &fakeMirror{records: make(map[string]*mirror.TransactionRecord)},
		supplier: supplier,
		investor: investor,
	}
	env.svc = NewInvoiceService(Deps{
		Invoices: env.invoices,
		Events:   env.events,
		Fundings: env.fundings,
		Users:    env.users,
		Gateway:  env.gw,
		Escrow:   env.escrow,
		Broker:   env.broker,
		Mirror:   env.mirror,
		Links:    mirror.NewLinkBuilder("testnet"),
		Config: &config.Config{
			TokenCollectionID: "0.0.500",
			StatusTopicID:     "0.0.700",
			EscrowAccountID:   "0.0.901",
		},
		Log: zap.NewNop(),
	})
	return env
}

func (env *testEnv) createInvoice(t *testing.T, amount string) *models.Invoice {
	t.Helper()
	res, err := env.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		SupplierID:    env.supplier.ID,
		InvoiceNumber: "INV-" + uuid.NewString()[:8],
		Amount:        dec(amount),
		Currency:      "USD",
		DueDate:       time.Now().Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateInvoice() error: %v", err)
	}
	return res.Invoice
}

// fund pushes one funding through the full two-phase flow.
func (env *testEnv) fund(t *testing.T, invoiceID uuid.UUID, amount string) (*models.Funding, error) {
	t.Helper()
	ctx := context.Background()
	prepared, err := env.svc.PrepareFunding(ctx, invoiceID, env.investor, dec(amount))
	if err != nil {
		return nil, err
	}
	return env.svc.SubmitFunding(ctx, invoiceID, env.investor, prepared.TransactionID, []byte("signed"), dec(amount))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func hasEvent(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func TestCreateInvoiceAnchorsEverything(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		SupplierID:    env.supplier.ID,
		InvoiceNumber: "INV-2026-001",
		Amount:        dec("10000"),
		Currency:      "USD",
		DueDate:       time.Now().Add(30 * 24 * time.Hour),
		Document:      append([]byte("%PDF-1.7 invoice"), make([]byte, 100)...),
		DocumentMime:  "application/pdf",
		DocumentName:  "invoice.pdf",
	})
	if err != nil {
		t.Fatalf("CreateInvoice() error: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}

	inv := res.Invoice
	if inv.Status != models.InvoiceStatusIssued {
		t.Errorf("status = %q, want issued", inv.Status)
	}
	if inv.FileID == nil || inv.FileHash == nil {
		t.Error("file anchor not set")
	}
	if inv.TokenID == nil || inv.SerialNumber == nil {
		t.Error("token anchor not set")
	}
	if inv.TopicID == nil {
		t.Error("topic anchor not set")
	}

	types := env.events.types(inv.ID)
	for _, want := range []string{
		models.EventInvoiceCreated,
		models.EventFileUploaded,
		models.EventNFTMinted,
		models.EventStatusPublished,
	} {
		if !hasEvent(types, want) {
			t.Errorf("missing %s event, got %v", want, types)
		}
	}
}

func TestCreateInvoiceSurvivesMintOutage(t *testing.T) {
	env := newTestEnv(t)
	env.gw.failMint = true

	res, err := env.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		SupplierID:    env.supplier.ID,
		InvoiceNumber: "INV-2026-002",
		Amount:        dec("500"),
		Currency:      "EUR",
		DueDate:       time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("a mint outage must degrade, not fail: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", res.Warnings)
	}
	if res.Invoice.TokenID != nil {
		t.Error("token anchor set despite mint failure")
	}
	if res.Invoice.TopicID == nil {
		t.Error("later steps did not run after the mint failure")
	}

	types := env.events.types(res.Invoice.ID)
	if !hasEvent(types, models.EventMintFailed) {
		t.Errorf("missing mint_failed event, got %v", types)
	}
}

func TestCreateInvoiceRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		in   CreateInvoiceInput
	}{
		{"empty number", CreateInvoiceInput{Amount: dec("1"), Currency: "USD"}},
		{"zero amount", CreateInvoiceInput{InvoiceNumber: "A", Amount: decimal.Zero, Currency: "USD"}},
		{"negative amount", CreateInvoiceInput{InvoiceNumber: "A", Amount: dec("-5"), Currency: "USD"}},
		{"bad currency", CreateInvoiceInput{InvoiceNumber: "A", Amount: dec("1"), Currency: "DOLLARS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateInvoice(context.Background(), tt.in)
			var valErr *ledger.ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestPrepareFundingTransitionsAndGuards(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvoice(t, "1000")
	ctx := context.Background()

	if _, err := env.svc.PrepareFunding(ctx, inv.ID, env.investor, dec("600")); err != nil {
		t.Fatalf("PrepareFunding() error: %v", err)
	}

	got, err := env.invoices.GetByID(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.InvoiceStatusFundingRequested {
		t.Errorf("status = %q, want funding_requested after first prepare", got.Status)
	}

	// The prepare-time check uses recorded fundings, not prepared intents.
	if _, err := env.fund(t, inv.ID, "600"); err != nil {
		t.Fatalf("fund() error: %v", err)
	}
	_, err = env.svc.PrepareFunding(ctx, inv.ID, env.investor, dec("500"))
	if !errors.Is(err, repositories.ErrOverFunded) {
		t.Fatalf("PrepareFunding() = %v, want ErrOverFunded", err)
	}
}

func TestSubmitFundingCompletesInvoice(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvoice(t, "1000")
	ctx := context.Background()

	f, err := env.fund(t, inv.ID, "1000")
	if err != nil {
		t.Fatalf("fund() error: %v", err)
	}
	if f.Status != models.FundingStatusActive {
		t.Errorf("funding status = %q, want active", f.Status)
	}
	if f.EscrowID == "" || f.TxRef == "" {
		t.Error("funding lost its ledger references")
	}

	got, err := env.invoices.GetByID(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.InvoiceStatusFunded {
		t.Errorf("invoice status = %q, want funded at full amount", got.Status)
	}

	types := env.events.types(inv.ID)
	if !hasEvent(types, models.EventEscrowFunded) {
		t.Errorf("missing escrow_funded event, got %v", types)
	}
}

func TestSubmitFundingPartialEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.escrow.partial = true
	inv := env.createInvoice(t, "1000")

	f, err := env.fund(t, inv.ID, "400")

	var partial *escrow.PartialEscrowError
	if !errors.As(err, &partial) {
		t.Fatalf("expected *escrow.PartialEscrowError, got %v", err)
	}
	if f == nil {
		t.Fatal("partial escrow must still return the recorded funding")
	}
	if f.Status != models.FundingStatusPending {
		t.Errorf("funding status = %q, want pending", f.Status)
	}
	if f.TxRef != partial.ScheduleTxRef {
		t.Errorf("pending funding tx_ref = %q, want the schedule tx %q", f.TxRef, partial.ScheduleTxRef)
	}

	types := env.events.types(inv.ID)
	if !hasEvent(types, models.EventEscrowPartial) {
		t.Errorf("missing escrow_partial event, got %v", types)
	}
}

func TestSubmitFundingRechecksStatusBeforeDeposit(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvoice(t, "100")
	ctx := context.Background()

	// Prepared while the invoice could still take the money.
	prepared, err := env.svc.PrepareFunding(ctx, inv.ID, env.investor, dec("25"))
	if err != nil {
		t.Fatalf("PrepareFunding() error: %v", err)
	}

	// Fully funded before the wallet comes back with the signature.
	if _, err := env.fund(t, inv.ID, "100"); err != nil {
		t.Fatalf("fund() error: %v", err)
	}

	_, err = env.svc.SubmitFunding(ctx, inv.ID, env.investor, prepared.TransactionID, []byte("signed"), dec("25"))
	if !errors.Is(err, repositories.ErrInvoiceNotFundable) {
		t.Fatalf("SubmitFunding() = %v, want ErrInvoiceNotFundable", err)
	}
	if env.escrow.deposits != 1 {
		t.Errorf("escrow deposits = %d, want 1; no money may move for a funded invoice", env.escrow.deposits)
	}
	fundings, _ := env.fundings.ListByInvoice(ctx, inv.ID)
	if len(fundings) != 1 {
		t.Errorf("got %d fundings, want only the original", len(fundings))
	}
}

func TestSubmitFundingRechecksBalanceBeforeDeposit(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvoice(t, "100")
	ctx := context.Background()

	if _, err := env.fund(t, inv.ID, "60"); err != nil {
		t.Fatalf("fund() error: %v", err)
	}

	// 50 no longer fits into the remaining 40.
	_, err := env.svc.SubmitFunding(ctx, inv.ID, env.investor, "0.0.1001@9.0", []byte("signed"), dec("50"))
	if !errors.Is(err, repositories.ErrOverFunded) {
		t.Fatalf("SubmitFunding() = %v, want ErrOverFunded", err)
	}
	if env.escrow.deposits != 1 {
		t.Errorf("escrow deposits = %d, want 1; an over-funding must be refused before the deposit", env.escrow.deposits)
	}
}

func TestSubmitFundingRecordsOrphanedDeposit(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvoice(t, "1000")
	ctx := context.Background()

	// The checks pass, the deposit executes, then the row is rejected.
	env.fundings.failNext = repositories.ErrDuplicateFunding

	_, err := env.fund(t, inv.ID, "400")
	if !errors.Is(err, repositories.ErrDuplicateFunding) {
		t.Fatalf("fund() = %v, want the storage rejection", err)
	}
	if env.escrow.deposits != 1 {
		t.Fatalf("escrow deposits = %d, want 1", env.escrow.deposits)
	}

	// Money moved on-ledger with no funding row; the audit trail must
	// carry the deposit tx so operators can refund it.
	evs, _ := env.events.ListByInvoice(ctx, inv.ID, 100, 0)
	var orphan *models.InvoiceEvent
	for i := range evs {
		if evs[i].EventType == models.EventEscrowOrphaned {
			orphan = &evs[i]
		}
	}
	if orphan == nil {
		t.Fatalf("missing escrow_orphaned event, got %v", env.events.types(inv.ID))
	}
	if orphan.TxRef == nil || *orphan.TxRef == "" {
		t.Error("orphaned-deposit event lost the deposit tx ref")
	}

	fundings, _ := env.fundings.ListByInvoice(ctx, inv.ID)
	if len(fundings) != 0 {
		t.Errorf("got %d fundings, want none after the rejection", len(fundings))
	}
}

func TestSettleIsNotRepeatable(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvoice(t, "1000")
	ctx := context.Background()

	if _, err := env.fund(t, inv.ID, "1000"); err != nil {
		t.Fatalf("fund() error: %v", err)
	}

	settled, err := env.svc.Settle(ctx, inv.ID, env.supplier.AccountID)
	if err != nil {
		t.Fatalf("Settle() error: %v", err)
	}
	if settled.Status != models.InvoiceStatusPaid {
		t.Errorf("status = %q, want paid", settled.Status)
	}

	fundings, _ := env.fundings.ListByInvoice(ctx, inv.ID)
	if len(fundings) != 1 || fundings[0].Status != models.FundingStatusReleased {
		t.Errorf("fundings not released: %+v", fundings)
	}

	_, err = env.svc.Settle(ctx, inv.ID, env.supplier.AccountID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Settle() = %v, want ErrInvalidTransition", err)
	}
	if env.escrow.releases != 1 {
		t.Errorf("escrow released %d times, want 1", env.escrow.releases)
	}
}

func TestRefundCancelsInvoice(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvoice(t, "1000")
	ctx := context.Background()

	if _, err := env.fund(t, inv.ID, "1000"); err != nil {
		t.Fatalf("fund() error: %v", err)
	}

	refunded, err := env.svc.Refund(ctx, inv.ID, env.investor.AccountID)
	if err != nil {
		t.Fatalf("Refund() error: %v", err)
	}
	if refunded.Status != models.InvoiceStatusCancelled {
		t.Errorf("status = %q, want cancelled", refunded.Status)
	}

	fundings, _ := env.fundings.ListByInvoice(ctx, inv.ID)
	if len(fundings) != 1 || fundings[0].Status != models.FundingStatusRefunded {
		t.Errorf("fundings not refunded: %+v", fundings)
	}
}

func TestCancelRefusesWhileMoneyAttached(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvoice(t, "1000")
	ctx := context.Background()

	if _, err := env.fund(t, inv.ID, "400"); err != nil {
		t.Fatalf("fund() error: %v", err)
	}

	_, err := env.svc.Cancel(ctx, inv.ID)
	if !errors.Is(err, ErrActiveFunding) {
		t.Fatalf("Cancel() = %v, want ErrActiveFunding", err)
	}

	// A bare invoice cancels fine.
	bare := env.createInvoice(t, "50")
	cancelled, err := env.svc.Cancel(ctx, bare.ID)
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if cancelled.Status != models.InvoiceStatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}
}

func TestMarkOverdueInvoices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.CreateInvoice(ctx, CreateInvoiceInput{
		SupplierID:    env.supplier.ID,
		InvoiceNumber: "INV-PAST",
		Amount:        dec("100"),
		Currency:      "USD",
		DueDate:       time.Now().Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	env.createInvoice(t, "100") // due in the future, must not flip

	n, err := env.svc.MarkOverdueInvoices(ctx)
	if err != nil {
		t.Fatalf("MarkOverdueInvoices() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("flipped %d invoices, want 1", n)
	}

	got, _ := env.invoices.GetByID(ctx, res.Invoice.ID)
	if got.Status != models.InvoiceStatusOverdue {
		t.Errorf("status = %q, want overdue", got.Status)
	}
	if !hasEvent(env.events.types(got.ID), models.EventInvoiceOverdue) {
		t.Error("missing invoice_overdue event")
	}
}

func TestReconcilePendingFundings(t *testing.T) {
	env := newTestEnv(t)
	env.escrow.partial = true
	ctx := context.Background()

	waiting := env.createInvoice(t, "1000")
	if _, err := env.fund(t, waiting.ID, "300"); !errors.As(err, new(*escrow.PartialEscrowError)) {
		t.Fatalf("expected partial escrow, got %v", err)
	}
	ready := env.createInvoice(t, "1000")
	recoverable, err := env.fund(t, ready.ID, "300")
	if !errors.As(err, new(*escrow.PartialEscrowError)) {
		t.Fatalf("expected partial escrow, got %v", err)
	}
	env.escrow.partial = false

	// Only the second schedule shows as executed on the mirror.
	env.mirror.records[recoverable.TxRef] = &mirror.TransactionRecord{
		TransactionID: recoverable.TxRef,
		Result:        "SUCCESS",
	}

	n, err := env.svc.ReconcilePendingFundings(ctx)
	if err != nil {
		t.Fatalf("ReconcilePendingFundings() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d fundings, want 1", n)
	}
	if env.escrow.retries != 1 {
		t.Errorf("RetryDeposit called %d times, want 1", env.escrow.retries)
	}

	fundings, _ := env.fundings.ListByInvoice(ctx, ready.ID)
	if len(fundings) != 1 || fundings[0].Status != models.FundingStatusActive {
		t.Fatalf("recovered funding not promoted: %+v", fundings)
	}
	if fundings[0].TxRef == recoverable.TxRef {
		t.Error("promoted funding still holds the schedule tx instead of the deposit tx")
	}

	still, _ := env.fundings.ListByInvoice(ctx, waiting.ID)
	if len(still) != 1 || still[0].Status != models.FundingStatusPending {
		t.Errorf("unexecuted schedule must stay pending: %+v", still)
	}
}

func TestConcurrentFundingNeverOverFunds(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createInvoice(t, "100")
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.SubmitFunding(ctx, inv.ID, env.investor,
				fmt.Sprintf("0.0.1001@%d.0", i), []byte("signed"), dec("25"))
		}(i)
	}
	wg.Wait()

	total, err := env.fundings.TotalFunded(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if total.GreaterThan(dec("100")) {
		t.Fatalf("over-funded: %s of 100", total)
	}
	if !total.Equal(dec("100")) {
		t.Fatalf("total funded = %s, want exactly 100", total)
	}

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, repositories.ErrOverFunded) && !errors.Is(err, repositories.ErrInvoiceNotFundable) {
			t.Errorf("unexpected failure mode: %v", err)
		}
	}
	if succeeded != 4 {
		t.Errorf("%d fundings succeeded, want 4", succeeded)
	}

	got, _ := env.invoices.GetByID(ctx, inv.ID)
	if got.Status != models.InvoiceStatusFunded {
		t.Errorf("invoice status = %q, want funded", got.Status)
	}
}

func TestProofsSkipPendingDeposits(t *testing.T) {
	env := newTestEnv(t)
	env.escrow.partial = true
	inv := env.createInvoice(t, "1000")
	ctx := context.Background()

	if _, err := env.fund(t, inv.ID, "200"); !errors.As(err, new(*escrow.PartialEscrowError)) {
		t.Fatalf("expected partial escrow, got %v", err)
	}

	bundle, err := env.svc.Proofs(ctx, inv.ID)
	if err != nil {
		t.Fatalf("Proofs() error: %v", err)
	}
	if bundle.Token == "" || bundle.Topic == "" {
		t.Errorf("anchor links incomplete: %+v", bundle)
	}
	if bundle.File != "" {
		t.Error("file link present for an invoice with no document")
	}
	if len(bundle.Fundings) != 1 {
		t.Fatalf("got %d funding proofs, want 1", len(bundle.Fundings))
	}
	proof := bundle.Fundings[0]
	if proof.Schedule == "" {
		t.Error("schedule link missing")
	}
	if proof.Deposit != "" {
		t.Error("pending funding must not advertise a deposit link")
	}
}
