package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/invoicemesh/backend/internal/ledger"
	"go.uber.org/zap"
)

var (
	// ErrUnknownTransaction means no prepared transaction exists for the
	// given id: it expired, was never prepared, or was already processed.
	ErrUnknownTransaction = errors.New("prepared transaction expired or already processed")

	// ErrSignatureMismatch means the signed payload does not match what was
	// prepared. Fails closed.
	ErrSignatureMismatch = errors.New("invalid signature or mismatch with prepared transaction")
)

// Operation purposes
const (
	PurposeFundEscrow = "fund_escrow"
	PurposeMint       = "mint_representation"
)

// Operation is what the caller wants the payer's wallet to authorize.
type Operation struct {
	Purpose        string
	PayerAccountID string
	Params         map[string]any
}

// PreparedTransaction exists only between Prepare and Submit; it is stored
// with a short TTL and discarded after submission or expiry.
type PreparedTransaction struct {
	TransactionID  string    `json:"transaction_id"`
	PayerAccountID string    `json:"payer_account_id"`
	Purpose        string    `json:"purpose"`
	UnsignedBytes  []byte    `json:"unsigned_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// PreparedStore holds prepared transactions between Prepare and Submit.
type PreparedStore interface {
	Put(ctx context.Context, prepared *PreparedTransaction) error
	Consume(ctx context.Context, transactionID string) (*PreparedTransaction, error)
}

// Broker implements the two-phase prepare/sign/submit handshake used
// whenever an end-user key must authorize an action the backend cannot sign
// itself. It is stateless with respect to business data: it checks that a
// signed payload matches what was prepared, not whether the operation
// should happen.
type Broker struct {
	client ledger.Client
	store  PreparedStore
	log    *zap.Logger
}

func NewBroker(client ledger.Client, store PreparedStore, log *zap.Logger) *Broker {
	return &Broker{client: client, store: store, log: log}
}

// Prepare freezes a well-formed transaction against the current network
// configuration without submitting it. The transaction id is deterministic
// from payer + timestamp.
func (b *Broker) Prepare(ctx context.Context, op Operation) (*PreparedTransaction, error) {
	if !ledger.ValidEntityID(op.PayerAccountID) {
		return nil, &ledger.ValidationError{Field: "payer_account_id", Reason: "must match shard.realm.num"}
	}

	now := time.Now()
	txID := NewTransactionID(op.PayerAccountID, now)

	unsigned, err := b.client.FreezeTransaction(ctx, ledger.FreezeRequest{
		TransactionID:  txID,
		PayerAccountID: op.PayerAccountID,
		Operation:      op.Purpose,
		Params:         op.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("freeze %s transaction: %w", op.Purpose, err)
	}

	prepared := &PreparedTransaction{
		TransactionID:  txID,
		PayerAccountID: op.PayerAccountID,
		Purpose:        op.Purpose,
		UnsignedBytes:  unsigned,
		CreatedAt:      now,
	}
	if err := b.store.Put(ctx, prepared); err != nil {
		return nil, fmt.Errorf("stash prepared transaction: %w", err)
	}

	b.log.Info("transaction prepared",
		zap.String("tx", txID),
		zap.String("purpose", op.Purpose),
		zap.String("payer", op.PayerAccountID),
	)
	return prepared, nil
}

// Submit verifies the signed bytes against the prepared transaction and
// submits them. payerKey is the payer's registered public key; the envelope
// must carry a signature from it. The prepared record is consumed first, so
// a second submit of the same id reports ErrUnknownTransaction instead of
// double-spending.
func (b *Broker) Submit(ctx context.Context, signed []byte, transactionID, payerKey string) (*ledger.Receipt, error) {
	prepared, err := b.store.Consume(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	env, err := ParseEnvelope(signed)
	if err != nil {
		return nil, err
	}
	if err := env.Verify(prepared, payerKey); err != nil {
		return nil, err
	}

	receipt, err := b.client.SubmitSigned(ctx, signed)
	if err != nil {
		return nil, err
	}

	b.log.Info("signed transaction submitted",
		zap.String("tx", transactionID),
		zap.String("purpose", prepared.Purpose),
		zap.String("status", receipt.Status),
	)
	return receipt, nil
}

// NewTransactionID derives a payer@seconds.nanos transaction id.
func NewTransactionID(payer string, t time.Time) string {
	return fmt.Sprintf("%s@%d.%09d", payer, t.Unix(), t.Nanosecond())
}
