package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/invoicemesh/backend/internal/ledger"
	"github.com/invoicemesh/backend/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Contract rejection statuses surfaced by the relay.
const (
	statusAlreadySettled = "ALREADY_SETTLED"
)

// PartialEscrowError means exactly one of the two escrow-creation
// transactions went through. The ledger offers no atomicity across them and
// transfers cannot be reversed, so the coordinator never rolls back; it
// reports which half is missing so an operator can retry just that half.
type PartialEscrowError struct {
	EscrowID      string
	ScheduleID    string
	ScheduleTxRef string // empty when the scheduled-transfer half is missing
	ContractTxRef string // empty when the contract-deposit half is missing
	Err           error
}

func (e *PartialEscrowError) Error() string {
	missing := "contract deposit"
	if e.ScheduleTxRef == "" {
		missing = "scheduled transfer"
	}
	return fmt.Sprintf("partial escrow %s: %s half missing: %v", e.EscrowID, missing, e.Err)
}

func (e *PartialEscrowError) Unwrap() error { return e.Err }

// IsAlreadySettled reports whether err is the contract refusing to release
// or refund an escrow that is no longer active.
func IsAlreadySettled(err error) bool {
	var rej *ledger.RejectionError
	return errors.As(err, &rej) && rej.Status == statusAlreadySettled
}

type FundingResult struct {
	EscrowID      string
	ScheduleID    string
	ScheduleTxRef string
	ContractTxRef string
	Fee           decimal.Decimal
	Net           decimal.Decimal
}

type Config struct {
	ContractID      string
	EscrowAccountID string
	FeeBPS          int
}

// Coordinator creates, releases and refunds on-ledger escrows. The contract
// client is an explicit constructor parameter; the coordinator never reaches
// into the gateway for its underlying handle.
type Coordinator struct {
	gw     ledger.Gateway
	client ledger.Client
	cfg    Config
	log    *zap.Logger
}

func NewCoordinator(gw ledger.Gateway, client ledger.Client, cfg Config, log *zap.Logger) *Coordinator {
	return &Coordinator{gw: gw, client: client, cfg: cfg, log: log}
}

// CreateAndFundEscrow runs the two-step escrow creation: a scheduled
// transfer moving the deposit from the investor, then the contract deposit
// call that records escrow state on-ledger. The two are independent ledger
// transactions; when the second fails after the first succeeded the caller
// gets a PartialEscrowError, not a rollback.
func (c *Coordinator) CreateAndFundEscrow(
	ctx context.Context,
	invoiceID, tokenRef, investorAccount, supplierAccount string,
	amount decimal.Decimal,
	dueDate time.Time,
	fileDigest string,
) (*FundingResult, error) {
	if c.cfg.ContractID == "" || c.cfg.EscrowAccountID == "" {
		return nil, &ledger.ValidationError{Field: "escrow", Reason: "escrow contract is not configured"}
	}

	escrowID := DeriveEscrowID(invoiceID, investorAccount)

	schedule, err := c.gw.ScheduleTransfer(ctx, investorAccount, c.cfg.EscrowAccountID, amount,
		"escrow:"+invoiceID)
	if err != nil {
		return nil, fmt.Errorf("schedule escrow deposit: %w", err)
	}

	deposit, err := c.client.ExecuteContract(ctx, ledger.ContractCall{
		ContractID: c.cfg.ContractID,
		Function:   "deposit",
		Args: map[string]any{
			"escrow_id":   escrowID,
			"invoice_id":  invoiceID,
			"token_ref":   tokenRef,
			"investor":    investorAccount,
			"supplier":    supplierAccount,
			"amount_tiny": amount.Shift(8).IntPart(),
			"due_date":    dueDate.UTC().Unix(),
			"file_digest": fileDigest,
		},
	})
	if err != nil {
		return nil, &PartialEscrowError{
			EscrowID:      escrowID,
			ScheduleID:    schedule.ScheduleID,
			ScheduleTxRef: schedule.TxRef,
			Err:           err,
		}
	}

	fee := c.CalculateFee(amount)
	c.log.Info("escrow funded",
		zap.String("escrow_id", escrowID),
		zap.String("invoice_id", invoiceID),
		zap.String("schedule_tx", schedule.TxRef),
		zap.String("deposit_tx", deposit.TxID),
	)
	return &FundingResult{
		EscrowID:      escrowID,
		ScheduleID:    schedule.ScheduleID,
		ScheduleTxRef: schedule.TxRef,
		ContractTxRef: deposit.TxID,
		Fee:           fee,
		Net:           amount.Sub(fee),
	}, nil
}

// RetryDeposit re-runs only the contract half of a partial escrow. The
// scheduled transfer is never retried here: it either executed or will.
func (c *Coordinator) RetryDeposit(
	ctx context.Context,
	escrowID, invoiceID, tokenRef, investorAccount, supplierAccount string,
	amount decimal.Decimal,
	dueDate time.Time,
	fileDigest string,
) (string, error) {
	deposit, err := c.client.ExecuteContract(ctx, ledger.ContractCall{
		ContractID: c.cfg.ContractID,
		Function:   "deposit",
		Args: map[string]any{
			"escrow_id":   escrowID,
			"invoice_id":  invoiceID,
			"token_ref":   tokenRef,
			"investor":    investorAccount,
			"supplier":    supplierAccount,
			"amount_tiny": amount.Shift(8).IntPart(),
			"due_date":    dueDate.UTC().Unix(),
			"file_digest": fileDigest,
		},
	})
	if err != nil {
		return "", err
	}
	return deposit.TxID, nil
}

// Release disburses the escrow to the supplier. Calling it on an escrow
// that is already released fails with a recognizable already-settled
// rejection; it never double-disburses.
func (c *Coordinator) Release(ctx context.Context, invoiceID, releaser string) (string, error) {
	receipt, err := c.client.ExecuteContract(ctx, ledger.ContractCall{
		ContractID: c.cfg.ContractID,
		Function:   "release",
		Args: map[string]any{
			"invoice_id": invoiceID,
			"releaser":   releaser,
		},
	})
	if err != nil {
		return "", err
	}
	return receipt.TxID, nil
}

// Refund returns the escrow to the investor. Same idempotence contract as
// Release.
func (c *Coordinator) Refund(ctx context.Context, invoiceID, refunder string) (string, error) {
	receipt, err := c.client.ExecuteContract(ctx, ledger.ContractCall{
		ContractID: c.cfg.ContractID,
		Function:   "refund",
		Args: map[string]any{
			"invoice_id": invoiceID,
			"refunder":   refunder,
		},
	})
	if err != nil {
		return "", err
	}
	return receipt.TxID, nil
}

// CalculateFee computes the platform fee in basis points:
// floor(amount * bps / 10000). Basis points keep the rate exact; a floating
// percentage could drift.
func (c *Coordinator) CalculateFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(c.cfg.FeeBPS))).Div(decimal.NewFromInt(10000)).Floor()
}

// NetAmount is what the supplier receives after the platform fee.
func (c *Coordinator) NetAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Sub(c.CalculateFee(amount))
}

type contractEscrow struct {
	EscrowID    string `json:"escrow_id"`
	InvoiceID   string `json:"invoice_id"`
	Investor    string `json:"investor"`
	Supplier    string `json:"supplier"`
	AmountTiny  int64  `json:"amount_tiny"`
	DepositedAt int64  `json:"deposited_at"`
	DueDate     int64  `json:"due_date"`
	Status      string `json:"status"`
	FileDigest  string `json:"file_digest"`
}

// GetEscrowDetails reconstructs the escrow view from a contract read.
// Returns (nil, nil) when no escrow exists for the invoice yet; that is not
// an error.
func (c *Coordinator) GetEscrowDetails(ctx context.Context, invoiceID string) (*models.EscrowDetails, error) {
	raw, err := c.client.QueryContract(ctx, c.cfg.ContractID, "getEscrow", map[string]any{
		"invoice_id": invoiceID,
	})
	if err != nil {
		return nil, fmt.Errorf("query escrow contract: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var ce contractEscrow
	if err := json.Unmarshal(raw, &ce); err != nil {
		return nil, fmt.Errorf("decode escrow state: %w", err)
	}
	if ce.EscrowID == "" {
		return nil, nil
	}

	details := &models.EscrowDetails{
		EscrowID:        ce.EscrowID,
		InvoiceID:       ce.InvoiceID,
		InvestorAccount: ce.Investor,
		SupplierAccount: ce.Supplier,
		Amount:          decimal.New(ce.AmountTiny, -8),
		DueDate:         time.Unix(ce.DueDate, 0).UTC(),
		Status:          ce.Status,
		FileHash:        ce.FileDigest,
	}
	if ce.DepositedAt > 0 {
		t := time.Unix(ce.DepositedAt, 0).UTC()
		details.DepositedAt = &t
	}
	return details, nil
}

// DeriveEscrowID is the stable off-chain key correlating the scheduled
// transfer with the contract deposit. The uuid nonce keeps repeat fundings
// by the same investor distinct.
func DeriveEscrowID(invoiceID, investorAccount string) string {
	sum := sha256.Sum256([]byte(invoiceID + "|" + investorAccount + "|" + uuid.NewString()))
	return hex.EncodeToString(sum[:])[:32]
}
