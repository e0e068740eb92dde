package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/invoicemesh/backend/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeGateway struct {
	ledger.Gateway
	scheduleCalls int
	scheduleErr   error
}

func (f *fakeGateway) ScheduleTransfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (*ledger.TransferResult, error) {
	f.scheduleCalls++
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	return &ledger.TransferResult{TxRef: "0.0.1001@1.0", ScheduleID: "0.0.800"}, nil
}

type fakeContractClient struct {
	ledger.Client
	executed    []ledger.ContractCall
	executeErr  error
	queryResult json.RawMessage
}

func (f *fakeContractClient) ExecuteContract(ctx context.Context, call ledger.ContractCall) (*ledger.Receipt, error) {
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	f.executed = append(f.executed, call)
	return &ledger.Receipt{TxID: "0.0.2@9.0", Status: ledger.StatusSuccess}, nil
}

func (f *fakeContractClient) QueryContract(ctx context.Context, contractID, function string, args map[string]any) (json.RawMessage, error) {
	return f.queryResult, nil
}

func newTestCoordinator(gw *fakeGateway, client *fakeContractClient, feeBPS int) *Coordinator {
	return NewCoordinator(gw, client, Config{
		ContractID:      "0.0.900",
		EscrowAccountID: "0.0.901",
		FeeBPS:          feeBPS,
	}, zap.NewNop())
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCalculateFee(t *testing.T) {
	tests := []struct {
		amount string
		bps    int
		want   string
	}{
		{"10000", 250, "250"},
		{"10000", 0, "0"},
		// Fractional fees floor: 0.975 -> 0, 1.025 -> 1, 370.368 -> 370.
		{"1", 250, "0"},
		{"39", 250, "0"},
		{"41", 250, "1"},
		{"123456", 30, "370"},
	}

	for _, tt := range tests {
		c := newTestCoordinator(&fakeGateway{}, &fakeContractClient{}, tt.bps)
		got := c.CalculateFee(dec(tt.amount))
		if !got.Equal(dec(tt.want)) {
			t.Errorf("CalculateFee(%s, %d bps) = %s, want %s", tt.amount, tt.bps, got, tt.want)
		}
	}
}

func TestFeePlusNetEqualsAmount(t *testing.T) {
	c := newTestCoordinator(&fakeGateway{}, &fakeContractClient{}, 250)

	for _, s := range []string{"1", "99.99", "10000", "123456.78"} {
		amount := dec(s)
		fee := c.CalculateFee(amount)
		net := c.NetAmount(amount)
		if !fee.Add(net).Equal(amount) {
			t.Errorf("fee %s + net %s != amount %s", fee, net, amount)
		}
		if fee.IsNegative() || net.IsNegative() {
			t.Errorf("negative split for %s: fee %s net %s", amount, fee, net)
		}
	}
}

func TestFeeIsMonotonic(t *testing.T) {
	c := newTestCoordinator(&fakeGateway{}, &fakeContractClient{}, 250)

	prev := decimal.Zero
	for _, s := range []string{"1", "10", "100", "1000", "10000"} {
		fee := c.CalculateFee(dec(s))
		if fee.LessThan(prev) {
			t.Errorf("fee decreased: %s after %s", fee, prev)
		}
		prev = fee
	}
}

func TestCreateAndFundEscrow(t *testing.T) {
	gw := &fakeGateway{}
	client := &fakeContractClient{}
	c := newTestCoordinator(gw, client, 250)

	res, err := c.CreateAndFundEscrow(context.Background(), "inv-1", "0.0.500/7",
		"0.0.1001", "0.0.1002", dec("10000"), time.Now().Add(30*24*time.Hour), "digest")
	if err != nil {
		t.Fatalf("CreateAndFundEscrow() error: %v", err)
	}

	if gw.scheduleCalls != 1 {
		t.Errorf("ScheduleTransfer called %d times, want 1", gw.scheduleCalls)
	}
	if len(client.executed) != 1 || client.executed[0].Function != "deposit" {
		t.Fatalf("expected one deposit call, got %v", client.executed)
	}
	if len(res.EscrowID) != 32 {
		t.Errorf("escrow id %q is not 32 hex chars", res.EscrowID)
	}
	if !res.Fee.Equal(dec("250")) || !res.Net.Equal(dec("9750")) {
		t.Errorf("fee/net = %s/%s, want 250/9750", res.Fee, res.Net)
	}

	args := client.executed[0].Args
	if args["amount_tiny"] != int64(1_000_000_000_000) {
		t.Errorf("amount_tiny = %v", args["amount_tiny"])
	}
	if args["escrow_id"] != res.EscrowID {
		t.Error("contract deposit does not carry the derived escrow id")
	}
}

func TestCreateAndFundEscrowPartial(t *testing.T) {
	gw := &fakeGateway{}
	client := &fakeContractClient{executeErr: &ledger.TransientError{TxID: "0.0.2@9.0", Err: errors.New("timeout")}}
	c := newTestCoordinator(gw, client, 250)

	_, err := c.CreateAndFundEscrow(context.Background(), "inv-1", "",
		"0.0.1001", "0.0.1002", dec("100"), time.Now(), "")

	var partial *PartialEscrowError
	if !errors.As(err, &partial) {
		t.Fatalf("expected *PartialEscrowError, got %v", err)
	}
	if partial.ScheduleTxRef == "" {
		t.Error("partial error lost the schedule transaction reference")
	}
	if partial.ContractTxRef != "" {
		t.Error("contract half should be the missing one")
	}
	if partial.EscrowID == "" {
		t.Error("partial error lost the escrow id needed for retry")
	}
}

func TestCreateAndFundEscrowScheduleFailureIsClean(t *testing.T) {
	gw := &fakeGateway{scheduleErr: &ledger.RejectionError{Status: "INSUFFICIENT_BALANCE"}}
	client := &fakeContractClient{}
	c := newTestCoordinator(gw, client, 250)

	_, err := c.CreateAndFundEscrow(context.Background(), "inv-1", "",
		"0.0.1001", "0.0.1002", dec("100"), time.Now(), "")
	if err == nil {
		t.Fatal("expected error")
	}

	// Nothing went through: not a partial escrow.
	var partial *PartialEscrowError
	if errors.As(err, &partial) {
		t.Fatal("schedule failure must not be reported as partial")
	}
	if len(client.executed) != 0 {
		t.Error("deposit attempted after schedule failure")
	}
}

func TestIsAlreadySettled(t *testing.T) {
	if !IsAlreadySettled(&ledger.RejectionError{Status: "ALREADY_SETTLED", TxID: "x"}) {
		t.Error("ALREADY_SETTLED rejection not recognized")
	}
	if IsAlreadySettled(&ledger.RejectionError{Status: "INSUFFICIENT_BALANCE"}) {
		t.Error("unrelated rejection recognized as settled")
	}
	if IsAlreadySettled(errors.New("plain error")) {
		t.Error("plain error recognized as settled")
	}
}

func TestGetEscrowDetails(t *testing.T) {
	client := &fakeContractClient{queryResult: json.RawMessage(`{
		"escrow_id": "abc123",
		"invoice_id": "inv-1",
		"investor": "0.0.1001",
		"supplier": "0.0.1002",
		"amount_tiny": 1000000000000,
		"deposited_at": 1700000000,
		"due_date": 1702600000,
		"status": "FUNDED",
		"file_digest": "digest"
	}`)}
	c := newTestCoordinator(&fakeGateway{}, client, 250)

	details, err := c.GetEscrowDetails(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("GetEscrowDetails() error: %v", err)
	}
	if details == nil {
		t.Fatal("expected details")
	}
	if !details.Amount.Equal(dec("10000")) {
		t.Errorf("amount = %s, want 10000", details.Amount)
	}
	if details.DepositedAt == nil {
		t.Error("deposited_at not populated")
	}
}

func TestGetEscrowDetailsAbsent(t *testing.T) {
	c := newTestCoordinator(&fakeGateway{}, &fakeContractClient{}, 250)

	details, err := c.GetEscrowDetails(context.Background(), "inv-none")
	if err != nil {
		t.Fatalf("GetEscrowDetails() error: %v", err)
	}
	if details != nil {
		t.Error("expected nil details for missing escrow")
	}
}

func TestDeriveEscrowIDIsUniquePerCall(t *testing.T) {
	a := DeriveEscrowID("inv-1", "0.0.1001")
	b := DeriveEscrowID("inv-1", "0.0.1001")
	if a == b {
		t.Error("repeat fundings by the same investor must get distinct escrow ids")
	}
	if len(a) != 32 || len(b) != 32 {
		t.Errorf("escrow ids have wrong length: %d, %d", len(a), len(b))
	}
}
