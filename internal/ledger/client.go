package ledger

import (
	"context"
	"encoding/json"
)

// Receipt statuses the relay reports back after consensus.
const (
	StatusSuccess = "SUCCESS"
)

// Receipt is the post-consensus outcome of a ledger transaction. Only the
// fields relevant to the submitted transaction type are populated.
type Receipt struct {
	TxID           string          `json:"transaction_id"`
	Status         string          `json:"status"`
	TokenID        string          `json:"token_id,omitempty"`
	SerialNumber   int64           `json:"serial_number,omitempty"`
	FileID         string          `json:"file_id,omitempty"`
	TopicID        string          `json:"topic_id,omitempty"`
	ScheduleID     string          `json:"schedule_id,omitempty"`
	SequenceNumber int64           `json:"sequence_number,omitempty"`
	ContractResult json.RawMessage `json:"contract_result,omitempty"`
}

// ContractCall describes a state-changing contract execution.
type ContractCall struct {
	ContractID  string         `json:"contract_id"`
	Function    string         `json:"function"`
	Args        map[string]any `json:"args,omitempty"`
	PayableTiny int64          `json:"payable_tiny,omitempty"`
}

// FreezeRequest asks the node to freeze a well-formed transaction under a
// caller-assigned transaction id, without submitting it. The returned bytes
// are signed out-of-band by the payer's wallet.
type FreezeRequest struct {
	TransactionID  string         `json:"transaction_id"`
	PayerAccountID string         `json:"payer_account_id"`
	Operation      string         `json:"operation"`
	Params         map[string]any `json:"params,omitempty"`
}

// Client is the narrow interface over the external ledger platform. The
// consensus protocol, operator-key signing and wire format live behind it.
type Client interface {
	CreateToken(ctx context.Context, name, symbol, memo string) (*Receipt, error)
	MintNFT(ctx context.Context, tokenID string, metadata []byte) (*Receipt, error)

	CreateFile(ctx context.Context, contents []byte, memo string) (*Receipt, error)
	AppendFile(ctx context.Context, fileID string, contents []byte) (*Receipt, error)

	CreateTopic(ctx context.Context, memo string) (*Receipt, error)
	SubmitMessage(ctx context.Context, topicID string, message []byte) (*Receipt, error)

	Transfer(ctx context.Context, from, to string, amountTiny int64, memo string) (*Receipt, error)
	ScheduleTransfer(ctx context.Context, from, to string, amountTiny int64, memo string) (*Receipt, error)

	ExecuteContract(ctx context.Context, call ContractCall) (*Receipt, error)
	QueryContract(ctx context.Context, contractID, function string, args map[string]any) (json.RawMessage, error)

	FreezeTransaction(ctx context.Context, req FreezeRequest) ([]byte, error)
	SubmitSigned(ctx context.Context, signed []byte) (*Receipt, error)
}
