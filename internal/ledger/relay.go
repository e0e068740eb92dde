package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RelayClient implements Client against the node-operator relay, which holds
// the operator key and translates these calls into ledger transactions.
type RelayClient struct {
	baseURL    string
	operatorID string
	httpClient *http.Client
	log        *zap.Logger
}

func NewRelayClient(baseURL, operatorID string, log *zap.Logger) *RelayClient {
	return &RelayClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		operatorID: operatorID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

type relayError struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

func (c *RelayClient) post(ctx context.Context, path string, payload any) (*Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Operator-Account", c.operatorID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The relay may have submitted before the connection died; callers
		// resolve the real outcome through the mirror.
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var receipt Receipt
		if err := json.Unmarshal(raw, &receipt); err != nil {
			return nil, &TransientError{Err: fmt.Errorf("decode relay receipt: %w", err)}
		}
		if receipt.Status != StatusSuccess {
			return nil, &RejectionError{Status: receipt.Status, TxID: receipt.TxID}
		}
		return &receipt, nil
	}

	var relayErr relayError
	if err := json.Unmarshal(raw, &relayErr); err == nil && relayErr.Status != "" && resp.StatusCode < 500 {
		return nil, &RejectionError{Status: relayErr.Status, TxID: relayErr.TransactionID}
	}
	return nil, &TransientError{
		TxID: relayErr.TransactionID,
		Err:  fmt.Errorf("relay returned %d: %s", resp.StatusCode, string(raw)),
	}
}

func (c *RelayClient) CreateToken(ctx context.Context, name, symbol, memo string) (*Receipt, error) {
	return c.post(ctx, "/v1/tokens", map[string]any{"name": name, "symbol": symbol, "memo": memo})
}

func (c *RelayClient) MintNFT(ctx context.Context, tokenID string, metadata []byte) (*Receipt, error) {
	return c.post(ctx, "/v1/tokens/"+tokenID+"/mint", map[string]any{
		"metadata": base64.StdEncoding.EncodeToString(metadata),
	})
}

func (c *RelayClient) CreateFile(ctx context.Context, contents []byte, memo string) (*Receipt, error) {
	return c.post(ctx, "/v1/files", map[string]any{
		"contents": base64.StdEncoding.EncodeToString(contents),
		"memo":     memo,
	})
}

func (c *RelayClient) AppendFile(ctx context.Context, fileID string, contents []byte) (*Receipt, error) {
	return c.post(ctx, "/v1/files/"+fileID+"/append", map[string]any{
		"contents": base64.StdEncoding.EncodeToString(contents),
	})
}

func (c *RelayClient) CreateTopic(ctx context.Context, memo string) (*Receipt, error) {
	return c.post(ctx, "/v1/topics", map[string]any{"memo": memo})
}

func (c *RelayClient) SubmitMessage(ctx context.Context, topicID string, message []byte) (*Receipt, error) {
	return c.post(ctx, "/v1/topics/"+topicID+"/messages", map[string]any{
		"message": base64.StdEncoding.EncodeToString(message),
	})
}

func (c *RelayClient) Transfer(ctx context.Context, from, to string, amountTiny int64, memo string) (*Receipt, error) {
	return c.post(ctx, "/v1/transfers", map[string]any{
		"from": from, "to": to, "amount_tiny": amountTiny, "memo": memo,
	})
}

func (c *RelayClient) ScheduleTransfer(ctx context.Context, from, to string, amountTiny int64, memo string) (*Receipt, error) {
	return c.post(ctx, "/v1/transfers/schedule", map[string]any{
		"from": from, "to": to, "amount_tiny": amountTiny, "memo": memo,
	})
}

func (c *RelayClient) ExecuteContract(ctx context.Context, call ContractCall) (*Receipt, error) {
	return c.post(ctx, "/v1/contracts/"+call.ContractID+"/call", call)
}

func (c *RelayClient) QueryContract(ctx context.Context, contractID, function string, args map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"function": function, "args": args})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/contracts/"+contractID+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.RawMessage(raw), nil
	default:
		return nil, &TransientError{Err: fmt.Errorf("contract query returned %d: %s", resp.StatusCode, string(raw))}
	}
}

func (c *RelayClient) FreezeTransaction(ctx context.Context, freezeReq FreezeRequest) ([]byte, error) {
	body, err := json.Marshal(freezeReq)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transactions/freeze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransientError{Err: fmt.Errorf("freeze returned %d: %s", resp.StatusCode, string(raw))}
	}

	var out struct {
		UnsignedBytes string `json:"unsigned_bytes"` // base64
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode freeze response: %w", err)
	}
	return base64.StdEncoding.DecodeString(out.UnsignedBytes)
}

func (c *RelayClient) SubmitSigned(ctx context.Context, signed []byte) (*Receipt, error) {
	return c.post(ctx, "/v1/transactions/submit", map[string]any{
		"signed_bytes": base64.StdEncoding.EncodeToString(signed),
	})
}
