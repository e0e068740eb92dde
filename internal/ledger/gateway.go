package ledger

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TinyUnitsPerCoin is the subdivision of the ledger's native currency.
const TinyUnitsPerCoin = 100_000_000

type TokenResult struct {
	TokenID string
	TxRef   string
}

type MintResult struct {
	SerialNumber int64
	TxRef        string
}

type StoreResult struct {
	FileID string
	TxRef  string
	Digest string // SHA-384 hex over the original bytes
	Chunks int
}

type TopicResult struct {
	TopicID string
	TxRef   string
}

type PublishResult struct {
	TxRef          string
	SequenceNumber int64
}

type TransferResult struct {
	TxRef      string
	ScheduleID string
}

// NFTMetadata is the on-token payload for an invoice representation. The
// ledger enforces a ~100-byte metadata ceiling, so the serialized form uses
// single-letter keys, caps the invoice number and reduces the due date to a
// calendar date.
type NFTMetadata struct {
	InvoiceNumber string
	Amount        string
	Currency      string
	DueDate       time.Time
}

// Gateway is the stateless façade over the four ledger capabilities: token
// issuance, chunked file storage, consensus-log messaging and
// native-currency transfer. All format validation happens here, before any
// network call.
type Gateway interface {
	CreateRepresentationToken(ctx context.Context, name, symbol, memo string) (*TokenResult, error)
	MintRepresentation(ctx context.Context, tokenID string, meta NFTMetadata) (*MintResult, error)
	StoreDocument(ctx context.Context, contents []byte, mimeType, filename string) (*StoreResult, error)
	CreateLog(ctx context.Context, memo string) (*TopicResult, error)
	Publish(ctx context.Context, topicID string, msg StatusMessage) (*PublishResult, error)
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (*TransferResult, error)
	ScheduleTransfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (*TransferResult, error)
}

type gateway struct {
	client Client
	log    *zap.Logger
}

func NewGateway(client Client, log *zap.Logger) Gateway {
	return &gateway{client: client, log: log}
}

func (g *gateway) CreateRepresentationToken(ctx context.Context, name, symbol, memo string) (*TokenResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !ValidSymbol(symbol) {
		return nil, &ValidationError{Field: "symbol", Reason: "must be 1-10 uppercase alphanumeric characters"}
	}

	receipt, err := g.client.CreateToken(ctx, name, symbol, memo)
	if err != nil {
		return nil, err
	}

	g.log.Info("representation token created",
		zap.String("token_id", receipt.TokenID),
		zap.String("tx", receipt.TxID),
	)
	return &TokenResult{TokenID: receipt.TokenID, TxRef: receipt.TxID}, nil
}

func (g *gateway) MintRepresentation(ctx context.Context, tokenID string, meta NFTMetadata) (*MintResult, error) {
	if !ValidEntityID(tokenID) {
		return nil, &ValidationError{Field: "token_id", Reason: "must match shard.realm.num"}
	}
	if strings.TrimSpace(meta.InvoiceNumber) == "" {
		return nil, &ValidationError{Field: "invoice_number", Reason: "must not be empty"}
	}
	if strings.TrimSpace(meta.Amount) == "" {
		return nil, &ValidationError{Field: "amount", Reason: "must not be empty"}
	}
	if !ValidCurrency(meta.Currency) {
		return nil, &ValidationError{Field: "currency", Reason: "must be a 3-letter code"}
	}

	payload, err := encodeNFTMetadata(meta)
	if err != nil {
		return nil, err
	}

	receipt, err := g.client.MintNFT(ctx, tokenID, payload)
	if err != nil {
		return nil, err
	}

	g.log.Info("invoice representation minted",
		zap.String("token_id", tokenID),
		zap.Int64("serial", receipt.SerialNumber),
		zap.String("tx", receipt.TxID),
	)
	return &MintResult{SerialNumber: receipt.SerialNumber, TxRef: receipt.TxID}, nil
}

// encodeNFTMetadata minimizes the payload to fit the metadata ceiling:
// invoice number capped to 20 chars, due date reduced to a calendar date.
func encodeNFTMetadata(meta NFTMetadata) ([]byte, error) {
	number := meta.InvoiceNumber
	if len(number) > MaxMemoInvoiceNumber {
		number = number[:MaxMemoInvoiceNumber]
	}

	payload, err := json.Marshal(map[string]string{
		"n": number,
		"a": meta.Amount,
		"c": meta.Currency,
		"d": meta.DueDate.UTC().Format("2006-01-02"),
	})
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxMetadataBytes {
		return nil, &ValidationError{
			Field:  "metadata",
			Reason: fmt.Sprintf("serialized to %d bytes, ceiling is %d", len(payload), MaxMetadataBytes),
		}
	}
	return payload, nil
}

func (g *gateway) StoreDocument(ctx context.Context, contents []byte, mimeType, filename string) (*StoreResult, error) {
	if err := validateDocument(contents, mimeType); err != nil {
		return nil, err
	}

	// Digest over the original bytes, before any chunking.
	digest := DocumentDigest(contents)

	first := contents
	if len(first) > FileChunkSize {
		first = contents[:FileChunkSize]
	}

	memo := filename
	if memo == "" {
		memo = "invoice-document"
	}

	receipt, err := g.client.CreateFile(ctx, first, memo)
	if err != nil {
		return nil, err
	}
	fileID := receipt.FileID
	txRef := receipt.TxID
	chunks := 1

	for off := FileChunkSize; off < len(contents); off += FileChunkSize {
		end := off + FileChunkSize
		if end > len(contents) {
			end = len(contents)
		}
		if _, err := g.client.AppendFile(ctx, fileID, contents[off:end]); err != nil {
			return nil, fmt.Errorf("append chunk %d to %s: %w", chunks, fileID, err)
		}
		chunks++
	}

	g.log.Info("document stored",
		zap.String("file_id", fileID),
		zap.Int("size", len(contents)),
		zap.Int("chunks", chunks),
	)
	return &StoreResult{FileID: fileID, TxRef: txRef, Digest: digest, Chunks: chunks}, nil
}

// DocumentDigest is the strong digest used for invoice documents. SHA-384 is
// deliberately distinct from (and longer than) the SHA-256 used for generic
// content hashing, so the two can never be confused in stored records.
func DocumentDigest(contents []byte) string {
	sum := sha512.Sum384(contents)
	return hex.EncodeToString(sum[:])
}

// VerifyDocumentDigest recomputes the digest of contents and compares it to
// the stored value.
func VerifyDocumentDigest(contents []byte, stored string) error {
	actual := DocumentDigest(contents)
	if actual != stored {
		return &IntegrityError{Expected: stored, Actual: actual}
	}
	return nil
}

func (g *gateway) CreateLog(ctx context.Context, memo string) (*TopicResult, error) {
	receipt, err := g.client.CreateTopic(ctx, memo)
	if err != nil {
		return nil, err
	}
	return &TopicResult{TopicID: receipt.TopicID, TxRef: receipt.TxID}, nil
}

func (g *gateway) Publish(ctx context.Context, topicID string, msg StatusMessage) (*PublishResult, error) {
	if !ValidEntityID(topicID) {
		return nil, &ValidationError{Field: "topic_id", Reason: "must match shard.realm.num"}
	}

	data, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	receipt, err := g.client.SubmitMessage(ctx, topicID, data)
	if err != nil {
		return nil, err
	}
	return &PublishResult{TxRef: receipt.TxID, SequenceNumber: receipt.SequenceNumber}, nil
}

func (g *gateway) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (*TransferResult, error) {
	if err := g.validateTransfer(from, to, amount); err != nil {
		return nil, err
	}

	receipt, err := g.client.Transfer(ctx, from, to, toTiny(amount), memo)
	if err != nil {
		return nil, err
	}
	return &TransferResult{TxRef: receipt.TxID}, nil
}

func (g *gateway) ScheduleTransfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (*TransferResult, error) {
	if err := g.validateTransfer(from, to, amount); err != nil {
		return nil, err
	}

	receipt, err := g.client.ScheduleTransfer(ctx, from, to, toTiny(amount), memo)
	if err != nil {
		return nil, err
	}
	return &TransferResult{TxRef: receipt.TxID, ScheduleID: receipt.ScheduleID}, nil
}

func (g *gateway) validateTransfer(from, to string, amount decimal.Decimal) error {
	if err := validateAccount("from", from); err != nil {
		return err
	}
	if err := validateAccount("to", to); err != nil {
		return err
	}
	return validateAmountPositive(amount)
}

func toTiny(amount decimal.Decimal) int64 {
	return amount.Shift(8).IntPart()
}
