package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrNotFound means the mirror does not know the referenced object. That is
// a legitimate terminal outcome: the object may simply not have reached the
// mirror yet.
var ErrNotFound = errors.New("not found on mirror")

type TransactionRecord struct {
	TransactionID      string `json:"transaction_id"`
	Result             string `json:"result"`
	ConsensusTimestamp string `json:"consensus_timestamp"`
	Scheduled          bool   `json:"scheduled"`
	ScheduleRef        string `json:"schedule_ref,omitempty"`
}

// Executed reports whether the transaction reached consensus successfully.
func (t *TransactionRecord) Executed() bool { return t.Result == "SUCCESS" }

type TopicMessage struct {
	SequenceNumber     int64  `json:"sequence_number"`
	Contents           []byte `json:"-"`
	ConsensusTimestamp string `json:"consensus_timestamp"`
}

type TokenNFT struct {
	TokenID      string `json:"token_id"`
	SerialNumber int64  `json:"serial_number"`
	AccountID    string `json:"account_id"`
	Metadata     []byte `json:"-"`
}

type FileRecord struct {
	FileID string `json:"file_id"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// Reconciler is a read-only polling client against the public mirror. It
// turns the mirror's eventual consistency into synchronous-looking queries
// with bounded retry.
type Reconciler struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	log         *zap.Logger
}

func NewReconciler(baseURL string, timeout time.Duration, maxAttempts int, log *zap.Logger) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Reconciler{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// get issues one HTTP GET per attempt. A non-2xx response other than 404 is
// retryable; 404 ends the loop immediately with ErrNotFound.
func (r *Reconciler) get(ctx context.Context, path string, out any) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("mirror request: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("mirror returned %d: %s", resp.StatusCode, string(body))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode mirror response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.maxAttempts-1)),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

// GetTransaction looks up a transaction by its payer@seconds.nanos id.
func (r *Reconciler) GetTransaction(ctx context.Context, txRef string) (*TransactionRecord, error) {
	var out struct {
		Transactions []TransactionRecord `json:"transactions"`
	}
	if err := r.get(ctx, "/transactions/"+MirrorTxID(txRef), &out); err != nil {
		return nil, err
	}
	if len(out.Transactions) == 0 {
		return nil, ErrNotFound
	}
	return &out.Transactions[0], nil
}

func (r *Reconciler) GetLogMessages(ctx context.Context, topicID string, limit int) ([]TopicMessage, error) {
	if limit <= 0 {
		limit = 25
	}
	var out struct {
		Messages []struct {
			SequenceNumber     int64  `json:"sequence_number"`
			Message            string `json:"message"` // base64
			ConsensusTimestamp string `json:"consensus_timestamp"`
		} `json:"messages"`
	}
	path := fmt.Sprintf("/topics/%s/messages?limit=%d&order=desc", topicID, limit)
	if err := r.get(ctx, path, &out); err != nil {
		return nil, err
	}

	msgs := make([]TopicMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		contents, err := base64.StdEncoding.DecodeString(m.Message)
		if err != nil {
			r.log.Warn("undecodable topic message skipped",
				zap.String("topic_id", topicID),
				zap.Int64("seq", m.SequenceNumber),
			)
			continue
		}
		msgs = append(msgs, TopicMessage{
			SequenceNumber:     m.SequenceNumber,
			Contents:           contents,
			ConsensusTimestamp: m.ConsensusTimestamp,
		})
	}
	return msgs, nil
}

func (r *Reconciler) GetTokenInfo(ctx context.Context, tokenID string, serial int64) (*TokenNFT, error) {
	var out struct {
		TokenID      string `json:"token_id"`
		SerialNumber int64  `json:"serial_number"`
		AccountID    string `json:"account_id"`
		Metadata     string `json:"metadata"` // base64
	}
	path := fmt.Sprintf("/tokens/%s/nfts/%d", tokenID, serial)
	if err := r.get(ctx, path, &out); err != nil {
		return nil, err
	}

	metadata, _ := base64.StdEncoding.DecodeString(out.Metadata)
	return &TokenNFT{
		TokenID:      out.TokenID,
		SerialNumber: out.SerialNumber,
		AccountID:    out.AccountID,
		Metadata:     metadata,
	}, nil
}

func (r *Reconciler) GetFileDigestRecord(ctx context.Context, fileID string) (*FileRecord, error) {
	var out FileRecord
	if err := r.get(ctx, "/files/"+fileID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MirrorTxID converts payer@seconds.nanos into the payer-seconds-nanos form
// the mirror uses in URL paths.
func MirrorTxID(txRef string) string {
	payer, ts, ok := strings.Cut(txRef, "@")
	if !ok {
		return txRef
	}
	return payer + "-" + strings.ReplaceAll(ts, ".", "-")
}
