package mirror

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestMirrorTxID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0.0.777@1700000000.123456789", "0.0.777-1700000000-123456789"},
		{"0.0.1@0.0", "0.0.1-0-0"},
		{"already-converted", "already-converted"},
	}

	for _, tt := range tests {
		if got := MirrorTxID(tt.in); got != tt.want {
			t.Errorf("MirrorTxID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewReconciler(srv.URL, time.Second, 5, zap.NewNop())
	_, err := r.GetTransaction(context.Background(), "0.0.777@1700000000.1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// 404 is terminal: no retries.
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("mirror called %d times for a 404, want 1", n)
	}
}

func TestGetTransactionRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"transactions":[{"transaction_id":"0.0.777-1700000000-1","result":"SUCCESS"}]}`)
	}))
	defer srv.Close()

	r := NewReconciler(srv.URL, time.Second, 3, zap.NewNop())
	rec, err := r.GetTransaction(context.Background(), "0.0.777@1700000000.1")
	if err != nil {
		t.Fatalf("GetTransaction() error: %v", err)
	}
	if !rec.Executed() {
		t.Errorf("Executed() = false for SUCCESS result")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("mirror called %d times, want 2", n)
	}
}

func TestGetLogMessagesDecodesBase64(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte(`{"type":"invoice_status"}`))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"messages":[
			{"sequence_number":2,"message":%q,"consensus_timestamp":"1700000002.0"},
			{"sequence_number":1,"message":"!!not-base64!!","consensus_timestamp":"1700000001.0"}
		]}`, payload)
	}))
	defer srv.Close()

	r := NewReconciler(srv.URL, time.Second, 1, zap.NewNop())
	msgs, err := r.GetLogMessages(context.Background(), "0.0.700", 10)
	if err != nil {
		t.Fatalf("GetLogMessages() error: %v", err)
	}

	// The undecodable message is skipped, not fatal.
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].SequenceNumber != 2 {
		t.Errorf("sequence = %d, want 2", msgs[0].SequenceNumber)
	}
	if string(msgs[0].Contents) != `{"type":"invoice_status"}` {
		t.Errorf("contents not decoded: %q", msgs[0].Contents)
	}
}

func TestLinkBuilder(t *testing.T) {
	b := NewLinkBuilder("testnet")

	if got := b.Transaction("0.0.777@1700000000.5"); got != "https://ledgerscan.io/testnet/transaction/0.0.777-1700000000-5" {
		t.Errorf("Transaction() = %q", got)
	}
	if got := b.Token("0.0.500", 7); got != "https://ledgerscan.io/testnet/token/0.0.500/7" {
		t.Errorf("Token() = %q", got)
	}
	if got := b.Schedule("0.0.800"); got != "https://ledgerscan.io/testnet/schedule/0.0.800" {
		t.Errorf("Schedule() = %q", got)
	}
}
