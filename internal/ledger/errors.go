package ledger

import "fmt"

// ValidationError is a malformed-input failure caught before any network
// call. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientError is a network/timeout/node-unavailable failure during a
// ledger call. A timed-out call does not mean the transaction failed: the
// ledger may still reach consensus, so TxID (when one was assigned) lets
// callers resolve the real outcome via the mirror before compensating.
type TransientError struct {
	TxID string
	Err  error
}

func (e *TransientError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("ledger call failed (tx %s): %v", e.TxID, e.Err)
	}
	return fmt.Sprintf("ledger call failed: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectionError means the ledger accepted the call but returned a
// non-success status. Not retryable with the same payload.
type RejectionError struct {
	Status string
	TxID   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger rejected transaction %s: %s", e.TxID, e.Status)
}

// IntegrityError is a digest mismatch between stored and recomputed
// document hashes. Always fatal to the read, never auto-corrected.
type IntegrityError struct {
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("document digest mismatch: stored %s, recomputed %s", e.Expected, e.Actual)
}
