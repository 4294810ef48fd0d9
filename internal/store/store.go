// Package store is the persistence provider from spec §4.6: at-least-once
// storage of in-flight and completed requests, keyed by request id, with
// a monotonic state machine and TTL-bounded retention. Two backends are
// offered, both satisfying the same Provider interface: Memory (a map
// swept by a periodic scan, grounded on gizmo's own in-process caches) and Redis
// (native TTL plus a Lua-scripted compare-and-set on state, grounded on
// hienhoceo-dpsmedia-Cold-Snap's redisrl.Limiter).
package store

import (
	"context"
	"errors"
	"time"
)

// State is one node of the RequestRecord state machine (spec §3).
type State string

const (
	Received       State = "RECEIVED"
	InProgress     State = "IN_PROGRESS"
	Completed      State = "COMPLETED"
	Failed         State = "FAILED"
	TimedOut       State = "TIMED_OUT"
	CallbackPending State = "CALLBACK_PENDING"
	CallbackSent   State = "CALLBACK_SENT"
	CallbackFailed State = "CALLBACK_FAILED"
)

// terminal returns whether a state has no outgoing transitions.
func terminal(s State) bool {
	switch s {
	case Completed, Failed, TimedOut, CallbackSent, CallbackFailed:
		return true
	}
	return false
}

// allowedTransitions encodes the permitted transition graph from spec §3:
// IN_PROGRESS -> COMPLETED|FAILED|TIMED_OUT, and for callback mode
// COMPLETED -> CALLBACK_PENDING -> CALLBACK_SENT|CALLBACK_FAILED.
var allowedTransitions = map[State][]State{
	Received:        {InProgress},
	InProgress:      {Completed, Failed, TimedOut},
	Completed:       {CallbackPending},
	CallbackPending: {CallbackSent, CallbackFailed},
}

// CanTransition reports whether moving a record from `from` to `to` is a
// legal edge in the state machine, or a no-op resend of the same state
// (which save/update_state treat as idempotent, not as a regression).
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrNotFound is returned by Get/UpdateState when no record exists for a
// request id.
var ErrNotFound = errors.New("store: request not found")

// ErrInvalidTransition is returned by UpdateState when new_state is not
// reachable from the record's current state.
var ErrInvalidTransition = errors.New("store: invalid state transition")

// Record is the RequestRecord of spec §3.
type Record struct {
	RequestID string
	MailboxID string
	Service   string
	API       string
	Mode      string // SYNC|POLLING|CALLBACK

	State State

	RequestHeaders map[string][]string
	RequestBody    []byte

	ResponseHeaders map[string][]string
	ResponseBody    []byte
	ResponseStatus  int

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	CallbackURL     string
	DeliveryAttempts int
}

// Patch describes a partial update applied by UpdateState. Zero-value
// fields are left untouched except where a pointer is non-nil.
type Patch struct {
	ResponseHeaders  map[string][]string
	ResponseBody     []byte
	ResponseStatus   *int
	DeliveryAttempts *int
}

// Provider is the persistence contract of spec §4.6.
type Provider interface {
	// Save is an idempotent upsert keyed by RequestID.
	Save(ctx context.Context, record Record) error
	// SaveIfAbsent atomically inserts record only if no live record
	// already exists for its RequestID, closing the check-then-act gap
	// a Get followed by Save leaves open between two callers racing on
	// the same client-supplied request id. When a live record already
	// exists, it is returned unmodified with inserted=false; record is
	// discarded rather than merged.
	SaveIfAbsent(ctx context.Context, record Record) (existing Record, inserted bool, err error)
	// Get returns ErrNotFound if no live record exists for id.
	Get(ctx context.Context, requestID string) (Record, error)
	// ListMailbox returns every record sharing a mailbox id, for the
	// polling API. Order is not guaranteed across backends.
	ListMailbox(ctx context.Context, mailboxID string) ([]Record, error)
	// UpdateState conditionally transitions a record. It returns
	// ErrInvalidTransition if newState is not reachable from the
	// record's current state.
	UpdateState(ctx context.Context, requestID string, newState State, patch Patch) (Record, error)
	// ExpireBefore sweeps records whose ExpiresAt is before ts. No-op
	// for backends with native TTL.
	ExpireBefore(ctx context.Context, ts time.Time) (int, error)
	// ListByState returns every live record currently in the given
	// state. Used by the callback dispatcher's background rescuer to
	// rehydrate CALLBACK_PENDING records that overflowed its queue.
	ListByState(ctx context.Context, state State) ([]Record, error)
	// Close releases backend resources (background sweepers, clients).
	Close() error
}
