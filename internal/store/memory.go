package store

import (
	"context"
	"sync"
	"time"
)

// timeNow is swappable for tests, the way gizmo's auth package exposes
// auth.TimeNow for deterministic key-expiry tests.
var timeNow = func() time.Time { return time.Now() }

// Memory is an in-process Provider. It honors TTL with a background
// sweep since it has no native expiry of its own.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	mailbox map[string]map[string]struct{} // mailboxID -> set of requestIDs

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewMemory builds a Memory provider and starts its background sweeper.
// sweepInterval defaults to 30s if zero or negative.
func NewMemory(sweepInterval time.Duration) *Memory {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	m := &Memory{
		records:       map[string]Record{},
		mailbox:       map[string]map[string]struct{}{},
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			_, _ = m.ExpireBefore(context.Background(), timeNow())
		}
	}
}

// Save upserts a record. Re-saving the same request_id in the same
// state is idempotent; moving state is subject to the same transition
// rules as UpdateState.
func (m *Memory) Save(ctx context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[record.RequestID]; ok {
		if existing.State != record.State && !CanTransition(existing.State, record.State) {
			return ErrInvalidTransition
		}
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = timeNow()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	m.records[record.RequestID] = record
	if record.MailboxID != "" {
		set, ok := m.mailbox[record.MailboxID]
		if !ok {
			set = map[string]struct{}{}
			m.mailbox[record.MailboxID] = set
		}
		set[record.RequestID] = struct{}{}
	}
	return nil
}

// SaveIfAbsent inserts record only if no live record exists for its
// RequestID, atomically under the same lock Get and Save use, closing
// the race a caller doing Get-then-Save would otherwise leave open.
func (m *Memory) SaveIfAbsent(ctx context.Context, record Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[record.RequestID]; ok && !m.expired(existing) {
		return existing, false, nil
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = timeNow()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	m.records[record.RequestID] = record
	if record.MailboxID != "" {
		set, ok := m.mailbox[record.MailboxID]
		if !ok {
			set = map[string]struct{}{}
			m.mailbox[record.MailboxID] = set
		}
		set[record.RequestID] = struct{}{}
	}
	return record, true, nil
}

// Get returns the live record for requestID, or ErrNotFound if it is
// absent or has already expired.
func (m *Memory) Get(ctx context.Context, requestID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[requestID]
	if !ok || m.expired(rec) {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) expired(rec Record) bool {
	return !rec.ExpiresAt.IsZero() && timeNow().After(rec.ExpiresAt)
}

// ListMailbox returns every live record under mailboxID.
func (m *Memory) ListMailbox(ctx context.Context, mailboxID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.mailbox[mailboxID]
	if !ok {
		return nil, nil
	}
	out := make([]Record, 0, len(set))
	for id := range set {
		if rec, ok := m.records[id]; ok && !m.expired(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpdateState applies a conditional transition plus a patch, atomically
// under the store's own lock.
func (m *Memory) UpdateState(ctx context.Context, requestID string, newState State, patch Patch) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok || m.expired(rec) {
		return Record{}, ErrNotFound
	}
	if !CanTransition(rec.State, newState) {
		return Record{}, ErrInvalidTransition
	}
	rec.State = newState
	if patch.ResponseHeaders != nil {
		rec.ResponseHeaders = patch.ResponseHeaders
	}
	if patch.ResponseBody != nil {
		rec.ResponseBody = patch.ResponseBody
	}
	if patch.ResponseStatus != nil {
		rec.ResponseStatus = *patch.ResponseStatus
	}
	if patch.DeliveryAttempts != nil {
		rec.DeliveryAttempts = *patch.DeliveryAttempts
	}
	rec.UpdatedAt = timeNow()
	m.records[requestID] = rec
	return rec, nil
}

// ListByState scans for every live record in the given state. Memory
// is meant for development and small deployments, so a linear scan
// under the lock is preferred here over a second index to keep in
// sync; Redis carries an explicit per-state set for this instead.
func (m *Memory) ListByState(ctx context.Context, state State) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.State == state && !m.expired(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ExpireBefore deletes every record (and its mailbox membership) whose
// ExpiresAt is before ts, returning the count removed.
func (m *Memory) ExpireBefore(ctx context.Context, ts time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rec := range m.records {
		if rec.ExpiresAt.IsZero() || rec.ExpiresAt.After(ts) {
			continue
		}
		delete(m.records, id)
		if rec.MailboxID != "" {
			if set, ok := m.mailbox[rec.MailboxID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(m.mailbox, rec.MailboxID)
				}
			}
		}
		removed++
	}
	return removed, nil
}

// Close stops the background sweeper.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
