package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the external-KV Provider backend: native TTL on every record
// key, and a Lua-scripted compare-and-set for UpdateState so concurrent
// UpdateState calls can never race past an illegal edge. Save is a
// plain SET and does not check the transition graph.
// The scripting approach follows hienhoceo-dpsmedia-Cold-Snap's
// redisrl.Limiter, which does the same read-modify-write-atomically
// dance with an Eval script instead of Watch/MULTI.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	mailboxTTL time.Duration
}

// NewRedis wraps an existing *redis.Client. keyPrefix namespaces every
// key this provider touches (default "revolver" if empty).
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "revolver"
	}
	return &Redis{client: client, keyPrefix: keyPrefix, mailboxTTL: 24 * time.Hour}
}

func (r *Redis) recordKey(requestID string) string {
	return fmt.Sprintf("%s:req:%s", r.keyPrefix, requestID)
}

func (r *Redis) mailboxKey(mailboxID string) string {
	return fmt.Sprintf("%s:mailbox:%s", r.keyPrefix, mailboxID)
}

func (r *Redis) stateKey(state State) string {
	return fmt.Sprintf("%s:state:%s", r.keyPrefix, state)
}

type wireRecord struct {
	RequestID string `json:"request_id"`
	MailboxID string `json:"mailbox_id,omitempty"`
	Service   string `json:"service"`
	API       string `json:"api"`
	Mode      string `json:"mode"`
	State     string `json:"state"`

	RequestHeaders map[string][]string `json:"request_headers,omitempty"`
	RequestBody    []byte              `json:"request_body,omitempty"`

	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    []byte              `json:"response_body,omitempty"`
	ResponseStatus  int                 `json:"response_status,omitempty"`

	CreatedAtMS int64 `json:"created_at_ms"`
	UpdatedAtMS int64 `json:"updated_at_ms"`
	ExpiresAtMS int64 `json:"expires_at_ms,omitempty"`

	CallbackURL      string `json:"callback_url,omitempty"`
	DeliveryAttempts int    `json:"delivery_attempts,omitempty"`
}

func toWire(rec Record) wireRecord {
	w := wireRecord{
		RequestID:        rec.RequestID,
		MailboxID:        rec.MailboxID,
		Service:          rec.Service,
		API:              rec.API,
		Mode:             rec.Mode,
		State:            string(rec.State),
		RequestHeaders:   rec.RequestHeaders,
		RequestBody:      rec.RequestBody,
		ResponseHeaders:  rec.ResponseHeaders,
		ResponseBody:     rec.ResponseBody,
		ResponseStatus:   rec.ResponseStatus,
		CallbackURL:      rec.CallbackURL,
		DeliveryAttempts: rec.DeliveryAttempts,
	}
	if !rec.CreatedAt.IsZero() {
		w.CreatedAtMS = rec.CreatedAt.UnixMilli()
	}
	if !rec.UpdatedAt.IsZero() {
		w.UpdatedAtMS = rec.UpdatedAt.UnixMilli()
	}
	if !rec.ExpiresAt.IsZero() {
		w.ExpiresAtMS = rec.ExpiresAt.UnixMilli()
	}
	return w
}

func fromWire(w wireRecord) Record {
	rec := Record{
		RequestID:        w.RequestID,
		MailboxID:        w.MailboxID,
		Service:          w.Service,
		API:              w.API,
		Mode:             w.Mode,
		State:            State(w.State),
		RequestHeaders:   w.RequestHeaders,
		RequestBody:      w.RequestBody,
		ResponseHeaders:  w.ResponseHeaders,
		ResponseBody:     w.ResponseBody,
		ResponseStatus:   w.ResponseStatus,
		CallbackURL:      w.CallbackURL,
		DeliveryAttempts: w.DeliveryAttempts,
	}
	if w.CreatedAtMS > 0 {
		rec.CreatedAt = time.UnixMilli(w.CreatedAtMS)
	}
	if w.UpdatedAtMS > 0 {
		rec.UpdatedAt = time.UnixMilli(w.UpdatedAtMS)
	}
	if w.ExpiresAtMS > 0 {
		rec.ExpiresAt = time.UnixMilli(w.ExpiresAtMS)
	}
	return rec
}

// Save is an idempotent upsert with the record's own TTL applied
// natively; Redis expires the key with no sweep needed.
func (r *Redis) Save(ctx context.Context, record Record) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	data, err := json.Marshal(toWire(record))
	if err != nil {
		return fmt.Errorf("store: unable to marshal record: %w", err)
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Hour
	}
	prev, prevErr := r.Get(ctx, record.RequestID)

	if err := r.client.Set(ctx, r.recordKey(record.RequestID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set failed: %w", err)
	}
	if record.MailboxID != "" {
		key := r.mailboxKey(record.MailboxID)
		if err := r.client.SAdd(ctx, key, record.RequestID).Err(); err != nil {
			return fmt.Errorf("store: redis sadd failed: %w", err)
		}
		r.client.Expire(ctx, key, r.mailboxTTL)
	}
	if prevErr == nil && prev.State != record.State {
		r.client.SRem(ctx, r.stateKey(prev.State), record.RequestID)
	}
	if prevErr != nil || prev.State != record.State {
		r.client.SAdd(ctx, r.stateKey(record.State), record.RequestID)
		r.client.Expire(ctx, r.stateKey(record.State), ttl)
	}
	return nil
}

// SaveIfAbsent inserts record only if its key doesn't already exist,
// via Redis's own atomic SETNX rather than a client-side Get-then-Set:
// two requests racing on the same request id can't both win.
func (r *Redis) SaveIfAbsent(ctx context.Context, record Record) (Record, bool, error) {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	data, err := json.Marshal(toWire(record))
	if err != nil {
		return Record{}, false, fmt.Errorf("store: unable to marshal record: %w", err)
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Hour
	}

	ok, err := r.client.SetNX(ctx, r.recordKey(record.RequestID), data, ttl).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("store: redis setnx failed: %w", err)
	}
	if !ok {
		existing, err := r.Get(ctx, record.RequestID)
		if err != nil {
			return Record{}, false, err
		}
		return existing, false, nil
	}

	if record.MailboxID != "" {
		key := r.mailboxKey(record.MailboxID)
		if err := r.client.SAdd(ctx, key, record.RequestID).Err(); err != nil {
			return Record{}, false, fmt.Errorf("store: redis sadd failed: %w", err)
		}
		r.client.Expire(ctx, key, r.mailboxTTL)
	}
	r.client.SAdd(ctx, r.stateKey(record.State), record.RequestID)
	r.client.Expire(ctx, r.stateKey(record.State), ttl)
	return record, true, nil
}

// Get fetches and decodes a record, mapping a missing key to ErrNotFound.
func (r *Redis) Get(ctx context.Context, requestID string) (Record, error) {
	raw, err := r.client.Get(ctx, r.recordKey(requestID)).Bytes()
	if err == redis.Nil {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: redis get failed: %w", err)
	}
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return Record{}, fmt.Errorf("store: unable to unmarshal record: %w", err)
	}
	return fromWire(w), nil
}

// ListMailbox reads the mailbox's member set and fetches each live
// record, pruning ids whose record has already expired.
func (r *Redis) ListMailbox(ctx context.Context, mailboxID string) ([]Record, error) {
	key := r.mailboxKey(mailboxID)
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis smembers failed: %w", err)
	}
	out := make([]Record, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err == ErrNotFound {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, key, stale...)
	}
	return out, nil
}

// updateStateScript performs the read-check-write atomically: it
// refuses the write unless the record's current state either equals
// new_state (idempotent resend) or has new_state in its transition
// allow-list, and it preserves the key's existing TTL across the
// rewrite.
var updateStateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if raw == false then
  return redis.error_reply('not_found')
end
local rec = cjson.decode(raw)
local newState = ARGV[1]
if rec.state ~= newState then
  local transitions = cjson.decode(ARGV[2])
  local allowed = transitions[rec.state] or {}
  local ok = false
  for _, s in ipairs(allowed) do
    if s == newState then ok = true end
  end
  if not ok then
    return redis.error_reply('invalid_transition')
  end
end
local oldState = rec.state
rec.state = newState
local patch = cjson.decode(ARGV[3])
if patch.response_headers ~= nil then rec.response_headers = patch.response_headers end
if patch.response_body ~= nil then rec.response_body = patch.response_body end
if patch.response_status ~= nil then rec.response_status = patch.response_status end
if patch.delivery_attempts ~= nil then rec.delivery_attempts = patch.delivery_attempts end
rec.updated_at_ms = tonumber(ARGV[4])
local encoded = cjson.encode(rec)
local ttl = redis.call('PTTL', KEYS[1])
if ttl and ttl > 0 then
  redis.call('SET', KEYS[1], encoded, 'PX', ttl)
else
  redis.call('SET', KEYS[1], encoded)
end
if oldState ~= newState then
  local prefix = ARGV[5]
  local id = ARGV[6]
  redis.call('SREM', prefix..':state:'..oldState, id)
  redis.call('SADD', prefix..':state:'..newState, id)
  if ttl and ttl > 0 then
    redis.call('PEXPIRE', prefix..':state:'..newState, ttl)
  end
end
return encoded
`)

// transitionTable renders the package's allowedTransitions map as
// source-state -> []target-state, JSON-safe for the Lua CAS script to
// index by whatever state it finds already stored under the key.
func transitionTable() map[string][]string {
	out := make(map[string][]string, len(allowedTransitions))
	for from, tos := range allowedTransitions {
		targets := make([]string, 0, len(tos))
		for _, s := range tos {
			targets = append(targets, string(s))
		}
		out[string(from)] = targets
	}
	return out
}

// UpdateState runs the Lua CAS script against the record's key. The
// script alone knows the record's current state (it just read it), so
// the whole transition table is shipped down and indexed there rather
// than pre-resolving one source state client-side.
func (r *Redis) UpdateState(ctx context.Context, requestID string, newState State, patch Patch) (Record, error) {
	transitions, err := json.Marshal(transitionTable())
	if err != nil {
		return Record{}, fmt.Errorf("store: unable to marshal transition table: %w", err)
	}

	patchMap := map[string]interface{}{}
	if patch.ResponseHeaders != nil {
		patchMap["response_headers"] = patch.ResponseHeaders
	}
	if patch.ResponseBody != nil {
		patchMap["response_body"] = patch.ResponseBody
	}
	if patch.ResponseStatus != nil {
		patchMap["response_status"] = *patch.ResponseStatus
	}
	if patch.DeliveryAttempts != nil {
		patchMap["delivery_attempts"] = *patch.DeliveryAttempts
	}
	patchJSON, err := json.Marshal(patchMap)
	if err != nil {
		return Record{}, fmt.Errorf("store: unable to marshal patch: %w", err)
	}

	res, err := updateStateScript.Run(ctx, r.client,
		[]string{r.recordKey(requestID)},
		string(newState), string(transitions), string(patchJSON), time.Now().UnixMilli(),
		r.keyPrefix, requestID,
	).Result()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "not_found"):
			return Record{}, ErrNotFound
		case strings.Contains(err.Error(), "invalid_transition"):
			return Record{}, ErrInvalidTransition
		}
		return Record{}, fmt.Errorf("store: update_state script failed: %w", err)
	}

	var w wireRecord
	if err := json.Unmarshal([]byte(res.(string)), &w); err != nil {
		return Record{}, fmt.Errorf("store: unable to unmarshal script result: %w", err)
	}
	return fromWire(w), nil
}

// ExpireBefore is a no-op: Redis keys carry native TTL.
func (r *Redis) ExpireBefore(ctx context.Context, ts time.Time) (int, error) {
	return 0, nil
}

// ListByState reads the per-state set maintained by Save/UpdateState,
// pruning ids whose record already expired out from under the index.
func (r *Redis) ListByState(ctx context.Context, state State) ([]Record, error) {
	key := r.stateKey(state)
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis smembers failed: %w", err)
	}
	out := make([]Record, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err == ErrNotFound {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.State != state {
			stale = append(stale, id)
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, key, stale...)
	}
	return out, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
