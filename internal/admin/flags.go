// Package admin holds the gateway's runtime on/off switch per
// (service, API) — the Go form of the original bundle's
// `RevolverBundle.apiStatus` map, queried and flipped by the
// `/v1/manage/api/status` endpoints (original_source's
// RevolverApiManageResource).
package admin

import (
	"sort"
	"sync"
)

// Status is one row of the admin status listing.
type Status struct {
	Service string
	API     string
	Enabled bool
}

// Flags is a concurrency-safe (service, API) -> enabled map. Unlike
// router.Router's whole-table atomic swap, entries here are flipped
// individually and often, so a mutex-guarded map is the better fit —
// there is no third-party toggle-flag structure in the retrieved pack to
// reach for instead.
type Flags struct {
	mu    sync.RWMutex
	table map[string]bool
}

// New builds a Flags table with every (service, API) pair enabled.
func New(pairs [][2]string) *Flags {
	f := &Flags{table: make(map[string]bool, len(pairs))}
	for _, p := range pairs {
		f.table[key(p[0], p[1])] = true
	}
	return f
}

func key(service, api string) string { return service + "." + api }

// Enabled reports whether (service, api) is turned on. An unknown pair
// reports true, since the router is the authority on whether the pair
// exists at all.
func (f *Flags) Enabled(service, api string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	enabled, ok := f.table[key(service, api)]
	if !ok {
		return true
	}
	return enabled
}

// Get reports the current flag and whether the pair is known.
func (f *Flags) Get(service, api string) (bool, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	enabled, ok := f.table[key(service, api)]
	return enabled, ok
}

// Set flips (service, api) if it is a known pair. It reports whether the
// pair was known.
func (f *Flags) Set(service, api string, enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(service, api)
	if _, ok := f.table[k]; !ok {
		return false
	}
	f.table[k] = enabled
	return true
}

// Register ensures (service, api) has an entry, defaulting to enabled.
// Used when a dynamic config reload adds a new API.
func (f *Flags) Register(service, api string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(service, api)
	if _, ok := f.table[k]; !ok {
		f.table[k] = true
	}
}

// All lists every (service, api) status, sorted for deterministic output.
func (f *Flags) All() []Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Status, 0, len(f.table))
	for k, enabled := range f.table {
		service, api := splitKey(k)
		out = append(out, Status{Service: service, API: api, Enabled: enabled})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].API < out[j].API
	})
	return out
}

func splitKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '.' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
