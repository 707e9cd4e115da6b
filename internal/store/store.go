// Package store provides the flat key/value mapping backing GET/SET/INCR and
// the list commands. Expiry is lazy-only: there is no background sweeper,
// deliberately, because the executor that owns this store already visits
// every key on access and a sweeper would just be a second writer to state
// that must stay single-threaded.
package store

import (
	"time"

	"github.com/redisq/redisq/internal/protocol"
)

// entry pairs a stored value with an optional absolute expiry deadline.
type entry struct {
	value     protocol.Value
	deadline  time.Time
	hasExpiry bool
}

// Store is a flat key -> (value, optional deadline) mapping. It has no
// internal locking: the executor is its only caller and invokes it from a
// single goroutine, so Store is not safe for concurrent use by design.
type Store struct {
	data map[string]entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) isLive(e entry, now time.Time) bool {
	return !e.hasExpiry || e.deadline.After(now)
}

// Get returns the stored value for key and true, or the zero Value and false
// if the key is absent or its deadline has passed. A lapsed entry is removed
// as a side effect of this call — the only expiry mechanism the store has.
func (s *Store) Get(key string) (protocol.Value, bool) {
	e, ok := s.data[key]
	if !ok {
		return protocol.Value{}, false
	}
	if !s.isLive(e, time.Now()) {
		delete(s.data, key)
		return protocol.Value{}, false
	}
	return e.value, true
}

// SetParams carries the optional modifiers SET accepts (PX, in milliseconds).
type SetParams struct {
	ExpiryMs int64
	HasPX    bool
}

// Set unconditionally overwrites key with v. If params.HasPX is set, the
// entry expires ExpiryMs milliseconds from now.
func (s *Store) Set(key string, v protocol.Value, params SetParams) {
	e := entry{value: v}
	if params.HasPX {
		e.hasExpiry = true
		e.deadline = time.Now().Add(time.Duration(params.ExpiryMs) * time.Millisecond)
	}
	s.data[key] = e
}

// GetOrPut returns the live value at key, or calls factory, stores its
// result with no expiry, and returns that.
func (s *Store) GetOrPut(key string, factory func() protocol.Value) protocol.Value {
	if v, ok := s.Get(key); ok {
		return v
	}
	v := factory()
	s.data[key] = entry{value: v}
	return v
}

// Delete removes key unconditionally. Returns true if it was present and
// live.
func (s *Store) Delete(key string) bool {
	_, ok := s.Get(key)
	delete(s.data, key)
	return ok
}

// Exists reports whether key is present and live, without mutating its
// value.
func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Len returns the number of keys currently tracked, including any not yet
// lazily reaped past their deadline.
func (s *Store) Len() int {
	return len(s.data)
}
