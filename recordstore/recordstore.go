// Package recordstore implements the in-memory RecordStore of spec.md §3:
// a Key -> (Value, expiration) map with lazy TTL expiry. Grounded on the
// teacher's dht.KeyValue (dht/keyvalue.go), generalized from a fixed-size
// validity check to the spec's TTL semantics and the host.Storage
// interface (§6.5).
package recordstore

import (
	"errors"
	"sync"
	"time"

	"github.com/dhtcore/kaddht/kadid"
)

// MaxValueSize bounds a stored value, mirroring the teacher's
// dht.MaxValueSize guard.
const MaxValueSize = 10 * 1024

// ErrValueTooLarge is returned by PutValue for oversized values.
var ErrValueTooLarge = errors.New("recordstore: value exceeds maximum size")

// ErrNotFound is returned by GetValue when no unexpired record exists for
// a key.
var ErrNotFound = errors.New("recordstore: not found")

type record struct {
	value      []byte
	expiration time.Time
}

// Store is a Key -> (Value, expiration) map. PutValue overwrites; GetValue
// returns ErrNotFound for missing or expired records. Expired records are
// invisible to GetValue and may be garbage collected lazily by GC.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]record
	now     func() time.Time
}

// New constructs a Store whose records expire ttl after being written
// unless an expiration is supplied explicitly via
// PutValueWithExpiration. now defaults to time.Now; tests may override it
// to exercise expiry deterministically.
func New(ttl time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{ttl: ttl, records: make(map[string]record), now: now}
}

// PutValue stores value for key, expiring it after the store's configured
// TTL. Overwrites any existing record for key.
func (s *Store) PutValue(key kadid.Key, value []byte) error {
	return s.PutValueWithExpiration(key, value, s.now().Add(s.ttl))
}

// PutValueWithExpiration stores value for key with an explicit expiration
// instant, used when replicating a record received from a peer whose
// expiry was already decided.
func (s *Store) PutValueWithExpiration(key kadid.Key, value []byte, expiration time.Time) error {
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[string(key)] = record{value: value, expiration: expiration}
	return nil
}

// GetValue returns the value and expiration stored for key, or ErrNotFound
// if absent or expired.
func (s *Store) GetValue(key kadid.Key) ([]byte, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[string(key)]
	if !ok {
		return nil, time.Time{}, ErrNotFound
	}
	if s.now().After(rec.expiration) {
		delete(s.records, string(key))
		return nil, time.Time{}, ErrNotFound
	}
	return rec.value, rec.expiration, nil
}

// GC drops every expired record. The coordinator does not call it;
// GetValue drops expired records lazily per key, so GC is purely a
// memory-reclamation pass, never required for correctness.
func (s *Store) GC() (removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, rec := range s.records {
		if now.After(rec.expiration) {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of records currently stored, including any not
// yet lazily expired.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
