// Package contentrouting implements the ContentRoutingTable of spec.md
// §3: a content-id -> set of provider peer-ids map, each provider entry
// carrying its own TTL (default 24h). Grounded on the teacher's provider
// bookkeeping in dht/netdb.go's seed table (InsertSeed) and dht.KeyValue,
// generalized to the spec's explicit per-provider TTL semantics.
package contentrouting

import (
	"sort"
	"sync"
	"time"

	"github.com/dhtcore/kaddht/kadid"
)

// DefaultProviderTTL matches spec.md's default providerTtl.
const DefaultProviderTTL = 24 * time.Hour

// Table maps a content NodeId to the set of peers providing it, each with
// its own expiry.
type Table struct {
	mu        sync.Mutex
	ttl       time.Duration
	providers map[kadid.NodeId]map[kadid.NodeId]time.Time
	now       func() time.Time
}

// New constructs a Table whose provider entries expire ttl after being
// added or refreshed. now defaults to time.Now.
func New(ttl time.Duration, now func() time.Time) *Table {
	if ttl <= 0 {
		ttl = DefaultProviderTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Table{
		ttl:       ttl,
		providers: make(map[kadid.NodeId]map[kadid.NodeId]time.Time),
		now:       now,
	}
}

// AddProvider records peer as a provider for key, refreshing its TTL if
// already present.
func (t *Table) AddProvider(key kadid.NodeId, peer kadid.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.providers[key]
	if !ok {
		set = make(map[kadid.NodeId]time.Time)
		t.providers[key] = set
	}
	set[peer] = t.now().Add(t.ttl)
}

// GetProvidersFor returns up to limit unexpired providers for key. A
// limit <= 0 means unbounded. Expired entries encountered are dropped as a
// side effect (lazy GC), mirroring RecordStore's policy.
func (t *Table) GetProvidersFor(key kadid.NodeId, limit int) []kadid.NodeId {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.providers[key]
	if !ok {
		return nil
	}

	now := t.now()
	out := make([]kadid.NodeId, 0, len(set))
	for peer, exp := range set {
		if now.After(exp) {
			delete(set, peer)
			continue
		}
		out = append(out, peer)
	}
	if len(set) == 0 {
		delete(t.providers, key)
	}

	sort.Slice(out, func(i, j int) bool { return kadid.Less(out[i], out[j]) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GC drops every expired provider entry across all keys.
func (t *Table) GC() (removed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, set := range t.providers {
		for peer, exp := range set {
			if now.After(exp) {
				delete(set, peer)
				removed++
			}
		}
		if len(set) == 0 {
			delete(t.providers, key)
		}
	}
	return removed
}
