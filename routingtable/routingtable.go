// Package routingtable implements the PeerRoutingTable of spec.md §3: a
// fixed number of k-buckets, one per common-prefix length with self, each
// holding at most K peers in least-recently-seen order. Grounded on the
// teacher's dht/netdb.go in-memory table (NetDB.table, insertIntoTable,
// FindClosest), generalized from its SQL-backed Address table to the
// spec's PeerInfo semantics and made safe for the single-mutex-per-table
// discipline spec.md §5 requires of a multi-threaded implementation.
package routingtable

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
)

// DefaultBucketSize is K in classical Kademlia terms (spec.md's
// `bucketSize` configuration option).
const DefaultBucketSize = 20

// UpdateResult reports what Update did with a peer, letting the caller
// decide whether to ping-and-evict the stalest entry (spec.md §3: "the
// core simply reports 'not added'").
type UpdateResult int

const (
	// Updated means the peer was already present and has been moved to
	// most-recently-seen.
	Updated UpdateResult = iota
	// Added means the peer was new and the bucket had room.
	Added
	// BucketFull means the peer is new but its bucket has no room; the
	// table did not change.
	BucketFull
)

func (r UpdateResult) String() string {
	switch r {
	case Updated:
		return "updated"
	case Added:
		return "added"
	default:
		return "bucket_full"
	}
}

// Table is the PeerRoutingTable: NumBuckets buckets indexed by common
// prefix length with self, each bounded to bucketSize peers.
type Table struct {
	mu         sync.Mutex
	self       kadid.NodeId
	bucketSize int
	buckets    [kadid.NumBuckets][]host.PeerInfo
}

// New constructs an empty table for self with the given per-bucket
// capacity. A bucketSize <= 0 falls back to DefaultBucketSize.
func New(self kadid.NodeId, bucketSize int) *Table {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	return &Table{self: self, bucketSize: bucketSize}
}

func (t *Table) bucketIndex(id kadid.NodeId) int {
	return kadid.CommonPrefixLen(t.self, id)
}

// Update inserts or refreshes peer in the table. Self is never inserted
// (spec.md invariant); calling Update with peer.Id == self is a no-op
// reported as Updated so callers don't need a special case.
func (t *Table) Update(peer host.PeerInfo) UpdateResult {
	if kadid.Equal(peer.Id, t.self) {
		return Updated
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(peer.Id)
	bucket := t.buckets[idx]

	for i, p := range bucket {
		if kadid.Equal(p.Id, peer.Id) {
			// Move to most-recently-seen (front), refreshing addresses.
			bucket = append(bucket[:i], bucket[i+1:]...)
			bucket = append([]host.PeerInfo{peer}, bucket...)
			t.buckets[idx] = bucket
			return Updated
		}
	}

	if len(bucket) >= t.bucketSize {
		log.WithFields(log.Fields{
			"bucket": idx,
			"peer":   peer.Id.String(),
		}).Debug("routingtable: bucket full, not added")
		return BucketFull
	}

	t.buckets[idx] = append([]host.PeerInfo{peer}, bucket...)
	return Added
}

// Remove deletes peer from the table, if present.
func (t *Table) Remove(id kadid.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(id)
	bucket := t.buckets[idx]
	for i, p := range bucket {
		if kadid.Equal(p.Id, id) {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Stalest returns the least-recently-seen peer in id's bucket, the
// candidate spec.md §3 says the caller may ping before evicting to make
// room for a new peer.
func (t *Table) Stalest(id kadid.NodeId) (host.PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[t.bucketIndex(id)]
	if len(bucket) == 0 {
		return host.PeerInfo{}, false
	}
	return bucket[len(bucket)-1], true
}

// GetNearestPeers returns up to n peers sorted by ascending XOR distance
// to target, breaking distance ties by lexicographic peer-id order for
// determinism (spec.md §4.2). Self is never returned.
func (t *Table) GetNearestPeers(target kadid.NodeId, n int) []host.PeerInfo {
	t.mu.Lock()
	all := make([]host.PeerInfo, 0, t.size())
	for _, bucket := range t.buckets {
		all = append(all, bucket...)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		di := kadid.Xor(all[i].Id, target)
		dj := kadid.Xor(all[j].Id, target)
		if di == dj {
			return kadid.Less(all[i].Id, all[j].Id)
		}
		return kadid.Less(di, dj)
	})

	if n < len(all) {
		all = all[:n]
	}
	return all
}

// Size returns the total number of peers across all buckets.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size()
}

func (t *Table) size() int {
	n := 0
	for _, b := range t.buckets {
		n += len(b)
	}
	return n
}

// BucketLen returns the number of peers in the bucket for commonPrefixLen
// bits, used by tests asserting the bucket-placement invariant (spec.md
// §8).
func (t *Table) BucketLen(commonPrefixLen int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if commonPrefixLen < 0 || commonPrefixLen >= kadid.NumBuckets {
		return 0
	}
	return len(t.buckets[commonPrefixLen])
}
