package iterquery

import (
	"context"
	"sync"
	"time"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/wire"
)

// Transport is how an Executor actually talks to a peer: open a stream,
// write one request, read one response. It is implemented by the
// coordinator package, which owns stream and session lifecycle; iterquery
// itself is agnostic to transport details (§1 scope).
type Transport interface {
	Request(ctx context.Context, peer host.PeerInfo, req *wire.Message) (*wire.Message, error)
}

// Deps bundles everything every Executor needs from its owning
// Coordinator. Constructing one per call keeps the five Executors from
// each carrying their own copy of the Coordinator's wiring, matching
// spec.md §9's guidance to factor the five executors as adapters over a
// single parameterized driver.
type Deps struct {
	Self    kadid.NodeId
	Alpha   int
	K       int
	Timeout time.Duration
	Tr      Transport
}

func peersFromWire(peers []wire.Peer) []host.PeerInfo {
	out := make([]host.PeerInfo, 0, len(peers))
	for _, p := range peers {
		if len(p.Id) != kadid.Size {
			continue
		}
		var id kadid.NodeId
		copy(id[:], p.Id)
		out = append(out, host.PeerInfo{Id: id, Addrs: p.Addrs})
	}
	return out
}

func wireFromPeer(p host.PeerInfo, c host.Connectedness) wire.Peer {
	return wire.Peer{
		Id:            append([]byte(nil), p.Id[:]...),
		Addrs:         p.Addrs,
		Connectedness: wire.Connectedness(c),
	}
}

// GetValueResult is the outcome of a GetValueExecutor run.
type GetValueResult struct {
	Found bool
	Value []byte
}

// GetValueExecutor drives a GET_VALUE lookup (spec.md §4.3). It stops as
// soon as a validated record has been collected and, on termination,
// opportunistically PUTs the winning record back to peers that answered
// without it (read-repair).
func GetValueExecutor(ctx context.Context, d Deps, seeds []host.PeerInfo, key kadid.Key, validator host.Validator) GetValueResult {
	var mu sync.Mutex
	type candidateValue struct {
		value []byte
		peer  host.PeerInfo
	}
	var valid []candidateValue
	var missing []host.PeerInfo

	q := &Query{
		Self:    d.Self,
		Target:  kadid.NodeIdFromKey(key),
		Alpha:   d.Alpha,
		K:       d.K,
		Timeout: d.Timeout,
		Send: func(ctx context.Context, peer host.PeerInfo) (*wire.Message, error) {
			req := &wire.Message{Type: wire.TypeGetValue, Key: []byte(key)}
			return d.Tr.Request(ctx, peer, req)
		},
		Absorb: func(peer host.PeerInfo, resp *wire.Message) []host.PeerInfo {
			mu.Lock()
			if resp.Record != nil && validator.Validate(key, resp.Record.Value) == nil {
				valid = append(valid, candidateValue{value: resp.Record.Value, peer: peer})
			} else {
				missing = append(missing, peer)
			}
			mu.Unlock()
			return peersFromWire(resp.CloserPeers)
		},
		Stop: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(valid) > 0
		},
	}

	q.Run(ctx, seeds)

	mu.Lock()
	defer mu.Unlock()
	if len(valid) == 0 {
		return GetValueResult{Found: false}
	}

	values := make([][]byte, len(valid))
	for i, c := range valid {
		values[i] = c.value
	}
	best, err := validator.Select(key, values)
	if err != nil || best < 0 || best >= len(valid) {
		best = 0
	}
	winner := valid[best].value

	// Read-repair: replicate the winning record to every peer that
	// responded without it.
	for _, peer := range missing {
		go func(peer host.PeerInfo) {
			req := &wire.Message{
				Type: wire.TypePutValue,
				Key:  []byte(key),
				Record: &wire.Record{
					Key:   []byte(key),
					Value: winner,
				},
			}
			_, _ = d.Tr.Request(context.Background(), peer, req)
		}(peer)
	}

	return GetValueResult{Found: true, Value: winner}
}

// PutValueExecutorResult reports PutValueExecutor's outcome.
type PutValueExecutorResult struct {
	AcceptedBy int
}

// PutValueExecutor locates the K closest peers to key via a FIND_NODE-style
// convergence and sends each a PUT_VALUE carrying record (spec.md §4.4).
// The receiving coordinator acks every PUT_VALUE with a key-only reply, so
// "accepted" here means that request/ack round trip completed; a per-peer
// failure is not logged and only leaves that peer out of the count.
func PutValueExecutor(ctx context.Context, d Deps, seeds []host.PeerInfo, key kadid.Key, value []byte) PutValueExecutorResult {
	closest := findNodeConvergence(ctx, d, seeds, kadid.NodeIdFromKey(key))

	var mu sync.Mutex
	accepted := 0
	var wg sync.WaitGroup
	for _, peer := range closest {
		wg.Add(1)
		go func(peer host.PeerInfo) {
			defer wg.Done()
			req := &wire.Message{
				Type: wire.TypePutValue,
				Key:  []byte(key),
				Record: &wire.Record{
					Key:   []byte(key),
					Value: value,
				},
			}
			if _, err := d.Tr.Request(ctx, peer, req); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(peer)
	}
	wg.Wait()

	return PutValueExecutorResult{AcceptedBy: accepted}
}

// FindProvidersExecutor drives a GET_PROVIDERS lookup, stopping once the
// accumulated, deduplicated provider set reaches limit (spec.md §4.5). A
// limit <= 0 means "collect until convergence".
func FindProvidersExecutor(ctx context.Context, d Deps, seeds []host.PeerInfo, key kadid.Key, limit int) []host.PeerInfo {
	var mu sync.Mutex
	seen := map[kadid.NodeId]host.PeerInfo{}

	q := &Query{
		Self:    d.Self,
		Target:  kadid.NodeIdFromKey(key),
		Alpha:   d.Alpha,
		K:       d.K,
		Timeout: d.Timeout,
		Send: func(ctx context.Context, peer host.PeerInfo) (*wire.Message, error) {
			req := &wire.Message{Type: wire.TypeGetProviders, Key: []byte(key)}
			return d.Tr.Request(ctx, peer, req)
		},
		Absorb: func(peer host.PeerInfo, resp *wire.Message) []host.PeerInfo {
			mu.Lock()
			for _, p := range peersFromWire(resp.ProviderPeers) {
				if _, ok := seen[p.Id]; !ok {
					seen[p.Id] = p
				}
			}
			mu.Unlock()
			return peersFromWire(resp.CloserPeers)
		},
		Stop: func() bool {
			if limit <= 0 {
				return false
			}
			mu.Lock()
			defer mu.Unlock()
			return len(seen) >= limit
		},
	}

	q.Run(ctx, seeds)

	mu.Lock()
	defer mu.Unlock()
	out := make([]host.PeerInfo, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// AddProviderExecutor runs a FIND_NODE-style convergence for key, then
// sends ADD_PROVIDER to the resulting K closest peers, naming self
// (spec.md §4.6).
func AddProviderExecutor(ctx context.Context, d Deps, seeds []host.PeerInfo, key kadid.Key, self host.PeerInfo) {
	closest := findNodeConvergence(ctx, d, seeds, kadid.NodeIdFromKey(key))

	var wg sync.WaitGroup
	for _, peer := range closest {
		wg.Add(1)
		go func(peer host.PeerInfo) {
			defer wg.Done()
			req := &wire.Message{
				Type: wire.TypeAddProvider,
				Key:  []byte(key),
				ProviderPeers: []wire.Peer{
					wireFromPeer(self, host.Connected),
				},
			}
			_, _ = d.Tr.Request(ctx, peer, req)
		}(peer)
	}
	wg.Wait()
}

// FindPeerExecutor drives a FIND_NODE lookup for target, stopping as soon
// as target appears in some response's closer_peers with at least one
// address (spec.md §4.7).
func FindPeerExecutor(ctx context.Context, d Deps, seeds []host.PeerInfo, target kadid.NodeId) (host.PeerInfo, bool) {
	var mu sync.Mutex
	var found host.PeerInfo
	hasFound := false

	q := &Query{
		Self:    d.Self,
		Target:  target,
		Alpha:   d.Alpha,
		K:       d.K,
		Timeout: d.Timeout,
		Send: func(ctx context.Context, peer host.PeerInfo) (*wire.Message, error) {
			req := &wire.Message{Type: wire.TypeFindNode, Key: target[:]}
			return d.Tr.Request(ctx, peer, req)
		},
		Absorb: func(peer host.PeerInfo, resp *wire.Message) []host.PeerInfo {
			learned := peersFromWire(resp.CloserPeers)
			mu.Lock()
			if !hasFound {
				for _, p := range learned {
					if kadid.Equal(p.Id, target) && p.HasAddrs() {
						found = p
						hasFound = true
						break
					}
				}
			}
			mu.Unlock()
			return learned
		},
		Stop: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return hasFound
		},
	}

	q.Run(ctx, seeds)

	mu.Lock()
	defer mu.Unlock()
	return found, hasFound
}

// findNodeConvergence runs a plain FIND_NODE convergence (no stop
// predicate beyond §4.2's condition 1/3/4) and returns the K closest peers
// that succeeded, used by PutValueExecutor and AddProviderExecutor.
func findNodeConvergence(ctx context.Context, d Deps, seeds []host.PeerInfo, target kadid.NodeId) []host.PeerInfo {
	var mu sync.Mutex
	succeeded := map[kadid.NodeId]host.PeerInfo{}

	q := &Query{
		Self:    d.Self,
		Target:  target,
		Alpha:   d.Alpha,
		K:       d.K,
		Timeout: d.Timeout,
		Send: func(ctx context.Context, peer host.PeerInfo) (*wire.Message, error) {
			req := &wire.Message{Type: wire.TypeFindNode, Key: target[:]}
			return d.Tr.Request(ctx, peer, req)
		},
		Absorb: func(peer host.PeerInfo, resp *wire.Message) []host.PeerInfo {
			mu.Lock()
			succeeded[peer.Id] = peer
			mu.Unlock()
			return peersFromWire(resp.CloserPeers)
		},
	}

	q.Run(ctx, seeds)

	mu.Lock()
	defer mu.Unlock()

	out := make([]host.PeerInfo, 0, len(succeeded))
	for _, p := range succeeded {
		out = append(out, p)
	}
	sortByDistance(out, target)
	if len(out) > d.K {
		out = out[:d.K]
	}
	return out
}

func sortByDistance(peers []host.PeerInfo, target kadid.NodeId) {
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0; j-- {
			a := kadid.Xor(peers[j].Id, target)
			b := kadid.Xor(peers[j-1].Id, target)
			if kadid.Less(a, b) {
				peers[j], peers[j-1] = peers[j-1], peers[j]
			} else {
				break
			}
		}
	}
}
