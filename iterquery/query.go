// Package iterquery implements the IterativeQuery engine of spec.md §4.2
// — the parallel, alpha-wide, bounded lookup that all four user-facing DHT
// operations share — plus, in executors.go, the five thin Executor
// adapters of §4.3-4.7 that configure it for putValue, getValue, provide,
// findProviders and findPeer.
//
// Grounded on the teacher's recursive closest-peer walk
// (localpeer.go's Resolve/resolveStep) and its bounded parallel explorer
// (jobs/explore.go), generalized from a single goroutine-per-hop recursion
// into the spec's explicit per-peer state machine with a hard parallelism
// cap.
package iterquery

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/wire"
)

// PeerState is the per-peer state machine of spec.md §4.2.
type PeerState int

const (
	NotAsked PeerState = iota
	Waiting
	Succeeded
	Failed
)

type candidate struct {
	peer  host.PeerInfo
	state PeerState
}

// RequestFunc sends the operation-specific request to peer and returns its
// response. A non-nil error (stream failure, timeout, malformed response)
// marks the peer FAILED without aborting the query (spec.md §7).
type RequestFunc func(ctx context.Context, peer host.PeerInfo) (*wire.Message, error)

// AbsorbFunc runs once per successful response, merging its payload into
// the operation's own accumulator (a found record, a provider set, ...)
// and returning any newly discovered peers to merge into the candidate
// queue. The engine itself filters out self and already-seen peers.
type AbsorbFunc func(peer host.PeerInfo, resp *wire.Message) []host.PeerInfo

// Query drives one lookup toward Target to one of the four termination
// conditions in spec.md §4.2.
type Query struct {
	Self    kadid.NodeId
	Target  kadid.NodeId
	Alpha   int
	K       int
	Timeout time.Duration

	Send   RequestFunc
	Absorb AbsorbFunc
	// Stop is polled before every dispatch round and after every
	// absorbed response; returning true ends the query (condition 2).
	Stop func() bool

	mu         sync.Mutex
	candidates map[kadid.NodeId]*candidate
}

type responseEvent struct {
	peer host.PeerInfo
	resp *wire.Message
	err  error
}

// Run seeds the candidate queue with seeds and drives the loop to
// termination, returning the number of peers that ultimately succeeded.
// It blocks the calling goroutine. The Executors call it directly; the
// Coordinator runs them inside Scheduler callbacks whenever the result goes
// to a user's handler (spec.md §5).
func (q *Query) Run(ctx context.Context, seeds []host.PeerInfo) int {
	q.candidates = make(map[kadid.NodeId]*candidate)
	q.addCandidates(seeds)

	ctx, cancel := context.WithTimeout(ctx, q.Timeout)
	defer cancel()

	events := make(chan responseEvent, q.Alpha)
	var wg sync.WaitGroup

	waiting := 0

loop:
	for {
		if q.Stop != nil && q.Stop() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		// Requests already in flight are still awaited once no candidate is
		// worth asking: their responses may carry closer peers.
		for waiting < q.Alpha && q.shouldContinue() {
			next, ok := q.takeNextNotAsked()
			if !ok {
				break
			}
			waiting++
			wg.Add(1)
			go q.dispatch(ctx, &wg, next, events)
		}

		if waiting == 0 {
			break
		}

		select {
		case ev := <-events:
			waiting--
			q.handleEvent(ev)
		case <-ctx.Done():
			break loop
		}
	}

	cancel()
	wg.Wait()

	return q.countInState(Succeeded)
}

func (q *Query) dispatch(ctx context.Context, wg *sync.WaitGroup, peer host.PeerInfo, events chan<- responseEvent) {
	defer wg.Done()
	resp, err := q.Send(ctx, peer)
	events <- responseEvent{peer: peer, resp: resp, err: err}
}

func (q *Query) handleEvent(ev responseEvent) {
	q.mu.Lock()
	c, ok := q.candidates[ev.peer.Id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if ev.err != nil {
		c.state = Failed
		q.mu.Unlock()
		log.WithError(ev.err).WithField("peer", ev.peer.Id.String()).
			Debug("iterquery: peer marked failed")
		return
	}
	c.state = Succeeded
	q.mu.Unlock()

	var learned []host.PeerInfo
	if q.Absorb != nil {
		learned = q.Absorb(ev.peer, ev.resp)
	}
	q.addCandidates(learned)
}

// addCandidates merges peers into the candidate set, skipping self and
// any peer id already known to the query (spec.md §4.2: "merge ... filtered
// for self and for peers already seen").
func (q *Query) addCandidates(peers []host.PeerInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range peers {
		if kadid.Equal(p.Id, q.Self) {
			continue
		}
		if _, seen := q.candidates[p.Id]; seen {
			continue
		}
		q.candidates[p.Id] = &candidate{peer: p, state: NotAsked}
	}
}

// shouldContinue implements loop condition (a) of spec.md §4.2: there
// exists a NOT_ASKED candidate strictly closer to Target than the farthest
// of the K closest SUCCEEDED peers seen so far. Until K peers have
// succeeded, any remaining NOT_ASKED candidate satisfies this vacuously.
func (q *Query) shouldContinue() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	closestNotAsked, hasCandidate := q.closestDistanceInStateLocked(NotAsked)
	if !hasCandidate {
		return false
	}

	kthSucceeded, haveK := q.kthClosestDistanceLocked(Succeeded, q.K)
	if !haveK {
		return true
	}
	return kadid.Less(closestNotAsked, kthSucceeded)
}

func (q *Query) closestDistanceInStateLocked(state PeerState) (kadid.NodeId, bool) {
	var best kadid.NodeId
	found := false
	for _, c := range q.candidates {
		if c.state != state {
			continue
		}
		d := kadid.Xor(c.peer.Id, q.Target)
		if !found || kadid.Less(d, best) {
			best = d
			found = true
		}
	}
	return best, found
}

// kthClosestDistanceLocked returns the distance of the k-th closest peer
// (1-indexed) in the given state, or false if fewer than k such peers
// exist.
func (q *Query) kthClosestDistanceLocked(state PeerState, k int) (kadid.NodeId, bool) {
	dists := make([]kadid.NodeId, 0, len(q.candidates))
	for _, c := range q.candidates {
		if c.state != state {
			continue
		}
		dists = append(dists, kadid.Xor(c.peer.Id, q.Target))
	}
	if len(dists) < k || k <= 0 {
		return kadid.NodeId{}, false
	}
	sortNodeIds(dists)
	return dists[k-1], true
}

func sortNodeIds(ids []kadid.NodeId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && kadid.Less(ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// takeNextNotAsked pops the closest NOT_ASKED candidate (ties broken by
// lexicographic peer-id order, per spec.md §4.2) and marks it WAITING.
func (q *Query) takeNextNotAsked() (host.PeerInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *candidate
	for _, c := range q.candidates {
		if c.state != NotAsked {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		d1 := kadid.Xor(c.peer.Id, q.Target)
		d2 := kadid.Xor(best.peer.Id, q.Target)
		if kadid.Less(d1, d2) || (d1 == d2 && kadid.Less(c.peer.Id, best.peer.Id)) {
			best = c
		}
	}
	if best == nil {
		return host.PeerInfo{}, false
	}
	best.state = Waiting
	return best.peer, true
}

func (q *Query) countInState(state PeerState) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.candidates {
		if c.state == state {
			n++
		}
	}
	return n
}
