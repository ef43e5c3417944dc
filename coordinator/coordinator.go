// Package coordinator implements the Coordinator of spec.md §4.1: the
// single object that owns the routing table, the record store, the
// content-routing table and every inbound/outbound session, and that
// exposes the five user-facing DHT operations by driving the iterquery
// engine's Executors.
//
// Grounded on the teacher's LocalPeer (start/bootstrap wiring,
// localpeer.go) and localpeerhandlers.go's per-message-type handlers,
// generalized from zif's bespoke proto.Message dispatch (proto/server.go's
// RouteMessage) into the six-case wire.Type switch spec.md §4.1 names.
package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	cmap "github.com/streamrail/concurrent-map"

	log "github.com/sirupsen/logrus"

	"github.com/dhtcore/kaddht/config"
	"github.com/dhtcore/kaddht/contentrouting"
	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/iterquery"
	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/randomwalk"
	"github.com/dhtcore/kaddht/recordstore"
	"github.com/dhtcore/kaddht/routingtable"
	"github.com/dhtcore/kaddht/session"
	"github.com/dhtcore/kaddht/wire"
)

// Coordinator is the DHT core of spec.md §4.1. One Coordinator exists per
// Host; its lifetime is the Host's lifetime.
type Coordinator struct {
	cfg config.Config
	h   host.Host

	table      *routingtable.Table
	records    *recordstore.Store
	providers  *contentrouting.Table
	validator  host.Validator
	scheduler  host.Scheduler
	walker     *randomwalk.Walker

	// sessions indexes live inbound Sessions by remote peer id. Backed by
	// a sharded concurrent map, the way the teacher's PeerManager indexes
	// live NetworkPeer objects by address under concurrent access from
	// the accept loop and from query goroutines.
	sessions cmap.ConcurrentMap

	startOnce sync.Once
	started   bool
	mu        sync.Mutex
}

// New constructs a Coordinator. validator may be nil, in which case every
// record is accepted and Select always picks the first candidate — the
// "no validator installed" behavior of spec.md §6.3.
func New(cfg config.Config, h host.Host, validator host.Validator, scheduler host.Scheduler) *Coordinator {
	self := h.Id()
	if validator == nil {
		validator = noopValidator{}
	}
	c := &Coordinator{
		cfg:       cfg,
		h:         h,
		table:     routingtable.New(self, cfg.BucketSize),
		records:   recordstore.New(cfg.RecordTtl, nil),
		providers: contentrouting.New(cfg.ProviderTtl, nil),
		validator: validator,
		scheduler: scheduler,
		sessions:  cmap.New(),
	}
	c.walker = randomwalk.New(cfg.RandomWalk, scheduler, c.findPeerForWalk, c.addDiscoveredPeer)
	return c
}

// Start registers the coordinator's protocol handler, registers the local
// peer in the peer repository as permanent, subscribes to new outbound
// connection events to learn their remote endpoint into the routing table
// at day TTL, and, if configured, launches the random-walk scheduler.
// Start is idempotent (spec.md §4.1: "calling start twice has no
// additional effect"). Grounded on the original's start(), which performs
// the same registration, subscription and walker launch in one call
// (kademlia_impl.cpp:62-98).
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.h.SetProtocolHandler(c.cfg.ProtocolId, c.handleInboundStream)

		self := c.h.PeerInfo()
		if err := c.h.PeerRepository().AddressRepository().UpsertAddresses(self.Id, self.Addrs, host.TTLPermanent); err != nil {
			log.WithError(err).Warn("coordinator: failed to register self in the peer repository")
		}

		conns := make(chan host.CapableConnection, 32)
		c.h.Subscribe(conns)
		go c.watchConnections(conns)

		c.walker.Start()
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		log.WithField("protocolId", c.cfg.ProtocolId).Info("coordinator: started")
	})
}

// watchConnections drains the Host's new-connection events for the
// process lifetime (spec.md §9: the coordinator never unsubscribes),
// inserting the remote endpoint of every outbound connection into the
// routing table at day TTL. Inbound connections say nothing new — the
// remote peer is already learned from its first message in OnMessage.
func (c *Coordinator) watchConnections(conns <-chan host.CapableConnection) {
	for conn := range conns {
		if !conn.IsInitiator() {
			continue
		}
		peer := host.PeerInfo{Id: conn.RemotePeer(), Addrs: []string{conn.RemoteAddr()}}
		if err := c.h.PeerRepository().AddressRepository().UpsertAddresses(peer.Id, peer.Addrs, host.TTLDay); err != nil {
			log.WithError(err).Debug("coordinator: failed to upsert address for new outbound connection")
			continue
		}
		c.table.Update(peer)
	}
}

// Bootstrap seeds the routing table from a known set of peers and runs one
// FindPeer lookup for the local id to pull in everything those peers know
// about our own neighbourhood, mirroring the teacher's seedmanager-driven
// bootstrap step.
func (c *Coordinator) Bootstrap(ctx context.Context, seeds []host.PeerInfo) {
	for _, p := range seeds {
		c.table.Update(p)
	}
	c.FindPeer(ctx, c.h.Id(), func(host.PeerInfo, bool) {})
}

// deps builds a fresh iterquery.Deps for one operation from the
// configuration; seedsFor supplies the matching seed set (the routing
// table's current K closest peers to the target).
func (c *Coordinator) deps() iterquery.Deps {
	return iterquery.Deps{
		Self:    c.h.Id(),
		Alpha:   c.cfg.CloserPeerCount,
		K:       c.cfg.BucketSize,
		Timeout: c.cfg.QueryTimeout,
		Tr:      (*transport)(c),
	}
}

func (c *Coordinator) seedsFor(target kadid.NodeId) []host.PeerInfo {
	return c.table.GetNearestPeers(target, c.cfg.BucketSize)
}

// connectableSeedsFor is seedsFor filtered down to peers the connection
// manager does not believe are unreachable, the set GetValue checks before
// declaring NoPeers (spec.md §7: "NO_PEERS ... no connectable peers near
// the target").
func (c *Coordinator) connectableSeedsFor(target kadid.NodeId) []host.PeerInfo {
	nearest := c.table.GetNearestPeers(target, c.cfg.BucketSize)
	out := make([]host.PeerInfo, 0, len(nearest))
	for _, p := range nearest {
		if c.h.ConnectionManager().Connectedness(p) == host.CanNotConnect {
			continue
		}
		out = append(out, p)
	}
	return out
}

// connectableProviderPeerInfos returns up to limit known providers of
// target that the connection manager does not believe are unreachable, as
// host.PeerInfo values. limit<=0 means no cap. Shared by FindProviders
// (serving locally-known providers to a caller) and handlers.go's
// connectableProvidersFor (building the wire reply for GET_VALUE /
// GET_PROVIDERS), so the same Connectedness filter governs both.
func (c *Coordinator) connectableProviderPeerInfos(target kadid.NodeId, limit int) []host.PeerInfo {
	providerIds := c.providers.GetProvidersFor(target, limit)
	out := make([]host.PeerInfo, 0, len(providerIds))
	for _, id := range providerIds {
		p := c.peerInfoFor(id)
		if c.h.ConnectionManager().Connectedness(p) == host.CanNotConnect {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Outcome is the value a user-facing lookup call returns synchronously,
// before its handler is ever invoked (spec.md §7). Only NoPeers is a real
// error state; every other outcome is reported later through the handler.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNoPeers
)

func (o Outcome) String() string {
	if o == OutcomeNoPeers {
		return "NO_PEERS"
	}
	return "OK"
}

// PutValue stores value locally and returns once that local store has
// happened (spec.md §4.1: "putValue(key, value) → ok | err"). Replication
// to the K peers closest to key is best-effort and asynchronous, posted
// through the scheduler rather than awaited, and bounded by its own
// queryTimeout rather than by ctx — a caller returning (an HTTP handler
// writing its response, an RPC completing) must not cut replication short.
func (c *Coordinator) PutValue(ctx context.Context, key kadid.Key, value []byte) error {
	if err := c.records.PutValue(key, value); err != nil {
		return fmt.Errorf("coordinator: local store: %w", err)
	}

	target := kadid.NodeIdFromKey(key)
	seeds := c.seedsFor(target)
	c.scheduler.Schedule(func() {
		replicateCtx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout)
		defer cancel()
		iterquery.PutValueExecutor(replicateCtx, c.deps(), seeds, key, value)
	})
	return nil
}

// GetValue performs a GET_VALUE lookup for key (spec.md §4.3). A fresh
// local record, or a network lookup's eventual result, is always delivered
// to handler posted through the scheduler — never invoked inline, even on
// a local cache hit (spec.md §5, §9 "scenario 1"). NoPeers is returned
// synchronously, without ever posting handler, when the routing table has
// no connectable peer near the target and no local record exists either.
func (c *Coordinator) GetValue(ctx context.Context, key kadid.Key, handler func(value []byte, found bool)) Outcome {
	if v, _, err := c.records.GetValue(key); err == nil {
		c.scheduler.Schedule(func() { handler(v, true) })
		return OutcomeOK
	}

	target := kadid.NodeIdFromKey(key)
	seeds := c.connectableSeedsFor(target)
	if len(seeds) == 0 {
		return OutcomeNoPeers
	}

	c.scheduler.Schedule(func() {
		res := iterquery.GetValueExecutor(ctx, c.deps(), seeds, key, c.validator)
		if res.Found {
			_ = c.records.PutValue(key, res.Value)
		}
		handler(res.Value, res.Found)
	})
	return OutcomeOK
}

// Provide announces the local peer as a provider of key to the K peers
// closest to it (spec.md §4.6).
func (c *Coordinator) Provide(ctx context.Context, key kadid.Key) {
	target := kadid.NodeIdFromKey(key)
	c.providers.AddProvider(target, c.h.Id())
	iterquery.AddProviderExecutor(ctx, c.deps(), c.seedsFor(target), key, c.h.PeerInfo())
}

// FindProviders locates up to limit providers of key (spec.md §4.5),
// serving locally when at least limit connectable providers are already
// known; otherwise it starts a FindProvidersExecutor. Either way the
// result reaches handler only through the scheduler (spec.md §5).
func (c *Coordinator) FindProviders(ctx context.Context, key kadid.Key, limit int, handler func([]host.PeerInfo)) {
	target := kadid.NodeIdFromKey(key)
	local := c.connectableProviderPeerInfos(target, limit)

	if limit > 0 && len(local) >= limit {
		out := append([]host.PeerInfo(nil), local[:limit]...)
		c.scheduler.Schedule(func() { handler(out) })
		return
	}

	c.scheduler.Schedule(func() {
		seen := map[kadid.NodeId]host.PeerInfo{}
		for _, p := range local {
			seen[p.Id] = p
		}
		for _, p := range iterquery.FindProvidersExecutor(ctx, c.deps(), c.seedsFor(target), key, limit) {
			seen[p.Id] = p
		}
		out := make([]host.PeerInfo, 0, len(seen))
		for _, p := range seen {
			out = append(out, p)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		handler(out)
	})
}

// FindPeer locates target's network addresses (spec.md §4.7), serving
// locally when the peer repository already holds an address for target;
// otherwise it starts a FindPeerExecutor. The result always reaches
// handler through the scheduler, never inline.
func (c *Coordinator) FindPeer(ctx context.Context, target kadid.NodeId, handler func(host.PeerInfo, bool)) {
	if kadid.Equal(target, c.h.Id()) {
		self := c.h.PeerInfo()
		c.scheduler.Schedule(func() { handler(self, true) })
		return
	}
	if known := c.peerInfoFor(target); known.HasAddrs() {
		c.scheduler.Schedule(func() { handler(known, true) })
		return
	}

	c.scheduler.Schedule(func() {
		peer, ok := iterquery.FindPeerExecutor(ctx, c.deps(), c.seedsFor(target), target)
		if ok {
			c.table.Update(peer)
		}
		handler(peer, ok)
	})
}

func (c *Coordinator) findPeerForWalk(ctx context.Context, target kadid.NodeId, handler func(host.PeerInfo, bool)) {
	c.FindPeer(ctx, target, handler)
}

func (c *Coordinator) addDiscoveredPeer(p host.PeerInfo) {
	c.table.Update(p)
}

func (c *Coordinator) peerInfoFor(id kadid.NodeId) host.PeerInfo {
	info := c.h.PeerRepository().GetPeerInfo(id)
	if info.HasAddrs() {
		return info
	}
	for _, p := range c.table.GetNearestPeers(id, c.cfg.BucketSize) {
		if kadid.Equal(p.Id, id) {
			return p
		}
	}
	return host.PeerInfo{Id: id}
}

// absorbCloserPeers upserts every peer named in a batch of closer_peers
// into the address repository at day TTL and into the routing table,
// skipping entries the sender itself believes are unreachable. Used both
// for the closer_peers a FIND_NODE/GET_VALUE response carries back from a
// query this Coordinator issued, and for any closer_peers a requester
// attaches to its own FIND_NODE/GET_VALUE request (spec.md §4.1), the way
// the original's onFindNode upserts every incoming closer-peer at day TTL
// while skipping CAN_NOT_CONNECT entries.
func (c *Coordinator) absorbCloserPeers(peers []wire.Peer) {
	for _, p := range peers {
		if len(p.Id) != kadid.Size || p.Connectedness == wire.CanNotConnect {
			continue
		}
		var id kadid.NodeId
		copy(id[:], p.Id)
		if len(p.Addrs) > 0 {
			if err := c.h.PeerRepository().AddressRepository().UpsertAddresses(id, p.Addrs, host.TTLDay); err != nil {
				log.WithError(err).Debug("coordinator: failed to upsert closer-peer address")
				continue
			}
		}
		c.table.Update(host.PeerInfo{Id: id, Addrs: p.Addrs})
	}
}

// closerPeersFor builds the closer_peers field every handler replies
// with: the caller's own view of the CloserPeerCount peers nearest target.
func (c *Coordinator) closerPeersFor(target kadid.NodeId) []wire.Peer {
	nearest := c.table.GetNearestPeers(target, c.cfg.CloserPeerCount)
	out := make([]wire.Peer, 0, len(nearest))
	for _, p := range nearest {
		out = append(out, wire.Peer{
			Id:            append([]byte(nil), p.Id[:]...),
			Addrs:         p.Addrs,
			Connectedness: wire.Connectedness(c.h.ConnectionManager().Connectedness(p)),
		})
	}
	return out
}

type noopValidator struct{}

func (noopValidator) Validate(kadid.Key, []byte) error { return nil }
func (noopValidator) Select(kadid.Key, [][]byte) (int, error) { return 0, nil }

// expireString / parseExpire convert between the wire's stringified
// absolute Unix-seconds Expire field and a time.Time, the encoding
// DESIGN.md records as the resolution of spec.md §9's open question.
func expireString(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func parseExpire(s string) (time.Time, error) {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}
