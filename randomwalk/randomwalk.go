// Package randomwalk implements the periodic routing-table refresh of
// spec.md §4.8. Grounded on the teacher's jobs.ExploreJob ticker loop and
// LocalPeer.StartExploring/seedExplore, generalized from zif's
// "explore a random peer's neighbourhood" job into the spec's precise
// FIND_PEER-on-random-target spacing formula.
package randomwalk

import (
	"context"
	"crypto/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dhtcore/kaddht/config"
	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
)

// FindPeerFunc performs one FindPeer lookup for target, used by the
// Walker to drive each walk iteration through the coordinator. Like
// Coordinator.FindPeer, its result reaches handler asynchronously rather
// than being returned.
type FindPeerFunc func(ctx context.Context, target kadid.NodeId, handler func(host.PeerInfo, bool))

// Walker schedules FIND_PEER lookups on uniformly random targets per
// spec.md §4.8's exact spacing rule: iteration i is spaced `delay` after
// iteration i-1, except when i % queriesPerPeriod == 0, when the spacing
// is the period's remaining "tail" (interval - delay*queriesPerPeriod).
type Walker struct {
	cfg       config.RandomWalkConfig
	scheduler host.Scheduler
	findPeer  FindPeerFunc
	onHit     func(host.PeerInfo)

	iteration int
}

// New constructs a Walker. onHit is invoked for every discovered peer so
// the caller can re-add it to the routing table ("every hit re-adds the
// discovered peer", spec.md §4.8).
func New(cfg config.RandomWalkConfig, scheduler host.Scheduler, findPeer FindPeerFunc, onHit func(host.PeerInfo)) *Walker {
	return &Walker{cfg: cfg, scheduler: scheduler, findPeer: findPeer, onHit: onHit}
}

// Start schedules the first walk iteration. It is a no-op if randomWalk is
// disabled in configuration.
func (w *Walker) Start() {
	if !w.cfg.Enabled {
		return
	}
	w.scheduler.Schedule(w.step)
}

// step runs one walk iteration. The next iteration is scheduled once
// findPeer's handler fires, not when step itself returns, so iterations
// never overlap even though findPeer is asynchronous.
func (w *Walker) step() {
	target, err := randomNodeId()
	if err != nil {
		log.WithError(err).Error("randomwalk: failed to generate random target")
		w.scheduleNext()
		return
	}

	w.findPeer(context.Background(), target, func(peer host.PeerInfo, ok bool) {
		if ok {
			w.onHit(peer)
		}
		// Failures are ignored per spec.md §4.8.
		w.scheduleNext()
	})
}

func (w *Walker) scheduleNext() {
	w.iteration++

	qpp := w.cfg.QueriesPerPeriod
	if qpp <= 0 {
		qpp = 1
	}

	spacing := w.cfg.Delay
	if w.iteration%qpp == 0 {
		spacing = w.cfg.Interval - w.cfg.Delay*time.Duration(qpp)
	}

	w.scheduler.ScheduleAfter(spacing, w.step)
}

// randomNodeId draws a uniformly random 256-bit target, the way the
// teacher's dht.RandomAddress draws crypto-random bytes for exploration.
func randomNodeId() (kadid.NodeId, error) {
	var id kadid.NodeId
	if _, err := rand.Read(id[:]); err != nil {
		return kadid.NodeId{}, err
	}
	return id, nil
}
