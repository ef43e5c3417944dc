package randomwalk_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dhtcore/kaddht/config"
	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/randomwalk"
)

type fakeScheduler struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (s *fakeScheduler) Now() time.Time { return time.Now() }

func (s *fakeScheduler) Schedule(fn func()) host.ScheduledHandle {
	fn()
	return noopHandle{}
}

func (s *fakeScheduler) ScheduleAfter(delay time.Duration, fn func()) host.ScheduledHandle {
	s.mu.Lock()
	s.timer = time.AfterFunc(delay, fn)
	s.mu.Unlock()
	return noopHandle{}
}

type noopHandle struct{}

func (noopHandle) Detach() {}
func (noopHandle) Cancel() {}

func TestWalkerDisabledDoesNothing(t *testing.T) {
	cfg := config.RandomWalkConfig{Enabled: false}
	called := false

	w := randomwalk.New(cfg, &fakeScheduler{}, func(ctx context.Context, target kadid.NodeId, handler func(host.PeerInfo, bool)) {
		called = true
		handler(host.PeerInfo{}, false)
	}, func(host.PeerInfo) {})

	w.Start()
	if called {
		t.Fatal("expected a disabled Walker to never invoke findPeer")
	}
}

func TestWalkerInvokesFindPeerAndOnHit(t *testing.T) {
	cfg := config.RandomWalkConfig{
		Enabled:          true,
		Interval:         time.Hour,
		QueriesPerPeriod: 1,
		Delay:            time.Hour,
	}

	found := host.PeerInfo{Id: kadid.NodeId{1}}
	hitCh := make(chan host.PeerInfo, 1)

	w := randomwalk.New(cfg, &fakeScheduler{}, func(ctx context.Context, target kadid.NodeId, handler func(host.PeerInfo, bool)) {
		handler(found, true)
	}, func(p host.PeerInfo) {
		hitCh <- p
	})

	w.Start()

	select {
	case p := <-hitCh:
		if !kadid.Equal(p.Id, found.Id) {
			t.Fatal("expected onHit to receive the peer findPeer returned")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onHit")
	}
}
