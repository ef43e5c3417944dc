package memhost

import (
	"sync"
	"time"

	"github.com/dhtcore/kaddht/host"
)

// Scheduler is a host.Scheduler backed directly by the runtime's timers,
// standing in for the dedicated single-threaded event-loop scheduler the
// specification describes (§6.4) — adequate for tests and local
// simulation, where callback serialization across timers is not load
// bearing.
type Scheduler struct{}

// NewScheduler constructs a Scheduler.
func NewScheduler() *Scheduler { return &Scheduler{} }

func (Scheduler) Now() time.Time { return time.Now() }

func (Scheduler) Schedule(fn func()) host.ScheduledHandle {
	return scheduleAfter(0, fn)
}

func (Scheduler) ScheduleAfter(delay time.Duration, fn func()) host.ScheduledHandle {
	return scheduleAfter(delay, fn)
}

func scheduleAfter(delay time.Duration, fn func()) host.ScheduledHandle {
	h := &handle{}
	h.timer = time.AfterFunc(delay, func() {
		if !h.cancelled() {
			fn()
		}
	})
	return h
}

type handle struct {
	timer *time.Timer

	mu   sync.Mutex
	done bool
}

func (h *handle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Detach lets the timer fire without the caller tracking it further; for
// this scheduler that is already the default behavior, so Detach is a
// no-op.
func (h *handle) Detach() {}

func (h *handle) Cancel() {
	h.mu.Lock()
	h.done = true
	h.mu.Unlock()
	h.timer.Stop()
}
