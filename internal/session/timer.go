package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// timerHandle is a cancellable, generation-tagged timer. Each Reset/Stop
// bumps the generation; a fire callback captured before the bump checks
// its generation against the current one before delivering its event, so
// a timer that is stopped or reset concurrently with its own expiry never
// delivers a stale event to the FSM (spec design note: "timer handles use
// generation numbers to defend against cancel/fire races").
type timerHandle struct {
	mu         sync.Mutex
	t          *time.Timer
	generation uint64
	interval   time.Duration
	onFire     func(generation uint64)
}

func newTimerHandle(onFire func(generation uint64)) *timerHandle {
	return &timerHandle{onFire: onFire}
}

// Reset (re)arms the timer for d, invalidating any in-flight fire from a
// previous arming.
func (h *timerHandle) Reset(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.t != nil {
		h.t.Stop()
	}
	h.generation++
	gen := h.generation
	h.interval = d
	h.t = time.AfterFunc(d, func() { h.onFire(gen) })
}

// Stop disarms the timer; any fire already queued is invalidated.
func (h *timerHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.t != nil {
		h.t.Stop()
	}
	h.generation++
}

// Valid reports whether gen is still the current generation, i.e. the
// fire callback should actually run.
func (h *timerHandle) Valid(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return gen == h.generation
}

// generationCounter hands out monotonically increasing dial-attempt
// identifiers; the FSM records the current one in curDial. Dial results are
// not tagged with it, so a late result from an earlier attempt is not
// filtered out by generation.
type generationCounter struct {
	v atomic.Uint64
}

func (g *generationCounter) next() uint64 {
	return g.v.Add(1)
}
