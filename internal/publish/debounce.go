package publish

import (
	"sync"
	"time"

	"github.com/micro-ha/indego-sync/internal/clock"
	"github.com/micro-ha/indego-sync/internal/model"
)

const DefaultDebounce = 20 * time.Second

// Debouncer holds the latest state and commits it once no newer state has
// arrived for the window.
type Debouncer struct {
	clock  clock.Clock
	window time.Duration
	commit func(model.MowerState)

	mu      sync.Mutex
	pending *model.MowerState
	timer   clock.Timer
	gen     uint64
	stopped bool
}

func NewDebouncer(clk clock.Clock, window time.Duration, commit func(model.MowerState)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{clock: clk, window: window, commit: commit}
}

// Submit replaces the pending value. The window restarts only when the state
// code or detail differ from the pending value, so steady reads cannot hold a
// publish back forever.
func (d *Debouncer) Submit(state model.MowerState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.pending != nil && d.timer != nil &&
		d.pending.StateCode == state.StateCode && d.pending.Detail == state.Detail {
		d.pending = &state
		return
	}
	d.pending = &state
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.window, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	state := *d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()
	d.commit(state)
}

// Discard drops the pending value without committing it.
func (d *Debouncer) Discard() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending returns the value waiting for its window to close.
func (d *Debouncer) Pending() (model.MowerState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return model.MowerState{}, false
	}
	return *d.pending, true
}

// Stop discards the pending value; later submits are ignored.
func (d *Debouncer) Stop() {
	d.Discard()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}
