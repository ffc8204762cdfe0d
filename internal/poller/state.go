package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/micro-ha/indego-sync/internal/clock"
	"github.com/micro-ha/indego-sync/internal/model"
)

// DefaultFailureDelays is indexed by the consecutive failure count.
var DefaultFailureDelays = []time.Duration{0, 10 * time.Second, 30 * time.Second, 60 * time.Second}

// StateRequest tells the state fetch how to read the device.
type StateRequest struct {
	LongPoll bool
	// AcceptUnknown makes the fetch keep a payload whose state code is unknown.
	AcceptUnknown bool
}

type StateFunc func(ctx context.Context, req StateRequest) error

// StateLoop keeps a long-poll open against the state resource. A success
// reconnects at once; failures back off along the delay table and fall back
// to plain reads until one succeeds.
type StateLoop struct {
	fetch     StateFunc
	delays    []time.Duration
	clock     clock.Clock
	onError   func(err error, failures int)
	refreshCh chan struct{}

	mu       sync.Mutex
	failures int
}

func NewStateLoop(fetch StateFunc, delays []time.Duration, clk clock.Clock, onError func(err error, failures int)) *StateLoop {
	if len(delays) == 0 {
		delays = DefaultFailureDelays
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if onError == nil {
		onError = func(error, int) {}
	}
	return &StateLoop{fetch: fetch, delays: delays, clock: clk, onError: onError, refreshCh: make(chan struct{}, 1)}
}

func (l *StateLoop) TriggerRefresh() {
	select {
	case l.refreshCh <- struct{}{}:
	default:
	}
}

func (l *StateLoop) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// Delay returns the wait after failures consecutive failures.
func (l *StateLoop) Delay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures >= len(l.delays) {
		failures = len(l.delays) - 1
	}
	return l.delays[failures]
}

func (l *StateLoop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		failures := l.cycle(ctx)
		delay := l.Delay(failures)
		if delay <= 0 {
			continue
		}
		timer := l.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.refreshCh:
			timer.Stop()
		case <-timer.C():
		}
	}
}

func (l *StateLoop) cycle(ctx context.Context) int {
	l.mu.Lock()
	longPoll := l.failures == 0
	l.mu.Unlock()

	err := l.fetch(ctx, StateRequest{LongPoll: longPoll})
	if errors.Is(err, model.ErrUnknownState) {
		err = l.fetch(ctx, StateRequest{AcceptUnknown: true})
	}

	l.mu.Lock()
	switch {
	case err == nil:
		l.failures = 0
	case ctx.Err() != nil:
		err = nil
	default:
		l.failures++
	}
	failures := l.failures
	l.mu.Unlock()
	if err != nil {
		l.onError(err, failures)
	}
	return failures
}
