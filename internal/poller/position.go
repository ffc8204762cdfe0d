package poller

import (
	"context"
	"sync"
	"time"

	"github.com/micro-ha/indego-sync/internal/clock"
)

// PositionLoop polls on an interval that can change while it runs. A change
// cancels the armed timer and starts a new one with the new interval.
type PositionLoop struct {
	clock   clock.Clock
	fetch   func(ctx context.Context) error
	onError func(err error)
	changes chan struct{}

	mu       sync.Mutex
	interval time.Duration
}

func NewPositionLoop(interval time.Duration, clk clock.Clock, fetch func(ctx context.Context) error, onError func(err error)) *PositionLoop {
	if clk == nil {
		clk = clock.Real{}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &PositionLoop{clock: clk, fetch: fetch, onError: onError, changes: make(chan struct{}, 1), interval: interval}
}

func (l *PositionLoop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// SetInterval reports whether the interval changed.
func (l *PositionLoop) SetInterval(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	l.mu.Lock()
	if d == l.interval {
		l.mu.Unlock()
		return false
	}
	l.interval = d
	l.mu.Unlock()
	select {
	case l.changes <- struct{}{}:
	default:
	}
	return true
}

func (l *PositionLoop) Run(ctx context.Context) {
	for {
		timer := l.clock.NewTimer(l.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.changes:
			timer.Stop()
			continue
		case <-timer.C():
		}
		if err := l.fetch(ctx); err != nil && ctx.Err() == nil {
			l.onError(err)
		}
	}
}
