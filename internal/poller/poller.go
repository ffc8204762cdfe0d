package poller

import (
	"context"
	"time"

	"github.com/micro-ha/indego-sync/internal/clock"
)

// Task is a running background loop with its cancel handle.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs fn in its own goroutine under a child of parent.
func Start(parent context.Context, name string, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		fn(ctx)
	}()
	return t
}

func (t *Task) Name() string { return t.name }

// Stop cancels the task and waits for it to return.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Loop runs a cycle immediately and then once per interval. TriggerRefresh
// cuts the current wait short.
type Loop struct {
	name      string
	interval  time.Duration
	clock     clock.Clock
	cycle     func(ctx context.Context)
	refreshCh chan struct{}
}

func NewLoop(name string, interval time.Duration, clk clock.Clock, cycle func(ctx context.Context)) *Loop {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Loop{name: name, interval: interval, clock: clk, cycle: cycle, refreshCh: make(chan struct{}, 1)}
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) TriggerRefresh() {
	select {
	case l.refreshCh <- struct{}{}:
	default:
	}
}

func (l *Loop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		l.cycle(ctx)
		timer := l.clock.NewTimer(l.interval)
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
