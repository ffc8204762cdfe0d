// Package clock abstracts wall time so TTLs, cooldowns, debounce windows and
// refresh timers can be driven deterministically in tests.
package clock

import "time"

// Timer is the subset of *time.Timer the engine relies on. C returns nil for
// timers created by AfterFunc.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Clock is the time source shared by every component of a session.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	AfterFunc(d time.Duration, fn func()) Timer
	After(d time.Duration) <-chan time.Time
}

// Real is backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTimer(d time.Duration) Timer {
	t := time.NewTimer(d)
	return &realTimer{t: t, c: t.C}
}

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return &realTimer{t: time.AfterFunc(d, fn)}
}

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

type realTimer struct {
	t *time.Timer
	c <-chan time.Time
}

func (r *realTimer) C() <-chan time.Time        { return r.c }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// Sleep blocks for d on clk or until done is closed. It reports false when
// done fired first.
func Sleep(clk Clock, done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C():
		return true
	}
}
