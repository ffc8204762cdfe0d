package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock. Timers fire synchronously inside
// Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	c := make(chan time.Time, 1)
	t := f.schedule(d, nil)
	t.c = c
	t.fn = func() {
		select {
		case c <- f.Now():
		default:
		}
	}
	return t
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.schedule(d, fn)
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	return f.NewTimer(d).C()
}

func (f *Fake) schedule(d time.Duration, fn func()) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, at: f.now.Add(d), fn: fn, active: true}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d and fires every timer that became due.
// Timers armed by callbacks with a zero delay fire in the same call.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
	for {
		due := f.collectDue()
		if len(due) == 0 {
			return
		}
		for _, t := range due {
			t.fn()
		}
	}
}

// Set jumps to an absolute time; it never moves backwards.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	delta := now.Sub(f.now)
	f.mu.Unlock()
	if delta > 0 {
		f.Advance(delta)
	}
}

func (f *Fake) collectDue() []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*fakeTimer
	kept := f.timers[:0]
	for _, t := range f.timers {
		if !t.active {
			continue
		}
		if !t.at.After(f.now) {
			t.active = false
			due = append(due, t)
			continue
		}
		kept = append(kept, t)
	}
	f.timers = kept
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	return due
}

// Pending reports the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if t.active {
			n++
		}
	}
	return n
}

// WaitForTimers blocks (in real time, up to two seconds) until at least n
// timers are armed. Tests use it to sync with goroutines that are about to
// sleep on the fake clock.
func (f *Fake) WaitForTimers(n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.Pending() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// WaitForDeadline blocks (in real time, up to two seconds) until an armed
// timer is due exactly at at.
func (f *Fake) WaitForDeadline(at time.Time) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, t := range f.timers {
			if t.active && t.at.Equal(at) {
				f.mu.Unlock()
				return true
			}
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	return false
}

type fakeTimer struct {
	clock  *Fake
	at     time.Time
	fn     func()
	c      chan time.Time
	active bool
}

func (t *fakeTimer) C() <-chan time.Time {
	if t.c == nil {
		return nil
	}
	return t.c
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	was := t.active
	t.at = f.now.Add(d)
	if !was {
		t.active = true
		f.timers = append(f.timers, t)
	}
	return was
}
