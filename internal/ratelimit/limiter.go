// Package ratelimit enforces the per-credential request budget and the
// server-imposed cooldown after a 429.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/micro-ha/indego-sync/internal/clock"
)

const (
	DefaultBudget   = 150
	DefaultWindow   = time.Minute
	DefaultCooldown = 60 * time.Second
)

// ErrCooldown is returned by Wait when the caller's deadline ends before the
// active cooldown does.
var ErrCooldown = errors.New("ratelimit: cooling down")

type Config struct {
	Budget          int
	Window          time.Duration
	DefaultCooldown time.Duration
}

// State is a snapshot of the limiter for diagnostics.
type State struct {
	WindowStart   time.Time  `json:"window_start"`
	RequestCount  int        `json:"request_count"`
	Budget        int        `json:"budget"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Limiter admits at most Budget dispatches in any rolling Window and blocks
// every dispatch while a cooldown is active.
type Limiter struct {
	clock    clock.Clock
	budget   int
	window   time.Duration
	cooldown time.Duration

	mu            sync.Mutex
	sent          []time.Time
	cooldownUntil time.Time
}

func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = DefaultCooldown
	}
	return &Limiter{
		clock:    clk,
		budget:   cfg.Budget,
		window:   cfg.Window,
		cooldown: cfg.DefaultCooldown,
		sent:     make([]time.Time, 0, cfg.Budget),
	}
}

// Wait blocks until a request may be dispatched and records the dispatch.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		wait, cooling := l.reserve()
		if wait == 0 {
			return nil
		}
		if cooling {
			if deadline, ok := ctx.Deadline(); ok && deadline.Before(l.clock.Now().Add(wait)) {
				return ErrCooldown
			}
		}
		timer := l.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// reserve records a dispatch and returns zero, or returns how long to wait.
func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if now.Before(l.cooldownUntil) {
		return l.cooldownUntil.Sub(now), true
	}
	l.prune(now)
	if len(l.sent) < l.budget {
		l.sent = append(l.sent, now)
		return 0, false
	}
	wait := l.sent[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	drop := 0
	for drop < len(l.sent) && !l.sent[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		l.sent = append(l.sent[:0], l.sent[drop:]...)
	}
}

// EnterCooldown blocks all dispatches for d, or for the default cooldown when
// d is not positive. An active longer cooldown is kept.
func (l *Limiter) EnterCooldown(d time.Duration) time.Time {
	if d <= 0 {
		d = l.cooldown
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.clock.Now().Add(d)
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
	return l.cooldownUntil
}

// CoolingDown reports whether a cooldown is active and how long it remains.
func (l *Limiter) CoolingDown() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if now.Before(l.cooldownUntil) {
		return true, l.cooldownUntil.Sub(now)
	}
	return false, 0
}

func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.prune(now)
	st := State{WindowStart: now.Add(-l.window), RequestCount: len(l.sent), Budget: l.budget}
	if len(l.sent) > 0 {
		st.WindowStart = l.sent[0]
	}
	if now.Before(l.cooldownUntil) {
		until := l.cooldownUntil
		st.CooldownUntil = &until
	}
	return st
}
