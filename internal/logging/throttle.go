package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle admits the first log line of a kind and then at most one per
// window. Suppressed lines are counted and reported on the next admitted one.
type Throttle struct {
	logger *slog.Logger
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	kinds map[string]*throttled
}

type throttled struct {
	limiter    *rate.Limiter
	suppressed int
}

func NewThrottle(logger *slog.Logger, window time.Duration) *Throttle {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Throttle{logger: logger, window: window, now: time.Now, kinds: make(map[string]*throttled)}
}

// WithClock swaps the time source used to refill the per-kind budgets.
func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	t.now = now
	return t
}

func (t *Throttle) Warn(kind string, msg string, args ...any) bool {
	return t.Log(slog.LevelWarn, kind, msg, args...)
}

func (t *Throttle) Error(kind string, msg string, args ...any) bool {
	return t.Log(slog.LevelError, kind, msg, args...)
}

// Log writes msg when kind is admitted and reports whether it was.
func (t *Throttle) Log(level slog.Level, kind string, msg string, args ...any) bool {
	t.mu.Lock()
	entry, ok := t.kinds[kind]
	if !ok {
		entry = &throttled{limiter: rate.NewLimiter(rate.Every(t.window), 1)}
		t.kinds[kind] = entry
	}
	if !entry.limiter.AllowN(t.now(), 1) {
		entry.suppressed++
		t.mu.Unlock()
		return false
	}
	suppressed := entry.suppressed
	entry.suppressed = 0
	t.mu.Unlock()

	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	t.logger.Log(context.Background(), level, msg, append(args, "kind", kind)...)
	return true
}

// Reset forgets kind so its next occurrence is logged immediately.
func (t *Throttle) Reset(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.kinds, kind)
}
