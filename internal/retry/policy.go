// Package retry decides whether a failed cloud request is attempted again and
// runs the attempt loop on behalf of a session.
package retry

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/micro-ha/indego-sync/internal/indego"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultFactor      = 2.0
	DefaultJitter      = 0.25
)

// Context tracks one logical request across its attempts.
type Context struct {
	Attempt       int
	MaxAttempts   int
	LastError     indego.Kind
	AuthRefreshed bool
}

// Decision is the outcome of classifying one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Cooldown is set for throttling; zero means the limiter default.
	Cooldown    time.Duration
	Throttled   bool
	RefreshAuth bool
	// Exhausted marks a transient failure that ran out of attempts.
	Exhausted bool
}

// Policy is the exponential backoff configuration.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	// Jitter is the fraction of the computed delay that may be shaved off.
	Jitter float64

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewPolicy(maxAttempts int, base, ceiling time.Duration, factor, jitter float64) *Policy {
	p := &Policy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: ceiling, Factor: factor, Jitter: jitter}
	p.normalize()
	return p
}

func DefaultPolicy() *Policy {
	return NewPolicy(DefaultMaxAttempts, DefaultBaseDelay, DefaultMaxDelay, DefaultFactor, DefaultJitter)
}

func (p *Policy) normalize() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Factor < 1 {
		p.Factor = DefaultFactor
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = DefaultJitter
	}
	p.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Decide classifies err for the attempt described by rc.
func (p *Policy) Decide(err error, rc Context) Decision {
	if err == nil {
		return Decision{}
	}
	switch indego.KindOf(err) {
	case indego.KindAuth:
		if rc.AuthRefreshed {
			return Decision{}
		}
		return Decision{Retry: true, RefreshAuth: true}
	case indego.KindRateLimit:
		d := Decision{Throttled: true, Cooldown: indego.RetryAfterOf(err)}
		if rc.Attempt >= p.maxAttempts(rc) {
			d.Exhausted = true
			return d
		}
		d.Retry = true
		return d
	case indego.KindServer, indego.KindNetwork, indego.KindTimeout:
		if rc.Attempt >= p.maxAttempts(rc) {
			return Decision{Exhausted: true}
		}
		return Decision{Retry: true, Delay: p.Backoff(rc.Attempt)}
	default:
		return Decision{}
	}
}

func (p *Policy) maxAttempts(rc Context) int {
	if rc.MaxAttempts > 0 {
		return rc.MaxAttempts
	}
	return p.MaxAttempts
}

// Backoff returns the delay before the attempt following attempt n (1-based):
// base * factor^(n-1), capped, minus up to Jitter of itself.
func (p *Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		delay *= p.Factor
		if delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay -= delay * p.Jitter * p.float()
	}
	return time.Duration(delay)
}

func (p *Policy) float() float64 {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	if p.rand == nil {
		p.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rand.Float64()
}

// ExhaustedError reports a transient failure that persisted through every
// permitted attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	if e == nil {
		return "retries exhausted"
	}
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsFatal reports errors a loop should not expect to clear by waiting:
// authentication failures that survived a refresh and rejected requests.
func IsFatal(err error) bool {
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return false
	}
	switch indego.KindOf(err) {
	case indego.KindAuth, indego.KindRequest:
		return true
	default:
		return false
	}
}
