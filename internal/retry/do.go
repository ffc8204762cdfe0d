package retry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/micro-ha/indego-sync/internal/clock"
	"github.com/micro-ha/indego-sync/internal/indego"
	"github.com/micro-ha/indego-sync/internal/model"
)

// Limiter gates every attempt.
type Limiter interface {
	Wait(ctx context.Context) error
	EnterCooldown(d time.Duration) time.Time
}

// Authenticator refreshes the bearer token after a 401.
type Authenticator interface {
	ForceRefresh(ctx context.Context) error
}

// Executor runs operations through the limiter and the policy.
type Executor struct {
	Policy  *Policy
	Limiter Limiter
	Auth    Authenticator
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Do runs op until it succeeds, fails fatally or runs out of attempts.
// Every attempt first passes the limiter.
func (e *Executor) Do(ctx context.Context, key model.ResourceKey, op func(ctx context.Context) error) error {
	policy := e.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	clk := e.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rc := Context{MaxAttempts: policy.MaxAttempts}
	for attempt := 1; ; attempt++ {
		rc.Attempt = attempt
		if e.Limiter != nil {
			if err := e.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		decision := policy.Decide(err, rc)
		rc.LastError = indego.KindOf(err)
		if decision.Throttled && e.Limiter != nil {
			until := e.Limiter.EnterCooldown(decision.Cooldown)
			logger.Warn("rate limited by cloud", "key", key, "cooldown_until", until)
		}
		if !decision.Retry {
			if decision.Exhausted {
				return &ExhaustedError{Attempts: attempt, Err: err}
			}
			return err
		}
		if decision.RefreshAuth {
			rc.AuthRefreshed = true
			if e.Auth == nil {
				return err
			}
			if refreshErr := e.Auth.ForceRefresh(ctx); refreshErr != nil {
				return fmt.Errorf("%w (token refresh failed: %v)", err, refreshErr)
			}
			// The re-attempt after a refresh does not consume the budget.
			attempt--
		}
		logger.Debug("retrying request", "key", key, "attempt", rc.Attempt, "kind", rc.LastError, "delay", decision.Delay)
		if decision.Delay > 0 && !clock.Sleep(clk, ctx.Done(), decision.Delay) {
			return ctx.Err()
		}
	}
}
