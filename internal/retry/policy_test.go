package retry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/micro-ha/indego-sync/internal/indego"
)

func apiErr(kind indego.Kind, status int) error {
	return &indego.APIError{Kind: kind, Method: http.MethodGet, Path: "alms/1/state", Status: status}
}

func TestDecideByKind(t *testing.T) {
	p := NewPolicy(5, time.Second, time.Minute, 2, 0)
	throttled := &indego.APIError{Kind: indego.KindRateLimit, Status: 429, RetryAfter: 12 * time.Second}

	tests := []struct {
		name string
		err  error
		rc   Context
		want Decision
	}{
		{name: "server error retried with backoff", err: apiErr(indego.KindServer, 500), rc: Context{Attempt: 1}, want: Decision{Retry: true, Delay: time.Second}},
		{name: "third timeout waits four seconds", err: apiErr(indego.KindTimeout, 0), rc: Context{Attempt: 3}, want: Decision{Retry: true, Delay: 4 * time.Second}},
		{name: "server error exhausted", err: apiErr(indego.KindServer, 503), rc: Context{Attempt: 5}, want: Decision{Exhausted: true}},
		{name: "bad request is final", err: apiErr(indego.KindRequest, 400), rc: Context{Attempt: 1}, want: Decision{}},
		{name: "decode failure is final", err: apiErr(indego.KindDecode, 200), rc: Context{Attempt: 1}, want: Decision{}},
		{name: "401 refreshes once", err: apiErr(indego.KindAuth, 401), rc: Context{Attempt: 1}, want: Decision{Retry: true, RefreshAuth: true}},
		{name: "401 after refresh is final", err: apiErr(indego.KindAuth, 401), rc: Context{Attempt: 2, AuthRefreshed: true}, want: Decision{}},
		{name: "429 enters cooldown", err: throttled, rc: Context{Attempt: 1}, want: Decision{Retry: true, Throttled: true, Cooldown: 12 * time.Second}},
		{name: "429 on last attempt", err: throttled, rc: Context{Attempt: 5}, want: Decision{Throttled: true, Cooldown: 12 * time.Second, Exhausted: true}},
		{name: "plain error is final", err: errors.New("boom"), rc: Context{Attempt: 1}, want: Decision{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.err, tt.rc); got != tt.want {
				t.Fatalf("Decide() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBackoffIsCappedWithSubtractiveJitter(t *testing.T) {
	p := NewPolicy(10, time.Second, 8*time.Second, 2, 0.25)
	for n := 1; n <= 10; n++ {
		full := time.Second << (n - 1)
		if full > 8*time.Second {
			full = 8 * time.Second
		}
		for i := 0; i < 50; i++ {
			got := p.Backoff(n)
			if got > full || got < full*3/4 {
				t.Fatalf("Backoff(%d) = %v outside [%v, %v]", n, got, full*3/4, full)
			}
		}
	}
}

type fakeLimiter struct {
	mu        sync.Mutex
	waits     int
	cooldowns []time.Duration
}

func (f *fakeLimiter) Wait(ctx context.Context) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	return nil
}

func (f *fakeLimiter) EnterCooldown(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns = append(f.cooldowns, d)
	return time.Now().Add(d)
}

type fakeAuth struct {
	calls int
	err   error
}

func (f *fakeAuth) ForceRefresh(ctx context.Context) error {
	_ = ctx
	f.calls++
	return f.err
}

func newExecutor(lim *fakeLimiter, auth *fakeAuth) *Executor {
	return &Executor{Policy: NewPolicy(3, time.Microsecond, time.Millisecond, 2, 0), Limiter: lim, Auth: auth}
}

func TestDoRefreshesTokenOnceOn401(t *testing.T) {
	lim := &fakeLimiter{}
	auth := &fakeAuth{}
	calls := 0
	err := newExecutor(lim, auth).Do(context.Background(), "state", func(ctx context.Context) error {
		_ = ctx
		calls++
		if calls == 1 {
			return apiErr(indego.KindAuth, 401)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 2 || auth.calls != 1 || lim.waits != 2 {
		t.Fatalf("unexpected counts calls=%d refresh=%d waits=%d", calls, auth.calls, lim.waits)
	}
}

func TestDoStopsAfterSecond401(t *testing.T) {
	auth := &fakeAuth{}
	calls := 0
	err := newExecutor(&fakeLimiter{}, auth).Do(context.Background(), "state", func(ctx context.Context) error {
		_ = ctx
		calls++
		return apiErr(indego.KindAuth, 401)
	})
	if !errors.Is(err, indego.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if calls != 2 || auth.calls != 1 {
		t.Fatalf("expected one refresh and two attempts, got calls=%d refresh=%d", calls, auth.calls)
	}
	if !IsFatal(err) {
		t.Fatalf("expected auth failure to be fatal")
	}
}

func TestDoEntersCooldownOn429(t *testing.T) {
	lim := &fakeLimiter{}
	calls := 0
	err := newExecutor(lim, &fakeAuth{}).Do(context.Background(), "alerts", func(ctx context.Context) error {
		_ = ctx
		calls++
		if calls == 1 {
			return &indego.APIError{Kind: indego.KindRateLimit, Status: 429, RetryAfter: 30 * time.Second}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if len(lim.cooldowns) != 1 || lim.cooldowns[0] != 30*time.Second {
		t.Fatalf("unexpected cooldowns %v", lim.cooldowns)
	}
	if lim.waits != 2 {
		t.Fatalf("expected the retry to pass the limiter, waits=%d", lim.waits)
	}
}

func TestDoExhaustsTransientFailures(t *testing.T) {
	calls := 0
	err := newExecutor(&fakeLimiter{}, &fakeAuth{}).Do(context.Background(), "state", func(ctx context.Context) error {
		_ = ctx
		calls++
		return apiErr(indego.KindServer, 500)
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got %d (calls %d)", exhausted.Attempts, calls)
	}
	if !errors.Is(err, indego.ErrServer) {
		t.Fatalf("expected exhausted error to wrap the server error")
	}
	if IsFatal(err) {
		t.Fatalf("exhausted transient failures must not be fatal")
	}
}

func TestDoDoesNotRetryRejectedRequest(t *testing.T) {
	calls := 0
	err := newExecutor(&fakeLimiter{}, &fakeAuth{}).Do(context.Background(), "command:mow", func(ctx context.Context) error {
		_ = ctx
		calls++
		return apiErr(indego.KindRequest, 404)
	})
	if !errors.Is(err, indego.ErrRequest) || calls != 1 {
		t.Fatalf("expected a single rejected attempt, got calls=%d err=%v", calls, err)
	}
}

func TestDoReturnsContextErrorWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := newExecutor(&fakeLimiter{}, &fakeAuth{}).Do(ctx, "state", func(ctx context.Context) error {
		cancel()
		return apiErr(indego.KindNetwork, 0)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
