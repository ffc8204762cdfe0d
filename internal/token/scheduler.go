// Package token keeps a valid bearer token for the cloud API, refreshing it
// ahead of expiry and on demand after a 401.
package token

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/micro-ha/indego-sync/internal/clock"
)

const (
	DefaultMargin     = 5 * time.Minute
	DefaultCoalesce   = 30 * time.Second
	DefaultRetryDelay = 30 * time.Second
)

var ErrNoToken = errors.New("token: no access token available")

// Token is an access token with its expiry. A zero ExpiresAt never expires.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

func (t Token) valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// Provider obtains a new token from the identity service.
type Provider interface {
	Refresh(ctx context.Context) (Token, error)
}

type Config struct {
	Margin     time.Duration
	Coalesce   time.Duration
	RetryDelay time.Duration
}

// Status is the diagnostics view of the scheduler.
type Status struct {
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type Scheduler struct {
	provider   Provider
	clock      clock.Clock
	logger     *slog.Logger
	margin     time.Duration
	coalesce   time.Duration
	retryDelay time.Duration

	group singleflight.Group
	kick  chan struct{}

	mu          sync.Mutex
	current     Token
	refreshedAt time.Time
	lastErr     error
}

func NewScheduler(provider Provider, cfg Config, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultMargin
	}
	if cfg.Coalesce <= 0 {
		cfg.Coalesce = DefaultCoalesce
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Scheduler{
		provider:   provider,
		clock:      clk,
		logger:     logger,
		margin:     cfg.Margin,
		coalesce:   cfg.Coalesce,
		retryDelay: cfg.RetryDelay,
		kick:       make(chan struct{}, 1),
	}
}

// Token returns the current access token, refreshing first when there is
// none or it has expired.
func (s *Scheduler) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current.valid(s.clock.Now()) {
		return current.AccessToken, nil
	}
	tok, err := s.refresh(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// ForceRefresh replaces the token after the server rejected it. A refresh
// that completed within the coalescing window is reused.
func (s *Scheduler) ForceRefresh(ctx context.Context) error {
	s.mu.Lock()
	recent := !s.refreshedAt.IsZero() && s.clock.Now().Sub(s.refreshedAt) < s.coalesce && s.current.AccessToken != ""
	s.mu.Unlock()
	if recent {
		return nil
	}
	_, err := s.refresh(ctx)
	return err
}

func (s *Scheduler) refresh(ctx context.Context) (Token, error) {
	ch := s.group.DoChan("refresh", func() (any, error) {
		tok, err := s.provider.Refresh(ctx)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.lastErr = err
			return Token{}, err
		}
		if tok.AccessToken == "" {
			s.lastErr = ErrNoToken
			return Token{}, ErrNoToken
		}
		s.current = tok
		s.refreshedAt = s.clock.Now()
		s.lastErr = nil
		return tok, nil
	})
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		tok := res.Val.(Token)
		s.reschedule()
		return tok, nil
	}
}

func (s *Scheduler) reschedule() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// nextRefresh is how long Run sleeps before the next proactive refresh.
func (s *Scheduler) nextRefresh() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.AccessToken == "" {
		return 0, true
	}
	if s.current.ExpiresAt.IsZero() {
		return 0, false
	}
	wait := s.current.ExpiresAt.Add(-s.margin).Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// Run refreshes the token ahead of expiry until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait, scheduled := s.nextRefresh()
		if !scheduled || wait > 0 {
			due, ok := s.sleep(ctx, wait, scheduled)
			if !ok {
				return
			}
			if !due {
				continue
			}
		}

		tok, err := s.refresh(ctx)
		if err == nil {
			s.logger.Debug("token refreshed", "expires_at", tok.ExpiresAt)
			s.drainKick()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("token refresh failed", "err", err, "retry_in", s.retryDelay)
		if !clock.Sleep(s.clock, ctx.Done(), s.retryDelay) {
			return
		}
	}
}

// sleep waits for the refresh deadline or a reschedule. due is false when a
// reschedule cut the wait short; ok is false when ctx ended.
func (s *Scheduler) sleep(ctx context.Context, wait time.Duration, scheduled bool) (due bool, ok bool) {
	var fire <-chan time.Time
	if scheduled {
		timer := s.clock.NewTimer(wait)
		defer timer.Stop()
		fire = timer.C()
	}
	select {
	case <-ctx.Done():
		return false, false
	case <-s.kick:
		return false, true
	case <-fire:
		return true, true
	}
}

func (s *Scheduler) drainKick() {
	select {
	case <-s.kick:
	default:
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Status
	if !s.current.ExpiresAt.IsZero() {
		at := s.current.ExpiresAt
		st.ExpiresAt = &at
	}
	if !s.refreshedAt.IsZero() {
		at := s.refreshedAt
		st.RefreshedAt = &at
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
