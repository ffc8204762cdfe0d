package session

import (
	"time"

	"github.com/micro-ha/indego-sync/internal/model"
	"github.com/micro-ha/indego-sync/internal/poller"
	"github.com/micro-ha/indego-sync/internal/ratelimit"
	"github.com/micro-ha/indego-sync/internal/retry"
)

const (
	DefaultLongPollTimeout      = 230 * time.Second
	DefaultPositionTimeout      = 10 * time.Second
	DefaultPositionInterval     = 10 * time.Second
	DefaultIdlePositionInterval = 60 * time.Second
	DefaultBundleInterval       = 10 * time.Minute
	DefaultUpdatesInterval      = 24 * time.Hour
	DefaultDebounce             = 20 * time.Second
	DefaultOfflineGrace         = 30 * time.Second
	DefaultMinFailures          = 2
	DefaultLogThrottle          = 5 * time.Minute
)

// Config holds the tunables of one session. Zero values take the defaults.
type Config struct {
	Serial string

	TTLs       map[model.ResourceKey]time.Duration
	DefaultTTL time.Duration

	RateLimit ratelimit.Config
	Retry     *retry.Policy

	FailureDelays   []time.Duration
	DisableLongPoll bool
	LongPollTimeout time.Duration
	// StateTimeout bounds plain state reads; zero uses the transport default.
	StateTimeout time.Duration

	PositionTimeout      time.Duration
	PositionInterval     time.Duration
	IdlePositionInterval time.Duration
	AdaptivePosition     bool

	BundleInterval  time.Duration
	UpdatesInterval time.Duration

	Debounce     time.Duration
	OfflineGrace time.Duration
	MinFailures  int
	SinkTimeout  time.Duration

	LogThrottle time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTLs == nil {
		c.TTLs = model.DefaultTTLs()
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = model.DefaultTTL
	}
	if c.Retry == nil {
		c.Retry = retry.DefaultPolicy()
	}
	if len(c.FailureDelays) == 0 {
		c.FailureDelays = poller.DefaultFailureDelays
	}
	if c.LongPollTimeout <= 0 {
		c.LongPollTimeout = DefaultLongPollTimeout
	}
	if c.PositionTimeout <= 0 {
		c.PositionTimeout = DefaultPositionTimeout
	}
	if c.PositionInterval <= 0 {
		c.PositionInterval = DefaultPositionInterval
	}
	if c.IdlePositionInterval <= 0 {
		c.IdlePositionInterval = DefaultIdlePositionInterval
	}
	if c.BundleInterval <= 0 {
		c.BundleInterval = DefaultBundleInterval
	}
	if c.UpdatesInterval <= 0 {
		c.UpdatesInterval = DefaultUpdatesInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.OfflineGrace <= 0 {
		c.OfflineGrace = DefaultOfflineGrace
	}
	if c.MinFailures <= 0 {
		c.MinFailures = DefaultMinFailures
	}
	if c.LogThrottle <= 0 {
		c.LogThrottle = DefaultLogThrottle
	}
	return c
}
