// Package session owns everything that belongs to one mower: its cache, rate
// limit state, refresh loops and publication state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/micro-ha/indego-sync/internal/cache"
	"github.com/micro-ha/indego-sync/internal/clock"
	"github.com/micro-ha/indego-sync/internal/indego"
	"github.com/micro-ha/indego-sync/internal/logging"
	"github.com/micro-ha/indego-sync/internal/model"
	"github.com/micro-ha/indego-sync/internal/poller"
	"github.com/micro-ha/indego-sync/internal/publish"
	"github.com/micro-ha/indego-sync/internal/ratelimit"
	"github.com/micro-ha/indego-sync/internal/retry"
)

var (
	ErrShutdown        = errors.New("session: shut down")
	ErrInvalidCommand  = errors.New("session: invalid command")
	ErrAlertIndex      = errors.New("session: alert index out of range")
	ErrUnknownResource = errors.New("session: unknown resource")
)

// API is the part of the cloud client a session uses.
type API interface {
	State(ctx context.Context, serial string, opts indego.StateOptions) (model.State, error)
	GenericData(ctx context.Context, serial string) (model.GenericData, error)
	Alerts(ctx context.Context, serial string) ([]model.Alert, error)
	OperatingData(ctx context.Context, serial string) (model.OperatingData, error)
	NextMow(ctx context.Context, serial string) (model.NextMow, error)
	LastCompletedMow(ctx context.Context, serial string) (model.LastCompletedMow, error)
	PredictiveCalendar(ctx context.Context, serial string) (model.Calendar, error)
	Updates(ctx context.Context, serial string) (model.Updates, error)
	Map(ctx context.Context, serial string) ([]byte, error)
	SendCommand(ctx context.Context, serial string, cmd string) error
	SetMowMode(ctx context.Context, serial string, enabled bool) error
	DeleteAlert(ctx context.Context, alertID string) error
	MarkAlertRead(ctx context.Context, alertID string) error
}

// Store restores the last known good state across restarts.
type Store interface {
	LoadState(ctx context.Context, serial string) (model.MowerState, bool, error)
}

type Deps struct {
	API    API
	Auth   retry.Authenticator
	Clock  clock.Clock
	Logger *slog.Logger
	Store  Store
	Sinks  []publish.Sink
}

type Session struct {
	cfg      Config
	serial   string
	api      API
	store    Store
	clock    clock.Clock
	logger   *slog.Logger
	throttle *logging.Throttle

	cache     *cache.Cache
	limiter   *ratelimit.Limiter
	exec      *retry.Executor
	publisher *publish.Publisher

	stateLoop    *poller.StateLoop
	positionLoop *poller.PositionLoop
	bundleLoop   *poller.Loop
	updatesLoop  *poller.Loop
	forceBundle  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	closed    bool
	tasks     []*poller.Task
	last      *model.State
	lastError *int
}

func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.Serial == "" {
		return nil, errors.New("session: serial is required")
	}
	if deps.API == nil {
		return nil, errors.New("session: api is required")
	}
	cfg = cfg.withDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("serial", cfg.Serial)

	limiter := ratelimit.New(cfg.RateLimit, clk)
	s := &Session{
		cfg:      cfg,
		serial:   cfg.Serial,
		api:      deps.API,
		store:    deps.Store,
		clock:    clk,
		logger:   logger,
		throttle: logging.NewThrottle(logger.With("component", "poller"), cfg.LogThrottle).WithClock(clk.Now),
		cache:    cache.New(clk, cfg.TTLs, cfg.DefaultTTL),
		limiter:  limiter,
		exec: &retry.Executor{
			Policy:  cfg.Retry,
			Limiter: limiter,
			Auth:    deps.Auth,
			Clock:   clk,
			Logger:  logger.With("component", "retry"),
		},
		publisher: publish.NewPublisher(publish.Config{
			Serial:       cfg.Serial,
			Debounce:     cfg.Debounce,
			OfflineGrace: cfg.OfflineGrace,
			MinFailures:  cfg.MinFailures,
			SinkTimeout:  cfg.SinkTimeout,
		}, clk, logger.With("component", "publish"), deps.Sinks...),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.stateLoop = poller.NewStateLoop(s.pollState, cfg.FailureDelays, clk, s.stateLoopFailed)
	initial := cfg.PositionInterval
	if cfg.AdaptivePosition {
		initial = cfg.IdlePositionInterval
	}
	s.positionLoop = poller.NewPositionLoop(initial, clk, s.pollPosition, func(err error) {
		s.stateFailed("position", err)
	})
	s.bundleLoop = poller.NewLoop("bundle", cfg.BundleInterval, clk, s.refreshBundle)
	s.updatesLoop = poller.NewLoop("updates", cfg.UpdatesInterval, clk, s.refreshUpdates)
	return s, nil
}

func (s *Session) Serial() string { return s.serial }

// Start restores the persisted state and launches the refresh loops.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.store != nil {
		state, ok, err := s.store.LoadState(ctx, s.serial)
		switch {
		case err != nil:
			s.logger.Warn("failed to restore last known state", "err", err)
		case ok:
			s.publisher.Restore(state)
			s.logger.Info("restored last known state", "state_code", state.StateCode, "updated_at", state.UpdatedAt)
		}
	}

	tasks := []*poller.Task{
		poller.Start(s.ctx, "state", s.stateLoop.Run),
		poller.Start(s.ctx, "position", s.positionLoop.Run),
		poller.Start(s.ctx, s.bundleLoop.Name(), s.bundleLoop.Run),
		poller.Start(s.ctx, s.updatesLoop.Name(), s.updatesLoop.Run),
	}
	s.mu.Lock()
	s.tasks = tasks
	s.mu.Unlock()
	s.logger.Info("session started")
	return nil
}

// Shutdown cancels every loop and in-flight request, waits for the loops to
// return and stops the debounce timer. It is safe to call more than once.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, task := range tasks {
			task.Stop()
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.publisher.Close()
		return fmt.Errorf("session %s: waiting for loops: %w", s.serial, ctx.Err())
	}
	s.publisher.Close()
	s.logger.Info("session stopped")
	return nil
}

// bind derives a call context that also ends when the session shuts down.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, ErrShutdown
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}, nil
}

// fetch reads key through the cache. A real fetch goes through the limiter
// and the retry policy and is forwarded to the sinks.
func (s *Session) fetch(ctx context.Context, key model.ResourceKey, force bool, op func(ctx context.Context) (any, error)) (any, error) {
	fetched := false
	value, err := s.cache.GetOrRefresh(ctx, key, force, func(ctx context.Context) (any, error) {
		var out any
		err := s.exec.Do(ctx, key, func(ctx context.Context) error {
			v, err := op(ctx)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		if err != nil {
			return nil, err
		}
		fetched = true
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if fetched && key != model.KeyState && key != model.KeyMap {
		s.publisher.PublishResource(key, value)
	}
	return value, nil
}

func (s *Session) resourceOp(key model.ResourceKey) (func(ctx context.Context) (any, error), bool) {
	switch key {
	case model.KeyGenericData:
		return func(ctx context.Context) (any, error) { return s.api.GenericData(ctx, s.serial) }, true
	case model.KeyAlerts:
		return func(ctx context.Context) (any, error) { return s.api.Alerts(ctx, s.serial) }, true
	case model.KeyOperatingData:
		return func(ctx context.Context) (any, error) { return s.api.OperatingData(ctx, s.serial) }, true
	case model.KeyNextMow:
		return func(ctx context.Context) (any, error) { return s.api.NextMow(ctx, s.serial) }, true
	case model.KeyLastCompletedMow:
		return func(ctx context.Context) (any, error) { return s.api.LastCompletedMow(ctx, s.serial) }, true
	case model.KeyPredictiveCalendar:
		return func(ctx context.Context) (any, error) { return s.api.PredictiveCalendar(ctx, s.serial) }, true
	case model.KeyUpdates:
		return func(ctx context.Context) (any, error) { return s.api.Updates(ctx, s.serial) }, true
	default:
		return nil, false
	}
}

// GetState returns the mower state, reading it from the cloud when the cached
// copy is stale or force is set.
func (s *Session) GetState(ctx context.Context, force bool) (model.MowerState, error) {
	ctx, cancel, err := s.bind(ctx)
	if err != nil {
		return model.MowerState{}, err
	}
	defer cancel()
	value, err := s.readState(ctx, force, indego.StateOptions{Timeout: s.cfg.StateTimeout}, true)
	if err != nil {
		return model.MowerState{}, err
	}
	return model.NewMowerState(s.serial, value, s.stateFetchedAt()), nil
}

// GetResource returns one of the fetchable resources.
func (s *Session) GetResource(ctx context.Context, key model.ResourceKey, force bool) (any, error) {
	if key == model.KeyState {
		return s.GetState(ctx, force)
	}
	op, ok := s.resourceOp(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, key)
	}
	ctx, cancel, err := s.bind(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return s.fetch(ctx, key, force, op)
}

func (s *Session) stateFetchedAt() time.Time {
	if entry, ok := s.cache.Peek(model.KeyState); ok {
		return entry.FetchedAt
	}
	return s.clock.Now()
}

// readState fetches the state resource. Unknown codes are rejected unless
// acceptUnknown is set; a rejected payload is never cached.
func (s *Session) readState(ctx context.Context, force bool, opts indego.StateOptions, acceptUnknown bool) (model.State, error) {
	key := model.KeyState
	if opts.LongPoll {
		key = model.KeyStateLongPoll
	}
	fetched := false
	value, err := s.cache.GetOrRefresh(ctx, key, force, func(ctx context.Context) (any, error) {
		var st model.State
		err := s.exec.Do(ctx, key, func(ctx context.Context) error {
			var err error
			st, err = s.api.State(ctx, s.serial, opts)
			return err
		})
		if err != nil {
			return nil, err
		}
		if st.IsUnknown() && !acceptUnknown {
			return nil, fmt.Errorf("state code %d: %w", st.Code, model.ErrUnknownState)
		}
		fetched = true
		return st, nil
	})
	if err != nil {
		return model.State{}, err
	}
	st := value.(model.State)
	if fetched {
		if opts.LongPoll {
			s.cache.Put(model.KeyState, st)
		}
		s.observeState(ctx, st, opts.LongPoll || !opts.ForceRefresh)
	}
	return st, nil
}

// observeState publishes a freshly read state and runs the follow-up
// refreshes it implies.
func (s *Session) observeState(ctx context.Context, st model.State, followUps bool) {
	s.mu.Lock()
	errorChanged := s.last != nil && !sameCode(s.lastError, st.Error)
	s.lastError = st.Error
	cp := st
	s.last = &cp
	s.mu.Unlock()

	s.publisher.ObserveState(model.NewMowerState(s.serial, st, s.clock.Now()))

	if s.cfg.AdaptivePosition {
		next := s.cfg.IdlePositionInterval
		if model.IsMowing(st.Code) {
			next = s.cfg.PositionInterval
		}
		if s.positionLoop.SetInterval(next) {
			s.logger.Debug("position interval changed", "interval", next)
		}
	}

	if !followUps || ctx.Err() != nil {
		return
	}
	if model.IsMowing(st.Code) || model.IsCharging(st.Code) {
		if _, err := s.fetch(ctx, model.KeyOperatingData, false, mustOp(s.resourceOp(model.KeyOperatingData))); err != nil {
			s.logFetchError(model.KeyOperatingData, err)
		}
	}
	if errorChanged {
		if _, err := s.fetch(ctx, model.KeyAlerts, true, mustOp(s.resourceOp(model.KeyAlerts))); err != nil {
			s.logFetchError(model.KeyAlerts, err)
		}
	}
}

func mustOp(op func(ctx context.Context) (any, error), ok bool) func(ctx context.Context) (any, error) {
	if !ok {
		panic("session: resource without fetch operation")
	}
	return op
}

func sameCode(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Session) pollState(ctx context.Context, req poller.StateRequest) error {
	opts := indego.StateOptions{Timeout: s.cfg.StateTimeout}
	if req.LongPoll && !s.cfg.DisableLongPoll {
		opts = indego.StateOptions{LongPoll: true, ServerTimeout: s.cfg.LongPollTimeout}
	}
	_, err := s.readState(ctx, true, opts, req.AcceptUnknown)
	return err
}

func (s *Session) stateLoopFailed(err error, failures int) {
	s.stateFailed("state", err, "failures", failures)
}

func (s *Session) pollPosition(ctx context.Context) error {
	s.mu.Lock()
	docked := s.last != nil && model.IsDocked(s.last.Code)
	s.mu.Unlock()
	if docked {
		return nil
	}
	_, err := s.readState(ctx, true, indego.StateOptions{ForceRefresh: true, Timeout: s.cfg.PositionTimeout}, true)
	return err
}

// stateFailed feeds a failed state read into the availability hysteresis.
// Throttling by the cloud or the local limiter says nothing about the device.
func (s *Session) stateFailed(loop string, err error, args ...any) {
	if countsAsOffline(err) {
		s.publisher.ObserveFailure()
	}
	kind := fmt.Sprintf("%s:%s", loop, indego.KindOf(err))
	s.throttle.Warn(kind, "state refresh failed", append([]any{"loop", loop, "err", err}, args...)...)
}

func countsAsOffline(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, indego.ErrTimeout):
		return false
	case errors.Is(err, ratelimit.ErrCooldown), errors.Is(err, indego.ErrRateLimited):
		return false
	default:
		return true
	}
}

func (s *Session) logFetchError(key model.ResourceKey, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	kind := fmt.Sprintf("%s:%s", key, indego.KindOf(err))
	s.throttle.Warn(kind, "resource refresh failed", "key", key, "err", err, "fatal", retry.IsFatal(err))
}

var bundleKeys = []model.ResourceKey{
	model.KeyGenericData,
	model.KeyAlerts,
	model.KeyLastCompletedMow,
	model.KeyNextMow,
	model.KeyPredictiveCalendar,
}

func (s *Session) refreshBundle(ctx context.Context) {
	force := s.forceBundle.Swap(false)
	jobs := make([]poller.Job, 0, len(bundleKeys))
	for _, key := range bundleKeys {
		key := key
		op := mustOp(s.resourceOp(key))
		jobs = append(jobs, poller.Job{Key: key, Run: func(ctx context.Context) error {
			_, err := s.fetch(ctx, key, force, op)
			return err
		}})
	}
	for key, err := range poller.Gather(ctx, jobs...) {
		s.logFetchError(key, err)
	}
}

func (s *Session) refreshUpdates(ctx context.Context) {
	if _, err := s.fetch(ctx, model.KeyUpdates, true, mustOp(s.resourceOp(model.KeyUpdates))); err != nil {
		s.logFetchError(model.KeyUpdates, err)
	}
}

// Refresh asks every loop to run now. The bundle bypasses its TTLs once.
func (s *Session) Refresh() {
	s.forceBundle.Store(true)
	s.stateLoop.TriggerRefresh()
	s.bundleLoop.TriggerRefresh()
	s.updatesLoop.TriggerRefresh()
}

func (s *Session) run(ctx context.Context, key model.ResourceKey, op func(ctx context.Context) error) error {
	ctx, cancel, err := s.bind(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return s.exec.Do(ctx, key, op)
}

// SendCommand sends mow, pause or returnToDock.
func (s *Session) SendCommand(ctx context.Context, cmd string) error {
	if !indego.ValidCommand(cmd) {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, cmd)
	}
	err := s.run(ctx, model.CommandKey(cmd), func(ctx context.Context) error {
		return s.api.SendCommand(ctx, s.serial, cmd)
	})
	if err != nil {
		return fmt.Errorf("send command %s: %w", cmd, err)
	}
	s.cache.Invalidate(model.KeyState)
	s.logger.Info("command sent", "command", cmd)
	return nil
}

func (s *Session) SetMowMode(ctx context.Context, enabled bool) error {
	err := s.run(ctx, model.KeyMowMode, func(ctx context.Context) error {
		return s.api.SetMowMode(ctx, s.serial, enabled)
	})
	if err != nil {
		return fmt.Errorf("set mow mode: %w", err)
	}
	s.cache.Invalidate(model.KeyState)
	s.cache.Invalidate(model.KeyPredictiveCalendar)
	s.cache.Invalidate(model.KeyNextMow)
	return nil
}

// alerts resolves the cached alert list, loading it when absent.
func (s *Session) alerts(ctx context.Context) ([]model.Alert, error) {
	value, err := s.fetch(ctx, model.KeyAlerts, false, mustOp(s.resourceOp(model.KeyAlerts)))
	if err != nil {
		return nil, err
	}
	return value.([]model.Alert), nil
}

func (s *Session) alertAt(ctx context.Context, index int) (model.Alert, error) {
	list, err := s.alerts(ctx)
	if err != nil {
		return model.Alert{}, err
	}
	if index < 1 || index > len(list) {
		return model.Alert{}, fmt.Errorf("%w: %d of %d", ErrAlertIndex, index, len(list))
	}
	return list[index-1], nil
}

// DeleteAlert deletes the alert at the 1-based index of the alert list.
func (s *Session) DeleteAlert(ctx context.Context, index int) error {
	return s.alertOp(ctx, "delete", index, s.api.DeleteAlert)
}

// MarkAlertRead marks the alert at the 1-based index as read.
func (s *Session) MarkAlertRead(ctx context.Context, index int) error {
	return s.alertOp(ctx, "read", index, s.api.MarkAlertRead)
}

func (s *Session) alertOp(ctx context.Context, op string, index int, call func(ctx context.Context, id string) error) error {
	ctx, cancel, err := s.bind(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	alert, err := s.alertAt(ctx, index)
	if err != nil {
		return err
	}
	err = s.exec.Do(ctx, model.AlertKey(op, index), func(ctx context.Context) error {
		return call(ctx, alert.ID)
	})
	if err != nil {
		return fmt.Errorf("alert %s %d: %w", op, index, err)
	}
	s.cache.Invalidate(model.KeyAlerts)
	return nil
}

func (s *Session) DeleteAllAlerts(ctx context.Context) error {
	return s.allAlertsOp(ctx, "delete", s.api.DeleteAlert)
}

func (s *Session) MarkAllAlertsRead(ctx context.Context) error {
	return s.allAlertsOp(ctx, "read", s.api.MarkAlertRead)
}

func (s *Session) allAlertsOp(ctx context.Context, op string, call func(ctx context.Context, id string) error) error {
	ctx, cancel, err := s.bind(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	list, err := s.alerts(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for i, alert := range list {
		if op == "read" && alert.Read {
			continue
		}
		id := alert.ID
		if err := s.exec.Do(ctx, model.AlertKey(op, i+1), func(ctx context.Context) error {
			return call(ctx, id)
		}); err != nil {
			errs = append(errs, fmt.Errorf("alert %s %d: %w", op, i+1, err))
		}
	}
	if len(list) > 0 {
		s.cache.Invalidate(model.KeyAlerts)
	}
	return errors.Join(errs...)
}

// DownloadMap returns the garden map SVG. A map update flagged by the state
// forces a new download.
func (s *Session) DownloadMap(ctx context.Context) ([]byte, error) {
	ctx, cancel, err := s.bind(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	s.mu.Lock()
	force := s.last != nil && s.last.MapUpdateAvailable
	s.mu.Unlock()
	value, err := s.fetch(ctx, model.KeyMap, force, func(ctx context.Context) (any, error) {
		return s.api.Map(ctx, s.serial)
	})
	if err != nil {
		return nil, fmt.Errorf("download map: %w", err)
	}
	return value.([]byte), nil
}

// Diagnostics is a point-in-time view of the session internals.
type Diagnostics struct {
	Serial           string                   `json:"serial"`
	Started          bool                     `json:"started"`
	Closed           bool                     `json:"closed"`
	Availability     publish.AvailabilityView `json:"availability"`
	Published        *model.MowerState        `json:"published,omitempty"`
	Pending          *model.MowerState        `json:"pending,omitempty"`
	RateLimit        ratelimit.State          `json:"rate_limit"`
	Cache            []cache.EntryInfo        `json:"cache"`
	StateFailures    int                      `json:"state_failures"`
	PositionInterval string                   `json:"position_interval"`
	Tasks            []string                 `json:"tasks"`
}

func (s *Session) Diagnostics() Diagnostics {
	s.mu.Lock()
	d := Diagnostics{Serial: s.serial, Started: s.started, Closed: s.closed}
	for _, task := range s.tasks {
		d.Tasks = append(d.Tasks, task.Name())
	}
	s.mu.Unlock()

	d.Availability = s.publisher.Availability()
	if st, ok := s.publisher.Published(); ok {
		d.Published = &st
	}
	if st, ok := s.publisher.Pending(); ok {
		d.Pending = &st
	}
	d.RateLimit = s.limiter.State()
	d.Cache = s.cache.Snapshot()
	d.StateFailures = s.stateLoop.Failures()
	d.PositionInterval = s.positionLoop.Interval().String()
	return d
}

// Published returns the last state delivered to the sinks.
func (s *Session) Published() (model.MowerState, bool) {
	return s.publisher.Published()
}
