// Package publish decides what downstream consumers see: availability with
// hysteresis, debounced state snapshots and raw resource updates, fanned out
// to a set of sinks.
package publish

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/micro-ha/indego-sync/internal/clock"
	"github.com/micro-ha/indego-sync/internal/model"
)

type EventKind string

const (
	EventState        EventKind = "state"
	EventAvailability EventKind = "availability"
	EventResource     EventKind = "resource"
)

// Event is one message delivered to every sink.
type Event struct {
	Kind     EventKind         `json:"kind"`
	Serial   string            `json:"serial"`
	State    *model.MowerState `json:"state,omitempty"`
	Status   Status            `json:"status,omitempty"`
	Resource model.ResourceKey `json:"resource,omitempty"`
	Value    any               `json:"value,omitempty"`
	At       time.Time         `json:"at"`
}

// Sink receives published events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

type Config struct {
	Serial       string
	Debounce     time.Duration
	OfflineGrace time.Duration
	MinFailures  int
	SinkTimeout  time.Duration
}

// AvailabilityView is the diagnostics view of the hysteresis state.
type AvailabilityView struct {
	Status       Status     `json:"status"`
	Failures     int        `json:"failures"`
	OfflineSince *time.Time `json:"offline_since,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
}

type Publisher struct {
	serial      string
	clock       clock.Clock
	logger      *slog.Logger
	sinkTimeout time.Duration
	sinks       []Sink
	debouncer   *Debouncer

	mu        sync.Mutex
	avail     *Availability
	published *model.MowerState
	closed    bool
	inflight  sync.WaitGroup
}

func NewPublisher(cfg Config, clk clock.Clock, logger *slog.Logger, sinks ...Sink) *Publisher {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	p := &Publisher{
		serial:      cfg.Serial,
		clock:       clk,
		logger:      logger,
		sinkTimeout: cfg.SinkTimeout,
		sinks:       sinks,
		avail:       NewAvailability(cfg.OfflineGrace, cfg.MinFailures),
	}
	p.debouncer = NewDebouncer(clk, cfg.Debounce, p.commit)
	return p
}

// Restore seeds the last published snapshot without emitting it.
func (p *Publisher) Restore(state model.MowerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = &state
	}
}

// ObserveState records a successful state fetch. Recovery is published at
// once; the snapshot itself goes through the debouncer.
func (p *Publisher) ObserveState(state model.MowerState) {
	now := p.clock.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	recovered := p.avail.Success(now)
	if recovered && p.published != nil {
		cp := *p.published
		cp.Online = true
		p.published = &cp
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	if recovered {
		p.emit(Event{Kind: EventAvailability, Serial: p.serial, Status: StatusOnline, At: now})
	}
	p.debouncer.Submit(state)
}

// ObserveFailure records a failed state fetch.
func (p *Publisher) ObserveFailure() {
	now := p.clock.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	offline := p.avail.Failure(now)
	if offline && p.published != nil {
		cp := *p.published
		cp.Online = false
		p.published = &cp
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	if offline {
		p.debouncer.Discard()
		p.emit(Event{Kind: EventAvailability, Serial: p.serial, Status: StatusOffline, At: now})
	}
}

// PublishResource forwards a freshly fetched resource to the sinks.
func (p *Publisher) PublishResource(key model.ResourceKey, value any) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()
	p.emit(Event{Kind: EventResource, Serial: p.serial, Resource: key, Value: value, At: p.clock.Now()})
}

func (p *Publisher) commit(state model.MowerState) {
	p.mu.Lock()
	if p.closed || p.avail.Status() == StatusOffline {
		p.mu.Unlock()
		return
	}
	if p.published != nil && p.published.Equivalent(state) {
		p.mu.Unlock()
		return
	}
	p.published = &state
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()
	p.emit(Event{Kind: EventState, Serial: p.serial, State: &state, At: p.clock.Now()})
}

func (p *Publisher) emit(ev Event) {
	for _, sink := range p.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), p.sinkTimeout)
		if err := sink.Publish(ctx, ev); err != nil {
			p.logger.Warn("publish to sink failed", "kind", ev.Kind, "err", err)
		}
		cancel()
	}
}

// Published returns the last committed snapshot.
func (p *Publisher) Published() (model.MowerState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		return model.MowerState{}, false
	}
	return *p.published, true
}

// Pending returns the snapshot waiting in the debounce window.
func (p *Publisher) Pending() (model.MowerState, bool) {
	return p.debouncer.Pending()
}

func (p *Publisher) Availability() AvailabilityView {
	p.mu.Lock()
	defer p.mu.Unlock()
	view := AvailabilityView{Status: p.avail.Status(), Failures: p.avail.Failures()}
	if since, ok := p.avail.OfflineSince(); ok {
		view.OfflineSince = &since
	}
	if last, ok := p.avail.LastSuccess(); ok {
		view.LastSuccess = &last
	}
	return view
}

// Close stops the debounce timer and waits for deliveries already under way.
// Nothing is emitted once it returns.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.debouncer.Stop()
	p.inflight.Wait()
}
