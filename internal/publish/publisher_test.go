package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/micro-ha/indego-sync/internal/clock"
	"github.com/micro-ha/indego-sync/internal/logging"
	"github.com/micro-ha/indego-sync/internal/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ctx context.Context, ev Event) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) kinds(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func mower(code int) model.MowerState {
	return model.NewMowerState("s1", model.State{Code: code}, time.Unix(0, 0))
}

func newTestPublisher(clk *clock.Fake, sinks ...Sink) *Publisher {
	return NewPublisher(Config{Serial: "s1", Debounce: 20 * time.Second, OfflineGrace: 30 * time.Second, MinFailures: 2}, clk, logging.Discard(), sinks...)
}

func TestAvailabilityHysteresis(t *testing.T) {
	start := time.Unix(0, 0)
	a := NewAvailability(30*time.Second, 2)
	a.Success(start)

	if a.Failure(start) {
		t.Fatalf("one failure must not go offline")
	}
	if a.Failure(start.Add(10 * time.Second)) {
		t.Fatalf("two failures inside the grace period must not go offline")
	}
	if !a.Failure(start.Add(31 * time.Second)) {
		t.Fatalf("expected offline after grace with enough failures")
	}
	if a.Failure(start.Add(40 * time.Second)) {
		t.Fatalf("already offline; no second transition")
	}
	if !a.Success(start.Add(50*time.Second)) || a.Status() != StatusOnline {
		t.Fatalf("one success must bring the mower back online")
	}
	if a.Failures() != 0 {
		t.Fatalf("success must reset the failure run")
	}
	if last, ok := a.LastSuccess(); !ok || !last.Equal(start.Add(50*time.Second)) {
		t.Fatalf("expected last success at +50s, got %v", last)
	}
}

func TestSingleFailureAfterGraceStaysOnline(t *testing.T) {
	start := time.Unix(0, 0)
	a := NewAvailability(30*time.Second, 2)
	a.Success(start)
	if a.Failure(start.Add(time.Hour)) {
		t.Fatalf("a single failure must never go offline")
	}
}

func TestDebounceCommitsLastValueOnce(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &recordingSink{}
	p := newTestPublisher(clk, sink)

	for i, code := range []int{513, 514, 515, 517} {
		p.ObserveState(mower(code))
		if i < 3 {
			clk.Advance(5 * time.Second)
		}
	}
	if got := sink.kinds(EventState); len(got) != 0 {
		t.Fatalf("nothing may be published inside the window, got %d", len(got))
	}
	clk.Advance(19 * time.Second)
	if got := sink.kinds(EventState); len(got) != 0 {
		t.Fatalf("published before the window closed")
	}
	clk.Advance(time.Second)

	states := sink.kinds(EventState)
	if len(states) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(states))
	}
	if states[0].State.StateCode != 517 {
		t.Fatalf("expected last value 517, got %d", states[0].State.StateCode)
	}
	if got, ok := p.Published(); !ok || got.StateCode != 517 {
		t.Fatalf("unexpected published snapshot %+v", got)
	}
}

func TestSteadyStateReadsDoNotExtendDebounce(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &recordingSink{}
	p := newTestPublisher(clk, sink)

	for i := 0; i < 4; i++ {
		pos := &model.Position{X: float64(i), Y: 1}
		p.ObserveState(model.NewMowerState("s1", model.State{Code: 518, Position: pos}, clk.Now()))
		clk.Advance(5 * time.Second)
	}
	states := sink.kinds(EventState)
	if len(states) != 1 {
		t.Fatalf("steady reads must publish when the first window closes, got %d", len(states))
	}
	if pos := states[0].State.Position; pos == nil || pos.X != 3 {
		t.Fatalf("expected the latest position to be published, got %+v", pos)
	}

	p.ObserveState(mower(513))
	clk.Advance(10 * time.Second)
	p.ObserveState(mower(514))
	clk.Advance(19 * time.Second)
	if got := sink.kinds(EventState); len(got) != 1 {
		t.Fatalf("a changed state code must restart the window, got %d publishes", len(got))
	}
	clk.Advance(time.Second)
	if got := sink.kinds(EventState); len(got) != 2 || got[1].State.StateCode != 514 {
		t.Fatalf("expected 514 once the restarted window closed, got %+v", got)
	}
}

func TestRecoveryIsImmediateAndOfflineDiscardsPending(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &recordingSink{}
	p := NewPublisher(Config{Serial: "s1", Debounce: time.Minute, OfflineGrace: 30 * time.Second, MinFailures: 2}, clk, logging.Discard(), sink)

	p.ObserveState(mower(258))
	avail := sink.kinds(EventAvailability)
	if len(avail) != 1 || avail[0].Status != StatusOnline {
		t.Fatalf("expected immediate online event, got %+v", avail)
	}
	clk.Advance(time.Minute)

	p.ObserveState(mower(513))
	p.ObserveFailure()
	clk.Advance(10 * time.Second)
	p.ObserveFailure()
	clk.Advance(25 * time.Second)
	p.ObserveFailure()

	avail = sink.kinds(EventAvailability)
	if len(avail) != 2 || avail[1].Status != StatusOffline {
		t.Fatalf("expected offline event, got %+v", avail)
	}
	if _, ok := p.Pending(); ok {
		t.Fatalf("offline transition must discard the pending state")
	}
	clk.Advance(2 * time.Minute)
	states := sink.kinds(EventState)
	if len(states) != 1 || states[0].State.StateCode != 258 {
		t.Fatalf("discarded value was published: %+v", states)
	}
	if published, _ := p.Published(); published.Online {
		t.Fatalf("published snapshot must read offline")
	}

	p.ObserveState(mower(513))
	avail = sink.kinds(EventAvailability)
	if len(avail) != 3 || avail[2].Status != StatusOnline {
		t.Fatalf("expected recovery event without debounce, got %+v", avail)
	}
}

func TestIdenticalSnapshotIsNotRepublished(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &recordingSink{}
	p := newTestPublisher(clk, sink)

	p.ObserveState(mower(258))
	clk.Advance(20 * time.Second)
	p.ObserveState(mower(258))
	clk.Advance(20 * time.Second)
	if got := sink.kinds(EventState); len(got) != 1 {
		t.Fatalf("expected one publish for identical snapshots, got %d", len(got))
	}
}

func TestCloseStopsPendingPublish(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &recordingSink{}
	p := newTestPublisher(clk, sink)
	p.ObserveState(mower(513))
	p.Close()
	clk.Advance(time.Minute)
	if got := sink.kinds(EventState); len(got) != 0 {
		t.Fatalf("published after close: %+v", got)
	}
	if clk.Pending() != 0 {
		t.Fatalf("timer still armed after close")
	}
}

func TestCloseWaitsForDeliveryInProgress(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0
	sink := SinkFunc(func(ctx context.Context, ev Event) error {
		_ = ctx
		_ = ev
		mu.Lock()
		delivered++
		first := delivered == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		return nil
	})
	p := newTestPublisher(clk, sink)

	go p.PublishResource(model.KeyAlerts, []model.Alert{{ID: "a"}})
	<-entered

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("Close returned while a delivery was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed

	p.PublishResource(model.KeyAlerts, []model.Alert{{ID: "b"}})
	p.ObserveState(mower(513))
	p.ObserveFailure()
	clk.Advance(time.Minute)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected no deliveries after Close, got %d in total", delivered)
	}
}

func TestAvailabilityViewReportsLastSuccess(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	p := newTestPublisher(clk, &recordingSink{})

	if view := p.Availability(); view.LastSuccess != nil {
		t.Fatalf("no fetch succeeded yet, got %v", view.LastSuccess)
	}
	p.ObserveState(mower(258))
	want := clk.Now()
	clk.Advance(10 * time.Second)
	p.ObserveFailure()

	view := p.Availability()
	if view.LastSuccess == nil || !view.LastSuccess.Equal(want) {
		t.Fatalf("expected last success %v, got %v", want, view.LastSuccess)
	}
	if view.Failures != 1 {
		t.Fatalf("expected one failure, got %d", view.Failures)
	}
}

func TestSinkFailureDoesNotStopFanOut(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	good := &recordingSink{}
	bad := SinkFunc(func(ctx context.Context, ev Event) error {
		_ = ctx
		_ = ev
		return errors.New("broker down")
	})
	p := newTestPublisher(clk, bad, good)
	p.PublishResource(model.KeyAlerts, []model.Alert{{ID: "a"}})
	if got := good.kinds(EventResource); len(got) != 1 || got[0].Resource != model.KeyAlerts {
		t.Fatalf("expected resource event on healthy sink, got %+v", got)
	}
}

func TestRestoreSeedsPublishedWithoutEmitting(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &recordingSink{}
	p := newTestPublisher(clk, sink)
	p.Restore(mower(258))
	if _, ok := p.Published(); !ok {
		t.Fatalf("expected restored snapshot")
	}
	if len(sink.events) != 0 {
		t.Fatalf("restore must not emit")
	}
	p.ObserveState(mower(258))
	clk.Advance(20 * time.Second)
	if got := sink.kinds(EventState); len(got) != 0 {
		t.Fatalf("restored identical snapshot was republished")
	}
}
