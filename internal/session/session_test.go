package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/micro-ha/indego-sync/internal/clock"
	"github.com/micro-ha/indego-sync/internal/indego"
	"github.com/micro-ha/indego-sync/internal/logging"
	"github.com/micro-ha/indego-sync/internal/model"
	"github.com/micro-ha/indego-sync/internal/poller"
	"github.com/micro-ha/indego-sync/internal/publish"
)

const serial = "505703041"

type staticTokens string

func (s staticTokens) Token(ctx context.Context) (string, error) {
	_ = ctx
	return string(s), nil
}

// fakeCloud serves the mower endpoints and counts every request by
// "METHOD path".
type fakeCloud struct {
	mu        sync.Mutex
	hits      map[string]int
	bodies    map[string]string
	state     string
	alerts    string
	throttle  map[string]bool
	longPolls int
	block     chan struct{}
	release   chan struct{}
}

func newFakeCloud(t *testing.T) (*fakeCloud, *indego.Client) {
	t.Helper()
	fc := &fakeCloud{
		hits:     make(map[string]int),
		bodies:   make(map[string]string),
		state:    `{"state": 258, "svg_xPos": 10, "svg_yPos": 20}`,
		alerts:   `[{"alert_id": "a1", "headline": "Blade"}, {"alert_id": "a2", "read_status": "read"}]`,
		throttle: make(map[string]bool),
		release:  make(chan struct{}),
	}
	srv := httptest.NewServer(http.HandlerFunc(fc.serve))
	t.Cleanup(func() {
		close(fc.release)
		srv.Close()
	})
	client, err := indego.NewClientWithHTTPClient(indego.Config{BaseURL: srv.URL + "/api/v1", Timeout: 2 * time.Second}, staticTokens("tkn"), srv.Client(), logging.Discard())
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return fc, client
}

func (fc *fakeCloud) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	key := r.Method + " " + path
	body, _ := io.ReadAll(r.Body)

	fc.mu.Lock()
	fc.hits[key]++
	fc.bodies[key] = string(body)
	throttled := fc.throttle[key]
	delete(fc.throttle, key)
	longPoll := r.URL.Query().Get("longpoll") == "true"
	if longPoll {
		fc.longPolls++
	}
	holdLongPoll := longPoll && fc.longPolls > 1
	block := fc.block
	state := fc.state
	alerts := fc.alerts
	fc.mu.Unlock()

	if throttled {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	if holdLongPoll {
		select {
		case <-r.Context().Done():
		case <-fc.release:
		}
		return
	}

	switch {
	case path == "alms/"+serial+"/state" && r.Method == http.MethodGet:
		if block != nil {
			<-block
		}
		_, _ = io.WriteString(w, state)
	case path == "alms/"+serial:
		_, _ = io.WriteString(w, `{"alm_sn": "`+serial+`", "alm_name": "Lawny", "bareToolnumber": "3600HA2300"}`)
	case path == "alms/"+serial+"/alerts":
		_, _ = io.WriteString(w, alerts)
	case path == "alms/"+serial+"/operatingData":
		_, _ = io.WriteString(w, `{"battery": {"percent": 81, "voltage": 35.1}}`)
	case path == "alms/"+serial+"/predictive/nextcutting":
		_, _ = io.WriteString(w, `{"mow_next": "2026-10-15T09:00:00+02:00"}`)
	case path == "alms/"+serial+"/predictive/lastcutting":
		_, _ = io.WriteString(w, `{"last_mowed": "2026-10-13T16:30:00+02:00"}`)
	case path == "alms/"+serial+"/predictive/calendar":
		_, _ = io.WriteString(w, `{"sel_cal": 1, "cals": []}`)
	case path == "alms/"+serial+"/updates":
		_, _ = io.WriteString(w, `{"available": false}`)
	case path == "alms/"+serial+"/map":
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = io.WriteString(w, `<svg/>`)
	case r.Method == http.MethodPut || r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fc *fakeCloud) count(key string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.hits[key]
}

func (fc *fakeCloud) body(key string) string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.bodies[key]
}

func (fc *fakeCloud) setState(body string) {
	fc.mu.Lock()
	fc.state = body
	fc.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []publish.Event
}

func (r *recorder) Publish(ctx context.Context, ev publish.Event) error {
	_ = ctx
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) of(kind publish.EventKind) []publish.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []publish.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type memStore struct {
	state model.MowerState
	ok    bool
}

func (m memStore) LoadState(ctx context.Context, serial string) (model.MowerState, bool, error) {
	_ = ctx
	_ = serial
	return m.state, m.ok, nil
}

func newTestSession(t *testing.T, clk clock.Clock, api API, cfg Config, deps Deps) *Session {
	t.Helper()
	cfg.Serial = serial
	deps.API = api
	deps.Clock = clk
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

const statePath = "GET alms/" + serial + "/state"

func TestGetResourceHonoursTTL(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	fc, client := newFakeCloud(t)
	s := newTestSession(t, clk, client, Config{}, Deps{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.GetResource(ctx, model.KeyAlerts, false); err != nil {
			t.Fatalf("GetResource returned error: %v", err)
		}
	}
	if got := fc.count("GET alms/" + serial + "/alerts"); got != 1 {
		t.Fatalf("expected one fetch within the TTL, got %d", got)
	}
	if _, err := s.GetResource(ctx, model.KeyAlerts, true); err != nil {
		t.Fatalf("forced GetResource returned error: %v", err)
	}
	clk.Advance(5 * time.Minute)
	value, err := s.GetResource(ctx, model.KeyAlerts, false)
	if err != nil {
		t.Fatalf("GetResource returned error: %v", err)
	}
	if got := fc.count("GET alms/" + serial + "/alerts"); got != 3 {
		t.Fatalf("expected force and expiry to refetch, got %d fetches", got)
	}
	alerts := value.([]model.Alert)
	if len(alerts) != 2 || alerts[0].ID != "a1" || !alerts[1].Read {
		t.Fatalf("unexpected alerts %+v", alerts)
	}

	if _, err := s.GetResource(ctx, model.ResourceKey("weather"), false); !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected ErrUnknownResource, got %v", err)
	}
}

func TestConcurrentGetStateSharesOneRequest(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	fc, client := newFakeCloud(t)
	block := make(chan struct{})
	fc.block = block
	s := newTestSession(t, clk, client, Config{}, Deps{})

	var wg sync.WaitGroup
	results := make([]model.MowerState, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.GetState(context.Background(), false)
		}(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fc.count(statePath) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("GetState %d returned error: %v", i, err)
		}
	}
	if got := fc.count(statePath); got != 1 {
		t.Fatalf("expected a single state request, got %d", got)
	}
	if results[0].StateCode != 258 || results[1].StateCode != 258 || results[0].Description != "Docked" {
		t.Fatalf("unexpected states %+v", results)
	}
}

func TestCooldownBlocksEveryResource(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	fc, client := newFakeCloud(t)
	fc.throttle["GET alms/"+serial] = true
	s := newTestSession(t, clk, client, Config{}, Deps{})

	generic := make(chan error, 1)
	go func() {
		_, err := s.GetResource(context.Background(), model.KeyGenericData, false)
		generic <- err
	}()
	if !clk.WaitForTimers(1) {
		t.Fatalf("expected the first request to wait out the cooldown")
	}
	alerts := make(chan error, 1)
	go func() {
		_, err := s.GetResource(context.Background(), model.KeyAlerts, false)
		alerts <- err
	}()
	if !clk.WaitForTimers(2) {
		t.Fatalf("expected the second resource to wait on the cooldown too")
	}
	if fc.count("GET alms/"+serial+"/alerts") != 0 {
		t.Fatalf("no request may be dispatched during the cooldown")
	}
	if until := s.Diagnostics().RateLimit.CooldownUntil; until == nil || !until.Equal(clk.Now().Add(30*time.Second)) {
		t.Fatalf("unexpected cooldown %v", until)
	}

	clk.Advance(30 * time.Second)
	for name, ch := range map[string]chan error{"genericData": generic, "alerts": alerts} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("%s returned error: %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s still blocked after the cooldown", name)
		}
	}
	if got := fc.count("GET alms/" + serial); got != 2 {
		t.Fatalf("expected the throttled request to be retried once, got %d", got)
	}
}

func TestSendCommandValidatesAndInvalidatesState(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	fc, client := newFakeCloud(t)
	s := newTestSession(t, clk, client, Config{}, Deps{})
	ctx := context.Background()

	if err := s.SendCommand(ctx, "dance"); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
	if _, err := s.GetState(ctx, false); err != nil {
		t.Fatalf("GetState returned error: %v", err)
	}
	if err := s.SendCommand(ctx, indego.CommandMow); err != nil {
		t.Fatalf("SendCommand returned error: %v", err)
	}
	if got := fc.body("PUT alms/" + serial + "/state"); !strings.Contains(got, `"state":"mow"`) {
		t.Fatalf("unexpected command body %q", got)
	}
	if _, err := s.GetState(ctx, false); err != nil {
		t.Fatalf("GetState returned error: %v", err)
	}
	if got := fc.count(statePath); got != 2 {
		t.Fatalf("expected the command to invalidate the cached state, got %d reads", got)
	}
}

func TestAlertOperationsUseOneBasedIndex(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	fc, client := newFakeCloud(t)
	s := newTestSession(t, clk, client, Config{}, Deps{})
	ctx := context.Background()

	if err := s.DeleteAlert(ctx, 2); err != nil {
		t.Fatalf("DeleteAlert returned error: %v", err)
	}
	if fc.count("DELETE alerts/a2") != 1 || fc.count("DELETE alerts/a1") != 0 {
		t.Fatalf("expected index 2 to resolve to a2")
	}
	if err := s.DeleteAlert(ctx, 3); !errors.Is(err, ErrAlertIndex) {
		t.Fatalf("expected ErrAlertIndex, got %v", err)
	}
	if err := s.MarkAlertRead(ctx, 0); !errors.Is(err, ErrAlertIndex) {
		t.Fatalf("expected ErrAlertIndex for index 0, got %v", err)
	}
	if err := s.MarkAllAlertsRead(ctx); err != nil {
		t.Fatalf("MarkAllAlertsRead returned error: %v", err)
	}
	if fc.count("PUT alerts/a1") != 1 || fc.count("PUT alerts/a2") != 0 {
		t.Fatalf("only unread alerts should be marked")
	}
	if got := fc.body("PUT alerts/a1"); !strings.Contains(got, `"read_status":"read"`) {
		t.Fatalf("unexpected mark-read body %q", got)
	}
}

func TestDownloadMapIsCached(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	fc, client := newFakeCloud(t)
	s := newTestSession(t, clk, client, Config{}, Deps{})

	for i := 0; i < 2; i++ {
		svg, err := s.DownloadMap(context.Background())
		if err != nil {
			t.Fatalf("DownloadMap returned error: %v", err)
		}
		if string(svg) != "<svg/>" {
			t.Fatalf("unexpected map %q", svg)
		}
	}
	if got := fc.count("GET alms/" + serial + "/map"); got != 1 {
		t.Fatalf("expected one map download, got %d", got)
	}
}

func TestUnknownStateIsNotCachedUntilAccepted(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	fc, client := newFakeCloud(t)
	fc.setState(`{"state": 0}`)
	s := newTestSession(t, clk, client, Config{}, Deps{})

	err := s.pollState(context.Background(), poller.StateRequest{})
	if !errors.Is(err, model.ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
	if _, ok := s.cache.Peek(model.KeyState); ok {
		t.Fatalf("an unknown state must not be cached")
	}
	if err := s.pollState(context.Background(), poller.StateRequest{AcceptUnknown: true}); err != nil {
		t.Fatalf("accepted read returned error: %v", err)
	}
	if _, ok := s.cache.Peek(model.KeyState); !ok {
		t.Fatalf("the accepted state should be cached")
	}
}

func TestStateFollowUpsAndAdaptiveInterval(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	fc, client := newFakeCloud(t)
	s := newTestSession(t, clk, client, Config{AdaptivePosition: true}, Deps{})
	ctx := context.Background()

	if err := s.pollState(ctx, poller.StateRequest{}); err != nil {
		t.Fatalf("pollState returned error: %v", err)
	}
	if s.positionLoop.Interval() != DefaultIdlePositionInterval {
		t.Fatalf("docked mower should use the idle interval, got %s", s.positionLoop.Interval())
	}
	if fc.count("GET alms/"+serial+"/operatingData") != 0 || fc.count("GET alms/"+serial+"/alerts") != 0 {
		t.Fatalf("a docked state without error needs no follow-up")
	}
	if err := s.pollPosition(ctx); err != nil {
		t.Fatalf("pollPosition returned error: %v", err)
	}
	if got := fc.count(statePath); got != 1 {
		t.Fatalf("position polling must skip a docked mower, got %d state reads", got)
	}

	fc.setState(`{"state": 518, "error": 151, "svg_xPos": 11, "svg_yPos": 21}`)
	if err := s.pollState(ctx, poller.StateRequest{}); err != nil {
		t.Fatalf("pollState returned error: %v", err)
	}
	if s.positionLoop.Interval() != DefaultPositionInterval {
		t.Fatalf("mowing should switch to the fast interval, got %s", s.positionLoop.Interval())
	}
	if fc.count("GET alms/"+serial+"/operatingData") != 1 {
		t.Fatalf("mowing should refresh operating data")
	}
	if fc.count("GET alms/"+serial+"/alerts") != 1 {
		t.Fatalf("a changed error code should refresh alerts")
	}
	if err := s.pollPosition(ctx); err != nil {
		t.Fatalf("pollPosition returned error: %v", err)
	}
	if got := fc.count(statePath); got != 3 {
		t.Fatalf("expected a position read while mowing, got %d state reads", got)
	}
}

func TestMowingPositionReadsPublishWithinDebounce(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	fc, client := newFakeCloud(t)
	rec := &recorder{}
	s := newTestSession(t, clk, client, Config{}, Deps{Sinks: []publish.Sink{rec}})
	ctx := context.Background()

	fc.setState(`{"state": 518, "svg_xPos": 10, "svg_yPos": 20}`)
	if err := s.pollState(ctx, poller.StateRequest{}); err != nil {
		t.Fatalf("pollState returned error: %v", err)
	}
	for i := 1; i <= 2; i++ {
		fc.setState(fmt.Sprintf(`{"state": 518, "svg_xPos": %d, "svg_yPos": 20}`, 10+i))
		clk.Advance(DefaultPositionInterval)
		if err := s.pollPosition(ctx); err != nil {
			t.Fatalf("pollPosition returned error: %v", err)
		}
	}

	states := rec.of(publish.EventState)
	if len(states) != 1 {
		t.Fatalf("expected one state publish within the debounce window, got %d", len(states))
	}
	if got := states[0].State; got.StateCode != 518 || got.Position == nil || got.Position.X != 11 {
		t.Fatalf("unexpected published snapshot %+v", got)
	}
	pending, ok := s.publisher.Pending()
	if !ok || pending.Position == nil || pending.Position.X != 12 {
		t.Fatalf("the newest position should wait for the next window, got %+v", pending)
	}
}

func TestAvailabilityIgnoresThrottling(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	_, client := newFakeCloud(t)
	rec := &recorder{}
	s := newTestSession(t, clk, client, Config{}, Deps{Sinks: []publish.Sink{rec}})

	if _, err := s.GetState(context.Background(), false); err != nil {
		t.Fatalf("GetState returned error: %v", err)
	}
	throttled := &indego.APIError{Kind: indego.KindRateLimit, Status: http.StatusTooManyRequests}
	for i := 0; i < 3; i++ {
		s.stateFailed("state", throttled)
		clk.Advance(20 * time.Second)
	}
	if got := s.Diagnostics().Availability.Failures; got != 0 {
		t.Fatalf("throttling must not count as a device failure, got %d", got)
	}

	serverErr := &indego.APIError{Kind: indego.KindServer, Status: http.StatusBadGateway}
	s.stateFailed("state", serverErr)
	clk.Advance(30 * time.Second)
	s.stateFailed("state", serverErr)
	events := rec.of(publish.EventAvailability)
	if len(events) != 2 || events[0].Status != publish.StatusOnline || events[1].Status != publish.StatusOffline {
		t.Fatalf("unexpected availability events %+v", events)
	}
}

func TestStartPublishesAndShutdownStopsEverything(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	fc, client := newFakeCloud(t)
	rec := &recorder{}
	restored := model.MowerState{Serial: serial, StateCode: 260, Description: "Docked", Detail: "Charging", Online: true}
	s := newTestSession(t, clk, client, Config{}, Deps{Sinks: []publish.Sink{rec}, Store: memStore{state: restored, ok: true}})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if published, ok := s.Published(); !ok || published.StateCode != 260 {
		t.Fatalf("expected the restored state, got %+v", published)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.publisher.Pending(); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := s.publisher.Pending(); !ok {
		t.Fatalf("expected the long-poll result to be pending")
	}
	clk.Advance(DefaultDebounce)
	states := rec.of(publish.EventState)
	if len(states) != 1 || states[0].State.StateCode != 258 {
		t.Fatalf("unexpected state events %+v", states)
	}

	deadline = time.Now().Add(2 * time.Second)
	for fc.count("GET alms/"+serial+"/predictive/calendar") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fc.count("GET alms/"+serial+"/predictive/calendar") != 1 {
		t.Fatalf("expected the bundle loop to run on start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if !s.Diagnostics().Closed || len(s.Diagnostics().Tasks) != 0 {
		t.Fatalf("expected a closed session without tasks, got %+v", s.Diagnostics())
	}
	if _, err := s.GetState(context.Background(), true); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected Start after Shutdown to fail, got %v", err)
	}

	before := len(rec.of(publish.EventState))
	clk.Advance(24 * time.Hour)
	if after := len(rec.of(publish.EventState)); after != before {
		t.Fatalf("no state may be published after shutdown")
	}
}
