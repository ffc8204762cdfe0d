package indego

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type staticTokens string

func (s staticTokens) Token(ctx context.Context) (string, error) {
	_ = ctx
	return string(s), nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClientWithHTTPClient(Config{BaseURL: srv.URL + "/api/v1", Timeout: 2 * time.Second}, staticTokens("tkn"), srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client
}

func TestStateLongPollQueryAndHeaders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/alms/123/state" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("longpoll") != "true" || q.Get("timeout") != "230" || q.Has("forceRefresh") {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tkn" {
			t.Errorf("unexpected authorization %q", got)
		}
		if r.Header.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("missing request id")
		}
		_, _ = w.Write([]byte(`{"state": 258, "svg_xPos": 1, "svg_yPos": 2}`))
	})

	st, err := client.State(context.Background(), "123", StateOptions{LongPoll: true, ServerTimeout: 230 * time.Second})
	if err != nil {
		t.Fatalf("State returned error: %v", err)
	}
	if st.Code != 258 || st.Position == nil {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestStateForceRefreshQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("forceRefresh") != "true" || q.Has("longpoll") {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"state": 518, "svg_xPos": 1, "svg_yPos": 2}`))
	})

	st, err := client.State(context.Background(), "123", StateOptions{ForceRefresh: true})
	if err != nil {
		t.Fatalf("State returned error: %v", err)
	}
	if st.Code != 518 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		sentinel   error
		kind       Kind
		wantAfter  time.Duration
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, sentinel: ErrAuthentication, kind: KindAuth},
		{name: "throttled", status: http.StatusTooManyRequests, retryAfter: "17", sentinel: ErrRateLimited, kind: KindRateLimit, wantAfter: 17 * time.Second},
		{name: "bad request", status: http.StatusBadRequest, sentinel: ErrRequest, kind: KindRequest},
		{name: "not found", status: http.StatusNotFound, sentinel: ErrRequest, kind: KindRequest},
		{name: "server", status: http.StatusBadGateway, sentinel: ErrServer, kind: KindServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_ = r
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				http.Error(w, "nope", tt.status)
			})
			_, err := client.GenericData(context.Background(), "123")
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected %v, got %v", tt.sentinel, err)
			}
			if KindOf(err) != tt.kind {
				t.Fatalf("expected kind %q, got %q", tt.kind, KindOf(err))
			}
			if RetryAfterOf(err) != tt.wantAfter {
				t.Fatalf("expected retry-after %v, got %v", tt.wantAfter, RetryAfterOf(err))
			}
		})
	}
}

func TestMalformedBodyIsDecodeError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r
		_, _ = w.Write([]byte(`{"alm_name": "no serial"}`))
	})
	_, err := client.GenericData(context.Background(), "123")
	if KindOf(err) != KindDecode {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestClientTimeoutIsClassified(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_ = w
	})
	defer close(release)

	_, err := client.State(context.Background(), "123", StateOptions{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestCallerCancellationIsNotClassified(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		_ = w
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := client.Updates(ctx, "123")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if KindOf(err) != "" {
		t.Fatalf("cancellation must not carry an API kind, got %q", KindOf(err))
	}
}

func TestCommandBodies(t *testing.T) {
	type call struct {
		method string
		path   string
		body   map[string]any
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, call{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	if err := client.SendCommand(ctx, "123", CommandReturnToDock); err != nil {
		t.Fatalf("SendCommand returned error: %v", err)
	}
	if err := client.SetMowMode(ctx, "123", true); err != nil {
		t.Fatalf("SetMowMode returned error: %v", err)
	}
	if err := client.MarkAlertRead(ctx, "a1"); err != nil {
		t.Fatalf("MarkAlertRead returned error: %v", err)
	}
	if err := client.DeleteAlert(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAlert returned error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 4 {
		t.Fatalf("expected 4 calls, got %d", len(calls))
	}
	if calls[0].method != http.MethodPut || calls[0].path != "/api/v1/alms/123/state" || calls[0].body["state"] != "returnToDock" {
		t.Fatalf("unexpected command call %+v", calls[0])
	}
	if calls[1].path != "/api/v1/alms/123/predictive" || calls[1].body["enabled"] != true {
		t.Fatalf("unexpected mow mode call %+v", calls[1])
	}
	if calls[2].path != "/api/v1/alerts/a1" || calls[2].body["read_status"] != "read" {
		t.Fatalf("unexpected mark read call %+v", calls[2])
	}
	if calls[3].method != http.MethodDelete || calls[3].path != "/api/v1/alerts/a1" {
		t.Fatalf("unexpected delete call %+v", calls[3])
	}
}

func TestSendCommandRejectsUnknownCommand(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s %s", r.Method, r.URL.Path)
		_ = w
	})
	err := client.SendCommand(context.Background(), "123", "dance")
	if !errors.Is(err, ErrRequest) {
		t.Fatalf("expected ErrRequest, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{value: "", ok: false},
		{value: "30", want: 30 * time.Second, ok: true},
		{value: "-1", ok: false},
		{value: "soon", ok: false},
		{value: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second, ok: true},
		{value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0, ok: true},
	}
	for _, tt := range tests {
		got, ok := ParseRetryAfter(tt.value, now)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("ParseRetryAfter(%q) = %v, %v; want %v, %v", tt.value, got, ok, tt.want, tt.ok)
		}
	}
}
