package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/micro-ha/indego-sync/internal/indego"
	"github.com/micro-ha/indego-sync/internal/model"
	"github.com/micro-ha/indego-sync/internal/ratelimit"
	"github.com/micro-ha/indego-sync/internal/session"
	"github.com/micro-ha/indego-sync/internal/storage"
)

// Mower is the per-device surface exposed over HTTP.
type Mower interface {
	Serial() string
	GetState(ctx context.Context, force bool) (model.MowerState, error)
	GetResource(ctx context.Context, key model.ResourceKey, force bool) (any, error)
	SendCommand(ctx context.Context, cmd string) error
	SetMowMode(ctx context.Context, enabled bool) error
	DeleteAlert(ctx context.Context, index int) error
	MarkAlertRead(ctx context.Context, index int) error
	DeleteAllAlerts(ctx context.Context) error
	MarkAllAlertsRead(ctx context.Context) error
	DownloadMap(ctx context.Context) ([]byte, error)
	Refresh()
	Diagnostics() session.Diagnostics
}

// History reads the persisted state history.
type History interface {
	ListHistory(ctx context.Context, serial string, limit int) ([]storage.HistoryEntry, error)
}

// Pinger checks a backing dependency for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API groups HTTP handlers and dependencies.
type API struct {
	mowers  map[string]Mower
	serials []string
	history History
	db      Pinger
	hub     *Hub
	logger  *slog.Logger
}

// New creates HTTP handlers with explicit dependencies. history, db and hub
// may be nil.
func New(mowers []Mower, history History, db Pinger, hub *Hub, logger *slog.Logger) *API {
	a := &API{
		mowers:  make(map[string]Mower, len(mowers)),
		history: history,
		db:      db,
		hub:     hub,
		logger:  logger,
	}
	for _, m := range mowers {
		a.mowers[m.Serial()] = m
		a.serials = append(a.serials, m.Serial())
	}
	sort.Strings(a.serials)
	return a
}

// Logger returns request logger used by HTTP middleware.
func (a *API) Logger() *slog.Logger {
	return a.logger
}

// Health reports liveness, database reachability and the mower count.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "mowers": len(a.mowers)}
	if a.db != nil {
		if err := a.db.Ping(r.Context()); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) mower(w http.ResponseWriter, serial string) (Mower, bool) {
	m, ok := a.mowers[serial]
	if !ok {
		writeError(w, http.StatusNotFound, "mower_not_found", "Mower not found")
	}
	return m, ok
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// writeFailure maps engine and cloud errors to a response.
func (a *API) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		a.logger.Warn("request failed", "path", r.URL.Path, "code", code, "err", err)
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrShutdown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, session.ErrInvalidCommand):
		return http.StatusBadRequest, "invalid_command"
	case errors.Is(err, session.ErrAlertIndex):
		return http.StatusNotFound, "alert_not_found"
	case errors.Is(err, session.ErrUnknownResource):
		return http.StatusNotFound, "unknown_resource"
	case errors.Is(err, ratelimit.ErrCooldown), errors.Is(err, indego.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, indego.ErrAuthentication):
		return http.StatusBadGateway, "cloud_auth_failed"
	case errors.Is(err, indego.ErrRequest):
		return http.StatusBadGateway, "cloud_rejected"
	case errors.Is(err, model.ErrMalformedPayload):
		return http.StatusBadGateway, "cloud_bad_payload"
	case errors.Is(err, indego.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "cloud_timeout"
	case errors.Is(err, indego.ErrServer), errors.Is(err, indego.ErrNetwork):
		return http.StatusBadGateway, "cloud_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
