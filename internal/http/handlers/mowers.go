package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/micro-ha/indego-sync/internal/model"
)

func parseForce(r *http.Request) (bool, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("force"))
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	return v, err == nil
}

// ListMowers returns the configured mowers with their published state.
func (a *API) ListMowers(w http.ResponseWriter, _ *http.Request) {
	items := make([]map[string]any, 0, len(a.serials))
	for _, serial := range a.serials {
		d := a.mowers[serial].Diagnostics()
		items = append(items, map[string]any{
			"serial":       serial,
			"availability": d.Availability.Status,
			"state":        d.Published,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetState returns the mower state, refreshed when stale or forced.
func (a *API) GetState(w http.ResponseWriter, r *http.Request, serial string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	force, valid := parseForce(r)
	if !valid {
		writeError(w, http.StatusBadRequest, "invalid_force", "force must be true or false")
		return
	}
	state, err := m.GetState(r.Context(), force)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetResource returns one cached resource by key.
func (a *API) GetResource(w http.ResponseWriter, r *http.Request, serial, rawKey string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	key, known := model.ParseResourceKey(rawKey)
	if !known {
		writeError(w, http.StatusNotFound, "unknown_resource", "Unknown resource "+rawKey)
		return
	}
	force, valid := parseForce(r)
	if !valid {
		writeError(w, http.StatusBadRequest, "invalid_force", "force must be true or false")
		return
	}
	value, err := m.GetResource(r.Context(), key, force)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

type commandInput struct {
	Command string `json:"command"`
}

// SendCommand sends mow, pause or returnToDock.
func (a *API) SendCommand(w http.ResponseWriter, r *http.Request, serial string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	var payload commandInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if err := m.SendCommand(r.Context(), strings.TrimSpace(payload.Command)); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

type mowModeInput struct {
	Enabled *bool `json:"enabled"`
}

func (a *API) SetMowMode(w http.ResponseWriter, r *http.Request, serial string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	var payload mowModeInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "enabled must be true or false")
		return
	}
	if err := m.SetMowMode(r.Context(), *payload.Enabled); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func parseIndex(w http.ResponseWriter, raw string) (int, bool) {
	index, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_index", "alert index must be a number")
		return 0, false
	}
	return index, true
}

// DeleteAlert deletes the alert at the 1-based index.
func (a *API) DeleteAlert(w http.ResponseWriter, r *http.Request, serial, rawIndex string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	index, ok := parseIndex(w, rawIndex)
	if !ok {
		return
	}
	if err := m.DeleteAlert(r.Context(), index); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) MarkAlertRead(w http.ResponseWriter, r *http.Request, serial, rawIndex string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	index, ok := parseIndex(w, rawIndex)
	if !ok {
		return
	}
	if err := m.MarkAlertRead(r.Context(), index); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) DeleteAllAlerts(w http.ResponseWriter, r *http.Request, serial string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	if err := m.DeleteAllAlerts(r.Context()); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) MarkAllAlertsRead(w http.ResponseWriter, r *http.Request, serial string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	if err := m.MarkAllAlertsRead(r.Context()); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// Map serves the garden map as SVG.
func (a *API) Map(w http.ResponseWriter, r *http.Request, serial string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	svg, err := m.DownloadMap(r.Context())
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(svg)
}

// Refresh triggers an immediate refresh of every loop of one mower.
func (a *API) Refresh(w http.ResponseWriter, _ *http.Request, serial string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	m.Refresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) Diagnostics(w http.ResponseWriter, _ *http.Request, serial string) {
	m, ok := a.mower(w, serial)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Diagnostics())
}

// History returns persisted state changes, newest first.
func (a *API) History(w http.ResponseWriter, r *http.Request, serial string) {
	if _, ok := a.mower(w, serial); !ok {
		return
	}
	if a.history == nil {
		writeError(w, http.StatusNotFound, "history_disabled", "State history is not stored")
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive number")
			return
		}
		limit = v
	}
	items, err := a.history.ListHistory(r.Context(), serial, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
