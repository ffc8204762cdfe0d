package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/micro-ha/indego-sync/internal/model"
	"github.com/micro-ha/indego-sync/internal/publish"
)

var ErrNotFound = errors.New("not found")

// HistoryEntry is one committed state change.
type HistoryEntry struct {
	StateCode   int       `json:"state_code"`
	Description string    `json:"description"`
	Detail      string    `json:"detail"`
	ErrorCode   *int      `json:"error_code,omitempty"`
	Online      bool      `json:"online"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// AvailabilityEntry is one online/offline transition.
type AvailabilityEntry struct {
	Status     publish.Status `json:"status"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// LoadState returns the last known good state of serial.
func (r *Repository) LoadState(ctx context.Context, serial string) (model.MowerState, bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT state_json FROM mower_state WHERE serial = ?`, serial).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MowerState{}, false, nil
	}
	if err != nil {
		return model.MowerState{}, false, err
	}
	var state model.MowerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return model.MowerState{}, false, fmt.Errorf("decode stored state of %s: %w", serial, err)
	}
	return state, true, nil
}

// SaveState replaces the last known state and appends it to the history.
func (r *Repository) SaveState(ctx context.Context, state model.MowerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	at := state.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mower_state (serial, state_code, online, state_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			state_code=excluded.state_code,
			online=excluded.online,
			state_json=excluded.state_json,
			updated_at=excluded.updated_at`,
		state.Serial, state.StateCode, state.Online, string(raw), fromTime(at),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_history (serial, state_code, description, detail, error_code, online, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.Serial, state.StateCode, state.Description, state.Detail, fromIntPtr(state.ErrorCode), state.Online, fromTime(at),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM state_history
		WHERE serial = ? AND id NOT IN (
			SELECT id FROM state_history WHERE serial = ? ORDER BY id DESC LIMIT ?
		)`,
		state.Serial, state.Serial, r.historyLimit,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ListHistory returns up to limit history entries of serial, newest first.
func (r *Repository) ListHistory(ctx context.Context, serial string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > r.historyLimit {
		limit = r.historyLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT state_code, description, detail, error_code, online, recorded_at
		FROM state_history
		WHERE serial = ?
		ORDER BY id DESC
		LIMIT ?`, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var (
			entry      HistoryEntry
			errorCode  sql.NullInt64
			recordedAt string
		)
		if err := rows.Scan(&entry.StateCode, &entry.Description, &entry.Detail, &errorCode, &entry.Online, &recordedAt); err != nil {
			return nil, err
		}
		entry.ErrorCode = intPtr(errorCode)
		entry.RecordedAt = toTime(recordedAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// RecordAvailability logs a transition and updates the online flag of the
// stored state.
func (r *Repository) RecordAvailability(ctx context.Context, serial string, status publish.Status, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO availability_log (serial, status, recorded_at) VALUES (?, ?, ?)`,
		serial, string(status), fromTime(at)); err != nil {
		return err
	}
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT state_json FROM mower_state WHERE serial = ?`, serial).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		var state model.MowerState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return fmt.Errorf("decode stored state of %s: %w", serial, err)
		}
		state.Online = status == publish.StatusOnline
		updated, err := json.Marshal(state)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE mower_state SET online = ?, state_json = ? WHERE serial = ?`,
			state.Online, string(updated), serial); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) ListAvailability(ctx context.Context, serial string, limit int) ([]AvailabilityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, recorded_at FROM availability_log
		WHERE serial = ?
		ORDER BY id DESC
		LIMIT ?`, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []AvailabilityEntry{}
	for rows.Next() {
		var status, recordedAt string
		if err := rows.Scan(&status, &recordedAt); err != nil {
			return nil, err
		}
		out = append(out, AvailabilityEntry{Status: publish.Status(status), RecordedAt: toTime(recordedAt)})
	}
	return out, rows.Err()
}

// SaveResource keeps the latest fetched value of a resource.
func (r *Repository) SaveResource(ctx context.Context, serial string, key model.ResourceKey, value any, at time.Time) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO resources (serial, resource, value_json, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(serial, resource) DO UPDATE SET
			value_json=excluded.value_json,
			fetched_at=excluded.fetched_at`,
		serial, string(key), string(raw), fromTime(at))
	return err
}

// LoadResource returns the stored JSON of a resource.
func (r *Repository) LoadResource(ctx context.Context, serial string, key model.ResourceKey) (json.RawMessage, time.Time, error) {
	var raw, fetchedAt string
	err := r.db.QueryRowContext(ctx, `SELECT value_json, fetched_at FROM resources WHERE serial = ? AND resource = ?`,
		serial, string(key)).Scan(&raw, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return json.RawMessage(raw), toTime(fetchedAt), nil
}

func (r *Repository) SaveRefreshToken(ctx context.Context, account, token string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tokens (account, refresh_token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			refresh_token=excluded.refresh_token,
			updated_at=excluded.updated_at`,
		account, token, fromTime(time.Now()))
	return err
}

func (r *Repository) LoadRefreshToken(ctx context.Context, account string) (string, error) {
	var token string
	err := r.db.QueryRowContext(ctx, `SELECT refresh_token FROM tokens WHERE account = ?`, account).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return token, err
}

// Publish persists published events. Resource maps are not stored.
func (r *Repository) Publish(ctx context.Context, ev publish.Event) error {
	switch ev.Kind {
	case publish.EventState:
		if ev.State == nil {
			return nil
		}
		return r.SaveState(ctx, *ev.State)
	case publish.EventAvailability:
		return r.RecordAvailability(ctx, ev.Serial, ev.Status, ev.At)
	case publish.EventResource:
		if ev.Resource == model.KeyMap {
			return nil
		}
		return r.SaveResource(ctx, ev.Serial, ev.Resource, ev.Value, ev.At)
	default:
		return nil
	}
}
