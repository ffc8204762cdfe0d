package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const defaultHistoryLimit = 1000

type Repository struct {
	db           *sql.DB
	logger       *slog.Logger
	historyLimit int
}

func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	repo := &Repository{db: db, logger: logger, historyLimit: defaultHistoryLimit}
	if err := repo.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// SetHistoryLimit bounds the state history kept per mower.
func (r *Repository) SetHistoryLimit(n int) {
	if n > 0 {
		r.historyLimit = n
	}
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS mower_state (
			serial TEXT PRIMARY KEY,
			state_code INTEGER NOT NULL,
			online INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			serial TEXT NOT NULL,
			state_code INTEGER NOT NULL,
			description TEXT NOT NULL,
			detail TEXT NOT NULL,
			error_code INTEGER,
			online INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS availability_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			serial TEXT NOT NULL,
			status TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS resources (
			serial TEXT NOT NULL,
			resource TEXT NOT NULL,
			value_json TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			PRIMARY KEY (serial, resource)
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			account TEXT PRIMARY KEY,
			refresh_token TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	if _, err := r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_state_history_serial ON state_history(serial, id);`); err != nil {
		return err
	}
	return nil
}

func toTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func fromTime(v time.Time) string {
	return v.UTC().Format(time.RFC3339Nano)
}

func fromIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
