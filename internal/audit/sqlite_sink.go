package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	type       TEXT NOT NULL,
	tenant_id  TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	severity   TEXT NOT NULL,
	risk_score REAL NOT NULL DEFAULT 0,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events(tenant_id, ts);
`

// SQLiteSink stores events in a local SQLite table so analytics survive
// restarts.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	// one writer; avoids SQLITE_BUSY under concurrent appends
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: apply sqlite schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Name implements Sink.
func (s *SQLiteSink) Name() string { return "sqlite" }

// Write implements Sink.
func (s *SQLiteSink) Write(ctx context.Context, ev *Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_events (id, ts, type, tenant_id, user_id, severity, risk_score, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp.UnixMilli(), string(ev.Type), ev.TenantID, ev.UserID,
		severityOf(ev), ev.RiskScore, string(body))
	if err != nil {
		return fmt.Errorf("audit: sqlite insert: %w", err)
	}
	return nil
}

// Purge implements Purger.
func (s *SQLiteSink) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("audit: sqlite purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: sqlite purge: %w", err)
	}
	return int(n), nil
}

// Recent loads events newer than since, oldest first.
func (s *SQLiteSink) Recent(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM audit_events WHERE ts >= ? ORDER BY ts ASC`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("audit: sqlite query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("audit: sqlite scan: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("audit: decode stored event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the number of stored events.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: sqlite count: %w", err)
	}
	return n, nil
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
