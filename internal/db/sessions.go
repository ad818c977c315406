package db

import (
	"context"
	"fmt"
	"time"
)

// Session identifies one run of the monitor.
type Session struct {
	ID        string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

// RecordSession stores s, replacing any earlier row with the same ID.
func (db *DB) RecordSession(ctx context.Context, s Session) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (session_id, started_at, source, version) VALUES (?, ?, ?, ?)`,
		s.ID, s.StartedAt.UnixNano(), s.Source, s.Version,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Sessions returns every recorded session, most recent first.
func (db *DB) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, started_at, source, version FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		var (
			s  Session
			ts int64
		)
		if err := rows.Scan(&s.ID, &ts, &s.Source, &s.Version); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = time.Unix(0, ts).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}
