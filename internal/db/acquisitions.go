package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/gnss-integrity/internal/state"
)

const (
	// MaxHistoryLimit caps a single history query.
	MaxHistoryLimit = 10000
	// DefaultHistoryLimit applies when no limit is given: the whole history up
	// to the cap.
	DefaultHistoryLimit = MaxHistoryLimit
)

// Acquisition is one persisted cycle. HPL is nil for cycles recorded before
// the first protection level was available.
type Acquisition struct {
	ID         int64     `json:"-"`
	SessionID  string    `json:"session_id"`
	Cycle      uint64    `json:"cycle"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	HasFix     bool      `json:"has_fix"`
	HPL        *float64  `json:"hpl"`
	Satellites int       `json:"satellites"`
	Timestamp  time.Time `json:"timestamp"`
}

// HistoryQuery filters Acquisitions. Zero values mean no filter, except
// Limit which falls back to DefaultHistoryLimit.
type HistoryQuery struct {
	Limit     int
	Since     time.Time
	Until     time.Time
	SessionID string
}

func (q HistoryQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return q.Limit
	}
}

// RecordSnapshot stores the state at the end of one cycle.
func (db *DB) RecordSnapshot(ctx context.Context, snap state.Snapshot) error {
	at := snap.At
	if at.IsZero() {
		at = time.Now()
	}
	var hpl sql.NullFloat64
	if snap.HPL != nil {
		hpl = sql.NullFloat64{Float64: *snap.HPL, Valid: true}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO acquisitions (
			session_id, cycle, latitude, longitude, has_fix, hpl, satellites, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SessionID, int64(snap.Cycle), snap.Position.Latitude, snap.Position.Longitude,
		snap.HasFix(), hpl, snap.Satellites, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert acquisition: %w", err)
	}
	return nil
}

// Acquisitions returns recorded cycles newest first.
func (db *DB) Acquisitions(ctx context.Context, q HistoryQuery) ([]Acquisition, error) {
	var (
		where []string
		args  []any
	)
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, q.Until.UnixNano())
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}

	query := `SELECT id, session_id, cycle, latitude, longitude, has_fix, hpl, satellites, timestamp
		FROM acquisitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query acquisitions: %w", err)
	}
	defer rows.Close()

	out := []Acquisition{}
	for rows.Next() {
		var (
			a     Acquisition
			cycle int64
			hpl   sql.NullFloat64
			ts    int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &cycle, &a.Latitude, &a.Longitude, &a.HasFix, &hpl, &a.Satellites, &ts); err != nil {
			return nil, fmt.Errorf("scan acquisition: %w", err)
		}
		a.Cycle = uint64(cycle)
		if hpl.Valid {
			v := hpl.Float64
			a.HPL = &v
		}
		a.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats summarises the recorded protection levels.
type Stats struct {
	Count   int64     `json:"count"`
	WithHPL int64     `json:"with_hpl"`
	MinHPL  *float64  `json:"min_hpl"`
	MaxHPL  *float64  `json:"max_hpl"`
	MeanHPL *float64  `json:"mean_hpl"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
}

// Stats aggregates over all cycles, or one session when sessionID is set.
func (db *DB) Stats(ctx context.Context, sessionID string) (Stats, error) {
	query := `SELECT COUNT(*), COUNT(hpl), MIN(hpl), MAX(hpl), AVG(hpl), MIN(timestamp), MAX(timestamp)
		FROM acquisitions`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}

	var (
		s                   Stats
		minHPL, maxHPL, avg sql.NullFloat64
		first, last         sql.NullInt64
	)
	if err := db.QueryRowContext(ctx, query, args...).Scan(&s.Count, &s.WithHPL, &minHPL, &maxHPL, &avg, &first, &last); err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	s.MinHPL = nullableFloat(minHPL)
	s.MaxHPL = nullableFloat(maxHPL)
	s.MeanHPL = nullableFloat(avg)
	if first.Valid {
		s.First = time.Unix(0, first.Int64).UTC()
	}
	if last.Valid {
		s.Last = time.Unix(0, last.Int64).UTC()
	}
	return s, nil
}

// Prune deletes cycles recorded before cutoff and returns how many went.
func (db *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM acquisitions WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune acquisitions: %w", err)
	}
	return res.RowsAffected()
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
