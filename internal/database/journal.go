package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/events"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Journal is the append-only record of every evaluated job.
type Journal struct {
	db *DB
}

func NewJournal(db *DB) *Journal {
	return &Journal{db: db}
}

type Query struct {
	SessionID string
	Accepted  *bool
	Since     time.Time
	Limit     int
}

// Record appends d. Recording the same decision twice is a no-op.
func (j *Journal) Record(ctx context.Context, d events.Decision) error {
	query := `
		INSERT OR IGNORE INTO decisions (
			id, session_id, strategy, accept, reason, fare, distance_km,
			origin, destination, dispatched, channel, target_x, target_y,
			latency_ms, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var fare, targetX, targetY sql.NullInt64
	var dist sql.NullFloat64
	var origin, dest, channel sql.NullString

	if d.Fare != nil {
		fare = sql.NullInt64{Int64: int64(*d.Fare), Valid: true}
	}
	if d.DistanceKm != nil {
		dist = sql.NullFloat64{Float64: *d.DistanceKm, Valid: true}
	}
	if d.Origin != nil {
		origin = sql.NullString{String: *d.Origin, Valid: true}
	}
	if d.Destination != nil {
		dest = sql.NullString{String: *d.Destination, Valid: true}
	}
	if d.Channel != "" {
		channel = sql.NullString{String: d.Channel, Valid: true}
	}
	if d.Target != nil {
		targetX = sql.NullInt64{Int64: int64(d.Target.X), Valid: true}
		targetY = sql.NullInt64{Int64: int64(d.Target.Y), Valid: true}
	}

	_, err := j.db.conn.ExecContext(ctx, query,
		d.ID,
		d.SessionID,
		d.Strategy,
		d.Accept,
		d.Reason,
		fare,
		dist,
		origin,
		dest,
		d.Dispatched,
		channel,
		targetX,
		targetY,
		d.LatencyMs,
		d.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// List returns matching decisions, newest first.
func (j *Journal) List(ctx context.Context, q Query) ([]events.Decision, error) {
	var where []string
	var args []any

	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Accepted != nil {
		where = append(where, "accept = ?")
		args = append(args, *q.Accepted)
	}
	if !q.Since.IsZero() {
		where = append(where, "decided_at >= ?")
		args = append(args, q.Since.UTC())
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `
		SELECT id, session_id, strategy, accept, reason, fare, distance_km,
			origin, destination, dispatched, channel, target_x, target_y,
			latency_ms, decided_at
		FROM decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY decided_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	decisions := []events.Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return n, nil
}

func scanDecision(rows *sql.Rows) (events.Decision, error) {
	var d events.Decision
	var fare, targetX, targetY sql.NullInt64
	var dist sql.NullFloat64
	var origin, dest, channel sql.NullString

	err := rows.Scan(
		&d.ID,
		&d.SessionID,
		&d.Strategy,
		&d.Accept,
		&d.Reason,
		&fare,
		&dist,
		&origin,
		&dest,
		&d.Dispatched,
		&channel,
		&targetX,
		&targetY,
		&d.LatencyMs,
		&d.At,
	)
	if err != nil {
		return d, fmt.Errorf("failed to scan decision: %w", err)
	}

	if fare.Valid {
		v := int(fare.Int64)
		d.Fare = &v
	}
	if dist.Valid {
		d.DistanceKm = &dist.Float64
	}
	if origin.Valid {
		d.Origin = &origin.String
	}
	if dest.Valid {
		d.Destination = &dest.String
	}
	d.Channel = channel.String
	if targetX.Valid && targetY.Valid {
		d.Target = &dispatch.Point{X: int(targetX.Int64), Y: int(targetY.Int64)}
	}
	return d, nil
}

var _ events.Sink = (*Journal)(nil)
