package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository reads sessions and writes attendance rows in Postgres.
// The schema belongs to the scheduling subsystem.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetSession returns the session with its optional geofence.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, start_time, end_time, latitude, longitude, geo_radius
		FROM course_sessions WHERE id = $1
	`, id)
	var (
		s                Session
		lat, lon, radius sql.NullFloat64
	)
	if err := row.Scan(&s.ID, &s.StartTime, &s.EndTime, &lat, &lon, &radius); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	s.Latitude = nullable(lat)
	s.Longitude = nullable(lon)
	s.RadiusMeters = nullable(radius)
	return s, nil
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// InsertIfAbsent writes rec unless a row for (user_id, session_id) exists.
// The unique constraint decides: an existing row is left untouched.
func (r *Repository) InsertIfAbsent(ctx context.Context, rec Record) (bool, error) {
	if rec.UserID == "" || rec.SessionID == "" {
		return false, errors.New("user and session required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CheckInAt.IsZero() {
		rec.CheckInAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (id, user_id, session_id, method, status, check_in_at, latitude, longitude)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id, session_id) DO NOTHING
	`, rec.ID, rec.UserID, rec.SessionID, string(rec.Method), string(rec.Status), rec.CheckInAt, rec.Latitude, rec.Longitude)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListBySession returns the persisted records of a session, newest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, method, status, check_in_at, latitude, longitude, created_at
		FROM attendance
		WHERE session_id = $1
		ORDER BY check_in_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var (
			rec      Record
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.Method, &rec.Status, &rec.CheckInAt, &lat, &lon, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Latitude, rec.Longitude = nullable(lat), nullable(lon)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountBySession returns how many participants checked in to a session.
func (r *Repository) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

// VerifyUniqueConstraint checks that attendance has a unique index on
// exactly (user_id, session_id). Overlapping drains rely on it.
func (r *Repository) VerifyUniqueConstraint(ctx context.Context) error {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM pg_index i
		JOIN pg_class t ON t.oid = i.indrelid
		WHERE t.relname = 'attendance'
		  AND i.indisunique
		  AND (
			SELECT array_agg(a.attname::text ORDER BY a.attname)
			FROM pg_attribute a
			WHERE a.attrelid = t.oid AND a.attnum = ANY(i.indkey)
		  ) = ARRAY['session_id', 'user_id']
	`).Scan(&n)
	if err != nil {
		return fmt.Errorf("verify unique constraint: %w", err)
	}
	if n == 0 {
		return ErrConstraintMissing
	}
	return nil
}
