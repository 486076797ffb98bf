package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/wakewire/internal/types"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a detection id does not exist.
var ErrNotFound = errors.New("detection not found")

// Detection is a stored detection event plus its optional review label.
type Detection struct {
	ID int64
	types.DetectionEvent
	Label *bool // nil until reviewed
}

// Store keeps detections and session summaries in PostgreSQL.
type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS wake_sessions (
			id TEXT PRIMARY KEY,
			remote TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			frames BIGINT NOT NULL,
			detections BIGINT NOT NULL,
			timeouts BIGINT NOT NULL,
			malformed BIGINT NOT NULL,
			reason TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS wake_detections (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			model TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			frame_index BIGINT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			label BOOLEAN
		);
		CREATE INDEX IF NOT EXISTS wake_detections_session_idx ON wake_detections (session_id);
		CREATE INDEX IF NOT EXISTS wake_detections_model_idx ON wake_detections (model);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// RecordDetection saves one positive verdict.
func (s *Store) RecordDetection(ctx context.Context, ev types.DetectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO wake_detections (session_id, model, score, threshold, frame_index, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.SessionID, ev.Model, ev.Score, ev.Threshold, ev.FrameIndex, ev.DetectedAt)
	return err
}

// RecordSession upserts the summary of a finished session.
func (s *Store) RecordSession(ctx context.Context, sum types.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO wake_sessions (id, remote, started_at, ended_at, frames, detections, timeouts, malformed, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			frames = EXCLUDED.frames,
			detections = EXCLUDED.detections,
			timeouts = EXCLUDED.timeouts,
			malformed = EXCLUDED.malformed,
			reason = EXCLUDED.reason
	`, sum.ID, sum.Remote, sum.StartedAt, sum.EndedAt, sum.Frames, sum.Detections, sum.Timeouts, sum.Malformed, sum.Reason)
	return err
}

// ListDetections returns the most recent detections, newest first. A model
// filter of "" matches all models; limit <= 0 means no limit.
func (s *Store) ListDetections(ctx context.Context, model string, limit int) ([]Detection, error) {
	query := `
		SELECT id, session_id, model, score, threshold, frame_index, detected_at, label
		FROM wake_detections
		WHERE $1 = '' OR model = $1
		ORDER BY detected_at DESC, id DESC`
	args := []any{model}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var d Detection
		var at time.Time
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Model, &d.Score, &d.Threshold, &d.FrameIndex, &at, &d.Label); err != nil {
			return nil, err
		}
		d.DetectedAt = at
		out = append(out, d)
	}
	return out, rows.Err()
}

// LabelDetection marks a detection as a true or false positive.
func (s *Store) LabelDetection(ctx context.Context, id int64, truePositive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, "UPDATE wake_detections SET label = $1 WHERE id = $2", truePositive, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS wake_detections CASCADE;
		DROP TABLE IF EXISTS wake_sessions CASCADE;
	`)
	return err
}
