// Package session persists execution sessions and their artifacts.
//
// The store is append-only per session: plans, task results, gate reports
// and checkpoints accumulate as rows and are never mutated. The orchestrator
// is the single writer; workers never touch the store directly.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const instrumentationName = "github.com/fyrsmithlabs/planexec/internal/session"

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Store provides durable session and artifact persistence.
type Store interface {
	// CreateSession creates a new session in the planning phase.
	CreateSession(ctx context.Context, kind WorkflowKind) (*Session, error)

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions retrieves all sessions, newest first.
	ListSessions(ctx context.Context) ([]*Session, error)

	// UpdatePhase advances the session phase.
	UpdatePhase(ctx context.Context, id string, phase Phase) error

	// SetPlanVersion records the active plan model version.
	SetPlanVersion(ctx context.Context, id string, version int) error

	// AppendArtifact appends one artifact record; payload is JSON-encoded.
	AppendArtifact(ctx context.Context, sessionID string, kind ArtifactKind, payload any) (*Artifact, error)

	// Artifacts retrieves a session's artifacts in append order, filtered
	// by kind when kind is non-empty.
	Artifacts(ctx context.Context, sessionID string, kind ArtifactKind) ([]*Artifact, error)

	// Close closes the store.
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	phase TEXT NOT NULL,
	plan_version INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_session_kind ON artifacts(session_id, kind);
`

type store struct {
	db     *sql.DB
	logger *zap.Logger

	meter          metric.Meter
	appendCounter  metric.Int64Counter
	sessionCounter metric.Int64Counter
}

// NewStore opens (or creates) the sqlite-backed store at path.
func NewStore(path string, logger *zap.Logger) (Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &store{
		db:     db,
		logger: logger,
		meter:  otel.Meter(instrumentationName),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	s.initMetrics()
	return s, nil
}

func (s *store) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *store) initMetrics() {
	var err error

	s.appendCounter, err = s.meter.Int64Counter(
		"planexec.session.artifacts_appended_total",
		metric.WithDescription("Total number of artifacts appended"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		s.logger.Warn("failed to create append counter", zap.Error(err))
	}

	s.sessionCounter, err = s.meter.Int64Counter(
		"planexec.session.sessions_created_total",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		s.logger.Warn("failed to create session counter", zap.Error(err))
	}
}

func (s *store) CreateSession(ctx context.Context, kind WorkflowKind) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		Kind:      kind,
		Phase:     PhasePlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, kind, phase, plan_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Kind), string(sess.Phase), sess.PlanVersion,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if s.sessionCounter != nil {
		s.sessionCounter.Add(ctx, 1)
	}
	s.logger.Info("created session",
		zap.String("session_id", sess.ID),
		zap.String("kind", string(kind)),
	)
	return sess, nil
}

func (s *store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, phase, plan_version, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, phase, plan_version, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *store) UpdatePhase(ctx context.Context, id string, phase Phase) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET phase = ?, updated_at = ? WHERE id = ?`,
		string(phase), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to update phase: %w", err)
	}
	return checkAffected(res, id)
}

func (s *store) SetPlanVersion(ctx context.Context, id string, version int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET plan_version = ?, updated_at = ? WHERE id = ?`,
		version, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to set plan version: %w", err)
	}
	return checkAffected(res, id)
}

func (s *store) AppendArtifact(ctx context.Context, sessionID string, kind ArtifactKind, payload any) (*Artifact, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact payload: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (session_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(kind), string(data), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to append artifact: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact seq: %w", err)
	}

	if s.appendCounter != nil {
		s.appendCounter.Add(ctx, 1)
	}
	return &Artifact{
		Seq:       seq,
		SessionID: sessionID,
		Kind:      kind,
		Payload:   data,
		CreatedAt: now,
	}, nil
}

func (s *store) Artifacts(ctx context.Context, sessionID string, kind ArtifactKind) ([]*Artifact, error) {
	query := `SELECT seq, session_id, kind, payload, created_at FROM artifacts WHERE session_id = ?`
	args := []any{sessionID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var (
			a       Artifact
			payload string
			created string
		)
		if err := rows.Scan(&a.Seq, &a.SessionID, (*string)(&a.Kind), &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess             Session
		created, updated string
	)
	err := row.Scan(&sess.ID, (*string)(&sess.Kind), (*string)(&sess.Phase),
		&sess.PlanVersion, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &sess, nil
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
