// Package eventstore keeps a SQLite journal of capture sessions. It records
// lifecycle only: when a session ran, on which device, how it ended and what
// it dropped. Transcript text is never written.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

// Journal entry types written by the session controller.
const (
	TypeSessionStarted = "session.started"
	TypeSessionStopped = "session.stopped"
	TypeDeviceSwitched = "session.device_switched"
	TypeSessionError   = "session.error"
)

// Event is one lifecycle entry. Payload is JSON.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is what a session reports when it ends.
type Summary struct {
	Reason        string `json:"end_reason,omitempty"`
	Chunks        uint64 `json:"chunks"`
	Transcribed   uint64 `json:"transcribed"`
	FramesDropped uint64 `json:"frames_dropped"`
	ChunksDropped uint64 `json:"chunks_dropped"`
}

// Session is one journal row. EndedAt is nil while the session runs.
type Session struct {
	ID        string     `json:"id"`
	Device    string     `json:"device"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Summary
}

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE sessions (
    session_id TEXT PRIMARY KEY,
    device TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    end_reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    trace_id TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX idx_events_session_created ON events(session_id, created_at);`,
	`ALTER TABLE sessions ADD COLUMN chunks INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN transcribed INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN frames_dropped INTEGER NOT NULL DEFAULT 0;
ALTER TABLE sessions ADD COLUMN chunks_dropped INTEGER NOT NULL DEFAULT 0;`,
}

// Store is the journal. With retention mode "ephemeral" it accepts every
// write and remembers nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open creates or upgrades the journal at cfg.Path and applies retention.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log.With(slog.String("component", "journal")), clock: time.Now}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps WAL checkpoints and pragmas on a single connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		s.log.Debug("journal schema migrated", slog.Int("version", i+1))
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.db == nil
}

// BeginSession records a new session row.
func (s *Store) BeginSession(ctx context.Context, sessionID, device string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, device, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET device = excluded.device`,
		sessionID, device, s.clock().UTC())
	return err
}

// EndSession stamps the end time and summary on a session row.
func (s *Store) EndSession(ctx context.Context, sessionID string, sum Summary) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ?, chunks = ?, transcribed = ?,
		 frames_dropped = ?, chunks_dropped = ? WHERE session_id = ?`,
		s.clock().UTC(), sum.Reason, sum.Chunks, sum.Transcribed, sum.FramesDropped, sum.ChunksDropped, sessionID)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, event_type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt.UTC())
	return err
}

// ListSessionEvents returns up to limit events of one session, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at, id LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var created timestamp
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TraceID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = created.t
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListSessions returns up to limit sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, device, started_at, ended_at, end_reason, chunks, transcribed, frames_dropped, chunks_dropped
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started, ended timestamp
		if err := rows.Scan(&sess.ID, &sess.Device, &started, &ended, &sess.Reason,
			&sess.Chunks, &sess.Transcribed, &sess.FramesDropped, &sess.ChunksDropped); err != nil {
			return nil, err
		}
		sess.StartedAt = started.t
		if ended.valid {
			sess.EndedAt = &ended.t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Prune applies retention: sessions older than RetentionDays go first, then
// all but the newest MaxSessions. Events follow their session by cascade.
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var removed int64
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if s.cfg.MaxSessions > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if removed > 0 {
		s.log.Info("journal pruned", slog.Int64("sessions", removed))
	}
	return nil
}

// timestamp scans TIMESTAMP columns whether the driver returns time.Time or
// the stored text.
type timestamp struct {
	t     time.Time
	valid bool
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func (ts *timestamp) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*ts = timestamp{}
		return nil
	case time.Time:
		ts.t, ts.valid = x, true
		return nil
	case []byte:
		return ts.parse(string(x))
	case string:
		return ts.parse(x)
	default:
		return fmt.Errorf("unsupported timestamp value %T", v)
	}
}

func (ts *timestamp) parse(text string) error {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			ts.t, ts.valid = t, true
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", text)
}
