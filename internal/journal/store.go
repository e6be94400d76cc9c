// Package journal persists speech boundary events to a local SQLite
// database. Only events and session metadata are stored, never audio.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/corvexai/segment-gateway/internal/observability"
	"github.com/corvexai/segment-gateway/internal/sink"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	stream_sid  TEXT NOT NULL DEFAULT '',
	sample_rate INTEGER NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS segment_events (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	kind           TEXT NOT NULL,
	offset_samples INTEGER NOT NULL,
	offset_seconds REAL NOT NULL,
	emitted_at     TIMESTAMP NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_segment_events_session ON segment_events(session_id, emitted_at);
CREATE INDEX IF NOT EXISTS idx_segment_events_emitted ON segment_events(emitted_at);
`

// Config controls where and how long events are kept.
type Config struct {
	Path          string
	RetentionDays int
	Ephemeral     bool // Keep nothing; every write is a no-op
}

// Store writes segment events to SQLite.
type Store struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Open opens the journal database, creating the file and schema as needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{cfg: cfg, now: time.Now}
	if cfg.Ephemeral {
		return s, nil
	}
	if cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	s.db = db
	return s, nil
}

// AppendSession records the start of a media stream session. Re-announcing
// an existing session updates its stream SID.
func (s *Store) AppendSession(ctx context.Context, sessionID, streamSID string, sampleRate int) error {
	if s.db == nil {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, stream_sid, sample_rate, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET stream_sid = excluded.stream_sid`,
		sessionID, streamSID, sampleRate, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	observability.RecordJournalWrite()
	return nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ?`,
		s.now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	observability.RecordJournalWrite()
	return nil
}

// AppendEvent records one speech boundary event.
func (s *Store) AppendEvent(ctx context.Context, event sink.Event) error {
	if s.db == nil {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segment_events (id, session_id, kind, offset_samples, offset_seconds, emitted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, event.Kind, event.OffsetSamples, event.OffsetSeconds, event.EmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	observability.RecordJournalWrite()
	return nil
}

// ListSessionEvents returns a session's events in emit order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string) ([]sink.Event, error) {
	if s.db == nil {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.session_id, s.stream_sid, e.kind, e.offset_samples, e.offset_seconds, s.sample_rate, e.emitted_at
		 FROM segment_events e
		 JOIN sessions s ON s.id = e.session_id
		 WHERE e.session_id = ?
		 ORDER BY e.emitted_at, e.offset_samples`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []sink.Event
	for rows.Next() {
		var event sink.Event
		if err := rows.Scan(
			&event.ID, &event.SessionID, &event.StreamSID, &event.Kind,
			&event.OffsetSamples, &event.OffsetSeconds, &event.SampleRate, &event.EmittedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window, then sessions that
// no longer have any events. Returns the number of events deleted.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.db == nil || s.cfg.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM segment_events WHERE emitted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE started_at < ? AND id NOT IN (SELECT DISTINCT session_id FROM segment_events)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// RunPruneLoop prunes on the given interval until the context is cancelled.
func (s *Store) RunPruneLoop(ctx context.Context, interval time.Duration) {
	if s.db == nil || s.cfg.RetentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := observability.GetLogger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Prune(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Journal prune failed")
				continue
			}
			if deleted > 0 {
				logger.Info().Int64("deleted", deleted).Msg("Journal pruned")
			}
		}
	}
}

// Healthy reports whether the database answers a ping.
func (s *Store) Healthy(ctx context.Context) (bool, error) {
	if s.db == nil {
		return true, nil // Ephemeral mode has nothing to check
	}
	if err := s.db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SinkAdapter exposes a Store as an event sink for fanout registration.
type SinkAdapter struct {
	store *Store
}

// AsSink wraps the store so the fanout can feed it
func (s *Store) AsSink() *SinkAdapter {
	return &SinkAdapter{store: s}
}

// Name implements sink.Sink
func (a *SinkAdapter) Name() string { return "journal" }

// Publish implements sink.Sink
func (a *SinkAdapter) Publish(ctx context.Context, event sink.Event) error {
	return a.store.AppendEvent(ctx, event)
}

// Close implements sink.Sink. The store's lifetime is managed by the server,
// so closing the adapter does not close the database.
func (a *SinkAdapter) Close() error { return nil }
