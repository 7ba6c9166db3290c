// Package store implements the durable event log using SQLite.
//
// The store is the single sequencer for the daemon: Append assigns
// every published event a monotonically increasing sequence number,
// and watchers resume from a cursor with Since.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/watchd-dev/watchd/internal/domain"
	"github.com/watchd-dev/watchd/internal/domain/events"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq    INTEGER PRIMARY KEY AUTOINCREMENT,
	topic  TEXT NOT NULL,
	type   TEXT NOT NULL,
	ts     INTEGER NOT NULL,
	object BLOB
);
CREATE INDEX IF NOT EXISTS idx_events_topic_seq ON events(topic, seq);
`

// Store is a SQLite-backed event log.
type Store struct {
	db     *sql.DB
	dbPath string

	mu     sync.Mutex
	closed bool

	stmtInsert *sql.Stmt
	stmtSince  *sql.Stmt
	stmtLast   *sql.Stmt
}

// Open opens (creating if necessary) the event log at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	// The store is written from publish paths and read from watch
	// replays concurrently; WAL keeps readers off the writer's lock.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("event store pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event store schema: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}

	if s.stmtInsert, err = db.Prepare(
		"INSERT INTO events(topic, type, ts, object) VALUES(?, ?, ?, ?)"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.stmtSince, err = db.Prepare(
		"SELECT seq, topic, type, ts, object FROM events WHERE seq > ? AND (? = '' OR topic = ?) ORDER BY seq LIMIT ?"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.stmtLast, err = db.Prepare(
		"SELECT COALESCE(MAX(seq), 0) FROM events"); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug().Str("path", dbPath).Msg("event store opened")
	return s, nil
}

// Append persists the event and assigns its sequence number. The
// returned event is the stored form, Seq populated.
func (s *Store) Append(event events.Event) (events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return events.Event{}, domain.ErrStoreClosed
	}

	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	res, err := s.stmtInsert.Exec(event.Topic, string(event.Type), event.Time.UnixMilli(), []byte(event.Object))
	if err != nil {
		return events.Event{}, fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return events.Event{}, fmt.Errorf("append event: %w", err)
	}

	event.Seq = seq
	return event, nil
}

// Since returns up to limit events with sequence numbers greater than
// seq, in sequence order. An empty topic matches every topic.
func (s *Store) Since(seq int64, topic string, limit int) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.stmtSince.Query(seq, topic, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []events.Event
	for rows.Next() {
		var (
			ev  events.Event
			typ string
			ts  int64
		)
		if err := rows.Scan(&ev.Seq, &ev.Topic, &typ, &ts, (*[]byte)(&ev.Object)); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = events.EventType(typ)
		ev.Time = time.UnixMilli(ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSeq returns the highest assigned sequence number (0 when empty).
func (s *Store) LastSeq() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, domain.ErrStoreClosed
	}

	var seq int64
	if err := s.stmtLast.QueryRow().Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Prune deletes the oldest events so at most max remain. A max of 0
// or less disables pruning.
func (s *Store) Prune(max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrStoreClosed
	}
	if max <= 0 {
		return nil
	}

	res, err := s.db.Exec(
		"DELETE FROM events WHERE seq <= (SELECT COALESCE(MAX(seq), 0) - ? FROM events)", max)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Debug().Int64("pruned", n).Msg("event store pruned")
	}
	return nil
}

// Close closes the store. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.stmtInsert, s.stmtSince, s.stmtLast} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
