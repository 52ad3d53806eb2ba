// SPDX-License-Identifier: MIT
//
// Package history persists coordinator events (sessions joining and
// leaving, promotions, code issuance, pattern switches) to a SQLite
// file so operators can reconstruct what happened during a show.
// Writes are queued and applied by a single background goroutine; the
// request path never waits on the database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	applog "lumen/internal/log"
)

const queueDepth = 256

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	session_id TEXT    NOT NULL DEFAULT '',
	detail     TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events (ts);
`

// Event is one recorded coordinator occurrence.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Store is the event log. Record enqueues without blocking; Recent
// reads committed rows.
type Store struct {
	db    *sql.DB
	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	dropped uint64
}

// Open opens or creates the SQLite file at path, applies the schema
// and starts the writer goroutine.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between the writer
	// goroutine and admin queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	s := &Store{
		db:    db,
		queue: make(chan Event, queueDepth),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()

	applog.Infof("History: logging events to %s", path)
	return s, nil
}

// Record enqueues an event. It never blocks; when the queue is full
// the oldest pending event is discarded.
func (s *Store) Record(kind, sessionID, detail string) {
	ev := Event{
		Timestamp: time.Now(),
		Kind:      kind,
		SessionID: sessionID,
		Detail:    detail,
	}
	for {
		select {
		case <-s.done:
			return
		case s.queue <- ev:
			return
		default:
		}
		select {
		case <-s.queue:
			atomic.AddUint64(&s.dropped, 1)
		default:
		}
	}
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, kind, session_id, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var ev Event
		var ts int64
		if err := rows.Scan(&ev.ID, &ts, &ev.Kind, &ev.SessionID, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		ev.Timestamp = time.UnixMilli(ts)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history rows: %w", err)
	}
	return events, nil
}

// Dropped reports how many events were discarded because the queue was
// full.
func (s *Store) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close drains pending events and closes the database. Safe to call
// more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

// writer applies queued events. On shutdown it drains what is already
// queued before exiting so Close loses nothing.
func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.insert(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.queue:
					s.insert(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(ev Event) {
	_, err := s.db.Exec(
		`INSERT INTO events (ts, kind, session_id, detail) VALUES (?, ?, ?, ?)`,
		ev.Timestamp.UnixMilli(), ev.Kind, ev.SessionID, ev.Detail)
	if err != nil {
		applog.Warnf("History: dropping %s event: %v", ev.Kind, err)
	}
}
