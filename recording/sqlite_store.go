package recording

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps recordings in a single SQLite database, which is
// easier to query across sessions than a directory of files.
type SQLiteStore struct {
	db    *sql.DB
	mutex sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS recordings (
	id         TEXT PRIMARY KEY,
	peer       TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	recording_id TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	offset_secs  REAL NOT NULL,
	target       TEXT NOT NULL,
	intensity    REAL NOT NULL,
	duration_ms  INTEGER NOT NULL,
	PRIMARY KEY (recording_id, seq)
);
`

// NewSQLiteStore opens (creating if needed) a recording database at
// path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open recording database: %v", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize recording schema: %v", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Begin inserts a new recording row and returns a writer for its
// entries.
func (s *SQLiteStore) Begin(peer string) (Writer, Meta, error) {
	meta := Meta{Peer: peer, StartedAt: time.Now()}
	meta.ID = newID(peer, meta.StartedAt)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, err := s.db.Exec(
		`INSERT INTO recordings (id, peer, started_at) VALUES (?, ?, ?)`,
		meta.ID, meta.Peer, meta.StartedAt); err != nil {
		return nil, Meta{}, fmt.Errorf("failed to create recording: %v", err)
	}
	return &sqliteWriter{store: s, id: meta.ID}, meta, nil
}

type sqliteWriter struct {
	mutex  sync.Mutex
	store  *SQLiteStore
	id     string
	seq    int64
	closed bool
}

func (w *sqliteWriter) Append(e Entry) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.store.mutex.Lock()
	defer w.store.mutex.Unlock()
	if _, err := w.store.db.Exec(
		`INSERT INTO entries (recording_id, seq, offset_secs, target, intensity, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.id, w.seq, e.Offset, e.Target, e.Intensity, e.DurationMS); err != nil {
		return fmt.Errorf("failed to append entry: %v", err)
	}
	w.seq++
	return nil
}

func (w *sqliteWriter) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.closed = true
	return nil
}

// Load returns a recording's metadata and entries in append order.
func (s *SQLiteStore) Load(id string) (Meta, []Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var meta Meta
	err := s.db.QueryRow(
		`SELECT id, peer, started_at FROM recordings WHERE id = ?`, id).
		Scan(&meta.ID, &meta.Peer, &meta.StartedAt)
	if err == sql.ErrNoRows {
		return Meta{}, nil, fmt.Errorf("recording not found: %s", id)
	}
	if err != nil {
		return Meta{}, nil, fmt.Errorf("failed to load recording %s: %v", id, err)
	}

	rows, err := s.db.Query(
		`SELECT offset_secs, target, intensity, duration_ms FROM entries
		 WHERE recording_id = ? ORDER BY seq`, id)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("failed to load entries for %s: %v", id, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Offset, &e.Target, &e.Intensity, &e.DurationMS); err != nil {
			return Meta{}, nil, fmt.Errorf("failed to scan entry: %v", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Meta{}, nil, fmt.Errorf("failed to read entries for %s: %v", id, err)
	}
	return meta, entries, nil
}

// List returns stored recordings, newest first.
func (s *SQLiteStore) List() ([]Meta, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rows, err := s.db.Query(
		`SELECT id, peer, started_at FROM recordings ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %v", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.ID, &m.Peer, &m.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recording: %v", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Delete removes a recording and its entries.
func (s *SQLiteStore) Delete(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	res, err := s.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recording %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording not found: %s", id)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
