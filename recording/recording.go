// Package recording persists applied haptic commands so a session can
// be replayed later without the original media.
package recording

import (
	"fmt"
	"strings"
	"time"
)

// Entry is one applied command, stamped with its offset from the start
// of the recording.
type Entry struct {
	Offset     float64 `json:"offset"`
	Target     string  `json:"target"`
	Intensity  float64 `json:"intensity"`
	DurationMS int64   `json:"duration_ms"`
}

// Meta describes a stored recording.
type Meta struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	StartedAt time.Time `json:"started_at"`
}

// Writer appends entries to one recording. Close finalizes the
// recording; entries appended after Close are an error.
type Writer interface {
	Append(Entry) error
	Close() error
}

// Store persists recordings.
type Store interface {
	// Begin opens a new recording for the given peer and returns a
	// writer plus the recording's metadata.
	Begin(peer string) (Writer, Meta, error)
	// Load returns a recording's metadata and entries in append order.
	Load(id string) (Meta, []Entry, error)
	// List returns metadata for every stored recording, newest first.
	List() ([]Meta, error)
	// Delete removes a recording.
	Delete(id string) error
	// Close releases the store.
	Close() error
}

// ErrClosed is returned by writers used after Close.
var ErrClosed = fmt.Errorf("recording: writer closed")

// newID derives a recording id from the peer address and start time.
// The peer is sanitized so the id is usable as a filename.
func newID(peer string, t time.Time) string {
	peer = strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', ' ':
			return '-'
		}
		return r
	}, peer)
	return fmt.Sprintf("%s_%s", peer, t.UTC().Format("20060102_150405.000"))
}
