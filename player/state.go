// Package player tracks the media player's timeline position over its
// JSON-IPC control socket.
package player

import (
	"errors"
	"time"
)

// ErrPlayerUnavailable is surfaced once the reconnect retry ceiling for
// the media control connection is exhausted. The scheduler must pause
// scheduling until the tracker recovers.
var ErrPlayerUnavailable = errors.New("media player unavailable")

// State is an immutable snapshot of the player timeline. It is owned by
// a single writer (the tracker) and replaced atomically; readers always
// observe a complete snapshot.
type State struct {
	// Position is the media-relative time in seconds.
	Position float64
	// Rate is the signed playback rate; 0 means paused.
	Rate float64
	// Seq increments on every seek and rate change. Commands scheduled
	// against an older Seq are stale.
	Seq uint64
	// Stale marks a snapshot kept from before a connection loss.
	Stale bool
	// EndOfMedia is set when playback reached the end of the file.
	EndOfMedia bool
	// At is the wall-clock instant the snapshot was taken, used to
	// extrapolate Position between updates.
	At time.Time
}

// PositionAt extrapolates the media position to the given wall-clock
// instant using the snapshot's rate. Stale snapshots do not advance.
func (s State) PositionAt(now time.Time) float64 {
	if s.Stale || s.Rate == 0 || s.At.IsZero() {
		return s.Position
	}
	return s.Position + s.Rate*now.Sub(s.At).Seconds()
}
