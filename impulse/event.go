// Package impulse turns an audio stream into a lazy, time-stamped
// sequence of discrete transient events.
package impulse

import (
	"errors"
	"fmt"
)

// Channel indices for band-split extraction. ChannelAll is the only
// channel produced outside band mode.
const (
	ChannelAll = iota
	ChannelBass
	ChannelMid
	ChannelTreble
)

// ChannelName returns the device-target name for an event channel.
func ChannelName(ch int) string {
	switch ch {
	case ChannelBass:
		return "bass"
	case ChannelMid:
		return "mid"
	case ChannelTreble:
		return "treble"
	default:
		return "all"
	}
}

// Event is a detected transient peak. Immutable once produced; events
// are ordered by Timestamp, with ties broken by production order.
type Event struct {
	// Timestamp is media-relative, in seconds.
	Timestamp float64
	// Magnitude is the normalized peak level, 0–1.
	Magnitude float64
	// Channel is the source band index, ChannelAll unless band mode is
	// active.
	Channel int
}

// DecodeError reports an unusable audio source. It is fatal for the
// extraction pass: retrying the same offset fails identically, but a
// different offset may succeed.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
