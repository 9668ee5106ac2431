package player

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remotehaptics/remotehaptics/internal/helpers"
)

const (
	// DefaultMaxRetries is the consecutive-failure ceiling before the
	// tracker declares the player unavailable.
	DefaultMaxRetries = 5

	defaultReconnectBase = 500 * time.Millisecond
	reconnectCap         = 8 * time.Second

	updateQueueBound = 32
)

// Property observation IDs registered with the player.
const (
	propTimePos = 1
	propPause   = 2
	propSpeed   = 3
)

// Tracker maintains a background connection to the media player's
// JSON-IPC socket and publishes timeline snapshots. Current never
// blocks; Updates delivers change notifications over a bounded channel
// that drops the oldest entry under pressure.
type Tracker struct {
	socketPath    string
	maxRetries    int
	reconnectBase time.Duration

	snapshot atomic.Pointer[State]
	updates  chan State

	connMu sync.Mutex
	conn   net.Conn
	reqID  int64

	// Playback inputs observed over IPC, folded into State.Rate by
	// rate(). Only the connection goroutine touches them.
	paused bool
	speed  float64
	ended  bool

	unavailable chan struct{}
	unavailOnce sync.Once
}

// TrackerOption adjusts tracker construction.
type TrackerOption func(*Tracker)

// WithMaxRetries overrides the reconnect retry ceiling.
func WithMaxRetries(n int) TrackerOption {
	return func(t *Tracker) { t.maxRetries = n }
}

// WithReconnectBase overrides the initial reconnect backoff delay.
func WithReconnectBase(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.reconnectBase = d }
}

// NewTracker creates a tracker for the player control socket at
// socketPath.
func NewTracker(socketPath string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		socketPath:    socketPath,
		maxRetries:    DefaultMaxRetries,
		reconnectBase: defaultReconnectBase,
		speed:         1,
		updates:       make(chan State, updateQueueBound),
		unavailable:   make(chan struct{}),
	}
	initial := State{Rate: 0, Stale: true}
	t.snapshot.Store(&initial)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Current returns the last-known snapshot without blocking. While the
// tracker is disconnected the snapshot is flagged stale.
func (t *Tracker) Current() State {
	return *t.snapshot.Load()
}

// Updates returns the state-change notification feed. The channel is
// closed when the tracker gives up (see Unavailable).
func (t *Tracker) Updates() <-chan State {
	return t.updates
}

// Unavailable is closed once the retry ceiling is exhausted.
func (t *Tracker) Unavailable() <-chan struct{} {
	return t.unavailable
}

// Run connects to the player and tracks it until ctx is cancelled or
// the retry ceiling is reached, in which case ErrPlayerUnavailable is
// returned.
func (t *Tracker) Run(ctx context.Context) error {
	retries := 0
	delay := t.reconnectBase
	for {
		err := t.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.markStale()
		if err != nil {
			log.Printf("[PLAYER] Control connection lost: %v", err)
		}

		retries++
		if retries > t.maxRetries {
			t.giveUp()
			return fmt.Errorf("%w: %d consecutive connection failures", ErrPlayerUnavailable, retries-1)
		}
		log.Printf("[PLAYER] Reconnecting to %s in %v (attempt %d/%d)", t.socketPath, delay, retries, t.maxRetries)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
		}
	}
}

func (t *Tracker) giveUp() {
	t.unavailOnce.Do(func() {
		close(t.unavailable)
		close(t.updates)
		log.Printf("[PLAYER] %v, pausing haptics scheduling", ErrPlayerUnavailable)
	})
}

func (t *Tracker) runConnection(ctx context.Context) error {
	conn, err := net.Dial("unix", t.socketPath)
	if err != nil {
		return err
	}
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	defer func() {
		t.connMu.Lock()
		t.conn = nil
		t.connMu.Unlock()
		conn.Close()
	}()

	// Unblock the read loop on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	log.Printf("[PLAYER] Connected to control socket %s", t.socketPath)

	for id, name := range map[int]string{
		propTimePos: "time-pos",
		propPause:   "pause",
		propSpeed:   "speed",
	} {
		if err := t.send("observe_property", id, name); err != nil {
			return fmt.Errorf("observing %s: %w", name, err)
		}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.handleMessage(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("control socket closed")
}

// ipcMessage covers both command replies and event notifications.
type ipcMessage struct {
	Event     string          `json:"event,omitempty"`
	ID        int             `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID int64           `json:"request_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (t *Tracker) handleMessage(line []byte) {
	var msg ipcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Printf("[PLAYER] Malformed IPC message: %v", err)
		return
	}
	if helpers.IsMediaTraceEnabled() {
		log.Printf("[PLAYER] IPC: %s", line)
	}

	if msg.Event == "" {
		if msg.Error != "" && msg.Error != "success" {
			log.Printf("[PLAYER] Command %d failed: %s", msg.RequestID, msg.Error)
		}
		return
	}

	switch msg.Event {
	case "property-change":
		t.handleProperty(msg)
	case "seek":
		t.publish(func(s *State) {
			s.Seq++
			s.EndOfMedia = false
		})
	case "end-file":
		t.ended = true
		t.publish(func(s *State) {
			s.Seq++
			s.Rate = 0
			s.EndOfMedia = true
		})
	case "playback-restart":
		t.ended = false
		rate := t.rate()
		t.publish(func(s *State) {
			s.EndOfMedia = false
			if s.Rate != rate {
				s.Seq++
				s.Rate = rate
			}
		})
	}
}

func (t *Tracker) handleProperty(msg ipcMessage) {
	switch msg.ID {
	case propTimePos:
		var pos *float64
		if err := json.Unmarshal(msg.Data, &pos); err != nil || pos == nil {
			return
		}
		// Position updates are continuous and do not bump Seq.
		t.publish(func(s *State) {
			s.Position = *pos
		})
	case propPause:
		var paused bool
		if err := json.Unmarshal(msg.Data, &paused); err != nil {
			return
		}
		t.paused = paused
		t.publishRate()
	case propSpeed:
		var speed float64
		if err := json.Unmarshal(msg.Data, &speed); err != nil || speed <= 0 {
			return
		}
		t.speed = speed
		t.publishRate()
	}
}

// rate folds the observed playback inputs into a single rate. Paused or
// ended playback pins it to 0; the last observed speed survives so a
// resume at 2x schedules at 2x, including speed changes seen while
// paused.
func (t *Tracker) rate() float64 {
	if t.paused || t.ended {
		return 0
	}
	return t.speed
}

// publishRate pushes the derived rate, bumping Seq only on a change.
func (t *Tracker) publishRate() {
	rate := t.rate()
	t.publish(func(s *State) {
		if s.Rate == rate {
			return
		}
		s.Seq++
		s.Rate = rate
	})
}

// publish applies a single-writer copy-mutate-replace of the snapshot
// and pushes the new state onto the notification feed.
func (t *Tracker) publish(mutate func(*State)) {
	cur := t.snapshot.Load()
	next := *cur
	// Re-anchor extrapolation before mutating.
	now := time.Now()
	next.Position = cur.PositionAt(now)
	next.At = now
	next.Stale = false
	before := next
	mutate(&next)
	if next == before && cur.Stale == false {
		return
	}
	t.snapshot.Store(&next)
	t.notify(next)
}

func (t *Tracker) notify(s State) {
	for {
		select {
		case t.updates <- s:
			return
		default:
		}
		// Feed full: drop the oldest notification, newest wins.
		select {
		case <-t.updates:
		default:
		}
	}
}

func (t *Tracker) markStale() {
	cur := t.snapshot.Load()
	if cur.Stale {
		return
	}
	next := *cur
	next.Stale = true
	next.At = time.Now()
	t.snapshot.Store(&next)
}

// send issues a fire-and-forget IPC command.
func (t *Tracker) send(args ...interface{}) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("not connected")
	}
	t.reqID++
	req := struct {
		Command   []interface{} `json:"command"`
		RequestID int64         `json:"request_id"`
	}{Command: args, RequestID: t.reqID}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = t.conn.Write(data)
	return err
}

// SetPaused issues a pause/resume transport command.
func (t *Tracker) SetPaused(paused bool) error {
	return t.send("set_property", "pause", paused)
}

// SeekTo issues an absolute seek transport command.
func (t *Tracker) SeekTo(position float64) error {
	return t.send("set_property", "time-pos", position)
}

// LoadFile asks the player to load and play a media file.
func (t *Tracker) LoadFile(path string) error {
	return t.send("loadfile", path)
}
