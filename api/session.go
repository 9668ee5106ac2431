package api

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remotehaptics/remotehaptics/internal/helpers"
)

// ConnState tracks the lifecycle of one client connection.
type ConnState int

const (
	ConnHandshaking ConnState = iota
	ConnActive
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnHandshaking:
		return "Handshaking"
	case ConnActive:
		return "Active"
	case ConnClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session is the authenticated lifetime of one client connection. It is
// destroyed on disconnect and re-created on reconnect with a fresh
// handshake; no command history is replayed across sessions.
type Session struct {
	ID          string
	Fingerprint string
	RemoteAddr  string

	mu      sync.Mutex
	state   ConnState
	targets map[string]bool
	lastAck string
	pending map[string]time.Time
	sendCh  chan Envelope
	conn    *websocket.Conn
	closed  chan struct{}
}

func newSession(id, fingerprint string, conn *websocket.Conn, queueBound int) *Session {
	return &Session{
		ID:          id,
		Fingerprint: fingerprint,
		RemoteAddr:  conn.RemoteAddr().String(),
		state:       ConnHandshaking,
		targets:     make(map[string]bool),
		pending:     make(map[string]time.Time),
		sendCh:      make(chan Envelope, queueBound),
		conn:        conn,
		closed:      make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastAck returns the ID of the most recently acknowledged command.
func (s *Session) LastAck() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

func (s *Session) setActive(hello *Hello) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ConnActive
	for _, t := range hello.Targets {
		s.targets[t] = true
	}
}

// servesTarget reports whether this session should receive commands for
// the given device target. A session that advertised no targets accepts
// everything; targeted delivery otherwise requires a match.
func (s *Session) servesTarget(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target == TargetBroadcast || len(s.targets) == 0 {
		return true
	}
	return s.targets[target]
}

// enqueue offers a command envelope to the session's write queue.
// Commands are time-sensitive: when the queue is full the oldest queued
// command is dropped in favor of the new one.
func (s *Session) enqueue(env Envelope) {
	for {
		select {
		case s.sendCh <- env:
			return
		default:
		}
		select {
		case stale := <-s.sendCh:
			if stale.Command != nil {
				log.Printf("[API] Session %s send queue full, dropping command %s", s.ID, stale.Command.ID)
			}
		default:
		}
	}
}

func (s *Session) trackPending(id string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = deadline
}

func (s *Session) resolveAck(ack *Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, ack.ID)
	s.lastAck = ack.ID
	if helpers.IsAPITraceEnabled() {
		log.Printf("[API] Session %s ack %s (%s)", s.ID, ack.ID, ack.Status)
	}
}

// expirePending drops commands whose ack deadline has passed. Expired
// commands are considered lost and are never retried; stale haptic
// feedback has no value.
func (s *Session) expirePending(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for id, deadline := range s.pending {
		if now.After(deadline) {
			delete(s.pending, id)
			expired++
		}
	}
	return expired
}

func (s *Session) close() {
	s.mu.Lock()
	if s.state == ConnClosed {
		s.mu.Unlock()
		return
	}
	s.state = ConnClosed
	// Pending commands die with the session; nothing is replayed on
	// reconnect.
	s.pending = make(map[string]time.Time)
	s.mu.Unlock()
	close(s.closed)
	s.conn.Close()
}
