package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// fakePlayer is a minimal scripted stand-in for the media player's IPC
// socket: it acknowledges commands and emits whatever events the test
// pushes through its send channel.
type fakePlayer struct {
	ln   net.Listener
	send chan string
	done chan struct{}
}

func startFakePlayer(t *testing.T) (*fakePlayer, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "mpv.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listening on %s: %v", socketPath, err)
	}
	fp := &fakePlayer{ln: ln, send: make(chan string, 16), done: make(chan struct{})}
	go fp.serve()
	t.Cleanup(fp.stop)
	return fp, socketPath
}

func (fp *fakePlayer) serve() {
	for {
		conn, err := fp.ln.Accept()
		if err != nil {
			return
		}
		go fp.handle(conn)
	}
}

func (fp *fakePlayer) handle(conn net.Conn) {
	defer conn.Close()
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var req struct {
				RequestID int64 `json:"request_id"`
			}
			if json.Unmarshal(scanner.Bytes(), &req) == nil {
				fmt.Fprintf(conn, `{"request_id":%d,"error":"success"}`+"\n", req.RequestID)
			}
		}
	}()
	for {
		select {
		case line := <-fp.send:
			if _, err := fmt.Fprintln(conn, line); err != nil {
				return
			}
		case <-fp.done:
			return
		}
	}
}

func (fp *fakePlayer) stop() {
	select {
	case <-fp.done:
	default:
		close(fp.done)
	}
	fp.ln.Close()
}

func (fp *fakePlayer) emit(line string) {
	fp.send <- line
}

// waitForState polls the tracker until cond holds or the deadline hits.
func waitForState(t *testing.T, tr *Tracker, cond func(State) bool, desc string) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := tr.Current()
		if cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last state %+v", desc, tr.Current())
	return State{}
}

func TestTrackerFollowsPlayback(t *testing.T) {
	fp, socketPath := startFakePlayer(t)
	tr := NewTracker(socketPath, WithReconnectBase(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	fp.emit(`{"event":"property-change","id":2,"name":"pause","data":false}`)
	fp.emit(`{"event":"property-change","id":1,"name":"time-pos","data":9.0}`)

	s := waitForState(t, tr, func(s State) bool {
		return !s.Stale && s.Rate == 1 && s.Position >= 9.0
	}, "playing at 9.0s")
	if s.Position < 9.0 || s.Position > 9.5 {
		t.Errorf("position = %v, want ~9.0", s.Position)
	}

	// Rate changes bump the sequence number.
	seqBefore := s.Seq
	fp.emit(`{"event":"property-change","id":3,"name":"speed","data":2.0}`)
	s = waitForState(t, tr, func(s State) bool { return s.Rate == 2.0 }, "speed change")
	if s.Seq != seqBefore+1 {
		t.Errorf("Seq after speed change = %d, want %d", s.Seq, seqBefore+1)
	}

	// So do seeks.
	seqBefore = s.Seq
	fp.emit(`{"event":"seek"}`)
	waitForState(t, tr, func(s State) bool { return s.Seq == seqBefore+1 }, "seek seq bump")

	// Pausing zeroes the rate and bumps again.
	seqBefore = tr.Current().Seq
	fp.emit(`{"event":"property-change","id":2,"name":"pause","data":true}`)
	s = waitForState(t, tr, func(s State) bool { return s.Rate == 0 }, "pause")
	if s.Seq != seqBefore+1 {
		t.Errorf("Seq after pause = %d, want %d", s.Seq, seqBefore+1)
	}
}

func TestTrackerPreservesSpeedAcrossPause(t *testing.T) {
	fp, socketPath := startFakePlayer(t)
	tr := NewTracker(socketPath, WithReconnectBase(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	// The player is already paused at 2x when the tracker connects.
	fp.emit(`{"event":"property-change","id":2,"name":"pause","data":true}`)
	fp.emit(`{"event":"property-change","id":3,"name":"speed","data":2.0}`)
	fp.emit(`{"event":"property-change","id":1,"name":"time-pos","data":5.0}`)
	s := waitForState(t, tr, func(s State) bool { return !s.Stale && s.Position >= 5.0 }, "paused at 5.0s")
	if s.Rate != 0 {
		t.Errorf("Rate while paused = %v, want 0", s.Rate)
	}

	// Resuming picks the observed speed back up, not a hard-coded 1x.
	seqBefore := tr.Current().Seq
	fp.emit(`{"event":"property-change","id":2,"name":"pause","data":false}`)
	s = waitForState(t, tr, func(s State) bool { return s.Rate != 0 }, "resume")
	if s.Rate != 2.0 {
		t.Errorf("Rate after resume = %v, want 2.0", s.Rate)
	}
	if s.Seq != seqBefore+1 {
		t.Errorf("Seq after resume = %d, want %d", s.Seq, seqBefore+1)
	}

	// A speed change while paused is kept for the next resume too.
	fp.emit(`{"event":"property-change","id":2,"name":"pause","data":true}`)
	waitForState(t, tr, func(s State) bool { return s.Rate == 0 }, "second pause")
	fp.emit(`{"event":"property-change","id":3,"name":"speed","data":1.5}`)
	fp.emit(`{"event":"property-change","id":2,"name":"pause","data":false}`)
	s = waitForState(t, tr, func(s State) bool { return s.Rate != 0 }, "second resume")
	if s.Rate != 1.5 {
		t.Errorf("Rate after second resume = %v, want 1.5", s.Rate)
	}
}

func TestTrackerExtrapolatesPosition(t *testing.T) {
	base := time.Now()
	s := State{Position: 10.0, Rate: 2.0, At: base}
	if got := s.PositionAt(base.Add(500 * time.Millisecond)); got < 10.9 || got > 11.1 {
		t.Errorf("PositionAt(+500ms) = %v, want ~11.0", got)
	}

	stale := State{Position: 10.0, Rate: 2.0, At: base, Stale: true}
	if got := stale.PositionAt(base.Add(time.Hour)); got != 10.0 {
		t.Errorf("stale PositionAt = %v, want frozen 10.0", got)
	}

	paused := State{Position: 10.0, Rate: 0, At: base}
	if got := paused.PositionAt(base.Add(time.Hour)); got != 10.0 {
		t.Errorf("paused PositionAt = %v, want frozen 10.0", got)
	}
}

func TestTrackerStaleOnDisconnect(t *testing.T) {
	fp, socketPath := startFakePlayer(t)
	tr := NewTracker(socketPath,
		WithReconnectBase(20*time.Millisecond),
		WithMaxRetries(1000))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	fp.emit(`{"event":"property-change","id":2,"name":"pause","data":false}`)
	fp.emit(`{"event":"property-change","id":1,"name":"time-pos","data":5.0}`)
	waitForState(t, tr, func(s State) bool { return !s.Stale && s.Position >= 5.0 }, "initial state")

	fp.stop()
	s := waitForState(t, tr, func(s State) bool { return s.Stale }, "stale after disconnect")
	if s.Position < 5.0 {
		t.Errorf("stale snapshot lost position: %v", s.Position)
	}
}

func TestTrackerUnavailableAfterRetryCeiling(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "missing.sock")
	tr := NewTracker(socketPath,
		WithReconnectBase(time.Millisecond),
		WithMaxRetries(2))

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPlayerUnavailable) {
			t.Fatalf("Run = %v, want ErrPlayerUnavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tracker did not give up")
	}

	select {
	case <-tr.Unavailable():
	default:
		t.Error("Unavailable() not closed after retry ceiling")
	}
	if _, open := <-tr.Updates(); open {
		t.Error("Updates() still open after retry ceiling")
	}
	if !tr.Current().Stale {
		t.Error("snapshot not stale after giving up")
	}
}
