package schedule

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/remotehaptics/remotehaptics/api"
	"github.com/remotehaptics/remotehaptics/impulse"
	"github.com/remotehaptics/remotehaptics/player"
)

// fakeSource is a hand-driven playback source.
type fakeSource struct {
	mu      sync.Mutex
	state   player.State
	updates chan player.State
}

func newFakeSource(st player.State) *fakeSource {
	st.At = time.Now()
	return &fakeSource{state: st, updates: make(chan player.State, 16)}
}

func (f *fakeSource) Current() player.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) Updates() <-chan player.State {
	return f.updates
}

func (f *fakeSource) set(st player.State) {
	st.At = time.Now()
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
	f.updates <- st
}

func collectFor(s *Scheduler, d time.Duration) []api.Command {
	var got []api.Command
	deadline := time.After(d)
	for {
		select {
		case cmd, ok := <-s.Out():
			if !ok {
				return got
			}
			got = append(got, cmd)
		case <-deadline:
			return got
		}
	}
}

func TestPlanDispatchOffset(t *testing.T) {
	// Impulse at media offset 10.0s with magnitude 0.8, playback at
	// 9.0s, rate 1.0: dispatch one second from now at intensity 0.8.
	src := newFakeSource(player.State{Position: 9.0, Rate: 1.0, Seq: 1})
	s := New(src)

	now := time.Now()
	st := src.Current()
	st.At = now
	cmd := s.plan(impulse.Event{Timestamp: 10.0, Magnitude: 0.8}, st, now)

	offset := cmd.DispatchTime.Sub(now).Seconds()
	if math.Abs(offset-1.0) > 0.001 {
		t.Errorf("dispatch offset = %.4fs, want 1.0s", offset)
	}
	if cmd.Intensity != 0.8 {
		t.Errorf("intensity = %v, want 0.8", cmd.Intensity)
	}
	if cmd.DeviceTarget != api.TargetBroadcast {
		t.Errorf("target = %q, want broadcast", cmd.DeviceTarget)
	}
}

func TestPlanClampsPastDispatch(t *testing.T) {
	src := newFakeSource(player.State{Position: 20.0, Rate: 1.0, Seq: 1})
	s := New(src)

	now := time.Now()
	st := src.Current()
	st.At = now
	cmd := s.plan(impulse.Event{Timestamp: 10.0, Magnitude: 0.5}, st, now)
	if cmd.DispatchTime.Before(now) {
		t.Errorf("dispatch time %v is in the past (now %v)", cmd.DispatchTime, now)
	}
}

func TestPlanDoubleRate(t *testing.T) {
	src := newFakeSource(player.State{Position: 9.0, Rate: 2.0, Seq: 1})
	s := New(src)

	now := time.Now()
	st := src.Current()
	st.At = now
	cmd := s.plan(impulse.Event{Timestamp: 10.0, Magnitude: 0.5}, st, now)
	offset := cmd.DispatchTime.Sub(now).Seconds()
	if math.Abs(offset-0.5) > 0.001 {
		t.Errorf("dispatch offset at rate 2.0 = %.4fs, want 0.5s", offset)
	}
}

func TestDispatchOrderNonDecreasing(t *testing.T) {
	src := newFakeSource(player.State{Position: 0, Rate: 1.0, Seq: 1})
	s := New(src)

	events := make(chan impulse.Event, 8)
	// Strictly increasing timestamps just ahead of the playhead.
	for _, ts := range []float64{0.02, 0.05, 0.08, 0.11} {
		events <- impulse.Event{Timestamp: ts, Magnitude: 0.5}
	}
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, events) }()

	got := collectFor(s, 2*time.Second)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("dispatched %d commands, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].DispatchTime.Before(got[i-1].DispatchTime) {
			t.Errorf("dispatch order regressed at %d: %v after %v",
				i, got[i].DispatchTime, got[i-1].DispatchTime)
		}
	}
	if s.State() != Idle {
		t.Errorf("state after drain = %v, want Idle", s.State())
	}
}

func TestStaleSeekNeverDispatched(t *testing.T) {
	src := newFakeSource(player.State{Position: 0, Rate: 1.0, Seq: 1})
	s := New(src)

	events := make(chan impulse.Event, 1)
	// Scheduled ~200ms out, leaving time for the seek to land first.
	events <- impulse.Event{Timestamp: 0.2, Magnitude: 0.5}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, events)

	time.Sleep(50 * time.Millisecond)
	// Seek: sequence number changes before the pending dispatch time.
	src.set(player.State{Position: 42.0, Rate: 1.0, Seq: 2})

	got := collectFor(s, 400*time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("stale command was dispatched: %+v", got)
	}
	if s.Stats().StaleDropped != 1 {
		t.Errorf("StaleDropped = %d, want 1", s.Stats().StaleDropped)
	}
}

func TestPausedQueueDropsOldest(t *testing.T) {
	src := newFakeSource(player.State{Position: 5.0, Rate: 0, Seq: 1})
	s := New(src, WithPausedQueueBound(2))

	events := make(chan impulse.Event, 3)
	// Three impulses while paused, bound of two: the oldest is dropped,
	// the two most recent retained.
	events <- impulse.Event{Timestamp: 0.1, Magnitude: 0.1}
	events <- impulse.Event{Timestamp: 0.2, Magnitude: 0.2}
	events <- impulse.Event{Timestamp: 0.3, Magnitude: 0.3}
	close(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, events) }()

	time.Sleep(50 * time.Millisecond)
	if drops := s.Stats().PausedDrops; drops != 1 {
		t.Errorf("PausedDrops = %d, want 1", drops)
	}

	// Resume: queued impulses are behind the playhead, so they clamp to
	// immediate dispatch.
	src.set(player.State{Position: 5.0, Rate: 1.0, Seq: 2})

	got := collectFor(s, time.Second)
	<-done
	if len(got) != 2 {
		t.Fatalf("dispatched %d commands after resume, want 2", len(got))
	}
	wantIntensities := []float64{0.2, 0.3}
	for i, cmd := range got {
		if math.Abs(cmd.Intensity-wantIntensities[i]) > 1e-9 {
			t.Errorf("command %d intensity = %v, want %v", i, cmd.Intensity, wantIntensities[i])
		}
	}
}

func TestOverlapPreemption(t *testing.T) {
	src := newFakeSource(player.State{Position: 0, Rate: 1.0, Seq: 1})
	s := New(src, WithPulseDuration(300*time.Millisecond))

	events := make(chan impulse.Event, 2)
	// Windows [0.02, 0.32) and [0.10, 0.40) on the same broadcast
	// target overlap; the second pre-empts the first.
	events <- impulse.Event{Timestamp: 0.02, Magnitude: 0.4}
	events <- impulse.Event{Timestamp: 0.10, Magnitude: 0.9}
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, events) }()

	got := collectFor(s, 2*time.Second)
	<-done
	if len(got) != 2 {
		t.Fatalf("dispatched %d commands, want 2", len(got))
	}
	if got[0].Intensity != 0.4 || got[1].Intensity != 0.9 {
		t.Errorf("dispatch order wrong: %+v", got)
	}
	if !got[1].Overlaps(got[0]) {
		t.Fatalf("test windows do not overlap: %+v", got)
	}
	if s.Stats().Preempted != 1 {
		t.Errorf("Preempted = %d, want 1", s.Stats().Preempted)
	}
}

func TestSchedulerPausesWhenPlayerGone(t *testing.T) {
	src := newFakeSource(player.State{Position: 0, Rate: 1.0, Seq: 1})
	s := New(src)

	events := make(chan impulse.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, events)

	// Player gives up: updates feed closes, snapshot goes stale.
	src.mu.Lock()
	src.state.Stale = true
	src.mu.Unlock()
	close(src.updates)
	time.Sleep(20 * time.Millisecond)

	events <- impulse.Event{Timestamp: 1.0, Magnitude: 0.5}
	time.Sleep(50 * time.Millisecond)

	if got := s.Stats().PausedQueued; got != 1 {
		t.Errorf("impulse not queued while player unavailable: PausedQueued = %d", got)
	}
	if got := s.Stats().Dispatched; got != 0 {
		t.Errorf("Dispatched = %d while player unavailable, want 0", got)
	}
}
