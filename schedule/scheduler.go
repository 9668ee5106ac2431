// Package schedule converts impulse events into wall-clock-scheduled
// haptic commands, correcting for seeks, pauses and rate changes.
package schedule

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remotehaptics/remotehaptics/api"
	"github.com/remotehaptics/remotehaptics/impulse"
	"github.com/remotehaptics/remotehaptics/internal/helpers"
	"github.com/remotehaptics/remotehaptics/player"
)

const (
	// DefaultPausedQueueBound caps impulses held while playback is
	// paused. Overflow drops the oldest pending impulse: haptic feedback
	// favors recency over completeness.
	DefaultPausedQueueBound = 64

	// DefaultPulseDuration is the actuation window of a single impulse.
	DefaultPulseDuration = 150 * time.Millisecond

	// idlePark is the timer park interval while nothing is pending.
	idlePark = time.Hour
)

// State is the scheduler lifecycle state.
type State int

const (
	Idle State = iota
	Scheduling
	Draining
)

func (s State) String() string {
	switch s {
	case Scheduling:
		return "Scheduling"
	case Draining:
		return "Draining"
	default:
		return "Idle"
	}
}

// PlaybackSource supplies playback snapshots and change notifications.
// *player.Tracker implements it.
type PlaybackSource interface {
	Current() player.State
	Updates() <-chan player.State
}

// TargetFunc maps an impulse event to a device target.
type TargetFunc func(impulse.Event) string

// BroadcastTarget targets every device for every event.
func BroadcastTarget(impulse.Event) string { return api.TargetBroadcast }

// BandTarget routes events to the device target named after their band
// channel.
func BandTarget(ev impulse.Event) string { return impulse.ChannelName(ev.Channel) }

// Stats counts scheduler activity.
type Stats struct {
	Scheduled    int64
	Dispatched   int64
	StaleDropped int64
	Preempted    int64
	PausedQueued int64
	PausedDrops  int64
}

// Scheduler merges impulse events with playback state and emits
// commands on Out exactly at their dispatch time, in non-decreasing
// dispatch-time order.
type Scheduler struct {
	source      PlaybackSource
	targetFn    TargetFunc
	pulse       time.Duration
	pausedBound int

	out chan api.Command

	pending *commandQueue
	ordSeq  int64

	// paused holds raw impulses while playback is paused or the player
	// is unavailable.
	paused []impulse.Event

	// inFlightEnd tracks, per target, when the last dispatched command's
	// actuation window closes. A newly eligible command inside that
	// window pre-empts the playing one.
	inFlightEnd map[string]time.Time

	mu    sync.Mutex
	state State
	stats Stats
}

// Option adjusts scheduler construction.
type Option func(*Scheduler)

// WithPausedQueueBound overrides the paused impulse queue bound.
func WithPausedQueueBound(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.pausedBound = n
		}
	}
}

// WithPulseDuration overrides the actuation window per impulse.
func WithPulseDuration(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pulse = d
		}
	}
}

// WithTargetFunc overrides event-to-target routing.
func WithTargetFunc(fn TargetFunc) Option {
	return func(s *Scheduler) { s.targetFn = fn }
}

// New creates a scheduler reading playback state from source.
func New(source PlaybackSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:      source,
		targetFn:    BroadcastTarget,
		pulse:       DefaultPulseDuration,
		pausedBound: DefaultPausedQueueBound,
		out:         make(chan api.Command, 16),
		pending:     newCommandQueue(),
		inFlightEnd: make(map[string]time.Time),
		state:       Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Out is the dispatch feed consumed by the command channel.
func (s *Scheduler) Out() <-chan api.Command {
	return s.out
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns activity counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	if s.state != st {
		log.Printf("[SCHED] %v -> %v", s.state, st)
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Scheduler) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// Run consumes events until the channel closes (then drains pending
// commands) or ctx is cancelled. Out is closed on return.
func (s *Scheduler) Run(ctx context.Context, events <-chan impulse.Event) error {
	defer close(s.out)
	s.setState(Scheduling)

	updates := s.source.Updates()
	lastSeq := s.source.Current().Seq

	timer := time.NewTimer(idlePark)
	defer timer.Stop()

	for {
		s.resetTimer(timer)

		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				s.setState(Draining)
				if s.drained() {
					s.setState(Idle)
					return nil
				}
				continue
			}
			s.onEvent(ev)

		case st, ok := <-updates:
			if !ok {
				// Player unavailable: scheduling pauses; impulses queue
				// until a new tracker shows up or we are cancelled.
				updates = nil
				log.Printf("[SCHED] Playback source gone, scheduling paused")
				continue
			}
			s.onPlaybackChange(st, &lastSeq)

		case <-timer.C:
			if err := s.dispatchEligible(ctx); err != nil {
				return err
			}
			if events == nil && s.drained() {
				s.setState(Idle)
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) drained() bool {
	return s.pending.Len() == 0 && len(s.paused) == 0
}

func (s *Scheduler) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if s.pending.Len() == 0 {
		timer.Reset(idlePark)
		return
	}
	d := time.Until(s.pending.peek().cmd.DispatchTime)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (s *Scheduler) onEvent(ev impulse.Event) {
	st := s.source.Current()
	if st.Stale || st.Rate == 0 {
		s.queuePaused(ev)
		return
	}
	s.schedule(ev, st, time.Now())
}

// queuePaused holds an impulse for later scheduling, dropping the
// oldest entry when the bound is exceeded.
func (s *Scheduler) queuePaused(ev impulse.Event) {
	s.paused = append(s.paused, ev)
	s.count(func(st *Stats) { st.PausedQueued++ })
	if len(s.paused) > s.pausedBound {
		dropped := s.paused[0]
		s.paused = s.paused[1:]
		s.count(func(st *Stats) { st.PausedDrops++ })
		log.Printf("[SCHED] Paused queue full, dropped impulse at %.3fs", dropped.Timestamp)
	}
}

// schedule converts one impulse into a pending command against the
// given playback snapshot.
func (s *Scheduler) schedule(ev impulse.Event, st player.State, now time.Time) {
	cmd := s.plan(ev, st, now)
	s.ordSeq++
	s.pending.push(pendingCommand{cmd: cmd, seq: st.Seq, ord: s.ordSeq})
	s.count(func(st *Stats) { st.Scheduled++ })
	if helpers.IsAPITraceEnabled() {
		log.Printf("[SCHED] Scheduled %s for %v (impulse %.3fs, seq %d)",
			cmd.ID, cmd.DispatchTime, ev.Timestamp, st.Seq)
	}
}

// plan computes the wall-clock command for an impulse given a playback
// snapshot: dispatch = now + (impulse.timestamp - position) / rate,
// clamped so nothing is ever scheduled for the past.
func (s *Scheduler) plan(ev impulse.Event, st player.State, now time.Time) api.Command {
	offset := (ev.Timestamp - st.PositionAt(now)) / st.Rate
	if offset < 0 {
		offset = 0
	}
	return api.Command{
		ID:           uuid.NewString(),
		DispatchTime: now.Add(time.Duration(offset * float64(time.Second))),
		Intensity:    helpers.Clamp01(ev.Magnitude),
		Duration:     s.pulse,
		DeviceTarget: s.targetFn(ev),
	}
}

func (s *Scheduler) onPlaybackChange(st player.State, lastSeq *uint64) {
	if st.Seq != *lastSeq {
		// Seek or rate change: pending commands no longer correspond to
		// the current media position.
		if n := s.pending.dropStale(st.Seq); n > 0 {
			s.count(func(stt *Stats) { stt.StaleDropped += int64(n) })
			log.Printf("[SCHED] Playback changed (seq %d -> %d), invalidated %d pending command(s)",
				*lastSeq, st.Seq, n)
		}
		*lastSeq = st.Seq
	}
	if st.Rate != 0 && !st.Stale && len(s.paused) > 0 {
		queued := s.paused
		s.paused = nil
		now := time.Now()
		for _, ev := range queued {
			s.schedule(ev, st, now)
		}
		log.Printf("[SCHED] Playback resumed, scheduled %d queued impulse(s)", len(queued))
	}
}

// dispatchEligible emits every pending command whose dispatch time has
// arrived, re-checking staleness at the moment of dispatch.
func (s *Scheduler) dispatchEligible(ctx context.Context) error {
	now := time.Now()
	curSeq := s.source.Current().Seq
	for s.pending.Len() > 0 && !s.pending.peek().cmd.DispatchTime.After(now) {
		p := s.pending.pop()
		if p.seq != curSeq {
			// Stale-seek: the position this command was computed from is
			// gone.
			s.count(func(st *Stats) { st.StaleDropped++ })
			continue
		}
		cmd := p.cmd
		if end, ok := s.inFlightEnd[cmd.DeviceTarget]; ok && now.Before(end) {
			// Overlapping window on the same target: the newer command
			// pre-empts whatever is still playing there.
			s.count(func(st *Stats) { st.Preempted++ })
			log.Printf("[SCHED] Command %s pre-empts in-flight actuation on %q", cmd.ID, cmd.DeviceTarget)
		}

		select {
		case s.out <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
		_, end := cmd.Window()
		s.inFlightEnd[cmd.DeviceTarget] = end
		s.count(func(st *Stats) { st.Dispatched++ })
	}
	return nil
}
