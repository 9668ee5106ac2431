// Package remotehaptics wires the media tracker, impulse extractor,
// scheduler and command channel into the sender and receiver programs.
package remotehaptics

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/remotehaptics/remotehaptics/api"
	"github.com/remotehaptics/remotehaptics/impulse"
	"github.com/remotehaptics/remotehaptics/player"
	"github.com/remotehaptics/remotehaptics/recording"
	"github.com/remotehaptics/remotehaptics/schedule"
)

// Sender drives the full pipeline on the media-player side: it follows
// playback over the player's IPC socket, extracts impulses from the
// media audio, schedules them against the playhead and serves the
// resulting commands to connected receivers.
type Sender struct {
	listenAddr string
	cert       tls.Certificate
	haveCert   bool

	socketPath string
	mediaPath  string

	pcm      io.Reader
	pcmRate  int
	pcmChans int

	bandRouting bool
	pulse       time.Duration
	ackTimeout  time.Duration
	detector    impulse.DetectorConfig

	replayStore recording.Store
	replayID    string

	server *api.Server

	mu   sync.Mutex
	addr net.Addr
}

// NewSender builds a sender from options. A TLS certificate is always
// required; live mode additionally needs the player socket and an audio
// source, replay mode a recording store and id.
func NewSender(opts ...SenderOption) (*Sender, error) {
	s := &Sender{
		listenAddr: fmt.Sprintf(":%d", api.DefaultPort),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if !s.haveCert {
		return nil, fmt.Errorf("a TLS certificate is required")
	}
	if s.replayStore != nil {
		if s.replayID == "" {
			return nil, fmt.Errorf("replay mode needs a recording id")
		}
		return s, nil
	}
	if s.socketPath == "" {
		return nil, fmt.Errorf("a media player socket is required")
	}
	if s.mediaPath == "" && s.pcm == nil {
		return nil, fmt.Errorf("an audio source is required: media file or PCM stream")
	}
	return s, nil
}

// Server exposes the command channel for inspection.
func (s *Sender) Server() *api.Server {
	return s.server
}

// Addr returns the bound listen address, nil before Run binds it.
func (s *Sender) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves the command channel and feeds it until ctx is cancelled,
// the media ends, or the player becomes unavailable.
func (s *Sender) Run(ctx context.Context) error {
	var serverOpts []api.ServerOption
	if s.ackTimeout > 0 {
		serverOpts = append(serverOpts, api.WithAckTimeout(s.ackTimeout))
	}
	s.server = api.NewServer(s.cert, serverOpts...)

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.server.Serve(ctx, ln)
	}()

	var runErr error
	if s.replayStore != nil {
		runErr = s.runReplay(ctx)
	} else {
		runErr = s.runLive(ctx)
	}

	cancel()
	if err := <-serverErr; runErr == nil && err != nil {
		runErr = err
	}
	if runErr == context.Canceled {
		return nil
	}
	return runErr
}

// runLive extracts impulses from the media audio and schedules them
// against the live playhead.
func (s *Sender) runLive(ctx context.Context) error {
	src, err := s.openSource()
	if err != nil {
		return err
	}
	ext := impulse.NewExtractor(src, s.detector)
	defer ext.Close()

	tracker := player.NewTracker(s.socketPath)
	trackerErr := make(chan error, 1)
	go func() {
		trackerErr <- tracker.Run(ctx)
	}()

	schedOpts := []schedule.Option{}
	if s.pulse > 0 {
		schedOpts = append(schedOpts, schedule.WithPulseDuration(s.pulse))
	}
	if s.bandRouting {
		schedOpts = append(schedOpts, schedule.WithTargetFunc(schedule.BandTarget))
	}
	sched := schedule.New(tracker, schedOpts...)

	events := make(chan impulse.Event, 64)
	go s.pumpEvents(ctx, ext, tracker, events)

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx, events)
	}()

	for {
		select {
		case cmd, ok := <-sched.Out():
			if !ok {
				err := <-schedErr
				log.Printf("[SEND] Impulse stream drained, shutting down")
				return err
			}
			s.server.Dispatch(cmd)
		case err := <-trackerErr:
			// The player is gone for good; scheduling cannot continue.
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Sender) openSource() (impulse.SampleSource, error) {
	if s.mediaPath != "" {
		return impulse.NewWAVSource(s.mediaPath)
	}
	return impulse.NewLivePCMSource(s.pcm, s.pcmRate, s.pcmChans)
}

// pumpEvents feeds extractor events to the scheduler, re-aligning the
// extractor with the playhead after seeks.
func (s *Sender) pumpEvents(ctx context.Context, ext *impulse.Extractor, tracker *player.Tracker, events chan<- impulse.Event) {
	defer close(events)

	lastSeq := tracker.Current().Seq
	for {
		st := tracker.Current()
		if st.Seq != lastSeq && !st.Stale {
			lastSeq = st.Seq
			pos := st.PositionAt(time.Now())
			// A jump the extractor cannot serve (corrupt region, beyond
			// EOF) pauses extraction at that offset; playback continues
			// without haptics until the next seek.
			if err := ext.StartAt(pos); err != nil {
				log.Printf("[SEND] Extractor cannot follow playhead to %.3fs: %v", pos, err)
				if !s.waitForSeqChange(ctx, tracker, lastSeq) {
					return
				}
				continue
			}
		}

		ev, err := ext.Next()
		if err == io.EOF {
			log.Printf("[SEND] Audio source exhausted")
			return
		}
		if err != nil {
			log.Printf("[SEND] Impulse extraction stopped: %v", err)
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// waitForSeqChange blocks until the playback sequence number moves past
// seq. It polls the snapshot rather than consuming Updates, which
// belongs to the scheduler. Returns false when ctx is cancelled or the
// player goes away.
func (s *Sender) waitForSeqChange(ctx context.Context, tracker *player.Tracker, seq uint64) bool {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if tracker.Current().Seq != seq {
				return true
			}
		case <-tracker.Unavailable():
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// runReplay re-dispatches a stored recording on its original timeline,
// no media player required.
func (s *Sender) runReplay(ctx context.Context) error {
	meta, entries, err := s.replayStore.Load(s.replayID)
	if err != nil {
		return err
	}
	log.Printf("[SEND] Replaying recording %s (%d entries, originally from %s)",
		meta.ID, len(entries), meta.Peer)

	start := time.Now()
	for i, e := range entries {
		at := start.Add(time.Duration(e.Offset * float64(time.Second)))
		select {
		case <-time.After(time.Until(at)):
		case <-ctx.Done():
			return ctx.Err()
		}
		s.server.Dispatch(api.Command{
			ID:           fmt.Sprintf("%s-%d", meta.ID, i),
			DispatchTime: at,
			Intensity:    e.Intensity,
			Duration:     time.Duration(e.DurationMS) * time.Millisecond,
			DeviceTarget: e.Target,
		})
	}
	// Give the final commands time to reach receivers before the
	// channel shuts down.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Printf("[SEND] Replay of %s finished", meta.ID)
	return nil
}
