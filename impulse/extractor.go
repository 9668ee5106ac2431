package impulse

import (
	"io"
	"log"

	"github.com/remotehaptics/remotehaptics/internal/helpers"
)

// Extractor produces a lazy sequence of impulse events from a sample
// source. The sequence is finite for file-bound sources and infinite
// for live ones. An extraction pass may be restarted at an arbitrary
// media offset with StartAt without finishing the previous pass.
type Extractor struct {
	src SampleSource
	det *detector

	frame []float64
	// pos is the media-relative position of the next frame, in samples
	// from the start of the media (offset included).
	pos int64
	// base is the sample position StartAt rebased to.
	base int64

	// Failed offsets are non-retryable in place: restarting at the same
	// offset returns the recorded error without touching the source.
	failedOffsets map[float64]error
}

// NewExtractor creates an extractor over src.
func NewExtractor(src SampleSource, cfg DetectorConfig) *Extractor {
	cfg = cfg.withDefaults()
	return &Extractor{
		src:           src,
		det:           newDetector(cfg, src.SampleRate()),
		frame:         make([]float64, cfg.HopSize),
		failedOffsets: make(map[float64]error),
	}
}

// Next returns the next impulse event. It blocks on source reads only.
// io.EOF signals end of stream; a *DecodeError makes the current pass
// unusable (restart from a different offset).
func (e *Extractor) Next() (Event, error) {
	for {
		n, err := e.src.ReadFrame(e.frame)
		if err == io.EOF {
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, err
		}
		frameStart := float64(e.pos) / float64(e.src.SampleRate())
		e.pos += int64(n)

		res := e.det.analyze(e.frame[:n], frameStart)
		if res.onset {
			if helpers.IsImpulseTraceEnabled() {
				log.Printf("[IMPULSE] Onset at %.3fs magnitude=%.3f channel=%s",
					res.event.Timestamp, res.event.Magnitude, ChannelName(res.event.Channel))
			}
			return res.event, nil
		}
	}
}

// StartAt begins a new extraction pass at the given media offset in
// seconds, re-synchronizing internal buffers. The previous pass does
// not need to finish first. Restarting at an offset that already failed
// returns the original error immediately.
func (e *Extractor) StartAt(offset float64) error {
	if prev, ok := e.failedOffsets[offset]; ok {
		return prev
	}
	if err := e.src.Reset(offset); err != nil {
		e.failedOffsets[offset] = err
		return err
	}
	e.base = int64(offset * float64(e.src.SampleRate()))
	e.pos = e.base
	e.det.reset()
	log.Printf("[IMPULSE] Extraction pass restarted at %.3fs", offset)
	return nil
}

// Position returns the media-relative position of the pass, in seconds.
func (e *Extractor) Position() float64 {
	return float64(e.pos) / float64(e.src.SampleRate())
}

// Close releases the underlying source.
func (e *Extractor) Close() error {
	return e.src.Close()
}
