package impulse

import (
	"math"
)

// Detector defaults. Tuned for percussive material at typical playback
// levels; all are overridable through DetectorConfig.
const (
	DefaultThreshold   = 0.02
	DefaultMinRatio    = 1.8
	DefaultHopSize     = 512
	DefaultCooldownSec = 0.1

	// One-pole filter cutoffs for band attribution.
	bassCutoffHz   = 250.0
	trebleCutoffHz = 4000.0

	// Smoothing factor for the rolling energy floor.
	energyFloorAlpha = 0.1
)

// DetectorConfig tunes transient detection.
type DetectorConfig struct {
	// Threshold is the minimum frame RMS energy for an onset.
	Threshold float64
	// MinRatio is the minimum increase over the rolling energy floor.
	MinRatio float64
	// HopSize is the analysis frame length in samples.
	HopSize int
	// Cooldown is the refractory period between onsets, in seconds.
	Cooldown float64
	// BandMode tags each event with its dominant frequency band
	// (bass/mid/treble) instead of ChannelAll.
	BandMode bool
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MinRatio <= 0 {
		c.MinRatio = DefaultMinRatio
	}
	if c.HopSize <= 0 {
		c.HopSize = DefaultHopSize
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldownSec
	}
	return c
}

// detector finds energy transients frame by frame. It keeps a rolling
// energy floor; a frame whose energy jumps past both the absolute
// threshold and the configured ratio over the floor marks an onset.
type detector struct {
	cfg  DetectorConfig
	rate float64

	energyFloor float64
	lastOnset   float64
	primed      bool

	// One-pole filter state for band attribution.
	lpBass   float64
	lpTreble float64
	aBass    float64
	aTreble  float64
}

func newDetector(cfg DetectorConfig, sampleRate int) *detector {
	d := &detector{
		cfg:  cfg.withDefaults(),
		rate: float64(sampleRate),
	}
	d.aBass = onePoleAlpha(bassCutoffHz, d.rate)
	d.aTreble = onePoleAlpha(trebleCutoffHz, d.rate)
	d.reset()
	return d
}

func onePoleAlpha(cutoff, rate float64) float64 {
	rc := 1.0 / (2.0 * math.Pi * cutoff)
	dt := 1.0 / rate
	return dt / (rc + dt)
}

func (d *detector) reset() {
	d.energyFloor = 0
	d.lastOnset = math.Inf(-1)
	d.primed = false
	d.lpBass = 0
	d.lpTreble = 0
}

// analyze inspects one frame starting at frameStart seconds. It returns
// the detected event and true on an onset.
type frameResult struct {
	event Event
	onset bool
}

func (d *detector) analyze(frame []float64, frameStart float64) frameResult {
	if len(frame) == 0 {
		return frameResult{}
	}

	var sumSq, peak float64
	var bassSq, trebleSq float64
	for _, v := range frame {
		sumSq += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
		d.lpBass += d.aBass * (v - d.lpBass)
		d.lpTreble += d.aTreble * (v - d.lpTreble)
		bassSq += d.lpBass * d.lpBass
		hi := v - d.lpTreble
		trebleSq += hi * hi
	}
	energy := math.Sqrt(sumSq / float64(len(frame)))

	onset := false
	if d.primed &&
		energy > d.cfg.Threshold &&
		(d.energyFloor == 0 || energy/d.energyFloor > d.cfg.MinRatio) &&
		frameStart-d.lastOnset >= d.cfg.Cooldown {
		onset = true
		d.lastOnset = frameStart
	}
	if !d.primed {
		// The first frame seeds the floor; never fire on it.
		d.primed = true
		d.energyFloor = energy
	} else {
		d.energyFloor += energyFloorAlpha * (energy - d.energyFloor)
	}

	if !onset {
		return frameResult{}
	}

	ch := ChannelAll
	if d.cfg.BandMode {
		bass := math.Sqrt(bassSq / float64(len(frame)))
		treble := math.Sqrt(trebleSq / float64(len(frame)))
		mid := energy - bass - treble
		if mid < 0 {
			mid = 0
		}
		switch {
		case bass >= mid && bass >= treble:
			ch = ChannelBass
		case treble >= mid:
			ch = ChannelTreble
		default:
			ch = ChannelMid
		}
	}

	mag := peak
	if mag > 1 {
		mag = 1
	}
	return frameResult{
		event: Event{Timestamp: frameStart, Magnitude: mag, Channel: ch},
		onset: true,
	}
}
