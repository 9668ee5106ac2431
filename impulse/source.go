package impulse

import (
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

// SampleSource yields mono normalized samples in [-1, 1]. ReadFrame is
// the extractor's only suspension point.
type SampleSource interface {
	// SampleRate returns the source sample rate in Hz.
	SampleRate() int
	// ReadFrame fills dst with up to len(dst) mono samples and returns
	// the count. io.EOF signals end of a file-bound stream; live
	// streams never return it.
	ReadFrame(dst []float64) (int, error)
	// Reset repositions the source to the given media offset in
	// seconds. File-bound sources reopen and skip; live sources cannot
	// seek and only rebase their clock.
	Reset(offset float64) error
	// Close releases the source.
	Close() error
}

// WAVSource streams mono samples from a PCM WAV file.
type WAVSource struct {
	path    string
	file    *os.File
	dec     *wav.Decoder
	rate    int
	chans   int
	scale   float64
	scratch *audio.Float32Buffer
}

// NewWAVSource opens a WAV file for streaming extraction. An invalid or
// non-PCM file yields a DecodeError.
func NewWAVSource(path string) (*WAVSource, error) {
	s := &WAVSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WAVSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return &DecodeError{Source: s.path, Err: err}
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return &DecodeError{Source: s.path, Err: fmt.Errorf("not a valid WAV file")}
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return &DecodeError{Source: s.path, Err: err}
	}
	if dec.BitDepth == 0 || dec.NumChans == 0 || dec.SampleRate == 0 {
		f.Close()
		return &DecodeError{Source: s.path, Err: fmt.Errorf("missing PCM format info")}
	}
	s.file = f
	s.dec = dec
	s.rate = int(dec.SampleRate)
	s.chans = int(dec.NumChans)
	s.scale = float64(int(1) << (dec.BitDepth - 1))
	s.scratch = nil
	return nil
}

// SampleRate returns the file's sample rate in Hz.
func (s *WAVSource) SampleRate() int { return s.rate }

// ReadFrame reads up to len(dst) mono frames, downmixing channels by
// averaging.
func (s *WAVSource) ReadFrame(dst []float64) (int, error) {
	if s.dec == nil {
		return 0, io.EOF
	}
	want := len(dst) * s.chans
	if s.scratch == nil || len(s.scratch.Data) != want {
		s.scratch = &audio.Float32Buffer{
			Format: &audio.Format{NumChannels: s.chans, SampleRate: s.rate},
			Data:   make([]float32, want),
		}
	}
	n, err := s.dec.PCMBuffer(s.scratch)
	if err != nil {
		return 0, &DecodeError{Source: s.path, Err: err}
	}
	if n == 0 {
		return 0, io.EOF
	}
	// A sample count not divisible by the channel count means the file
	// was truncated mid-frame; the decoder does not rewind, so the
	// trailing partial frame is dropped.
	frames := n / s.chans
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < s.chans; c++ {
			sum += float64(s.scratch.Data[i*s.chans+c])
		}
		dst[i] = sum / float64(s.chans)
	}
	return frames, nil
}

// Reset reopens the file and skips to the given offset.
func (s *WAVSource) Reset(offset float64) error {
	if offset < 0 {
		return &DecodeError{Source: s.path, Err: fmt.Errorf("negative offset %f", offset)}
	}
	s.Close()
	if err := s.open(); err != nil {
		return err
	}
	skip := int(offset * float64(s.rate))
	scratch := make([]float64, 4096)
	for skip > 0 {
		want := len(scratch)
		if skip < want {
			want = skip
		}
		n, err := s.ReadFrame(scratch[:want])
		if err == io.EOF {
			return &DecodeError{Source: s.path, Err: fmt.Errorf("offset %fs beyond end of file", offset)}
		}
		if err != nil {
			return err
		}
		skip -= n
	}
	return nil
}

// Close releases the underlying file.
func (s *WAVSource) Close() error {
	s.dec = nil
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// LivePCMSource streams mono samples from a live raw PCM feed (signed
// 16-bit little-endian, interleaved), such as a capture pipe. The
// sequence is infinite until the feed closes.
type LivePCMSource struct {
	r     io.Reader
	rate  int
	chans int
	buf   []byte
}

// NewLivePCMSource wraps a raw PCM reader.
func NewLivePCMSource(r io.Reader, sampleRate, channels int) (*LivePCMSource, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid PCM parameters: rate=%d channels=%d", sampleRate, channels)
	}
	return &LivePCMSource{r: r, rate: sampleRate, chans: channels}, nil
}

// SampleRate returns the configured sample rate in Hz.
func (s *LivePCMSource) SampleRate() int { return s.rate }

// ReadFrame blocks for the next chunk of live samples.
func (s *LivePCMSource) ReadFrame(dst []float64) (int, error) {
	want := len(dst) * s.chans * 2
	if len(s.buf) != want {
		s.buf = make([]byte, want)
	}
	n, err := io.ReadFull(s.r, s.buf)
	if n == 0 {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return 0, err
	}
	samples := n / (2 * s.chans)
	for i := 0; i < samples; i++ {
		var sum float64
		for c := 0; c < s.chans; c++ {
			off := (i*s.chans + c) * 2
			v := int16(uint16(s.buf[off]) | uint16(s.buf[off+1])<<8)
			sum += float64(v)
		}
		dst[i] = sum / (float64(s.chans) * 32768.0)
	}
	return samples, nil
}

// Reset is a no-op for live feeds; the stream cannot seek.
func (s *LivePCMSource) Reset(offset float64) error { return nil }

// Close closes the feed if it is closable.
func (s *LivePCMSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
