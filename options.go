package remotehaptics

import (
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/remotehaptics/remotehaptics/api"
	"github.com/remotehaptics/remotehaptics/impulse"
	"github.com/remotehaptics/remotehaptics/recording"
)

// SenderOption configures a Sender.
type SenderOption func(*Sender) error

// WithListenAddr sets the command channel listen address.
func WithListenAddr(addr string) SenderOption {
	return func(s *Sender) error {
		s.listenAddr = addr
		return nil
	}
}

// WithCertificate supplies the server TLS certificate directly.
func WithCertificate(cert tls.Certificate) SenderOption {
	return func(s *Sender) error {
		s.cert = cert
		s.haveCert = true
		return nil
	}
}

// WithCertificateFiles loads the server certificate and key from disk.
func WithCertificateFiles(certFile, keyFile string) SenderOption {
	return func(s *Sender) error {
		cert, err := api.LoadServerCertificate(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("loading certificate: %w", err)
		}
		s.cert = cert
		s.haveCert = true
		return nil
	}
}

// WithPlayerSocket sets the media player's JSON IPC socket path.
func WithPlayerSocket(path string) SenderOption {
	return func(s *Sender) error {
		s.socketPath = path
		return nil
	}
}

// WithMediaFile extracts impulses from a WAV file that mirrors the
// audio the player is playing.
func WithMediaFile(path string) SenderOption {
	return func(s *Sender) error {
		s.mediaPath = path
		return nil
	}
}

// WithLivePCM extracts impulses from a live signed 16-bit little-endian
// PCM stream, e.g. a loopback capture pipe.
func WithLivePCM(r io.Reader, sampleRate, channels int) SenderOption {
	return func(s *Sender) error {
		if r == nil {
			return fmt.Errorf("nil PCM reader")
		}
		s.pcm = r
		s.pcmRate = sampleRate
		s.pcmChans = channels
		return nil
	}
}

// WithBandRouting routes impulses to per-band device targets (bass,
// mid, treble) instead of broadcasting.
func WithBandRouting(enabled bool) SenderOption {
	return func(s *Sender) error {
		s.bandRouting = enabled
		return nil
	}
}

// WithPulseDuration sets the actuation window per impulse.
func WithPulseDuration(d time.Duration) SenderOption {
	return func(s *Sender) error {
		if d <= 0 {
			return fmt.Errorf("pulse duration must be positive")
		}
		s.pulse = d
		return nil
	}
}

// WithAckTimeout sets the per-command acknowledgment deadline.
func WithAckTimeout(d time.Duration) SenderOption {
	return func(s *Sender) error {
		s.ackTimeout = d
		return nil
	}
}

// WithDetector overrides impulse detection tuning.
func WithDetector(cfg impulse.DetectorConfig) SenderOption {
	return func(s *Sender) error {
		s.detector = cfg
		return nil
	}
}

// WithReplay replays a stored recording instead of extracting from
// live media.
func WithReplay(store recording.Store, id string) SenderOption {
	return func(s *Sender) error {
		if store == nil {
			return fmt.Errorf("nil recording store")
		}
		s.replayStore = store
		s.replayID = id
		return nil
	}
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver) error

// WithServer sets the sender address.
func WithServer(addr string) ReceiverOption {
	return func(r *Receiver) error {
		r.serverAddr = addr
		return nil
	}
}

// WithFingerprint pins the sender certificate by SHA-256 fingerprint.
func WithFingerprint(fp string) ReceiverOption {
	return func(r *Receiver) error {
		r.fingerprint = fp
		return nil
	}
}

// WithCAFile validates the sender certificate against a PEM bundle.
func WithCAFile(path string) ReceiverOption {
	return func(r *Receiver) error {
		r.caFile = path
		return nil
	}
}

// WithDeviceMap attaches every device from a configuration mapping.
func WithDeviceMap(devices map[string]DeviceMapping) ReceiverOption {
	return func(r *Receiver) error {
		for _, name := range sortedDeviceNames(devices) {
			if err := r.attachMappings(name, devices[name]); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithDevice attaches a single device mapping.
func WithDevice(name string, m DeviceMapping) ReceiverOption {
	return func(r *Receiver) error {
		return r.attachMappings(name, m)
	}
}

// WithRecording persists applied commands to the given store.
func WithRecording(store recording.Store) ReceiverOption {
	return func(r *Receiver) error {
		r.store = store
		return nil
	}
}

// WithMonitor enables the terminal monitor UI.
func WithMonitor(enabled bool) ReceiverOption {
	return func(r *Receiver) error {
		r.monitor = enabled
		return nil
	}
}

// WithLateWindow sets how far past its window a command may arrive and
// still be applied.
func WithLateWindow(d time.Duration) ReceiverOption {
	return func(r *Receiver) error {
		r.lateWindow = d
		return nil
	}
}

// WithMaxReconnects sets the reconnect ceiling before the receiver
// gives up.
func WithMaxReconnects(n int) ReceiverOption {
	return func(r *Receiver) error {
		r.maxReconnects = n
		return nil
	}
}
