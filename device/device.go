// Package device translates haptic commands into hardware actuation
// calls, isolating the rest of the system from device enumeration and
// permission quirks.
package device

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/remotehaptics/remotehaptics/api"
	"github.com/remotehaptics/remotehaptics/internal/helpers"
)

// MaxPersistDuration caps how long a single command may hold an
// actuator on. A sender bug can otherwise leave a motor rumbling for
// the rest of the session.
const MaxPersistDuration = 15 * time.Second

// Device is a single haptic actuator.
type Device interface {
	// ID identifies the device; it may change across reconnects.
	ID() string
	// Apply actuates at the given normalized intensity for the given
	// duration, replacing any running effect.
	Apply(intensity float64, duration time.Duration) error
	// Reset forces the actuator to neutral. Idempotent.
	Reset() error
	// Close releases the device.
	Close() error
}

// DeviceError reports a per-device failure (unplugged, permission
// denied). It marks the device unavailable but never crashes the
// channel.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err is (or wraps) a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

type entry struct {
	dev       Device
	targets   map[string]bool
	scale     float64
	available bool
}

func (e *entry) servesTarget(target string) bool {
	if target == api.TargetBroadcast || len(e.targets) == 0 {
		return true
	}
	return e.targets[target]
}

// Registry routes commands to attached devices by target. It implements
// api.CommandHandler. Each device is exclusively owned by the session's
// registry; there is no cross-session device sharing.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	// onApply observes successful actuations (recording, monitor UI).
	onApply func(deviceID string, cmd api.Command)
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Attach registers a device that responds to the given targets. An
// empty target list accepts every command. Scale multiplies command
// intensity for this device; zero means 1.
func (r *Registry) Attach(dev Device, targets []string, scale float64) {
	if scale <= 0 {
		scale = 1
	}
	tm := make(map[string]bool, len(targets))
	for _, t := range targets {
		tm[t] = true
	}
	r.mu.Lock()
	r.entries[dev.ID()] = &entry{dev: dev, targets: tm, scale: scale, available: true}
	r.mu.Unlock()
	log.Printf("[DEVICE] Attached %q (targets %v, scale %.2f)", dev.ID(), targets, scale)
}

// SetApplyObserver registers a callback for successful actuations.
func (r *Registry) SetApplyObserver(fn func(deviceID string, cmd api.Command)) {
	r.mu.Lock()
	r.onApply = fn
	r.mu.Unlock()
}

// Targets returns the union of targets the attached devices serve,
// advertised to the server at session start.
func (r *Registry) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.entries {
		for t := range e.targets {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// Available reports whether the named device is attached and usable.
func (r *Registry) Available(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.available
}

// Apply routes one command to every available device serving its
// target. A failing device is marked unavailable and skipped until
// rediscovery; the error is reported upward without stopping other
// devices.
func (r *Registry) Apply(cmd api.Command) error {
	r.mu.Lock()
	matched := make([]*entry, 0, len(r.entries))
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.available && e.servesTarget(cmd.DeviceTarget) {
			matched = append(matched, e)
			ids = append(ids, id)
		}
	}
	onApply := r.onApply
	r.mu.Unlock()

	duration := cmd.Duration
	if duration > MaxPersistDuration {
		duration = MaxPersistDuration
	}

	var errs []error
	for i, e := range matched {
		intensity := helpers.Clamp01(cmd.Intensity * e.scale)
		if err := e.dev.Apply(intensity, duration); err != nil {
			derr := &DeviceError{Device: ids[i], Op: "apply", Err: err}
			r.markUnavailable(ids[i])
			errs = append(errs, derr)
			continue
		}
		if onApply != nil {
			onApply(ids[i], cmd)
		}
	}
	return errors.Join(errs...)
}

// Reset forces every attached device to neutral. A device that resets
// cleanly while marked unavailable is considered rediscovered.
func (r *Registry) Reset() error {
	r.mu.Lock()
	all := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		all[id] = e
	}
	r.mu.Unlock()

	var errs []error
	for id, e := range all {
		if err := e.dev.Reset(); err != nil {
			r.markUnavailable(id)
			errs = append(errs, &DeviceError{Device: id, Op: "reset", Err: err})
			continue
		}
		r.markAvailable(id)
	}
	return errors.Join(errs...)
}

// Rediscover probes an unavailable device and restores it on success.
// Invoked when the external permission layer reports the device node
// back.
func (r *Registry) Rediscover(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return &DeviceError{Device: id, Op: "rediscover", Err: fmt.Errorf("not attached")}
	}
	if err := e.dev.Reset(); err != nil {
		return &DeviceError{Device: id, Op: "rediscover", Err: err}
	}
	r.markAvailable(id)
	log.Printf("[DEVICE] Rediscovered %q", id)
	return nil
}

// Close releases all attached devices.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, e := range r.entries {
		if err := e.dev.Close(); err != nil {
			errs = append(errs, &DeviceError{Device: id, Op: "close", Err: err})
		}
	}
	r.entries = make(map[string]*entry)
	return errors.Join(errs...)
}

func (r *Registry) markUnavailable(id string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok && e.available {
		e.available = false
		log.Printf("[DEVICE] Marked %q unavailable", id)
	}
	r.mu.Unlock()
}

func (r *Registry) markAvailable(id string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok && !e.available {
		e.available = true
	}
	r.mu.Unlock()
}
