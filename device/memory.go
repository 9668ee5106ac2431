package device

import (
	"sync"
	"time"
)

// Actuation is one recorded apply call on a MemoryDevice.
type Actuation struct {
	Intensity float64
	Duration  time.Duration
	At        time.Time
}

// MemoryDevice is an in-process actuator used in tests and by the
// monitor UI when no hardware is attached. It records every actuation
// and tracks the currently playing intensity.
type MemoryDevice struct {
	id string

	mu       sync.Mutex
	history  []Actuation
	current  float64
	resets   int
	failWith error
}

// NewMemoryDevice creates a memory device with the given identifier.
func NewMemoryDevice(id string) *MemoryDevice {
	return &MemoryDevice{id: id}
}

func (m *MemoryDevice) ID() string { return m.id }

func (m *MemoryDevice) Apply(intensity float64, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.history = append(m.history, Actuation{Intensity: intensity, Duration: duration, At: time.Now()})
	m.current = intensity
	return nil
}

func (m *MemoryDevice) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.current = 0
	m.resets++
	return nil
}

func (m *MemoryDevice) Close() error { return nil }

// Current returns the intensity of the last applied effect, zeroed by
// Reset.
func (m *MemoryDevice) Current() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns a copy of every recorded actuation.
func (m *MemoryDevice) History() []Actuation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Actuation, len(m.history))
	copy(out, m.history)
	return out
}

// Resets returns how many times Reset has been called.
func (m *MemoryDevice) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// FailWith makes subsequent Apply and Reset calls return err; nil
// restores normal operation.
func (m *MemoryDevice) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}
