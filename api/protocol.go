package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is exchanged in the hello message. The server rejects
// clients announcing a different major version.
const ProtocolVersion = "remotehaptics/1"

// DefaultPort is the network port used when an address omits one.
const DefaultPort = 7837

// TargetBroadcast addresses every device on every connected receiver.
const TargetBroadcast = "*"

// Message type discriminators carried in Envelope.Type.
const (
	TypeHello   = "hello"
	TypeCommand = "command"
	TypeAck     = "ack"
	TypeReset   = "reset"
)

// Ack status values.
const (
	AckOK          = "ok"
	AckLate        = "late"
	AckDeviceError = "device_error"
)

// Command is a scheduled haptic actuation instruction. It is created by
// the scheduler from a single impulse event and a single playback state
// snapshot, and is never mutated after creation.
type Command struct {
	ID           string        `json:"id"`
	DispatchTime time.Time     `json:"dispatch_time"`
	Intensity    float64       `json:"intensity"`
	Duration     time.Duration `json:"-"`
	DeviceTarget string        `json:"device_target"`

	// DurationMS carries Duration on the wire; JSON has no native
	// duration type.
	DurationMS int64 `json:"duration_ms"`
}

// Window returns the half-open actuation window [DispatchTime,
// DispatchTime+Duration).
func (c Command) Window() (time.Time, time.Time) {
	return c.DispatchTime, c.DispatchTime.Add(c.Duration)
}

// Overlaps reports whether the actuation windows of c and other intersect.
func (c Command) Overlaps(other Command) bool {
	aStart, aEnd := c.Window()
	bStart, bEnd := other.Window()
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Ack reports per-command delivery status from a receiver.
type Ack struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Hello opens a session. Targets advertises the device targets this
// receiver can actuate; an empty list means it accepts broadcast only.
type Hello struct {
	Version string   `json:"version"`
	Targets []string `json:"targets,omitempty"`
}

// Envelope is the single wire frame. Exactly one of the payload fields
// is set, matching Type.
type Envelope struct {
	Type    string   `json:"type"`
	Hello   *Hello   `json:"hello,omitempty"`
	Command *Command `json:"command,omitempty"`
	Ack     *Ack     `json:"ack,omitempty"`
}

// Sentinel errors for the failure taxonomy of the command channel.
var (
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrSessionClosed    = errors.New("session closed")
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
)

// EncodeEnvelope marshals an envelope for the wire.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return json.Marshal(env)
}

// DecodeEnvelope unmarshals a wire frame and validates that the payload
// matches the declared type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	switch env.Type {
	case TypeHello:
		if env.Hello == nil {
			return Envelope{}, fmt.Errorf("hello envelope missing payload")
		}
	case TypeCommand:
		if env.Command == nil {
			return Envelope{}, fmt.Errorf("command envelope missing payload")
		}
		env.Command.Duration = time.Duration(env.Command.DurationMS) * time.Millisecond
	case TypeAck:
		if env.Ack == nil {
			return Envelope{}, fmt.Errorf("ack envelope missing payload")
		}
	case TypeReset:
		// No payload.
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return env, nil
}

// CommandEnvelope wraps a command for sending, filling the wire-only
// duration field.
func CommandEnvelope(cmd Command) Envelope {
	cmd.DurationMS = cmd.Duration.Milliseconds()
	return Envelope{Type: TypeCommand, Command: &cmd}
}
