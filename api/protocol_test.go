package api

import (
	"strings"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	tests := []struct {
		name string
		env  Envelope
	}{
		{
			name: "hello",
			env:  Envelope{Type: TypeHello, Hello: &Hello{Version: ProtocolVersion, Targets: []string{"bass"}}},
		},
		{
			name: "command",
			env: CommandEnvelope(Command{
				ID:           "cmd-1",
				DispatchTime: now,
				Intensity:    0.75,
				Duration:     150 * time.Millisecond,
				DeviceTarget: TargetBroadcast,
			}),
		},
		{
			name: "ack",
			env:  Envelope{Type: TypeAck, Ack: &Ack{ID: "cmd-1", Status: AckOK}},
		},
		{
			name: "reset",
			env:  Envelope{Type: TypeReset},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeEnvelope(tt.env)
			if err != nil {
				t.Fatalf("EncodeEnvelope: %v", err)
			}
			got, err := DecodeEnvelope(data)
			if err != nil {
				t.Fatalf("DecodeEnvelope: %v", err)
			}
			if got.Type != tt.env.Type {
				t.Errorf("type = %q, want %q", got.Type, tt.env.Type)
			}
			if tt.env.Command != nil {
				if got.Command.Duration != tt.env.Command.Duration {
					t.Errorf("duration = %v, want %v", got.Command.Duration, tt.env.Command.Duration)
				}
				if !got.Command.DispatchTime.Equal(tt.env.Command.DispatchTime) {
					t.Errorf("dispatch time = %v, want %v", got.Command.DispatchTime, tt.env.Command.DispatchTime)
				}
			}
		})
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing type", `{}`},
		{"unknown type", `{"type":"bogus"}`},
		{"hello without payload", `{"type":"hello"}`},
		{"command without payload", `{"type":"command"}`},
		{"ack without payload", `{"type":"ack"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEnvelope([]byte(tt.data)); err == nil {
				t.Errorf("DecodeEnvelope(%q) succeeded, want error", tt.data)
			}
		})
	}
}

func TestCommandOverlaps(t *testing.T) {
	base := time.Now()
	mk := func(offsetMS, durMS int) Command {
		return Command{
			DispatchTime: base.Add(time.Duration(offsetMS) * time.Millisecond),
			Duration:     time.Duration(durMS) * time.Millisecond,
		}
	}
	tests := []struct {
		name string
		a, b Command
		want bool
	}{
		{"identical", mk(0, 150), mk(0, 150), true},
		{"partial overlap", mk(0, 150), mk(100, 150), true},
		{"touching windows", mk(0, 150), mk(150, 150), false},
		{"disjoint", mk(0, 150), mk(500, 150), false},
		{"contained", mk(0, 300), mk(100, 50), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Errorf("Overlaps = %v, want %v", got, tt.want)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Errorf("Overlaps (reversed) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeFingerprint(t *testing.T) {
	want := "ab12cd34"
	for _, in := range []string{"ab12cd34", "AB12CD34", "AB:12:CD:34", "ab 12 cd 34"} {
		if got := NormalizeFingerprint(in); got != want {
			t.Errorf("NormalizeFingerprint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVerifyPinnedPeer(t *testing.T) {
	der := []byte("fake der bytes")
	fp := Fingerprint(der)

	verify := VerifyPinnedPeer(strings.ToUpper(fp))
	if err := verify([][]byte{der}, nil); err != nil {
		t.Errorf("matching fingerprint rejected: %v", err)
	}

	verify = VerifyPinnedPeer("0000000000000000000000000000000000000000000000000000000000000000")
	if err := verify([][]byte{der}, nil); err == nil {
		t.Error("mismatched fingerprint accepted")
	}
	if err := verify(nil, nil); err == nil {
		t.Error("empty certificate chain accepted")
	}
}
