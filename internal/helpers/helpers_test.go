package helpers

import (
	"encoding/binary"
	"testing"
)

func TestClamp01(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"below range", -0.5, 0},
		{"zero", 0, 0},
		{"in range", 0.42, 0.42},
		{"one", 1, 1},
		{"above range", 1.7, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Clamp01(tc.in); got != tc.want {
				t.Errorf("Clamp01(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestCreateWavHeader(t *testing.T) {
	dataSize := 4800
	header := CreateWavHeader(dataSize, 1, 48000, 16)

	if len(header) != 44 {
		t.Fatalf("header length = %d, want 44", len(header))
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		t.Errorf("bad RIFF/WAVE markers: %q %q", header[0:4], header[8:12])
	}
	if got := binary.LittleEndian.Uint32(header[24:28]); got != 48000 {
		t.Errorf("sample rate = %d, want 48000", got)
	}
	if got := binary.LittleEndian.Uint32(header[40:44]); got != uint32(dataSize) {
		t.Errorf("data size = %d, want %d", got, dataSize)
	}
	if got := binary.LittleEndian.Uint16(header[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
}
