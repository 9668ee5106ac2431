package device

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/remotehaptics/remotehaptics/api"
)

func TestRegistryRoutesByTarget(t *testing.T) {
	reg := NewRegistry()
	bass := NewMemoryDevice("bass-pad")
	treble := NewMemoryDevice("treble-pad")
	reg.Attach(bass, []string{"bass"}, 1)
	reg.Attach(treble, []string{"treble"}, 1)

	if err := reg.Apply(api.Command{ID: "c1", Intensity: 0.7, Duration: 100 * time.Millisecond, DeviceTarget: "bass"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := len(bass.History()); got != 1 {
		t.Errorf("bass actuations = %d, want 1", got)
	}
	if got := len(treble.History()); got != 0 {
		t.Errorf("treble actuations = %d, want 0", got)
	}

	// Broadcast reaches every device.
	if err := reg.Apply(api.Command{ID: "c2", Intensity: 0.5, Duration: 100 * time.Millisecond, DeviceTarget: api.TargetBroadcast}); err != nil {
		t.Fatalf("broadcast Apply: %v", err)
	}
	if got := len(bass.History()); got != 2 {
		t.Errorf("bass actuations after broadcast = %d, want 2", got)
	}
	if got := len(treble.History()); got != 1 {
		t.Errorf("treble actuations after broadcast = %d, want 1", got)
	}
}

func TestRegistryEmptyTargetsAcceptAll(t *testing.T) {
	reg := NewRegistry()
	dev := NewMemoryDevice("any")
	reg.Attach(dev, nil, 1)

	if err := reg.Apply(api.Command{ID: "c1", Intensity: 0.3, DeviceTarget: "mid"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := len(dev.History()); got != 1 {
		t.Errorf("actuations = %d, want 1", got)
	}
}

func TestRegistryCapsPersistDuration(t *testing.T) {
	reg := NewRegistry()
	dev := NewMemoryDevice("pad")
	reg.Attach(dev, nil, 1)

	if err := reg.Apply(api.Command{ID: "c1", Intensity: 0.5, Duration: time.Hour, DeviceTarget: api.TargetBroadcast}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	hist := dev.History()
	if len(hist) != 1 || hist[0].Duration != MaxPersistDuration {
		t.Errorf("actuation duration = %v, want capped %v", hist[0].Duration, MaxPersistDuration)
	}
}

func TestRegistryScaleClamps(t *testing.T) {
	reg := NewRegistry()
	dev := NewMemoryDevice("hot")
	reg.Attach(dev, nil, 2.0)

	if err := reg.Apply(api.Command{ID: "c1", Intensity: 0.9, DeviceTarget: api.TargetBroadcast}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := dev.Current(); got != 1.0 {
		t.Errorf("scaled intensity = %v, want clamped 1.0", got)
	}
}

func TestRegistryMarksFailedDeviceUnavailable(t *testing.T) {
	reg := NewRegistry()
	good := NewMemoryDevice("good")
	bad := NewMemoryDevice("bad")
	bad.FailWith(errors.New("unplugged"))
	reg.Attach(good, nil, 1)
	reg.Attach(bad, nil, 1)

	err := reg.Apply(api.Command{ID: "c1", Intensity: 0.5, DeviceTarget: api.TargetBroadcast})
	if !IsDeviceError(err) {
		t.Fatalf("Apply error = %v, want DeviceError", err)
	}
	// The healthy device still actuated.
	if got := len(good.History()); got != 1 {
		t.Errorf("good device actuations = %d, want 1", got)
	}
	if reg.Available("bad") {
		t.Error("failed device still marked available")
	}

	// Subsequent commands skip the unavailable device entirely.
	if err := reg.Apply(api.Command{ID: "c2", Intensity: 0.5, DeviceTarget: api.TargetBroadcast}); err != nil {
		t.Fatalf("Apply after failure: %v", err)
	}

	// Rediscovery restores it once the fault clears.
	bad.FailWith(nil)
	if err := reg.Rediscover("bad"); err != nil {
		t.Fatalf("Rediscover: %v", err)
	}
	if !reg.Available("bad") {
		t.Error("device not available after rediscovery")
	}
}

func TestRegistryResetIdempotent(t *testing.T) {
	reg := NewRegistry()
	dev := NewMemoryDevice("pad")
	reg.Attach(dev, nil, 1)

	if err := reg.Apply(api.Command{ID: "c1", Intensity: 0.8, DeviceTarget: api.TargetBroadcast}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := reg.Reset(); err != nil {
			t.Fatalf("Reset %d: %v", i, err)
		}
	}
	if got := dev.Current(); got != 0 {
		t.Errorf("intensity after reset = %v, want 0", got)
	}
	if got := dev.Resets(); got != 3 {
		t.Errorf("device resets = %d, want 3", got)
	}
}

func TestRegistryResetRestoresUnavailable(t *testing.T) {
	reg := NewRegistry()
	dev := NewMemoryDevice("pad")
	reg.Attach(dev, nil, 1)

	dev.FailWith(errors.New("busy"))
	reg.Apply(api.Command{ID: "c1", Intensity: 0.5, DeviceTarget: api.TargetBroadcast})
	if reg.Available("pad") {
		t.Fatal("device should be unavailable after failure")
	}

	dev.FailWith(nil)
	if err := reg.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !reg.Available("pad") {
		t.Error("clean reset did not restore availability")
	}
}

func TestRegistryTargets(t *testing.T) {
	reg := NewRegistry()
	reg.Attach(NewMemoryDevice("a"), []string{"bass", "mid"}, 1)
	reg.Attach(NewMemoryDevice("b"), []string{"mid", "treble"}, 1)

	got := reg.Targets()
	sort.Strings(got)
	want := []string{"bass", "mid", "treble"}
	if len(got) != len(want) {
		t.Fatalf("Targets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Targets = %v, want %v", got, want)
		}
	}
}

func TestRegistryApplyObserver(t *testing.T) {
	reg := NewRegistry()
	reg.Attach(NewMemoryDevice("pad"), nil, 1)

	var seen []string
	reg.SetApplyObserver(func(id string, cmd api.Command) {
		seen = append(seen, id+"/"+cmd.ID)
	})
	if err := reg.Apply(api.Command{ID: "c9", Intensity: 0.5, DeviceTarget: api.TargetBroadcast}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(seen) != 1 || seen[0] != "pad/c9" {
		t.Errorf("observer saw %v, want [pad/c9]", seen)
	}
}
