//go:build linux

package device

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Force feedback constants from <linux/input.h>.
const (
	evFF     = 0x15
	ffRumble = 0x50

	// EVIOCSFF uploads an ff_effect (48 bytes on 64-bit), EVIOCRMFF
	// removes one by id.
	eviocsFF  = 0x40304580
	eviocRMFF = 0x40044581

	// EVIOCGBIT(0, 8) reads the supported event type bitmask.
	eviocgBitEv = 0x80084520
	// EVIOCGNAME(256)
	eviocgName = 0x81004506
)

// ffEffect mirrors struct ff_effect. The trailing array covers the
// effect-type union; for rumble only the first four bytes are used
// (strong and weak magnitudes, little endian).
type ffEffect struct {
	Type      uint16
	ID        int16
	Direction uint16
	Trigger   [2]uint16
	Replay    [2]uint16
	_         [2]byte
	U         [32]byte
}

// inputEvent mirrors struct input_event on 64-bit platforms.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// RumbleDevice drives a kernel force feedback device. The uploaded
// effect is updated in place on every Apply, so a new command replaces
// whatever is still rumbling rather than queueing behind it.
type RumbleDevice struct {
	path string

	mu        sync.Mutex
	f         *os.File
	effectID  int16
	hasEffect bool
}

// OpenRumble opens an event device node for force feedback output.
func OpenRumble(path string) (*RumbleDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if !supportsFF(f) {
		f.Close()
		return nil, fmt.Errorf("%s does not support force feedback", path)
	}
	return &RumbleDevice{path: path, f: f, effectID: -1}, nil
}

func (d *RumbleDevice) ID() string { return d.path }

// Apply uploads a rumble effect at the given intensity and starts it.
// Reusing the kernel effect slot makes the update atomic from the
// motor's point of view.
func (d *RumbleDevice) Apply(intensity float64, duration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return fmt.Errorf("%s: device closed", d.path)
	}

	mag := uint16(intensity * 0xffff)
	eff := ffEffect{
		Type:   ffRumble,
		ID:     -1,
		Replay: [2]uint16{uint16(duration / time.Millisecond), 0},
	}
	if d.hasEffect {
		eff.ID = d.effectID
	}
	binary.LittleEndian.PutUint16(eff.U[0:2], mag)   // strong magnitude
	binary.LittleEndian.PutUint16(eff.U[2:4], mag/2) // weak magnitude

	if err := ioctl(d.f, eviocsFF, uintptr(unsafe.Pointer(&eff))); err != nil {
		return fmt.Errorf("uploading effect to %s: %w", d.path, err)
	}
	d.effectID = eff.ID
	d.hasEffect = true

	if err := d.play(eff.ID, 1); err != nil {
		return fmt.Errorf("starting effect on %s: %w", d.path, err)
	}
	return nil
}

// Reset stops and removes the uploaded effect. Safe to call repeatedly
// and before any Apply.
func (d *RumbleDevice) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return fmt.Errorf("%s: device closed", d.path)
	}
	if !d.hasEffect {
		return nil
	}
	if err := d.play(d.effectID, 0); err != nil {
		return fmt.Errorf("stopping effect on %s: %w", d.path, err)
	}
	if err := ioctl(d.f, eviocRMFF, uintptr(d.effectID)); err != nil {
		return fmt.Errorf("removing effect from %s: %w", d.path, err)
	}
	d.effectID = -1
	d.hasEffect = false
	return nil
}

func (d *RumbleDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	d.hasEffect = false
	return err
}

// play writes an EV_FF input event to start (value 1) or stop (value 0)
// the effect with the given id.
func (d *RumbleDevice) play(id int16, value int32) error {
	ev := inputEvent{Type: evFF, Code: uint16(id), Value: value}
	buf := (*[unsafe.Sizeof(ev)]byte)(unsafe.Pointer(&ev))[:]
	_, err := d.f.Write(buf)
	return err
}

func ioctl(f *os.File, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func supportsFF(f *os.File) bool {
	var bits [8]byte
	if err := ioctl(f, eviocgBitEv, uintptr(unsafe.Pointer(&bits[0]))); err != nil {
		return false
	}
	return bits[evFF/8]&(1<<(evFF%8)) != 0
}

// deviceName reads the kernel-reported device name, falling back to the
// node path.
func deviceName(f *os.File, path string) string {
	var buf [256]byte
	if err := ioctl(f, eviocgName, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return path
	}
	name := string(buf[:])
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return path
	}
	return name
}

// DiscoveredDevice describes a force feedback capable input node.
type DiscoveredDevice struct {
	Path string
	Name string
}

// DiscoverRumble scans /dev/input for event nodes advertising force
// feedback support. Nodes that cannot be opened (usually permissions)
// are skipped silently; run the enumeration as a user in the input
// group.
func DiscoverRumble() ([]DiscoveredDevice, error) {
	paths, err := filepath.Glob("/dev/input/event*")
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []DiscoveredDevice
	for _, p := range paths {
		f, err := os.OpenFile(p, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		if supportsFF(f) {
			out = append(out, DiscoveredDevice{Path: p, Name: deviceName(f, p)})
		}
		f.Close()
	}
	return out, nil
}
