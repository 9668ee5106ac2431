//go:build !linux

package device

import "fmt"

// DiscoveredDevice describes a force feedback capable input node.
type DiscoveredDevice struct {
	Path string
	Name string
}

// OpenRumble is only implemented on Linux, where force feedback devices
// are exposed through evdev.
func OpenRumble(path string) (Device, error) {
	return nil, fmt.Errorf("force feedback device %s: only supported on linux", path)
}

// DiscoverRumble reports no devices on platforms without evdev.
func DiscoverRumble() ([]DiscoveredDevice, error) {
	return nil, nil
}
