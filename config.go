package remotehaptics

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceMapping binds one actuator to the device targets it serves.
type DeviceMapping struct {
	// Path is the input device node, e.g. /dev/input/event7. Empty means
	// an in-process memory device (useful with the monitor).
	Path string `yaml:"path,omitempty"`
	// Targets lists the device targets this actuator serves. Empty
	// accepts every command.
	Targets []string `yaml:"targets,omitempty"`
	// Scale multiplies command intensity for this device. Zero means 1.
	Scale float64 `yaml:"scale,omitempty"`
}

// RecordingConfig selects where applied commands are persisted.
type RecordingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir stores recordings as gzipped JSON-lines files.
	Dir string `yaml:"dir,omitempty"`
	// SQLite stores recordings in one database file instead. Takes
	// precedence over Dir when both are set.
	SQLite string `yaml:"sqlite,omitempty"`
}

// ReceiverConfig is the YAML configuration for haptics-receive.
type ReceiverConfig struct {
	// Server is the sender address, host:port.
	Server string `yaml:"server"`
	// Fingerprint pins the server certificate by SHA-256 digest.
	Fingerprint string `yaml:"fingerprint,omitempty"`
	// CAFile validates the server certificate against a PEM bundle
	// instead of pinning.
	CAFile string `yaml:"ca_file,omitempty"`

	Recording RecordingConfig          `yaml:"recording"`
	Devices   map[string]DeviceMapping `yaml:"devices"`
}

// LoadReceiverConfig reads and validates a receiver configuration file.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg ReceiverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *ReceiverConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Fingerprint == "" && c.CAFile == "" {
		return fmt.Errorf("either fingerprint or ca_file is required")
	}
	for name, dev := range c.Devices {
		if dev.Scale < 0 {
			return fmt.Errorf("device %s: negative scale", name)
		}
	}
	return nil
}

const sampleReceiverConfig = `# haptics-receive configuration.
#
# The sender prints its certificate fingerprint at startup; copy it
# here. Alternatively point ca_file at a PEM bundle that signed the
# sender's certificate.
server: "media-box.local:7837"
fingerprint: "0000000000000000000000000000000000000000000000000000000000000000"

recording:
  enabled: false
  dir: "recordings"
  # sqlite: "recordings.db"

devices:
  gamepad:
    path: "/dev/input/event7"
    targets: ["*"]
    scale: 1.0
  # bass-shaker:
  #   path: "/dev/input/event9"
  #   targets: ["bass"]
  #   scale: 0.8
`

// WriteSampleReceiverConfig writes a commented sample configuration,
// refusing to overwrite an existing file.
func WriteSampleReceiverConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(sampleReceiverConfig), 0644)
}

// ParseDeviceFlag parses a --device flag value of the form
// "path[:target1,target2[:scale]]" into a mapping.
func ParseDeviceFlag(value string) (DeviceMapping, error) {
	parts := strings.Split(value, ":")
	m := DeviceMapping{Path: parts[0]}
	if m.Path == "" {
		return DeviceMapping{}, fmt.Errorf("empty device path in %q", value)
	}
	if len(parts) > 1 && parts[1] != "" {
		m.Targets = strings.Split(parts[1], ",")
	}
	if len(parts) > 2 {
		scale, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || scale <= 0 {
			return DeviceMapping{}, fmt.Errorf("bad device scale in %q", value)
		}
		m.Scale = scale
	}
	if len(parts) > 3 {
		return DeviceMapping{}, fmt.Errorf("too many fields in device spec %q", value)
	}
	return m, nil
}

// sortedDeviceNames returns the configured device names in stable order
// so attach logs are deterministic.
func sortedDeviceNames(devices map[string]DeviceMapping) []string {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
