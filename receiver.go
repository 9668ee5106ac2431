package remotehaptics

import (
	"context"
	"fmt"
	"log"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/remotehaptics/remotehaptics/api"
	"github.com/remotehaptics/remotehaptics/device"
	"github.com/remotehaptics/remotehaptics/recording"
)

// Receiver owns the device registry, the channel client and optionally
// a recording writer and the monitor UI.
type Receiver struct {
	serverAddr  string
	fingerprint string
	caFile      string

	registry      *device.Registry
	store         recording.Store
	monitor       bool
	lateWindow    time.Duration
	maxReconnects int

	client *api.Client
}

// NewReceiver builds a receiver from options. Devices are attached via
// WithDeviceMap or WithDevice before Run.
func NewReceiver(opts ...ReceiverOption) (*Receiver, error) {
	r := &Receiver{
		registry: device.NewRegistry(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.serverAddr == "" {
		return nil, fmt.Errorf("a server address is required")
	}
	return r, nil
}

// Registry exposes the device registry, mostly for tests.
func (r *Receiver) Registry() *device.Registry {
	return r.registry
}

// attachMappings opens and attaches every configured device. A mapping
// without a path becomes an in-process memory device, which is useful
// together with the monitor.
func (r *Receiver) attachMappings(name string, m DeviceMapping) error {
	if m.Path == "" {
		r.registry.Attach(device.NewMemoryDevice(name), m.Targets, m.Scale)
		return nil
	}
	dev, err := device.OpenRumble(m.Path)
	if err != nil {
		return fmt.Errorf("device %s: %w", name, err)
	}
	r.registry.Attach(dev, m.Targets, m.Scale)
	return nil
}

// Run connects to the sender and applies commands until ctx is
// cancelled or the channel gives up reconnecting.
func (r *Receiver) Run(ctx context.Context) error {
	clientOpts := []api.ClientOption{
		api.WithTargets(r.registry.Targets()),
	}
	if r.fingerprint != "" {
		clientOpts = append(clientOpts, api.WithPinnedFingerprint(r.fingerprint))
	}
	if r.caFile != "" {
		clientOpts = append(clientOpts, api.WithCAFile(r.caFile))
	}
	if r.lateWindow > 0 {
		clientOpts = append(clientOpts, api.WithLateWindow(r.lateWindow))
	}
	if r.maxReconnects > 0 {
		clientOpts = append(clientOpts, api.WithMaxReconnects(r.maxReconnects))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ui *tea.Program
	if r.monitor {
		model := newMonitorModel(r.serverAddr)
		ui = tea.NewProgram(model, tea.WithContext(ctx))
		clientOpts = append(clientOpts, api.WithStateCallback(func(state api.ConnState) {
			ui.Send(connStateMsg{state: state})
		}))
	}

	if r.store != nil {
		writer, meta, err := r.store.Begin(r.serverAddr)
		if err != nil {
			return fmt.Errorf("starting recording: %w", err)
		}
		defer writer.Close()
		log.Printf("[RECV] Recording session as %s", meta.ID)
		start := meta.StartedAt
		prev := r.observerFor(ui)
		r.registry.SetApplyObserver(func(id string, cmd api.Command) {
			if prev != nil {
				prev(id, cmd)
			}
			err := writer.Append(recording.Entry{
				Offset:     time.Since(start).Seconds(),
				Target:     cmd.DeviceTarget,
				Intensity:  cmd.Intensity,
				DurationMS: cmd.Duration.Milliseconds(),
			})
			if err != nil {
				log.Printf("[RECV] Recording append failed: %v", err)
			}
		})
	} else if obs := r.observerFor(ui); obs != nil {
		r.registry.SetApplyObserver(obs)
	}

	defer r.registry.Close()

	client, err := api.NewClient(r.serverAddr, r.registry, clientOpts...)
	if err != nil {
		return err
	}
	r.client = client

	if ui == nil {
		return normalizeRunErr(client.Run(ctx))
	}

	clientErr := make(chan error, 1)
	go func() {
		clientErr <- client.Run(ctx)
		ui.Quit()
	}()
	if _, err := ui.Run(); err != nil && ctx.Err() == nil {
		cancel()
		<-clientErr
		return err
	}
	cancel()
	return normalizeRunErr(<-clientErr)
}

// normalizeRunErr maps a clean cancellation to nil so callers only see
// real failures.
func normalizeRunErr(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}

func (r *Receiver) observerFor(ui *tea.Program) func(string, api.Command) {
	if ui == nil {
		return nil
	}
	return func(id string, cmd api.Command) {
		ui.Send(actuationMsg{device: id, cmd: cmd})
	}
}
