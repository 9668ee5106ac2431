// haptics-receive connects to a haptics-send server over TLS, applies
// delivered commands to local force feedback devices, and optionally
// shows a live monitor and records the session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/remotehaptics/remotehaptics"
	"github.com/remotehaptics/remotehaptics/device"
	"github.com/remotehaptics/remotehaptics/recording"
)

// deviceFlags collects repeatable --device values.
type deviceFlags []string

func (d *deviceFlags) String() string { return strings.Join(*d, ", ") }

func (d *deviceFlags) Set(value string) error {
	*d = append(*d, value)
	return nil
}

// setupLogging keeps the standard logger off the terminal while the
// monitor UI owns it.
func setupLogging(monitor bool, path string) *os.File {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if path == "" {
		if !monitor {
			return nil
		}
		path = "haptics-receive.log"
	}
	f, err := tea.LogToFile(path, "haptics-receive")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file '%s': %v\n", path, err)
		return nil
	}
	return f
}

func main() {
	configFlag := flag.String("config", "", "Receiver configuration file (YAML).")
	writeConfigFlag := flag.String("write-config", "", "Write a sample configuration file and exit.")
	serverFlag := flag.String("server", "", "Sender address, host:port (overrides config).")
	fingerprintFlag := flag.String("fingerprint", "", "Pinned server certificate SHA-256 fingerprint (overrides config).")
	caFlag := flag.String("ca", "", "CA bundle validating the server certificate (overrides config).")
	var devices deviceFlags
	flag.Var(&devices, "device", "Device spec path[:targets[:scale]], repeatable (overrides config).")
	discoverFlag := flag.Bool("discover", false, "List force feedback devices and exit.")
	recordDirFlag := flag.String("record-dir", "", "Record applied commands to this directory.")
	recordDBFlag := flag.String("record-db", "", "Record applied commands to this SQLite database.")
	monitorFlag := flag.Bool("monitor", term.IsTerminal(int(os.Stdout.Fd())), "Show the live monitor UI.")
	lateWindowFlag := flag.Duration("late-window", 0, "How late a command may arrive and still be applied (0 = default).")
	maxReconnectsFlag := flag.Int("max-reconnects", 0, "Reconnect attempts before giving up (0 = default).")
	logFileFlag := flag.String("log-file", "", "Write logs to this file instead of stderr.")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Receive and actuate haptic commands.\n\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config receiver.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --server media-box:7837 --fingerprint <hex> --device /dev/input/event7\n", os.Args[0])
	}
	flag.Parse()

	if *writeConfigFlag != "" {
		if err := remotehaptics.WriteSampleReceiverConfig(*writeConfigFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote sample configuration to %s\n", *writeConfigFlag)
		return
	}

	if *discoverFlag {
		found, err := device.DiscoverRumble()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(found) == 0 {
			fmt.Println("No force feedback devices found (check input group membership).")
			return
		}
		for _, d := range found {
			fmt.Printf("%s\t%s\n", d.Path, d.Name)
		}
		return
	}

	var cfg *remotehaptics.ReceiverConfig
	if *configFlag != "" {
		loaded, err := remotehaptics.LoadReceiverConfig(*configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = &remotehaptics.ReceiverConfig{}
	}

	// Flags override the configuration file.
	if *serverFlag != "" {
		cfg.Server = *serverFlag
	}
	if *fingerprintFlag != "" {
		cfg.Fingerprint = *fingerprintFlag
	}
	if *caFlag != "" {
		cfg.CAFile = *caFlag
	}
	if *recordDirFlag != "" {
		cfg.Recording = remotehaptics.RecordingConfig{Enabled: true, Dir: *recordDirFlag}
	}
	if *recordDBFlag != "" {
		cfg.Recording = remotehaptics.RecordingConfig{Enabled: true, SQLite: *recordDBFlag}
	}
	if len(devices) > 0 {
		cfg.Devices = make(map[string]remotehaptics.DeviceMapping, len(devices))
		for i, spec := range devices {
			m, err := remotehaptics.ParseDeviceFlag(spec)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			cfg.Devices[fmt.Sprintf("device-%d", i+1)] = m
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logFile := setupLogging(*monitorFlag, *logFileFlag)
	if logFile != nil {
		defer logFile.Close()
	}

	opts := []remotehaptics.ReceiverOption{
		remotehaptics.WithServer(cfg.Server),
		remotehaptics.WithMonitor(*monitorFlag),
	}
	if cfg.Fingerprint != "" {
		opts = append(opts, remotehaptics.WithFingerprint(cfg.Fingerprint))
	}
	if cfg.CAFile != "" {
		opts = append(opts, remotehaptics.WithCAFile(cfg.CAFile))
	}
	if *lateWindowFlag > 0 {
		opts = append(opts, remotehaptics.WithLateWindow(*lateWindowFlag))
	}
	if *maxReconnectsFlag > 0 {
		opts = append(opts, remotehaptics.WithMaxReconnects(*maxReconnectsFlag))
	}

	if len(cfg.Devices) > 0 {
		opts = append(opts, remotehaptics.WithDeviceMap(cfg.Devices))
	} else {
		// No hardware configured: a memory device keeps the monitor
		// useful for checking connectivity and timing.
		log.Printf("[RECV] No devices configured, using a virtual device")
		opts = append(opts, remotehaptics.WithDevice("virtual", remotehaptics.DeviceMapping{}))
	}

	if cfg.Recording.Enabled {
		var store recording.Store
		var err error
		if cfg.Recording.SQLite != "" {
			store, err = recording.NewSQLiteStore(cfg.Recording.SQLite)
		} else {
			dir := cfg.Recording.Dir
			if dir == "" {
				dir = "recordings"
			}
			store, err = recording.NewFileStore(dir)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, remotehaptics.WithRecording(store))
	}

	receiver, err := remotehaptics.NewReceiver(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := receiver.Run(ctx); err != nil {
		log.Printf("[RECV] Exiting after %v with error: %v", time.Since(start).Round(time.Second), err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
