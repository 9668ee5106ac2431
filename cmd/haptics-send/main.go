// haptics-send follows a media player over its IPC socket, extracts
// impulse events from the media audio, and serves scheduled haptic
// commands to receivers over TLS.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/remotehaptics/remotehaptics"
	"github.com/remotehaptics/remotehaptics/api"
	"github.com/remotehaptics/remotehaptics/recording"
)

// setupLogging directs log output to a file when requested, keeping
// stderr readable.
func setupLogging(path string) *os.File {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file '%s': %v\n", path, err)
		return nil
	}
	log.SetOutput(f)
	return f
}

func openStore(dir, db string) (recording.Store, error) {
	if db != "" {
		return recording.NewSQLiteStore(db)
	}
	if dir != "" {
		return recording.NewFileStore(dir)
	}
	return nil, fmt.Errorf("no recording store: set --recordings-dir or --recordings-db")
}

func main() {
	listenFlag := flag.String("listen", fmt.Sprintf(":%d", api.DefaultPort), "Command channel listen address.")
	certFlag := flag.String("cert", "", "Server TLS certificate file (PEM).")
	keyFlag := flag.String("key", "", "Server TLS key file (PEM).")
	socketFlag := flag.String("mpv-socket", "", "Path to the media player's JSON IPC socket.")
	mediaFlag := flag.String("media", "", "WAV file mirroring the audio the player is playing.")
	pcmFlag := flag.Bool("pcm", false, "Read s16le PCM from stdin instead of a media file.")
	pcmRateFlag := flag.Int("pcm-rate", 48000, "Sample rate of the stdin PCM stream.")
	pcmChannelsFlag := flag.Int("pcm-channels", 2, "Channel count of the stdin PCM stream.")
	bandFlag := flag.Bool("band-routing", false, "Route impulses to bass/mid/treble targets instead of broadcasting.")
	pulseFlag := flag.Duration("pulse", 0, "Actuation window per impulse (0 = default).")
	ackTimeoutFlag := flag.Duration("ack-timeout", 0, "Per-command acknowledgment deadline (0 = default).")
	replayFlag := flag.String("replay", "", "Replay a stored recording id instead of live extraction.")
	recDirFlag := flag.String("recordings-dir", "", "Directory of stored recordings (for --replay/--list-recordings).")
	recDBFlag := flag.String("recordings-db", "", "SQLite database of stored recordings.")
	listFlag := flag.Bool("list-recordings", false, "List stored recordings and exit.")
	logFileFlag := flag.String("log-file", "", "Write logs to this file instead of stderr.")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Serve haptic commands derived from media playback.\n\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  Live:   %s --cert s.crt --key s.key --mpv-socket /tmp/mpv.sock --media track.wav\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  Pipe:   parec ... | %s --cert s.crt --key s.key --mpv-socket /tmp/mpv.sock --pcm\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  Replay: %s --cert s.crt --key s.key --recordings-dir recs --replay <id>\n", os.Args[0])
	}
	flag.Parse()

	logFile := setupLogging(*logFileFlag)
	if logFile != nil {
		defer logFile.Close()
	}

	if *listFlag {
		store, err := openStore(*recDirFlag, *recDBFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer store.Close()
		metas, err := store.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Listing recordings: %v\n", err)
			os.Exit(1)
		}
		for _, m := range metas {
			fmt.Printf("%s\t%s\t%s\n", m.ID, m.Peer, m.StartedAt.Format(time.RFC3339))
		}
		return
	}

	if *certFlag == "" || *keyFlag == "" {
		fmt.Fprintln(os.Stderr, "Both --cert and --key are required.")
		os.Exit(1)
	}

	opts := []remotehaptics.SenderOption{
		remotehaptics.WithListenAddr(*listenFlag),
		remotehaptics.WithCertificateFiles(*certFlag, *keyFlag),
		remotehaptics.WithBandRouting(*bandFlag),
	}
	if *pulseFlag > 0 {
		opts = append(opts, remotehaptics.WithPulseDuration(*pulseFlag))
	}
	if *ackTimeoutFlag > 0 {
		opts = append(opts, remotehaptics.WithAckTimeout(*ackTimeoutFlag))
	}

	if *replayFlag != "" {
		store, err := openStore(*recDirFlag, *recDBFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, remotehaptics.WithReplay(store, *replayFlag))
	} else {
		opts = append(opts, remotehaptics.WithPlayerSocket(*socketFlag))
		switch {
		case *mediaFlag != "":
			opts = append(opts, remotehaptics.WithMediaFile(*mediaFlag))
		case *pcmFlag:
			opts = append(opts, remotehaptics.WithLivePCM(os.Stdin, *pcmRateFlag, *pcmChannelsFlag))
		}
	}

	sender, err := remotehaptics.NewSender(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Print the pin receivers need, on stdout where it can be copied.
	cert, err := api.LoadServerCertificate(*certFlag, *keyFlag)
	if err == nil {
		if fp, err := api.CertificateFingerprint(cert); err == nil {
			fmt.Printf("Certificate fingerprint: %s\n", fp)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sender.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("[SEND] Exiting with error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
