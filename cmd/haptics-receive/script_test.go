package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"
	"rsc.io/script"
	"rsc.io/script/scripttest"

	"github.com/remotehaptics/remotehaptics/recording"
)

// buildBinaries compiles both CLI binaries into a temp dir so the
// scripts can exec them by name.
func buildBinaries(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command("go", "build", "-o", dir+string(os.PathSeparator),
		"github.com/remotehaptics/remotehaptics/cmd/haptics-send",
		"github.com/remotehaptics/remotehaptics/cmd/haptics-receive")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("building binaries: %v\n%s", err, out)
	}
	return dir
}

// seedRecordings stores one finished recording so the listing path has
// something to print.
func seedRecordings(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store, err := recording.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()
	w, _, err := store.Begin("replay-seed")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.Append(recording.Entry{Offset: 0.1, Target: "*", Intensity: 0.5, DurationMS: 40}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return dir
}

// TestCLIScripts drives the hardware-free CLI paths of both binaries
// through txtar scripts in testdata: config generation and reload,
// recording listing, and flag validation failures.
func TestCLIScripts(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the CLI binaries")
	}
	bin := buildBinaries(t)
	recDir := seedRecordings(t)

	engine := &script.Engine{
		Cmds:  script.DefaultCmds(),
		Conds: script.DefaultConds(),
		Quiet: !testing.Verbose(),
	}

	files, err := filepath.Glob("testdata/*.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("no scripts under testdata")
	}
	for _, file := range files {
		file := file
		name := strings.TrimSuffix(filepath.Base(file), ".txt")
		t.Run(name, func(t *testing.T) {
			env := []string{
				"PATH=" + bin + string(os.PathListSeparator) + os.Getenv("PATH"),
				"RECDIR=" + recDir,
			}
			state, err := script.NewState(context.Background(), t.TempDir(), env)
			if err != nil {
				t.Fatalf("NewState: %v", err)
			}
			a, err := txtar.ParseFile(file)
			if err != nil {
				t.Fatal(err)
			}
			if err := state.ExtractFiles(a); err != nil {
				t.Fatalf("ExtractFiles: %v", err)
			}
			scripttest.Run(t, engine, state, filepath.Base(file), bytes.NewReader(a.Comment))
		})
	}
}
