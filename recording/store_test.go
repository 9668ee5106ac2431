package recording

import (
	"path/filepath"
	"testing"
)

// storeUnderTest builds each provider against a temp location.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "recordings.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return map[string]Store{"file": fileStore, "sqlite": sqliteStore}
}

func TestStoreRoundTrip(t *testing.T) {
	entries := []Entry{
		{Offset: 0.5, Target: "*", Intensity: 0.8, DurationMS: 150},
		{Offset: 1.2, Target: "bass", Intensity: 0.35, DurationMS: 150},
		{Offset: 2.0, Target: "treble", Intensity: 1.0, DurationMS: 300},
	}

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			w, meta, err := store.Begin("192.0.2.1-54000")
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			if meta.ID == "" || meta.Peer != "192.0.2.1-54000" {
				t.Fatalf("unexpected meta: %+v", meta)
			}
			for _, e := range entries {
				if err := w.Append(e); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := w.Append(entries[0]); err != ErrClosed {
				t.Errorf("Append after Close = %v, want ErrClosed", err)
			}

			gotMeta, got, err := store.Load(meta.ID)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if gotMeta.Peer != meta.Peer {
				t.Errorf("loaded peer = %q, want %q", gotMeta.Peer, meta.Peer)
			}
			if len(got) != len(entries) {
				t.Fatalf("loaded %d entries, want %d", len(got), len(entries))
			}
			for i := range entries {
				if got[i] != entries[i] {
					t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
				}
			}
		})
	}
}

func TestStoreListAndDelete(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			w, meta, err := store.Begin("peer-a")
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			if err := w.Append(Entry{Offset: 0.1, Target: "*", Intensity: 0.5, DurationMS: 150}); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			metas, err := store.List()
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(metas) != 1 || metas[0].ID != meta.ID {
				t.Fatalf("List = %+v, want single recording %s", metas, meta.ID)
			}

			if err := store.Delete(meta.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, _, err := store.Load(meta.ID); err == nil {
				t.Error("Load succeeded after Delete")
			}
			if err := store.Delete(meta.ID); err == nil {
				t.Error("second Delete succeeded, want error")
			}
		})
	}
}

func TestFileStoreUnfinishedRecordingInvisible(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	w, meta, err := store.Begin("peer-b")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.Append(Entry{Offset: 0.1, Target: "*", Intensity: 0.5, DurationMS: 150}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Not yet closed: the recording must not be listed or loadable.
	metas, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 0 {
		t.Errorf("unfinished recording visible in List: %+v", metas)
	}
	if _, _, err := store.Load(meta.ID); err == nil {
		t.Error("unfinished recording loadable")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := store.Load(meta.ID); err != nil {
		t.Errorf("Load after Close: %v", err)
	}
}
