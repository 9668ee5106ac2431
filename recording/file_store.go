package recording

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileExt = ".jsonl.gz"

// FileStore keeps each recording as a gzipped JSON-lines file: the
// first line is the metadata, every following line one entry. Writers
// stream into a temporary file that is renamed into place on Close, so
// a crash mid-recording never leaves a half-readable file behind.
type FileStore struct {
	baseDir string
	mutex   sync.RWMutex
}

// NewFileStore creates a file-backed recording store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %v", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Begin opens a new recording file for the given peer.
func (fs *FileStore) Begin(peer string) (Writer, Meta, error) {
	meta := Meta{Peer: peer, StartedAt: time.Now()}
	meta.ID = newID(peer, meta.StartedAt)

	finalPath := filepath.Join(fs.baseDir, meta.ID+fileExt)
	tempPath := finalPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("failed to create recording file: %v", err)
	}

	gz := gzip.NewWriter(file)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(meta); err != nil {
		gz.Close()
		file.Close()
		os.Remove(tempPath)
		return nil, Meta{}, fmt.Errorf("failed to write recording header: %v", err)
	}

	return &fileWriter{
		file:      file,
		gz:        gz,
		enc:       enc,
		tempPath:  tempPath,
		finalPath: finalPath,
	}, meta, nil
}

type fileWriter struct {
	mutex     sync.Mutex
	file      *os.File
	gz        *gzip.Writer
	enc       *json.Encoder
	tempPath  string
	finalPath string
	closed    bool
}

func (w *fileWriter) Append(e Entry) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.enc.Encode(e); err != nil {
		return fmt.Errorf("failed to append entry: %v", err)
	}
	return nil
}

func (w *fileWriter) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.gz.Close(); err != nil {
		w.file.Close()
		os.Remove(w.tempPath)
		return fmt.Errorf("failed to finish recording: %v", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("failed to close recording file: %v", err)
	}
	if err := os.Rename(w.tempPath, w.finalPath); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("failed to finalize recording: %v", err)
	}
	return nil
}

// Load reads one recording back.
func (fs *FileStore) Load(id string) (Meta, []Entry, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	file, err := os.Open(filepath.Join(fs.baseDir, id+fileExt))
	if err != nil {
		return Meta{}, nil, fmt.Errorf("recording not found: %s", id)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("failed to read recording %s: %v", id, err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return Meta{}, nil, fmt.Errorf("recording %s is empty", id)
	}
	var meta Meta
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("failed to decode recording header: %v", err)
	}

	var entries []Entry
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return Meta{}, nil, fmt.Errorf("failed to decode entry %d: %v", len(entries), err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return Meta{}, nil, fmt.Errorf("failed to read recording %s: %v", id, err)
	}
	return meta, entries, nil
}

// List returns stored recordings, newest first. Unreadable files are
// skipped.
func (fs *FileStore) List() ([]Meta, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	files, err := os.ReadDir(fs.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording directory: %v", err)
	}

	metas := make([]Meta, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), fileExt) {
			continue
		}
		id := strings.TrimSuffix(f.Name(), fileExt)
		meta, err := fs.readMeta(id)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].StartedAt.After(metas[j].StartedAt)
	})
	return metas, nil
}

func (fs *FileStore) readMeta(id string) (Meta, error) {
	file, err := os.Open(filepath.Join(fs.baseDir, id+fileExt))
	if err != nil {
		return Meta{}, err
	}
	defer file.Close()
	gz, err := gzip.NewReader(file)
	if err != nil {
		return Meta{}, err
	}
	defer gz.Close()
	var meta Meta
	if err := json.NewDecoder(gz).Decode(&meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// Delete removes a recording file.
func (fs *FileStore) Delete(id string) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if err := os.Remove(filepath.Join(fs.baseDir, id+fileExt)); err != nil {
		return fmt.Errorf("failed to delete recording %s: %v", id, err)
	}
	return nil
}

// Close is a no-op for file-backed stores.
func (fs *FileStore) Close() error { return nil }
