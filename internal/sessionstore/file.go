package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileSnapshot struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// File persists entries as a JSON snapshot rewritten atomically on each Set.
type File struct {
	path    string
	mu      sync.Mutex
	entries map[string]string
}

// NewFile opens (or creates on first write) the snapshot at path.
func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("session storage path is required")
	}
	f := &File{path: path, entries: make(map[string]string)}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Get implements Store.
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.entries[key]
	return value, ok, nil
}

// Set implements Store. The in-memory entry is rolled back when the snapshot
// cannot be written.
func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	previous, existed := f.entries[key]
	f.entries[key] = value
	if err := f.saveLocked(); err != nil {
		if existed {
			f.entries[key] = previous
		} else {
			delete(f.entries, key)
		}
		return err
	}
	return nil
}

// Close implements Store.
func (f *File) Close() error {
	return nil
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for key, value := range snapshot.Entries {
		f.entries[key] = value
	}
	return nil
}

func (f *File) saveLocked() error {
	data, err := json.MarshalIndent(fileSnapshot{Version: 1, Entries: f.entries}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "session-storage-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
