package healthsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// VersionBackend persists the record-id → last-synced-version map. Get
// reports whether the key exists; absent keys default to version 0 at the
// bridge layer.
type VersionBackend interface {
	Get(id string) (int64, bool, error)
	Put(id string, version int64) error
	Close() error
}

type MemoryVersionBackend struct {
	mu       sync.Mutex
	versions map[string]int64
}

func NewMemoryVersionBackend() *MemoryVersionBackend {
	return &MemoryVersionBackend{versions: map[string]int64{}}
}

func (b *MemoryVersionBackend) Get(id string) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	version, ok := b.versions[id]
	return version, ok, nil
}

func (b *MemoryVersionBackend) Put(id string, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versions[id] = version
	return nil
}

func (b *MemoryVersionBackend) Close() error {
	return nil
}

// JSONFileVersionBackend keeps the map in a single JSON document written
// atomically via tmp+rename.
type JSONFileVersionBackend struct {
	path string

	mu       sync.Mutex
	loaded   bool
	versions map[string]int64
}

type versionFileState struct {
	Versions map[string]int64 `json:"versions"`
}

func NewJSONFileVersionBackend(path string) *JSONFileVersionBackend {
	return &JSONFileVersionBackend{path: strings.TrimSpace(path)}
}

func (b *JSONFileVersionBackend) Get(id string) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return 0, false, err
	}
	version, ok := b.versions[id]
	return version, ok, nil
}

func (b *JSONFileVersionBackend) Put(id string, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	b.versions[id] = version
	return b.saveLocked()
}

func (b *JSONFileVersionBackend) Close() error {
	return nil
}

func (b *JSONFileVersionBackend) loadLocked() error {
	if b.loaded {
		return nil
	}
	b.versions = map[string]int64{}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loaded = true
			return nil
		}
		return err
	}
	var state versionFileState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Versions != nil {
		b.versions = state.Versions
	}
	b.loaded = true
	return nil
}

func (b *JSONFileVersionBackend) saveLocked() error {
	data, err := json.Marshal(versionFileState{Versions: b.versions})
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
