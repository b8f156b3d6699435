package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"strategy-engine/pkg/types"
)

// FileAdapter persists signals as JSON files in a designated directory, one
// file per key: signal-<symbol>-<strategy>.json for open positions,
// schedule-<symbol>-<strategy>.json for scheduled entries.
//
// Writes go to a .tmp file first and rename over the target, so a crash
// mid-save never leaves a corrupt record. All operations are mutex-protected.
type FileAdapter struct {
	dir string
	mu  sync.Mutex
}

// NewFileAdapter creates a file adapter backed by the given directory.
func NewFileAdapter(dir string) (*FileAdapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", types.ErrPersistence, err)
	}
	return &FileAdapter{dir: dir}, nil
}

// WaitForInit verifies the directory is writable.
func (f *FileAdapter) WaitForInit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe := filepath.Join(f.dir, ".probe.tmp")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("%w: data dir not writable: %v", types.ErrPersistence, err)
	}
	return os.Remove(probe)
}

// Close is a no-op for file-based storage.
func (f *FileAdapter) Close() error {
	return nil
}

func (f *FileAdapter) path(key Key) string {
	return filepath.Join(f.dir, key.String()+".json")
}

// Has reports whether a record exists for the key.
func (f *FileAdapter) Has(_ context.Context, key Key) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := os.Stat(f.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %v", types.ErrPersistence, key, err)
}

// Read restores the signal for the key. Returns nil, nil when no record exists.
func (f *FileAdapter) Read(_ context.Context, key Key) (*types.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrPersistence, key, err)
	}

	var s types.Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s: %v", types.ErrPersistence, key, err)
	}
	return &s, nil
}

// Write atomically persists the signal for the key.
func (f *FileAdapter) Write(_ context.Context, key Key, signal *types.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", types.ErrPersistence, key, err)
	}

	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrPersistence, key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", types.ErrPersistence, key, err)
	}
	return nil
}

// Delete removes the record for the key. Deleting a missing record is not an
// error: terminal transitions must be idempotent.
func (f *FileAdapter) Delete(_ context.Context, key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", types.ErrPersistence, key, err)
	}
	return nil
}
