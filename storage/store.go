// Package storage persists pool snapshots so an engine can be restored
// after a restart.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/defistate/clboost/protocols/clboost/pool"
)

// Store saves and loads pool states by pool id.
type Store interface {
	Save(ctx context.Context, state *pool.State) error
	// Load reports false when no state has been saved for poolID.
	Load(ctx context.Context, poolID uint64) (*pool.State, bool, error)
}

// FileStore keeps one JSON file per pool in a directory. Writes go to a
// temporary file that is renamed into place.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(poolID uint64) string {
	return filepath.Join(s.dir, "pool-"+strconv.FormatUint(poolID, 10)+".json")
}

func (s *FileStore) Save(_ context.Context, state *pool.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	path := s.path(state.ID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, poolID uint64) (*pool.State, bool, error) {
	data, err := os.ReadFile(s.path(poolID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read state: %w", err)
	}
	var state pool.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("parse state: %w", err)
	}
	return &state, true, nil
}
