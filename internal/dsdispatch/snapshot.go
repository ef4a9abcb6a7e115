package dsdispatch

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mlsgov/platform/internal/dsstate"
)

// SnapshotStore persists a dsstate.State's groups/users/block_list to a single file on
// graceful shutdown and restores it on boot, per spec.md §6 Persistence: "snapshot their
// in-memory maps to disk on graceful shutdown". encoding/gob is used directly rather
// than a third-party serializer — see DESIGN.md for why a one-shot internal-only
// snapshot doesn't warrant one.
type SnapshotStore struct {
	path string
}

// NewSnapshotStore targets path as the snapshot file; it need not exist yet.
func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

// Save gob-encodes state's current snapshot and writes it atomically: it writes to a
// temp file in the same directory first and renames over path, so a crash mid-write
// can never leave a half-written snapshot that Load would choke on.
func (s *SnapshotStore) Save(state *dsstate.State) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if err := gob.NewEncoder(tmp).Encode(state.Snapshot()); err != nil {
		tmp.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load reads a previously Saved snapshot and restores it into state. A missing snapshot
// file is not an error — it just means this is the DS's first boot — and state is left
// untouched in that case.
func (s *SnapshotStore) Load(state *dsstate.State) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	var snap dsstate.Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	state.Restore(snap)
	return nil
}
