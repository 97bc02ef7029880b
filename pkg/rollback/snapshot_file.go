package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilePersister stores each snapshot as a JSON file under a directory.
// Suitable for single-node and air-gapped deployments.
type FilePersister struct {
	dir string
}

// NewFilePersister creates the storage directory if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FilePersister{dir: dir}, nil
}

func (p *FilePersister) path(snapshotID string) string {
	return filepath.Join(p.dir, snapshotID+".json")
}

func (p *FilePersister) Save(_ context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return os.WriteFile(p.path(snap.SnapshotID), data, 0600)
}

func (p *FilePersister) Delete(_ context.Context, snapshotID string) error {
	err := os.Remove(p.path(snapshotID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Load reads every snapshot file and returns them oldest first.
func (p *FilePersister) Load(_ context.Context) ([]*Snapshot, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var snaps []*Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot %s: %w", entry.Name(), err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot %s: %w", entry.Name(), err)
		}
		snaps = append(snaps, &snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.Before(snaps[j].Timestamp)
	})
	return snaps, nil
}
