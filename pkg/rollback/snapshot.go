package rollback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/aegis/pkg/fault"
	"github.com/aegis-labs/aegis/pkg/policy"
)

// DefaultSnapshotCapacity bounds the in-memory snapshot history.
const DefaultSnapshotCapacity = 50

// Snapshot is a point-in-time copy of the full policy flag state.
type Snapshot struct {
	SnapshotID string           `json:"snapshot_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Flags      policy.FlagState `json:"flags"`
	Reason     string           `json:"reason"`
	CreatedBy  string           `json:"created_by"`
}

// Clone returns a deep copy; callers may mutate the result freely.
func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	cp.Flags = s.Flags.Clone()
	return &cp
}

// Persister durably stores snapshots beyond process lifetime. Implementations
// must tolerate Save for an ID that already exists (overwrite) and Delete for
// an ID that does not (no-op).
type Persister interface {
	Save(ctx context.Context, snap *Snapshot) error
	Delete(ctx context.Context, snapshotID string) error
	Load(ctx context.Context) ([]*Snapshot, error)
}

// Archiver receives snapshots evicted from the ring, for long-term retention
// in object storage. Archive failures are logged, never fatal.
type Archiver interface {
	Archive(ctx context.Context, snap *Snapshot) error
}

// SnapshotStore keeps a bounded, ordered history of policy snapshots. When
// the ring is full the oldest snapshot is evicted, removed from the
// persister, and handed to the archiver if one is configured.
type SnapshotStore struct {
	mu       sync.Mutex
	ring     []*Snapshot // oldest first
	capacity int

	policyStore policy.Store
	persister   Persister
	archiver    Archiver
	logger      *slog.Logger
	clock       func() time.Time
}

// SnapshotStoreOption configures a SnapshotStore.
type SnapshotStoreOption func(*SnapshotStore)

// WithSnapshotCapacity overrides the default ring capacity.
func WithSnapshotCapacity(n int) SnapshotStoreOption {
	return func(s *SnapshotStore) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithPersister attaches durable storage to the ring.
func WithPersister(p Persister) SnapshotStoreOption {
	return func(s *SnapshotStore) { s.persister = p }
}

// WithArchiver attaches an eviction archiver.
func WithArchiver(a Archiver) SnapshotStoreOption {
	return func(s *SnapshotStore) { s.archiver = a }
}

// WithSnapshotClock injects a time source for tests.
func WithSnapshotClock(clock func() time.Time) SnapshotStoreOption {
	return func(s *SnapshotStore) { s.clock = clock }
}

// NewSnapshotStore creates a snapshot store over the given policy store. If a
// persister is configured, previously saved snapshots are loaded and the most
// recent ones up to capacity seed the ring; older ones are evicted the same
// way a full ring evicts, archived and removed from the persister.
func NewSnapshotStore(ctx context.Context, ps policy.Store, opts ...SnapshotStoreOption) (*SnapshotStore, error) {
	s := &SnapshotStore{
		capacity:    DefaultSnapshotCapacity,
		policyStore: ps,
		logger:      slog.Default().With("component", "snapshot_store"),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.persister != nil {
		loaded, err := s.persister.Load(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorageUnavailable, err, "loading persisted snapshots")
		}
		if len(loaded) > s.capacity {
			trimmed := loaded[:len(loaded)-s.capacity]
			loaded = loaded[len(loaded)-s.capacity:]
			// Reconcile storage with the ring so trimmed snapshots do not
			// accumulate in the persister across restarts.
			for _, old := range trimmed {
				if s.archiver != nil {
					if err := s.archiver.Archive(ctx, old); err != nil {
						s.logger.Warn("failed to archive trimmed snapshot", "snapshot_id", old.SnapshotID, "error", err)
					}
				}
				if err := s.persister.Delete(ctx, old.SnapshotID); err != nil {
					s.logger.Warn("failed to delete trimmed snapshot", "snapshot_id", old.SnapshotID, "error", err)
				}
			}
		}
		s.ring = loaded
	}
	return s, nil
}

// Create captures the current policy state as a new snapshot.
func (s *SnapshotStore) Create(ctx context.Context, reason, createdBy string) (*Snapshot, error) {
	state := s.policyStore.Statistics(ctx)

	snap := &Snapshot{
		SnapshotID: uuid.NewString(),
		Timestamp:  s.clock().UTC(),
		Flags:      state,
		Reason:     reason,
		CreatedBy:  createdBy,
	}

	var evicted *Snapshot
	s.mu.Lock()
	s.ring = append(s.ring, snap)
	if len(s.ring) > s.capacity {
		evicted = s.ring[0]
		s.ring = s.ring[1:]
	}
	if s.persister != nil {
		if err := s.persister.Save(ctx, snap); err != nil {
			// Roll the append back so memory and disk stay consistent.
			s.ring = s.ring[:len(s.ring)-1]
			if evicted != nil {
				s.ring = append([]*Snapshot{evicted}, s.ring...)
			}
			s.mu.Unlock()
			return nil, fault.Wrap(fault.KindStorageUnavailable, err, "persisting snapshot")
		}
		if evicted != nil {
			if err := s.persister.Delete(ctx, evicted.SnapshotID); err != nil {
				s.logger.Warn("failed to delete evicted snapshot", "snapshot_id", evicted.SnapshotID, "error", err)
			}
		}
	}
	s.mu.Unlock()

	// Archival is network I/O and runs outside the lock.
	if evicted != nil && s.archiver != nil {
		if err := s.archiver.Archive(ctx, evicted); err != nil {
			s.logger.Warn("failed to archive evicted snapshot", "snapshot_id", evicted.SnapshotID, "error", err)
		}
	}

	return snap.Clone(), nil
}

// Find returns the snapshot with the given ID, or a not-found fault.
func (s *SnapshotStore) Find(snapshotID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.ring {
		if snap.SnapshotID == snapshotID {
			return snap.Clone(), nil
		}
	}
	return nil, fault.New(fault.KindNotFound, "snapshot not found").With("snapshot_id", snapshotID)
}

// List returns all retained snapshots, newest first.
func (s *SnapshotStore) List() []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Snapshot, 0, len(s.ring))
	for i := len(s.ring) - 1; i >= 0; i-- {
		out = append(out, s.ring[i].Clone())
	}
	return out
}

// Recent returns up to n snapshots, newest first.
func (s *SnapshotStore) Recent(n int) []*Snapshot {
	all := s.List()
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Size reports the number of retained snapshots.
func (s *SnapshotStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ring)
}
