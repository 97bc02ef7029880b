package quarantine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/aegis/pkg/fault"
)

// RecordStore is the durable owner of quarantine records.
//
// StoreQuarantine must be atomic and idempotent: if an active record already
// exists for the (model, object, corruption type) key the existing record is
// returned with created=false. UpdateStatus serializes concurrent updates on
// one record and fails with a concurrency fault once bounded retries are
// exhausted.
type RecordStore interface {
	StoreQuarantine(ctx context.Context, modelName, objectID, corruptionType, reason string,
		originalData map[string]any, actor string) (rec *Record, created bool, err error)
	UpdateStatus(ctx context.Context, id string, newStatus Status, actor, notes string) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter Filter) ([]*Record, error)
	// PurgeResolvedBefore deletes RESOLVED records whose resolution is older
	// than cutoff and returns the number removed.
	PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)
	// Ping probes storage reachability for health checks.
	Ping(ctx context.Context) error
}

// checkTransition validates a status change. Repeated resolution is treated
// as idempotent by the stores, so RESOLVED→RESOLVED never reaches here.
func checkTransition(from, to Status) error {
	if !to.Valid() {
		return fault.New(fault.KindValidation, "unknown status %q", string(to))
	}
	if from.Terminal() {
		return fault.New(fault.KindValidation,
			"record is %s; no further transitions allowed", string(from)).
			With("from", string(from)).With("to", string(to))
	}
	return nil
}

// MemoryStore is a mutex-guarded in-memory RecordStore. It is the reference
// implementation for tests and single-process deployments; the dedup check
// and insert happen under one lock, which makes the conditional insert
// linearizable.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // by id
	active  map[string]string  // dedup key -> id, active records only
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		active:  make(map[string]string),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) StoreQuarantine(ctx context.Context, modelName, objectID, corruptionType, reason string,
	originalData map[string]any, actor string) (*Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if modelName == "" || objectID == "" || corruptionType == "" {
		return nil, false, fault.New(fault.KindValidation,
			"model name, object id, and corruption type are required").
			With("model", modelName).With("object_id", objectID)
	}

	rec := &Record{
		ModelName:      modelName,
		ObjectID:       objectID,
		CorruptionType: corruptionType,
	}
	key := rec.DedupKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[key]; ok {
		return s.records[id].Clone(), false, nil
	}

	rec.ID = uuid.New().String()
	rec.Status = StatusQuarantined
	rec.QuarantineReason = reason
	rec.QuarantinedBy = actor
	rec.QuarantinedAt = s.clock().UTC()
	rec.Version = 1
	if originalData != nil {
		rec.OriginalData = make(map[string]any, len(originalData))
		for k, v := range originalData {
			rec.OriginalData[k] = v
		}
	}

	s.records[rec.ID] = rec
	s.active[key] = rec.ID
	return rec.Clone(), true, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, newStatus Status, actor, notes string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "quarantine record %s not found", id).With("id", id)
	}

	// Repeated resolve is idempotent: return the resolved record as stored.
	if rec.Status == StatusResolved && newStatus == StatusResolved {
		return rec.Clone(), nil
	}
	if err := checkTransition(rec.Status, newStatus); err != nil {
		return nil, err
	}

	wasActive := rec.Status.Active()
	rec.Status = newStatus
	if newStatus == StatusResolved {
		now := s.clock().UTC()
		rec.ResolvedAt = &now
		rec.ResolvedBy = actor
		rec.ResolutionNotes = notes
	}
	rec.Version++

	if wasActive && !newStatus.Active() {
		delete(s.active, rec.DedupKey())
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "quarantine record %s not found", id).With("id", id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0)
	for _, rec := range s.records {
		if matchesFilter(rec, filter) {
			out = append(out, rec.Clone())
		}
	}
	// Most-recent-first; id breaks ties for stable pagination.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QuarantinedAt.Equal(out[j].QuarantinedAt) {
			return out[i].QuarantinedAt.After(out[j].QuarantinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matchesFilter(rec *Record, f Filter) bool {
	if f.ModelName != "" && rec.ModelName != f.ModelName {
		return false
	}
	if f.CorruptionType != "" && rec.CorruptionType != f.CorruptionType {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if rec.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.QuarantinedBy != "" && rec.QuarantinedBy != f.QuarantinedBy {
		return false
	}
	if f.From != nil && rec.QuarantinedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && rec.QuarantinedAt.After(*f.To) {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(rec.QuarantineReason), needle) &&
			!strings.Contains(strings.ToLower(rec.ResolutionNotes), needle) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, rec := range s.records {
		if rec.Status == StatusResolved && rec.ResolvedAt != nil && rec.ResolvedAt.Before(cutoff) {
			delete(s.records, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
