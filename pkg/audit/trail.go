// Package audit implements the append-only audit trail for the governance
// safety core. Entries are hash-chained: each entry's hash covers its payload
// hash and the previous entry's hash, so any mutation of history is
// detectable. Payloads are canonicalized with RFC 8785 (JCS) before hashing
// so semantically equal payloads always hash identically.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrChainBroken   = errors.New("audit hash chain is broken")
)

// Trail is the interface the safety core writes through. Logging is
// fire-and-forget: implementations record failures locally and never
// propagate them to the caller.
type Trail interface {
	LogOperation(op Operation)
}

// Operation describes one audited action against a governed object.
type Operation struct {
	ModelName     string         `json:"model_name"`
	ObjectID      string         `json:"object_id"`
	Operation     string         `json:"operation"`
	SourceService string         `json:"source_service"`
	Actor         string         `json:"actor"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
}

// Entry is a single immutable entry in the trail.
type Entry struct {
	EntryID      string    `json:"entry_id"`
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	Op           Operation `json:"operation"`
	PayloadHash  string    `json:"payload_hash"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
}

// ChainedTrail is an in-memory append-only trail with hash chaining.
type ChainedTrail struct {
	mu        sync.RWMutex
	entries   []*Entry
	entryByID map[string]*Entry
	sequence  uint64
	chainHead string
	clock     func() time.Time
	logger    *slog.Logger
}

// NewChainedTrail creates an empty trail.
func NewChainedTrail() *ChainedTrail {
	return &ChainedTrail{
		entries:   make([]*Entry, 0),
		entryByID: make(map[string]*Entry),
		chainHead: "genesis",
		clock:     time.Now,
		logger:    slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *ChainedTrail) WithClock(clock func() time.Time) *ChainedTrail {
	t.clock = clock
	return t
}

// LogOperation appends an entry. Serialization failures are logged and
// swallowed; the trail never blocks or fails a governance operation.
func (t *ChainedTrail) LogOperation(op Operation) {
	if _, err := t.append(op); err != nil {
		t.logger.Error("audit append failed",
			"model", op.ModelName, "object_id", op.ObjectID,
			"operation", op.Operation, "error", err)
	}
}

// Append adds an entry and returns it, surfacing serialization errors.
// Callers that need the entry (tests, exports) use this; the core uses
// LogOperation.
func (t *ChainedTrail) Append(op Operation) (*Entry, error) {
	return t.append(op)
}

func (t *ChainedTrail) append(op Operation) (*Entry, error) {
	payloadHash, err := canonicalHash(op)
	if err != nil {
		return nil, fmt.Errorf("hash audit payload: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sequence++
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     t.sequence,
		Timestamp:    t.clock().UTC(),
		Op:           op,
		PayloadHash:  payloadHash,
		PreviousHash: t.chainHead,
	}
	entryHash, err := entry.computeHash()
	if err != nil {
		t.sequence--
		return nil, fmt.Errorf("hash audit entry: %w", err)
	}
	entry.EntryHash = entryHash
	t.chainHead = entryHash

	t.entries = append(t.entries, entry)
	t.entryByID[entry.EntryID] = entry
	return entry, nil
}

// canonicalHash returns the sha256 of the JCS canonical form of v.
func canonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func (e *Entry) computeHash() (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.PayloadHash, e.PreviousHash}
	return canonicalHash(hashable)
}

// Get retrieves an entry by id.
func (t *ChainedTrail) Get(entryID string) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entryByID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// ChainHead returns the current head hash.
func (t *ChainedTrail) ChainHead() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chainHead
}

// Size returns the number of entries.
func (t *ChainedTrail) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// QueryFilter selects entries from the trail.
type QueryFilter struct {
	ModelName  string
	ObjectID   string
	Operation  string
	Actor      string
	StartTime  *time.Time
	EndTime    *time.Time
	MaxResults int
}

func (f QueryFilter) matches(e *Entry) bool {
	if f.ModelName != "" && e.Op.ModelName != f.ModelName {
		return false
	}
	if f.ObjectID != "" && e.Op.ObjectID != f.ObjectID {
		return false
	}
	if f.Operation != "" && e.Op.Operation != f.Operation {
		return false
	}
	if f.Actor != "" && e.Op.Actor != f.Actor {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Query returns entries matching the filter in append order.
func (t *ChainedTrail) Query(filter QueryFilter) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range t.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// VerifyChain walks the trail and checks every link.
func (t *ChainedTrail) VerifyChain() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	expectedPrev := "genesis"
	for i, entry := range t.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s, expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		computed, err := entry.computeHash()
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}
