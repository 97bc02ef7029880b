package quarantine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aegis-labs/aegis/pkg/fault"
)

// fixedClock is a test clock that returns a controllable time.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixedClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
}

func TestMemoryStore_DedupIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, created, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "checksum mismatch", nil, "tester")
	if err != nil {
		t.Fatalf("first quarantine failed: %v", err)
	}
	if !created {
		t.Fatal("expected first quarantine to create a record")
	}
	if first.Status != StatusQuarantined || first.Version != 1 {
		t.Fatalf("unexpected new record: %+v", first)
	}

	second, created, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "different reason", nil, "other")
	if err != nil {
		t.Fatalf("second quarantine failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate quarantine to be suppressed")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same record, got %s and %s", first.ID, second.ID)
	}
	if second.QuarantineReason != "checksum mismatch" {
		t.Fatal("duplicate must return the existing record unchanged")
	}

	// A different corruption type is a different dedup key.
	_, created, err = store.StoreQuarantine(ctx, "orders", "42", "schema_violation", "r", nil, "tester")
	if err != nil {
		t.Fatalf("distinct-type quarantine failed: %v", err)
	}
	if !created {
		t.Fatal("expected distinct corruption type to create a new record")
	}
}

func TestMemoryStore_ConcurrentDedup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const callers = 32
	ids := make([]string, callers)
	createdTotal := 0
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, created, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "r", nil, "tester")
			if err != nil {
				t.Errorf("quarantine failed: %v", err)
				return
			}
			mu.Lock()
			ids[i] = rec.ID
			if created {
				createdTotal++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if createdTotal != 1 {
		t.Fatalf("expected exactly one creation, got %d", createdTotal)
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d saw record %s, caller 0 saw %s", i, ids[i], ids[0])
		}
	}
}

func TestMemoryStore_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	clk := newFixedClock()
	store := NewMemoryStore().WithClock(clk.Now)

	rec, _, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "r", nil, "tester")
	if err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}

	// QUARANTINED and UNDER_REVIEW may flip back and forth.
	rec, err = store.UpdateStatus(ctx, rec.ID, StatusUnderReview, "reviewer", "")
	if err != nil {
		t.Fatalf("to under_review failed: %v", err)
	}
	if rec.Status != StatusUnderReview || rec.Version != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	rec, err = store.UpdateStatus(ctx, rec.ID, StatusQuarantined, "reviewer", "")
	if err != nil {
		t.Fatalf("back to quarantined failed: %v", err)
	}

	clk.Advance(90 * time.Second)
	rec, err = store.UpdateStatus(ctx, rec.ID, StatusResolved, "resolver", "fixed upstream")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rec.ResolvedAt == nil || rec.ResolvedBy != "resolver" || rec.ResolutionNotes != "fixed upstream" {
		t.Fatalf("resolution fields not set: %+v", rec)
	}
	if !rec.ResolvedAt.Equal(clk.Now().UTC()) {
		t.Fatalf("resolved_at %v, want %v", rec.ResolvedAt, clk.Now().UTC())
	}
}

func TestMemoryStore_ResolveIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec, _, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "r", nil, "tester")
	if err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}
	first, err := store.UpdateStatus(ctx, rec.ID, StatusResolved, "resolver", "done")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	second, err := store.UpdateStatus(ctx, rec.ID, StatusResolved, "someone else", "other notes")
	if err != nil {
		t.Fatalf("repeated resolve must be idempotent, got %v", err)
	}
	if second.ResolvedBy != first.ResolvedBy || !second.ResolvedAt.Equal(*first.ResolvedAt) {
		t.Fatal("repeated resolve must return the original resolution")
	}
	if second.Version != first.Version {
		t.Fatal("repeated resolve must not bump the version")
	}
}

func TestMemoryStore_TerminalRejectsTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec, _, _ := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "r", nil, "tester")
	if _, err := store.UpdateStatus(ctx, rec.ID, StatusResolved, "resolver", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, rec.ID, StatusUnderReview, "x", ""); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault reopening resolved record, got %v", err)
	}

	perm, _, _ := store.StoreQuarantine(ctx, "orders", "43", "data_drift", "r", nil, "tester")
	if _, err := store.UpdateStatus(ctx, perm.ID, StatusPermanent, "x", ""); err != nil {
		t.Fatalf("to permanent failed: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, perm.ID, StatusResolved, "x", ""); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault resolving permanent record, got %v", err)
	}
}

func TestMemoryStore_ResolveFreesDedupKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec, _, _ := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "r", nil, "tester")
	if _, err := store.UpdateStatus(ctx, rec.ID, StatusResolved, "resolver", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	again, created, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "relapse", nil, "tester")
	if err != nil {
		t.Fatalf("re-quarantine failed: %v", err)
	}
	if !created {
		t.Fatal("expected a new record after the old one resolved")
	}
	if again.ID == rec.ID {
		t.Fatal("expected a fresh record id")
	}
}

func TestMemoryStore_UnknownStatusAndMissingRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.UpdateStatus(ctx, "nope", StatusResolved, "x", ""); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not-found fault, got %v", err)
	}
	if _, err := store.Get(ctx, "nope"); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not-found fault, got %v", err)
	}

	rec, _, _ := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "r", nil, "tester")
	if _, err := store.UpdateStatus(ctx, rec.ID, Status("EXPLODED"), "x", ""); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault for unknown status, got %v", err)
	}

	if _, _, err := store.StoreQuarantine(ctx, "", "42", "data_drift", "r", nil, "tester"); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault for empty model, got %v", err)
	}
}

func TestMemoryStore_PurgeResolvedBefore(t *testing.T) {
	ctx := context.Background()
	clk := newFixedClock()
	store := NewMemoryStore().WithClock(clk.Now)

	old, _, _ := store.StoreQuarantine(ctx, "orders", "1", "data_drift", "r", nil, "tester")
	if _, err := store.UpdateStatus(ctx, old.ID, StatusResolved, "x", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	active, _, _ := store.StoreQuarantine(ctx, "orders", "2", "data_drift", "r", nil, "tester")

	clk.Advance(48 * time.Hour)
	fresh, _, _ := store.StoreQuarantine(ctx, "orders", "3", "data_drift", "r", nil, "tester")
	if _, err := store.UpdateStatus(ctx, fresh.ID, StatusResolved, "x", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	purged, err := store.PurgeResolvedBefore(ctx, clk.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged record, got %d", purged)
	}
	if _, err := store.Get(ctx, old.ID); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatal("expected the old resolved record to be gone")
	}
	if _, err := store.Get(ctx, active.ID); err != nil {
		t.Fatalf("active record must survive the purge: %v", err)
	}
	if _, err := store.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("recently resolved record must survive the purge: %v", err)
	}
}
