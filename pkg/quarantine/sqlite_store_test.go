package quarantine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/aegis-labs/aegis/pkg/fault"

	_ "modernc.org/sqlite"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	// A single connection keeps the in-memory database alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return store
}

func TestSQLiteStore_DedupIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	first, created, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "checksum mismatch",
		map[string]any{"field": "total", "value": 12.5}, "tester")
	if err != nil {
		t.Fatalf("first quarantine failed: %v", err)
	}
	if !created {
		t.Fatal("expected first quarantine to create a record")
	}
	if first.OriginalData["field"] != "total" {
		t.Fatalf("original data lost: %+v", first.OriginalData)
	}

	second, created, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "other reason", nil, "other")
	if err != nil {
		t.Fatalf("second quarantine failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate suppressed by the partial unique index")
	}
	if second.ID != first.ID || second.QuarantineReason != "checksum mismatch" {
		t.Fatalf("expected existing record returned unchanged, got %+v", second)
	}
}

func TestSQLiteStore_ResolveFreesDedupKey(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	rec, _, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "r", nil, "tester")
	if err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, rec.ID, StatusResolved, "resolver", "done"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	again, created, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "relapse", nil, "tester")
	if err != nil {
		t.Fatalf("re-quarantine failed: %v", err)
	}
	if !created || again.ID == rec.ID {
		t.Fatalf("expected a fresh record after resolve, created=%v id=%s", created, again.ID)
	}
}

func TestSQLiteStore_UpdateStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	rec, _, err := store.StoreQuarantine(ctx, "orders", "42", "data_drift", "r", nil, "tester")
	if err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}

	rec, err = store.UpdateStatus(ctx, rec.ID, StatusUnderReview, "reviewer", "")
	if err != nil {
		t.Fatalf("to under_review failed: %v", err)
	}
	if rec.Status != StatusUnderReview || rec.Version != 2 {
		t.Fatalf("unexpected record: status=%s version=%d", rec.Status, rec.Version)
	}

	rec, err = store.UpdateStatus(ctx, rec.ID, StatusResolved, "resolver", "fixed")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rec.ResolvedAt == nil || rec.ResolvedBy != "resolver" || rec.ResolutionNotes != "fixed" {
		t.Fatalf("resolution fields not set: %+v", rec)
	}

	// Repeated resolve is idempotent, other transitions are rejected.
	again, err := store.UpdateStatus(ctx, rec.ID, StatusResolved, "other", "ignored")
	if err != nil {
		t.Fatalf("repeated resolve failed: %v", err)
	}
	if again.ResolvedBy != "resolver" || again.Version != rec.Version {
		t.Fatalf("repeated resolve must not change the record: %+v", again)
	}
	if _, err := store.UpdateStatus(ctx, rec.ID, StatusUnderReview, "x", ""); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}

	if _, err := store.UpdateStatus(ctx, "missing", StatusResolved, "x", ""); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not-found fault, got %v", err)
	}
}

func TestSQLiteStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	seed := []struct {
		model, object, corruption, reason string
	}{
		{"orders", "1", "data_drift", "checksum mismatch"},
		{"orders", "2", "schema_violation", "missing column"},
		{"users", "3", "data_drift", "stale reference"},
	}
	var ids []string
	for _, s := range seed {
		rec, _, err := store.StoreQuarantine(ctx, s.model, s.object, s.corruption, s.reason, nil, "tester")
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	if _, err := store.UpdateStatus(ctx, ids[1], StatusResolved, "resolver", "recreated the column"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	byModel, err := store.List(ctx, Filter{ModelName: "orders"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(byModel) != 2 {
		t.Fatalf("expected 2 orders records, got %d", len(byModel))
	}

	byStatus, err := store.List(ctx, Filter{Statuses: []Status{StatusResolved}})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != ids[1] {
		t.Fatalf("expected only the resolved record, got %d", len(byStatus))
	}

	// Text search spans reason and resolution notes, case-insensitive.
	byText, err := store.List(ctx, Filter{Text: "CHECKSUM"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(byText) != 1 || byText[0].ID != ids[0] {
		t.Fatalf("expected reason match, got %d", len(byText))
	}
	byNotes, err := store.List(ctx, Filter{Text: "recreated"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(byNotes) != 1 || byNotes[0].ID != ids[1] {
		t.Fatalf("expected notes match, got %d", len(byNotes))
	}
}

func TestSQLiteStore_PurgeResolvedBefore(t *testing.T) {
	ctx := context.Background()
	clk := newFixedClock()
	store := newTestSQLiteStore(t).WithClock(clk.Now)

	old, _, _ := store.StoreQuarantine(ctx, "orders", "1", "data_drift", "r", nil, "tester")
	if _, err := store.UpdateStatus(ctx, old.ID, StatusResolved, "x", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	keep, _, _ := store.StoreQuarantine(ctx, "orders", "2", "data_drift", "r", nil, "tester")

	clk.Advance(48 * time.Hour)
	purged, err := store.PurgeResolvedBefore(ctx, clk.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged record, got %d", purged)
	}
	if _, err := store.Get(ctx, keep.ID); err != nil {
		t.Fatalf("active record must survive: %v", err)
	}
}
