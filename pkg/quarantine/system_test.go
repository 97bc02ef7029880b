package quarantine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aegis-labs/aegis/pkg/alert"
	"github.com/aegis-labs/aegis/pkg/audit"
	"github.com/aegis-labs/aegis/pkg/fault"
)

type sentAlert struct {
	severity alert.Severity
	subject  string
}

// captureAlerts records alerts for assertions.
type captureAlerts struct {
	mu    sync.Mutex
	sent  []sentAlert
	reply bool
}

func newCaptureAlerts() *captureAlerts { return &captureAlerts{reply: true} }

func (c *captureAlerts) SendAlert(_ context.Context, severity alert.Severity, subject, _ string, _ []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentAlert{severity: severity, subject: subject})
	return c.reply
}

func (c *captureAlerts) count(severity alert.Severity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.sent {
		if a.severity == severity {
			n++
		}
	}
	return n
}

// brokenStore simulates unreachable storage.
type brokenStore struct {
	*MemoryStore
}

func (s *brokenStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func newTestSystem(t *testing.T) (*System, *MemoryStore, *audit.ChainedTrail, *captureAlerts) {
	t.Helper()
	store := NewMemoryStore()
	trail := audit.NewChainedTrail()
	alerts := newCaptureAlerts()
	sys := NewSystem(store, trail, alerts)
	return sys, store, trail, alerts
}

func TestSystem_QuarantineAudited(t *testing.T) {
	ctx := context.Background()
	sys, _, trail, _ := newTestSystem(t)

	rec, err := sys.Quarantine(ctx, Request{
		ModelName:      "orders",
		ObjectID:       "42",
		CorruptionType: "data_drift",
		Reason:         "checksum mismatch",
	}, "tester")
	if err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}

	entries := trail.Query(audit.QueryFilter{Operation: "quarantine_data"})
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	op := entries[0].Op
	if op.ModelName != "orders" || op.Actor != "tester" {
		t.Fatalf("unexpected audit operation: %+v", op)
	}
	if op.After["record_id"] != rec.ID {
		t.Fatalf("audit entry does not reference record %s: %v", rec.ID, op.After)
	}

	// Deduplicated re-submission does not produce a second entry.
	if _, err := sys.Quarantine(ctx, Request{
		ModelName:      "orders",
		ObjectID:       "42",
		CorruptionType: "data_drift",
		Reason:         "seen again",
	}, "tester"); err != nil {
		t.Fatalf("duplicate quarantine failed: %v", err)
	}
	if n := len(trail.Query(audit.QueryFilter{Operation: "quarantine_data"})); n != 1 {
		t.Fatalf("expected dedup to skip audit, got %d entries", n)
	}
}

func TestSystem_RuleDenial(t *testing.T) {
	ctx := context.Background()
	sys, store, _, _ := newTestSystem(t)
	sys.WithRules(RequireReason())

	_, err := sys.Quarantine(ctx, Request{
		ModelName:      "orders",
		ObjectID:       "42",
		CorruptionType: "data_drift",
	}, "tester")
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "require_reason") {
		t.Fatalf("expected rule name in error, got %v", err)
	}

	recs, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("denied quarantine must not create a record, found %d", len(recs))
	}
}

func TestSystem_IngestConfidenceGate(t *testing.T) {
	ctx := context.Background()
	sys, _, _, _ := newTestSystem(t)

	report := &CorruptionReport{ByType: map[string]Finding{
		"data_drift": {
			Confidence: ConfidenceLow,
			Issues: []Issue{
				{ModelName: "orders", ObjectID: "1", Description: "drift"},
				{ModelName: "orders", ObjectID: "2", Description: "drift"},
				{ModelName: "orders", ObjectID: "3", Description: "drift"},
			},
		},
		"schema_violation": {
			Confidence: ConfidenceHigh,
			Issues: []Issue{
				{ModelName: "orders", ObjectID: "4", Description: "bad column"},
				{ModelName: "orders", ObjectID: "5", Description: "bad column"},
			},
		},
	}}

	result, err := sys.IngestCorruptionReport(ctx, report, "classifier")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if result.RequestedCount != 5 {
		t.Fatalf("expected 5 requested, got %d", result.RequestedCount)
	}
	if result.CreatedCount != 3 {
		t.Fatalf("expected 3 created (LOW confidence only), got %d", result.CreatedCount)
	}
	if result.SkippedCount != 2 {
		t.Fatalf("expected 2 skipped (HIGH confidence), got %d", result.SkippedCount)
	}
	if len(result.IDs) != 3 || len(result.Failed) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, err := sys.IngestCorruptionReport(ctx, nil, "classifier"); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault for nil report, got %v", err)
	}
}

func TestSystem_IngestPartialFailure(t *testing.T) {
	ctx := context.Background()
	sys, _, _, _ := newTestSystem(t)
	sys.WithRules(RequireReason())

	report := &CorruptionReport{ByType: map[string]Finding{
		"data_drift": {
			Confidence: ConfidenceLow,
			Issues: []Issue{
				{ModelName: "orders", ObjectID: "1", Description: "drift"},
				{ModelName: "orders", ObjectID: "2"}, // no description, rule denies
			},
		},
	}}

	result, err := sys.IngestCorruptionReport(ctx, report, "classifier")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if result.CreatedCount != 1 {
		t.Fatalf("expected 1 created, got %d", result.CreatedCount)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "orders/2" {
		t.Fatalf("expected failure for orders/2, got %+v", result.Failed)
	}
}

func TestSystem_BatchQuarantineSkipsInvalid(t *testing.T) {
	ctx := context.Background()
	sys, _, _, _ := newTestSystem(t)
	sys.WithRules(RequireReason())

	result, err := sys.BatchQuarantine(ctx, []Request{
		{ModelName: "orders", ObjectID: "1", CorruptionType: "data_drift", Reason: "r"},
		{ModelName: "orders", ObjectID: "2", CorruptionType: "data_drift"},
		{ModelName: "orders", ObjectID: "3", CorruptionType: "data_drift", Reason: "r"},
	}, "tester")
	if err != nil {
		t.Fatalf("batch quarantine failed: %v", err)
	}
	if result.RequestedCount != 3 || result.CreatedCount != 2 {
		t.Fatalf("expected 2 of 3 created, got %+v", result)
	}
	if len(result.IDs) != 2 {
		t.Fatalf("expected 2 ids, got %v", result.IDs)
	}
}

func TestSystem_BatchResolveAudited(t *testing.T) {
	ctx := context.Background()
	sys, store, trail, _ := newTestSystem(t)

	ids := seedRecords(t, store, 2, func(int) string { return "data_drift" })
	result, err := sys.BatchResolve(ctx, append(ids, "missing"), "fixed upstream", "resolver")
	if err != nil {
		t.Fatalf("batch resolve failed: %v", err)
	}
	if len(result.Updated) != 2 || len(result.Failed) != 1 {
		t.Fatalf("unexpected batch result: %+v", result)
	}

	entries := trail.Query(audit.QueryFilter{Operation: "batch_resolve"})
	if len(entries) != 1 {
		t.Fatalf("expected 1 batch_resolve audit entry, got %d", len(entries))
	}
	if entries[0].Op.After["updated"] != 2 {
		t.Fatalf("unexpected audit payload: %v", entries[0].Op.After)
	}
}

func TestSystem_HealthCheckStates(t *testing.T) {
	ctx := context.Background()
	clk := newFixedClock()

	t.Run("healthy", func(t *testing.T) {
		sys, store, _, _ := newTestSystem(t)
		sys.WithClock(clk.Now)
		store.WithClock(clk.Now)
		seedRecords(t, store, 1, func(int) string { return "data_drift" })

		health := sys.HealthCheck(ctx)
		if health.Status != "healthy" {
			t.Fatalf("expected healthy, got %s (%s)", health.Status, health.Error)
		}
		if health.Checks["storage_reachable"] != true {
			t.Fatalf("expected storage reachable: %v", health.Checks)
		}
		if health.Checks["stuck_count"] != 0 {
			t.Fatalf("expected no stuck records: %v", health.Checks)
		}
		if health.Checks["recent_activity_24h"] != 1 {
			t.Fatalf("expected 1 recent record: %v", health.Checks)
		}
	})

	t.Run("warning on stuck record", func(t *testing.T) {
		clk := newFixedClock()
		store := NewMemoryStore().WithClock(clk.Now)
		trail := audit.NewChainedTrail()
		alerts := newCaptureAlerts()
		sys := NewSystem(store, trail, alerts).WithClock(clk.Now)

		seedRecords(t, store, 1, func(int) string { return "data_drift" })
		clk.Advance(31 * 24 * time.Hour)

		health := sys.HealthCheck(ctx)
		if health.Status != "warning" {
			t.Fatalf("expected warning, got %s", health.Status)
		}
		if health.Checks["stuck_count"] != 1 {
			t.Fatalf("expected 1 stuck record: %v", health.Checks)
		}
	})

	t.Run("critical on unreachable storage", func(t *testing.T) {
		store := &brokenStore{MemoryStore: NewMemoryStore()}
		trail := audit.NewChainedTrail()
		alerts := newCaptureAlerts()
		sys := NewSystem(store, trail, alerts)

		health := sys.HealthCheck(ctx)
		if health.Status != "critical" {
			t.Fatalf("expected critical, got %s", health.Status)
		}
		if health.Checks["storage_reachable"] != false {
			t.Fatalf("expected storage unreachable: %v", health.Checks)
		}
		if alerts.count(alert.SeverityCritical) != 1 {
			t.Fatalf("expected 1 critical alert, got %d", alerts.count(alert.SeverityCritical))
		}
	})
}

func TestSystem_CleanupResolvedAudited(t *testing.T) {
	ctx := context.Background()
	clk := newFixedClock()
	store := NewMemoryStore().WithClock(clk.Now)
	trail := audit.NewChainedTrail()
	sys := NewSystem(store, trail, newCaptureAlerts()).WithClock(clk.Now)

	ids := seedRecords(t, store, 2, func(int) string { return "data_drift" })
	if _, err := sys.Resolve(ctx, ids[0], "done", "resolver"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	clk.Advance(48 * time.Hour)

	purged, err := sys.CleanupResolved(ctx, 24*time.Hour, "janitor")
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if len(trail.Query(audit.QueryFilter{Operation: "cleanup_resolved"})) != 1 {
		t.Fatalf("expected cleanup audit entry")
	}
	// Active record survives the purge.
	if _, err := store.Get(ctx, ids[1]); err != nil {
		t.Fatalf("active record was purged: %v", err)
	}

	if _, err := sys.CleanupResolved(ctx, 0, "janitor"); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault for zero retention, got %v", err)
	}
}
