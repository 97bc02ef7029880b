package quarantine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/aegis-labs/aegis/pkg/fault"
)

func newTestReporter(t *testing.T) (*Reporter, *MemoryStore, *fixedClock) {
	t.Helper()
	clk := newFixedClock()
	store := NewMemoryStore().WithClock(clk.Now)
	mgr := NewManager(store).WithClock(clk.Now)
	return NewReporter(mgr).WithClock(clk.Now), store, clk
}

func TestReporter_SummaryComposition(t *testing.T) {
	ctx := context.Background()
	reporter, store, _ := newTestReporter(t)
	seedRecords(t, store, 3, func(int) string { return "data_drift" })

	doc, err := reporter.Report(ctx, ReportSummary, Filter{})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if doc.Kind != ReportSummary {
		t.Fatalf("expected summary kind, got %s", doc.Kind)
	}
	if doc.Statistics == nil || doc.Statistics.Total != 3 {
		t.Fatalf("expected statistics over 3 records, got %+v", doc.Statistics)
	}
	if len(doc.RecentWeek) != 3 {
		t.Fatalf("expected 3 recent samples, got %d", len(doc.RecentWeek))
	}
	// Summary omits the trend and breakdown sections.
	if doc.Trends != nil || doc.Breakdown != nil || doc.Resolution != nil {
		t.Fatalf("summary report carries extra sections: %+v", doc)
	}
}

func TestReporter_TrendsComposition(t *testing.T) {
	ctx := context.Background()
	reporter, store, _ := newTestReporter(t)
	seedRecords(t, store, 2, func(int) string { return "data_drift" })

	doc, err := reporter.Report(ctx, ReportTrends, Filter{})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if doc.Trends == nil || doc.Trends.Days != 30 {
		t.Fatalf("expected 30-day trends, got %+v", doc.Trends)
	}
	if doc.Statistics != nil {
		t.Fatalf("trends report must not carry statistics")
	}
}

func TestReporter_FullReportResolutionAnalysis(t *testing.T) {
	ctx := context.Background()
	reporter, store, clk := newTestReporter(t)

	ids := seedRecords(t, store, 2, func(i int) string {
		return []string{"data_drift", "schema_violation"}[i]
	})
	clk.Advance(60 * time.Second)
	if _, err := store.UpdateStatus(ctx, ids[0], StatusResolved, "resolver", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	clk.Advance(120 * time.Second)
	if _, err := store.UpdateStatus(ctx, ids[1], StatusResolved, "resolver", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	doc, err := reporter.Report(ctx, ReportFull, Filter{})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if doc.Statistics == nil || doc.Trends == nil || doc.Resolution == nil {
		t.Fatalf("full report missing sections: %+v", doc)
	}
	if len(doc.Breakdown) != 2 {
		t.Fatalf("expected 2 breakdown sections, got %d", len(doc.Breakdown))
	}

	res := doc.Resolution
	if res.ResolvedCount != 2 {
		t.Fatalf("expected 2 resolved, got %d", res.ResolvedCount)
	}
	if math.Abs(res.MinSeconds-60) > 0.001 || math.Abs(res.MaxSeconds-180) > 0.001 {
		t.Fatalf("unexpected min/max: %.1f/%.1f", res.MinSeconds, res.MaxSeconds)
	}
	if math.Abs(res.AvgSeconds-120) > 0.001 {
		t.Fatalf("expected 120s average, got %.1f", res.AvgSeconds)
	}
	if res.ByCorruption["data_drift"] != 1 || res.ByCorruption["schema_violation"] != 1 {
		t.Fatalf("unexpected per-type resolution counts: %v", res.ByCorruption)
	}
}

func TestReporter_SummarySampleHonorsCallerWindow(t *testing.T) {
	ctx := context.Background()
	reporter, store, clk := newTestReporter(t)

	seedRecords(t, store, 1, func(int) string { return "data_drift" })
	cutoff := clk.Now().UTC().Add(24 * time.Hour)
	clk.Advance(48 * time.Hour)
	seedRecords(t, store, 2, func(int) string { return "schema_violation" })

	// A caller window narrower than the week restricts the sample.
	doc, err := reporter.Report(ctx, ReportSummary, Filter{From: &cutoff})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if len(doc.RecentWeek) != 2 {
		t.Fatalf("expected 2 samples within caller window, got %d", len(doc.RecentWeek))
	}

	// A caller window older than a week still clamps the sample to it.
	clk.Advance(10 * 24 * time.Hour)
	seedRecords(t, store, 1, func(int) string { return "format_error" })
	old := cutoff.AddDate(0, 0, -30)
	doc, err = reporter.Report(ctx, ReportSummary, Filter{From: &old})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if len(doc.RecentWeek) != 1 {
		t.Fatalf("expected only the last week sampled, got %d", len(doc.RecentWeek))
	}
}

func TestReporter_UnknownKind(t *testing.T) {
	reporter, _, _ := newTestReporter(t)
	if _, err := reporter.Report(context.Background(), ReportKind("weekly"), Filter{}); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
}
