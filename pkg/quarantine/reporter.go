package quarantine

import (
	"context"
	"time"

	"github.com/aegis-labs/aegis/pkg/fault"
)

// ReportKind selects the report composition.
type ReportKind string

const (
	ReportSummary ReportKind = "summary"
	ReportTrends  ReportKind = "trends"
	ReportFull    ReportKind = "full"
)

// sampleLimit caps how many records a report section serializes.
const sampleLimit = 10

// RecordSample is the serialized form of a record inside a report.
type RecordSample struct {
	ID             string     `json:"id"`
	ModelName      string     `json:"model_name"`
	ObjectID       string     `json:"object_id"`
	CorruptionType string     `json:"corruption_type"`
	Status         Status     `json:"status"`
	Reason         string     `json:"reason"`
	QuarantinedAt  time.Time  `json:"quarantined_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// ResolutionAnalysis describes resolution timing over resolved records.
type ResolutionAnalysis struct {
	ResolvedCount int            `json:"resolved_count"`
	MinSeconds    float64        `json:"min_seconds"`
	MaxSeconds    float64        `json:"max_seconds"`
	AvgSeconds    float64        `json:"avg_seconds"`
	ByCorruption  map[string]int `json:"resolved_by_corruption_type"`
}

// TypeBreakdown is a per-corruption-type section of the full report.
type TypeBreakdown struct {
	CorruptionType string         `json:"corruption_type"`
	Total          int            `json:"total"`
	Sample         []RecordSample `json:"sample"`
}

// ReportDocument is the composite output of the reporter.
type ReportDocument struct {
	Kind        ReportKind          `json:"kind"`
	GeneratedAt time.Time           `json:"generated_at"`
	Statistics  *Statistics         `json:"statistics,omitempty"`
	RecentWeek  []RecordSample      `json:"recent_week_sample,omitempty"`
	Trends      *Trends             `json:"trends,omitempty"`
	Breakdown   []TypeBreakdown     `json:"breakdown,omitempty"`
	Resolution  *ResolutionAnalysis `json:"resolution_analysis,omitempty"`
}

// Reporter builds composite reports from Manager queries. It carries no
// independent state.
type Reporter struct {
	manager *Manager
	clock   func() time.Time
}

// NewReporter creates a reporter over the manager.
func NewReporter(manager *Manager) *Reporter {
	return &Reporter{manager: manager, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *Reporter) WithClock(clock func() time.Time) *Reporter {
	r.clock = clock
	return r
}

// Report builds a document of the requested kind. The filter narrows the
// record population for summary and full reports.
func (r *Reporter) Report(ctx context.Context, kind ReportKind, filter Filter) (*ReportDocument, error) {
	doc := &ReportDocument{Kind: kind, GeneratedAt: r.clock().UTC()}

	switch kind {
	case ReportSummary:
		if err := r.fillSummary(ctx, doc, filter); err != nil {
			return nil, err
		}
	case ReportTrends:
		trends, err := r.manager.Trends(ctx, 30)
		if err != nil {
			return nil, err
		}
		doc.Trends = trends
	case ReportFull:
		if err := r.fillSummary(ctx, doc, filter); err != nil {
			return nil, err
		}
		trends, err := r.manager.Trends(ctx, 30)
		if err != nil {
			return nil, err
		}
		doc.Trends = trends
		if err := r.fillBreakdown(ctx, doc, filter); err != nil {
			return nil, err
		}
	default:
		return nil, fault.New(fault.KindValidation, "unknown report kind %q", string(kind))
	}
	return doc, nil
}

func (r *Reporter) fillSummary(ctx context.Context, doc *ReportDocument, filter Filter) error {
	stats, err := r.manager.Statistics(ctx, filter.From, filter.To)
	if err != nil {
		return err
	}
	doc.Statistics = stats

	// The sample covers at most the last week, narrowed further by the
	// caller's own lower bound.
	weekAgo := r.clock().UTC().AddDate(0, 0, -7)
	weekFilter := filter
	if filter.From == nil || filter.From.Before(weekAgo) {
		weekFilter.From = &weekAgo
	}
	records, _, err := r.manager.Search(ctx, weekFilter, 1, sampleLimit)
	if err != nil {
		return err
	}
	doc.RecentWeek = sampleRecords(records)
	return nil
}

func (r *Reporter) fillBreakdown(ctx context.Context, doc *ReportDocument, filter Filter) error {
	all, err := r.manager.store.List(ctx, filter)
	if err != nil {
		return err
	}

	byType := make(map[string][]*Record)
	order := make([]string, 0)
	analysis := &ResolutionAnalysis{ByCorruption: make(map[string]int)}
	var total time.Duration

	for _, rec := range all {
		if _, seen := byType[rec.CorruptionType]; !seen {
			order = append(order, rec.CorruptionType)
		}
		byType[rec.CorruptionType] = append(byType[rec.CorruptionType], rec)

		if rec.Status == StatusResolved && rec.ResolvedAt != nil {
			d := rec.ResolvedAt.Sub(rec.QuarantinedAt)
			secs := d.Seconds()
			if analysis.ResolvedCount == 0 || secs < analysis.MinSeconds {
				analysis.MinSeconds = secs
			}
			if secs > analysis.MaxSeconds {
				analysis.MaxSeconds = secs
			}
			total += d
			analysis.ResolvedCount++
			analysis.ByCorruption[rec.CorruptionType]++
		}
	}
	if analysis.ResolvedCount > 0 {
		analysis.AvgSeconds = total.Seconds() / float64(analysis.ResolvedCount)
	}

	doc.Breakdown = make([]TypeBreakdown, 0, len(order))
	for _, ct := range order {
		records := byType[ct]
		sample := records
		if len(sample) > sampleLimit {
			sample = sample[:sampleLimit]
		}
		doc.Breakdown = append(doc.Breakdown, TypeBreakdown{
			CorruptionType: ct,
			Total:          len(records),
			Sample:         sampleRecords(sample),
		})
	}
	doc.Resolution = analysis
	return nil
}

func sampleRecords(records []*Record) []RecordSample {
	out := make([]RecordSample, 0, len(records))
	for _, rec := range records {
		out = append(out, RecordSample{
			ID:             rec.ID,
			ModelName:      rec.ModelName,
			ObjectID:       rec.ObjectID,
			CorruptionType: rec.CorruptionType,
			Status:         rec.Status,
			Reason:         rec.QuarantineReason,
			QuarantinedAt:  rec.QuarantinedAt,
			ResolvedAt:     rec.ResolvedAt,
		})
	}
	return out
}
