package quarantine

import (
	"context"
	"time"

	"github.com/aegis-labs/aegis/pkg/fault"
)

// Manager is the pure read side over a RecordStore: search, statistics,
// trends, and batch status updates. It holds no state of its own.
type Manager struct {
	store RecordStore
	clock func() time.Time
}

// NewManager creates a manager over the given store.
func NewManager(store RecordStore) *Manager {
	return &Manager{store: store, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Search returns one page of records matching the filter, most recent first.
func (m *Manager) Search(ctx context.Context, filter Filter, page, pageSize int) ([]*Record, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	records, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, Pagination{}, err
	}

	total := len(records)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	pagination := Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
	return records[start:end], pagination, nil
}

// Statistics aggregates counts, rates, and resolution timings over the
// optional date range.
type Statistics struct {
	Total                int            `json:"total"`
	ByStatus             map[Status]int `json:"by_status"`
	ByCorruptionType     map[string]int `json:"by_corruption_type"`
	ByModel              map[string]int `json:"by_model"`
	Recent24h            int            `json:"recent_24h"`
	Recent7d             int            `json:"recent_7d"`
	ResolutionRate       float64        `json:"resolution_rate"`
	AvgResolutionSeconds float64        `json:"avg_resolution_seconds"`
}

// Statistics computes aggregate statistics over records quarantined inside
// the optional [from, to] range.
func (m *Manager) Statistics(ctx context.Context, from, to *time.Time) (*Statistics, error) {
	records, err := m.store.List(ctx, Filter{From: from, To: to})
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	stats := &Statistics{
		ByStatus:         make(map[Status]int),
		ByCorruptionType: make(map[string]int),
		ByModel:          make(map[string]int),
	}

	var resolvedCount int
	var resolutionTotal time.Duration
	var resolutionSamples int

	for _, rec := range records {
		stats.Total++
		stats.ByStatus[rec.Status]++
		stats.ByCorruptionType[rec.CorruptionType]++
		stats.ByModel[rec.ModelName]++
		if now.Sub(rec.QuarantinedAt) <= 24*time.Hour {
			stats.Recent24h++
		}
		if now.Sub(rec.QuarantinedAt) <= 7*24*time.Hour {
			stats.Recent7d++
		}
		if rec.Status == StatusResolved {
			resolvedCount++
			if rec.ResolvedAt != nil && !rec.QuarantinedAt.IsZero() {
				resolutionTotal += rec.ResolvedAt.Sub(rec.QuarantinedAt)
				resolutionSamples++
			}
		}
	}

	if stats.Total > 0 {
		stats.ResolutionRate = float64(resolvedCount) / float64(stats.Total) * 100
	}
	if resolutionSamples > 0 {
		stats.AvgResolutionSeconds = resolutionTotal.Seconds() / float64(resolutionSamples)
	}
	return stats, nil
}

// DailyCount is one calendar-day bucket.
type DailyCount struct {
	Date  string `json:"date"` // YYYY-MM-DD, UTC
	Count int    `json:"count"`
}

// Trends is the per-day quarantine volume over a trailing window.
type Trends struct {
	Days         int                     `json:"days"`
	DailyCounts  []DailyCount            `json:"daily_counts"`
	ByCorruption map[string][]DailyCount `json:"by_corruption_type"`
}

// Trends buckets quarantine volume by calendar day (UTC) over the trailing
// window of the given length.
func (m *Manager) Trends(ctx context.Context, days int) (*Trends, error) {
	if days < 1 {
		return nil, fault.New(fault.KindValidation, "trend window must be at least 1 day")
	}

	now := m.clock().UTC()
	from := now.AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)
	records, err := m.store.List(ctx, Filter{From: &from})
	if err != nil {
		return nil, err
	}

	totals := make(map[string]int)
	perType := make(map[string]map[string]int)
	for _, rec := range records {
		day := rec.QuarantinedAt.UTC().Format("2006-01-02")
		totals[day]++
		if perType[rec.CorruptionType] == nil {
			perType[rec.CorruptionType] = make(map[string]int)
		}
		perType[rec.CorruptionType][day]++
	}

	trends := &Trends{
		Days:         days,
		DailyCounts:  make([]DailyCount, 0, days),
		ByCorruption: make(map[string][]DailyCount, len(perType)),
	}
	for i := 0; i < days; i++ {
		day := from.AddDate(0, 0, i).Format("2006-01-02")
		trends.DailyCounts = append(trends.DailyCounts, DailyCount{Date: day, Count: totals[day]})
		for ct, buckets := range perType {
			trends.ByCorruption[ct] = append(trends.ByCorruption[ct], DailyCount{Date: day, Count: buckets[day]})
		}
	}
	return trends, nil
}

// BatchUpdateStatus applies the status change to each id independently. One
// failure never aborts the rest; the context is only checked between items.
func (m *Manager) BatchUpdateStatus(ctx context.Context, ids []string, newStatus Status, actor, notes string) (*BatchResult, error) {
	result := &BatchResult{
		Updated: make([]string, 0, len(ids)),
		Failed:  make([]BatchFailure, 0),
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := m.store.UpdateStatus(ctx, id, newStatus, actor, notes); err != nil {
			result.Failed = append(result.Failed, BatchFailure{ID: id, Error: err.Error()})
			continue
		}
		result.Updated = append(result.Updated, id)
	}
	return result, nil
}
