// Package quarantine isolates suspected-corrupt records from normal
// workflows. The RecordStore owns every record and enforces the active-dedup
// invariant; Manager provides the read side (search, statistics, trends);
// System is the orchestration facade domain callers use.
package quarantine

import (
	"time"
)

// Status is the lifecycle state of a quarantine record.
type Status string

const (
	StatusQuarantined Status = "QUARANTINED"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
	StatusPermanent   Status = "PERMANENT"
)

// Active reports whether the status blocks a new quarantine of the same key.
func (s Status) Active() bool {
	return s == StatusQuarantined || s == StatusUnderReview
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusPermanent
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQuarantined, StatusUnderReview, StatusResolved, StatusPermanent:
		return true
	}
	return false
}

// Record is one isolated suspect object. Records are owned exclusively by
// the RecordStore; callers receive copies and mutate only through
// UpdateStatus.
type Record struct {
	ID               string         `json:"id"`
	ModelName        string         `json:"model_name"`
	ObjectID         string         `json:"object_id"`
	CorruptionType   string         `json:"corruption_type"`
	Status           Status         `json:"status"`
	OriginalData     map[string]any `json:"original_data,omitempty"`
	QuarantineReason string         `json:"quarantine_reason"`
	QuarantinedBy    string         `json:"quarantined_by"`
	QuarantinedAt    time.Time      `json:"quarantined_at"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNotes  string         `json:"resolution_notes,omitempty"`
	Version          int64          `json:"version"`
}

// DedupKey is the natural identity of an active record.
func (r *Record) DedupKey() string {
	return r.ModelName + "\x00" + r.ObjectID + "\x00" + r.CorruptionType
}

// Clone returns a deep copy safe to hand outside the store.
func (r *Record) Clone() *Record {
	out := *r
	if r.OriginalData != nil {
		out.OriginalData = make(map[string]any, len(r.OriginalData))
		for k, v := range r.OriginalData {
			out.OriginalData[k] = v
		}
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// Filter selects records for List and Search.
type Filter struct {
	ModelName      string
	CorruptionType string
	Statuses       []Status
	QuarantinedBy  string
	From           *time.Time
	To             *time.Time
	// Text is a case-insensitive substring match over quarantine_reason
	// and resolution_notes.
	Text string
}

// Pagination describes one page of a search result. Total is exact for the
// result sizes this core handles; callers paging very large sets should
// treat it as approximate, since concurrent inserts can shift offsets
// between pages.
type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// BatchFailure records one failed item of a batch operation.
type BatchFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult reports per-item outcomes of a batch status update.
type BatchResult struct {
	Updated []string       `json:"updated"`
	Failed  []BatchFailure `json:"failed"`
}

// Confidence is the classifier-assigned certainty of a corruption finding.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Issue is a single suspect object inside a corruption finding.
type Issue struct {
	ModelName   string         `json:"model_name"`
	ObjectID    string         `json:"object_id"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// Finding groups issues of one corruption type at one confidence level.
type Finding struct {
	Confidence Confidence `json:"confidence"`
	Issues     []Issue    `json:"issues"`
}

// CorruptionReport is the external classifier's output, grouped by
// corruption type.
type CorruptionReport struct {
	ByType map[string]Finding `json:"by_type"`
}

// IngestResult reports the outcome of consuming a corruption report.
type IngestResult struct {
	CreatedCount   int            `json:"created_count"`
	RequestedCount int            `json:"requested_count"`
	SkippedCount   int            `json:"skipped_count"`
	IDs            []string       `json:"ids"`
	Failed         []BatchFailure `json:"failed,omitempty"`
}
