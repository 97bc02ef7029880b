package quarantine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegis-labs/aegis/pkg/alert"
	"github.com/aegis-labs/aegis/pkg/audit"
	"github.com/aegis-labs/aegis/pkg/fault"
	"github.com/aegis-labs/aegis/pkg/observability"
	"github.com/aegis-labs/aegis/pkg/policy"
)

// sourceService identifies this subsystem in audit entries.
const sourceService = "quarantine_system"

// stuckThreshold is how long a record may stay active before the health
// check degrades to warning.
const stuckThreshold = 30 * 24 * time.Hour

// Request describes one quarantine to perform.
type Request struct {
	ModelName      string
	ObjectID       string
	CorruptionType string
	Reason         string
	OriginalData   map[string]any
}

// BatchQuarantineResult reports a best-effort batch isolation.
type BatchQuarantineResult struct {
	CreatedCount   int      `json:"created_count"`
	RequestedCount int      `json:"requested_count"`
	IDs            []string `json:"ids"`
}

// Health is the health-check result. Checks degrade independently: a failed
// sub-query contributes an error entry instead of failing the whole check.
type Health struct {
	Status string         `json:"status"` // healthy | warning | critical
	Checks map[string]any `json:"checks"`
	Error  string         `json:"error,omitempty"`
}

// System is the orchestration facade over the quarantine subsystem and the
// only component exposed to domain callers. All collaborators are injected;
// construct one per process (or per test) instead of sharing module state.
type System struct {
	store   RecordStore
	manager *Manager
	trail   audit.Trail
	alerts  alert.Channel
	rules   []ValidationRule
	metrics *observability.Provider
	clock   func() time.Time
	logger  *slog.Logger
}

// NewSystem wires the facade. trail and alerts must be non-nil; use the
// chained With* methods for optional collaborators.
func NewSystem(store RecordStore, trail audit.Trail, alerts alert.Channel) *System {
	return &System{
		store:   store,
		manager: NewManager(store),
		trail:   trail,
		alerts:  alerts,
		clock:   time.Now,
		logger:  slog.Default().With("component", "quarantine"),
	}
}

// WithRules sets the ordered validation-rule list run before each isolate.
func (s *System) WithRules(rules ...ValidationRule) *System {
	s.rules = rules
	return s
}

// WithMetrics attaches the observability provider.
func (s *System) WithMetrics(m *observability.Provider) *System {
	s.metrics = m
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *System) WithClock(clock func() time.Time) *System {
	s.clock = clock
	s.manager.WithClock(clock)
	return s
}

// Manager exposes the read side for report and search callers.
func (s *System) Manager() *Manager { return s.manager }

// Quarantine validates and isolates one record. An empty actor defaults to
// the ambient context actor.
func (s *System) Quarantine(ctx context.Context, req Request, actor string) (*Record, error) {
	if actor == "" {
		actor = policy.ActorFromContext(ctx)
	}

	input := RuleInput{
		ModelName:      req.ModelName,
		ObjectID:       req.ObjectID,
		CorruptionType: req.CorruptionType,
		Reason:         req.Reason,
		Actor:          actor,
		OriginalData:   req.OriginalData,
	}
	for _, rule := range s.rules {
		if result := rule.Check(ctx, input); !result.Allowed {
			return nil, fault.New(fault.KindValidation, "quarantine denied by rule %s: %s",
				rule.Name(), result.Reason).With("rule", rule.Name())
		}
	}

	rec, created, err := s.store.StoreQuarantine(ctx, req.ModelName, req.ObjectID,
		req.CorruptionType, req.Reason, req.OriginalData, actor)
	if err != nil {
		return nil, err
	}

	if created {
		s.metrics.RecordQuarantine(ctx, rec.ModelName, rec.CorruptionType)
		s.trail.LogOperation(audit.Operation{
			ModelName:     rec.ModelName,
			ObjectID:      rec.ObjectID,
			Operation:     "quarantine_data",
			SourceService: sourceService,
			Actor:         actor,
			After: map[string]any{
				"record_id":       rec.ID,
				"corruption_type": rec.CorruptionType,
				"reason":          rec.QuarantineReason,
			},
		})
	}
	return rec, nil
}

// Resolve transitions a record to RESOLVED and audits the transition.
func (s *System) Resolve(ctx context.Context, id, notes, actor string) (*Record, error) {
	if actor == "" {
		actor = policy.ActorFromContext(ctx)
	}

	rec, err := s.store.UpdateStatus(ctx, id, StatusResolved, actor, notes)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordResolution(ctx, rec.ModelName)
	s.trail.LogOperation(audit.Operation{
		ModelName:     rec.ModelName,
		ObjectID:      rec.ObjectID,
		Operation:     "resolve_quarantine",
		SourceService: sourceService,
		Actor:         actor,
		After: map[string]any{
			"record_id": rec.ID,
			"notes":     notes,
		},
	})
	return rec, nil
}

// BatchQuarantine isolates each item best-effort: items that individually
// error are logged and skipped, the rest proceed.
func (s *System) BatchQuarantine(ctx context.Context, items []Request, actor string) (*BatchQuarantineResult, error) {
	result := &BatchQuarantineResult{
		RequestedCount: len(items),
		IDs:            make([]string, 0, len(items)),
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rec, err := s.Quarantine(ctx, item, actor)
		if err != nil {
			s.logger.WarnContext(ctx, "batch quarantine item skipped",
				"model", item.ModelName, "object_id", item.ObjectID, "error", err)
			continue
		}
		result.CreatedCount++
		result.IDs = append(result.IDs, rec.ID)
	}
	return result, nil
}

// BatchResolve resolves each id independently with partial-failure
// semantics.
func (s *System) BatchResolve(ctx context.Context, ids []string, notes, actor string) (*BatchResult, error) {
	if actor == "" {
		actor = policy.ActorFromContext(ctx)
	}
	result, err := s.manager.BatchUpdateStatus(ctx, ids, StatusResolved, actor, notes)
	if err != nil {
		return result, err
	}
	s.trail.LogOperation(audit.Operation{
		ModelName:     "quarantine_batch",
		ObjectID:      fmt.Sprintf("batch-%d", len(ids)),
		Operation:     "batch_resolve",
		SourceService: sourceService,
		Actor:         actor,
		After: map[string]any{
			"requested": len(ids),
			"updated":   len(result.Updated),
			"failed":    len(result.Failed),
		},
	})
	return result, nil
}

// IngestCorruptionReport consumes a classifier report. Only LOW-confidence
// findings are auto-quarantined: automated isolation must never touch data a
// human has not been warned about for likely-real (HIGH/MEDIUM) issues, which
// stay with manual handling.
func (s *System) IngestCorruptionReport(ctx context.Context, report *CorruptionReport, actor string) (*IngestResult, error) {
	if report == nil {
		return nil, fault.New(fault.KindValidation, "corruption report is required")
	}
	if actor == "" {
		actor = policy.ActorFromContext(ctx)
	}

	result := &IngestResult{IDs: make([]string, 0)}
	for corruptionType, finding := range report.ByType {
		result.RequestedCount += len(finding.Issues)
		if finding.Confidence != ConfidenceLow {
			result.SkippedCount += len(finding.Issues)
			continue
		}
		for _, issue := range finding.Issues {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			rec, err := s.Quarantine(ctx, Request{
				ModelName:      issue.ModelName,
				ObjectID:       issue.ObjectID,
				CorruptionType: corruptionType,
				Reason:         issue.Description,
				OriginalData:   issue.Data,
			}, actor)
			if err != nil {
				result.Failed = append(result.Failed, BatchFailure{
					ID:    issue.ModelName + "/" + issue.ObjectID,
					Error: err.Error(),
				})
				continue
			}
			result.CreatedCount++
			result.IDs = append(result.IDs, rec.ID)
		}
	}
	return result, nil
}

// HealthCheck probes storage and scans for stuck records. Status is critical
// when storage is unreachable, warning when any record has been active past
// the stuck threshold, healthy otherwise.
func (s *System) HealthCheck(ctx context.Context) *Health {
	health := &Health{Status: "healthy", Checks: make(map[string]any)}

	if err := s.store.Ping(ctx); err != nil {
		health.Status = "critical"
		health.Checks["storage_reachable"] = false
		health.Error = err.Error()
		s.alerts.SendAlert(ctx, alert.SeverityCritical, "Quarantine storage unreachable", err.Error(), nil)
		return health
	}
	health.Checks["storage_reachable"] = true

	now := s.clock().UTC()
	active, err := s.store.List(ctx, Filter{Statuses: []Status{StatusQuarantined, StatusUnderReview}})
	if err != nil {
		health.Checks["stuck_count"] = map[string]any{"error": err.Error()}
	} else {
		stuck := 0
		for _, rec := range active {
			if now.Sub(rec.QuarantinedAt) > stuckThreshold {
				stuck++
			}
		}
		health.Checks["stuck_count"] = stuck
		if stuck > 0 {
			health.Status = "warning"
		}
	}

	dayAgo := now.Add(-24 * time.Hour)
	recent, err := s.store.List(ctx, Filter{From: &dayAgo})
	if err != nil {
		health.Checks["recent_activity_24h"] = map[string]any{"error": err.Error()}
	} else {
		health.Checks["recent_activity_24h"] = len(recent)
	}
	return health
}

// CleanupResolved deletes RESOLVED records whose resolution is older than
// the retention window and audits the purge.
func (s *System) CleanupResolved(ctx context.Context, olderThan time.Duration, actor string) (int, error) {
	if olderThan <= 0 {
		return 0, fault.New(fault.KindValidation, "retention window must be positive")
	}
	if actor == "" {
		actor = policy.ActorFromContext(ctx)
	}

	cutoff := s.clock().UTC().Add(-olderThan)
	purged, err := s.store.PurgeResolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.trail.LogOperation(audit.Operation{
			ModelName:     "quarantine_retention",
			ObjectID:      cutoff.Format(time.RFC3339),
			Operation:     "cleanup_resolved",
			SourceService: sourceService,
			Actor:         actor,
			After:         map[string]any{"purged": purged},
		})
	}
	return purged, nil
}
