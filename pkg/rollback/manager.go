package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-labs/aegis/pkg/alert"
	"github.com/aegis-labs/aegis/pkg/audit"
	"github.com/aegis-labs/aegis/pkg/fault"
	"github.com/aegis-labs/aegis/pkg/observability"
	"github.com/aegis-labs/aegis/pkg/policy"
)

const sourceService = "rollback_manager"

// Action names the automated mitigation a threshold triggers.
type Action string

const (
	ActionDisableComponent Action = "disable_component"
	ActionDisableWorkflow  Action = "disable_workflow"
	ActionEmergencyDisable Action = "emergency_disable"
)

// Valid reports whether the action is one of the dispatchable kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionDisableComponent, ActionDisableWorkflow, ActionEmergencyDisable:
		return true
	}
	return false
}

// Threshold converts "N violations of one type within a window" into an
// automated policy mutation against a target flag.
//
// Cooldown controls re-firing once the count is at or above the limit: zero
// means every qualifying violation re-dispatches the action (disabling an
// already-disabled flag is a no-op at the policy store), a positive value
// suppresses repeat dispatches for that duration.
type Threshold struct {
	ViolationType string        `json:"violation_type"`
	MaxViolations int           `json:"max_violations"`
	Window        time.Duration `json:"time_window"`
	Action        Action        `json:"rollback_action"`
	Target        string        `json:"target"`
	Enabled       bool          `json:"enabled"`
	Cooldown      time.Duration `json:"cooldown"`
}

func (t *Threshold) key() string {
	return t.ViolationType + "\x00" + t.Target
}

// State labels the manager's most recent posture for operators.
type State string

const (
	StateStable          State = "stable"
	StateRolledBack      State = "rolled_back"
	StateEmergencyActive State = "emergency_active"
)

// Stats is an operator-facing summary of manager activity.
type Stats struct {
	State          State           `json:"state"`
	Rollbacks      uint64          `json:"rollbacks"`
	Violations     uint64          `json:"violations"`
	EmergencyFires uint64          `json:"emergency_fires"`
	Thresholds     []Threshold     `json:"thresholds"`
	Snapshots      int             `json:"snapshots"`
	Ledger         *LedgerSnapshot `json:"ledger,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Manager creates and restores policy snapshots and converts violation
// threshold breaches into automated mitigations.
//
// RollbackTo holds a dedicated lock for its whole duration so concurrent
// rollbacks cannot interleave flag mutations. RecordViolation takes the
// evaluation lock only for the ledger append and count, then dispatches
// actions with the lock released.
type Manager struct {
	policyStore policy.Store
	snapshots   *SnapshotStore
	ledger      Ledger
	trail       audit.Trail
	alerts      alert.Channel
	metrics     *observability.Provider
	logger      *slog.Logger
	clock       func() time.Time

	rollbackMu sync.Mutex

	mu             sync.Mutex // guards thresholds, lastFired, counters, state
	thresholds     []Threshold
	lastFired      map[string]time.Time
	state          State
	rollbackCount  uint64
	violationCount uint64
	emergencyCount uint64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics attaches an observability provider.
func WithMetrics(p *observability.Provider) ManagerOption {
	return func(m *Manager) { m.metrics = p }
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// WithLedger replaces the default in-memory ledger.
func WithLedger(l Ledger) ManagerOption {
	return func(m *Manager) { m.ledger = l }
}

// NewManager wires a rollback manager over the given collaborators.
func NewManager(ps policy.Store, snapshots *SnapshotStore, trail audit.Trail, alerts alert.Channel, opts ...ManagerOption) *Manager {
	m := &Manager{
		policyStore: ps,
		snapshots:   snapshots,
		ledger:      NewMemoryLedger(),
		trail:       trail,
		alerts:      alerts,
		logger:      slog.Default().With("component", "rollback_manager"),
		clock:       time.Now,
		lastFired:   make(map[string]time.Time),
		state:       StateStable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshots exposes the underlying snapshot store for read paths.
func (m *Manager) Snapshots() *SnapshotStore {
	return m.snapshots
}

// CreateSnapshot captures the current policy state and audits the capture.
func (m *Manager) CreateSnapshot(ctx context.Context, reason, actor string) (*Snapshot, error) {
	if actor == "" {
		actor = policy.ActorFromContext(ctx)
	}
	snap, err := m.snapshots.Create(ctx, reason, actor)
	if err != nil {
		return nil, err
	}
	m.trail.LogOperation(audit.Operation{
		ModelName:     "GovernanceSnapshot",
		ObjectID:      snap.SnapshotID,
		Operation:     "snapshot_created",
		SourceService: sourceService,
		Actor:         actor,
		After:         map[string]any{"reason": reason, "timestamp": snap.Timestamp},
	})
	return snap, nil
}

// RollbackTo restores the policy store to the state captured by the given
// snapshot. A pre-rollback safety snapshot is always taken first; if the
// apply step fails partway the safety snapshot is auto-restored and the
// failure surfaces as a rollback fault.
func (m *Manager) RollbackTo(ctx context.Context, snapshotID, reason, actor string) error {
	if actor == "" {
		actor = policy.ActorFromContext(ctx)
	}

	m.rollbackMu.Lock()
	defer m.rollbackMu.Unlock()

	target, err := m.snapshots.Find(snapshotID)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return fault.New(fault.KindValidation, "rollback target snapshot does not exist").
				With("snapshot_id", snapshotID)
		}
		return err
	}

	safety, err := m.snapshots.Create(ctx, "pre-rollback: "+reason, actor)
	if err != nil {
		return fault.Wrap(fault.KindRollback, err, "creating pre-rollback safety snapshot")
	}

	if applyErr := m.applyState(ctx, target.Flags, "rollback to "+snapshotID, actor); applyErr != nil {
		m.logger.Error("rollback apply failed, restoring safety snapshot",
			"snapshot_id", snapshotID, "safety_snapshot_id", safety.SnapshotID, "error", applyErr)

		if recoverErr := m.applyState(ctx, safety.Flags, "auto-recovery of "+safety.SnapshotID, actor); recoverErr != nil {
			m.logger.Error("safety snapshot recovery failed, policy state is inconsistent",
				"safety_snapshot_id", safety.SnapshotID, "error", recoverErr)
			m.alerts.SendAlert(ctx, alert.SeverityCritical,
				"Rollback recovery failed",
				fmt.Sprintf("rollback to %s failed (%v) and auto-restore of safety snapshot %s also failed (%v); manual intervention required",
					snapshotID, applyErr, safety.SnapshotID, recoverErr),
				nil)
		}
		return fault.Wrap(fault.KindRollback, applyErr, "applying snapshot %s", snapshotID).
			With("safety_snapshot_id", safety.SnapshotID)
	}

	m.mu.Lock()
	m.rollbackCount++
	m.state = StateRolledBack
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordRollback(ctx)
	}
	m.alerts.SendAlert(ctx, alert.SeverityWarning,
		"Governance rollback executed",
		fmt.Sprintf("policy state rolled back to snapshot %s (captured %s): %s",
			snapshotID, target.Timestamp.Format(time.RFC3339), reason),
		nil)
	m.trail.LogOperation(audit.Operation{
		ModelName:     "GovernanceSnapshot",
		ObjectID:      snapshotID,
		Operation:     "rollback_executed",
		SourceService: sourceService,
		Actor:         actor,
		Before:        map[string]any{"safety_snapshot_id": safety.SnapshotID},
		After:         map[string]any{"reason": reason},
	})
	return nil
}

// applyState diffs the live policy state against the target and issues only
// the enable/disable calls needed, so the policy store's own audit reflects
// exactly which flags changed. The first failed call aborts the apply.
func (m *Manager) applyState(ctx context.Context, target policy.FlagState, reason, actor string) error {
	current := m.policyStore.Statistics(ctx)

	for name, want := range target.ComponentFlags {
		if current.ComponentFlags[name] == want {
			continue
		}
		var ok bool
		if want {
			ok = m.policyStore.EnableComponent(ctx, name, reason, actor)
		} else {
			ok = m.policyStore.DisableComponent(ctx, name, reason, actor)
		}
		if !ok {
			return fmt.Errorf("policy store rejected component flag %q", name)
		}
	}
	for name, want := range target.WorkflowFlags {
		if current.WorkflowFlags[name] == want {
			continue
		}
		var ok bool
		if want {
			ok = m.policyStore.EnableWorkflow(ctx, name, reason, actor)
		} else {
			ok = m.policyStore.DisableWorkflow(ctx, name, reason, actor)
		}
		if !ok {
			return fmt.Errorf("policy store rejected workflow flag %q", name)
		}
	}
	for name, want := range target.EmergencyFlags {
		if current.EmergencyFlags[name] == want {
			continue
		}
		var ok bool
		if want {
			ok = m.policyStore.ActivateEmergencyFlag(ctx, name, reason, actor)
		} else {
			ok = m.policyStore.DeactivateEmergencyFlag(ctx, name, reason, actor)
		}
		if !ok {
			return fmt.Errorf("policy store rejected emergency flag %q", name)
		}
	}
	return nil
}

// firing captures one threshold breach decided under the evaluation lock.
type firing struct {
	threshold Threshold
	count     int
}

// RecordViolation appends the violation to the ledger and evaluates every
// enabled matching threshold. Breached thresholds dispatch their actions
// after the evaluation lock is released; a failing mitigation is alerted and
// logged but never surfaces to the caller.
func (m *Manager) RecordViolation(ctx context.Context, violationType string, details map[string]any, actor string) error {
	if actor == "" {
		actor = policy.ActorFromContext(ctx)
	}
	now := m.clock()

	m.mu.Lock()
	if err := m.ledger.Record(ctx, violationType, now); err != nil {
		m.mu.Unlock()
		return fault.Wrap(fault.KindStorageUnavailable, err, "recording violation")
	}
	m.violationCount++

	// Purge horizon is the widest enabled window for the type, so a narrow
	// threshold evaluated first cannot starve a wider one.
	var horizon time.Duration
	for _, t := range m.thresholds {
		if t.Enabled && t.ViolationType == violationType && t.Window > horizon {
			horizon = t.Window
		}
	}

	var fires []firing
	for _, t := range m.thresholds {
		if !t.Enabled || t.ViolationType != violationType {
			continue
		}
		count, err := m.ledger.CountInWindow(ctx, violationType, t.Window, horizon, now)
		if err != nil {
			m.logger.Error("threshold evaluation failed", "violation_type", violationType, "error", err)
			continue
		}
		if count < t.MaxViolations {
			continue
		}
		if t.Cooldown > 0 {
			if last, ok := m.lastFired[t.key()]; ok && now.Sub(last) < t.Cooldown {
				continue
			}
		}
		m.lastFired[t.key()] = now
		fires = append(fires, firing{threshold: t, count: count})
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordViolation(ctx, violationType)
	}
	m.logger.Info("violation recorded",
		"violation_type", violationType, "actor", actor, "thresholds_fired", len(fires))

	for _, f := range fires {
		m.dispatch(ctx, f, details, actor)
	}
	return nil
}

// dispatch runs one automated mitigation. Called without any manager lock
// held; the policy store call may be slow.
func (m *Manager) dispatch(ctx context.Context, f firing, details map[string]any, actor string) {
	t := f.threshold

	var ok bool
	switch t.Action {
	case ActionDisableComponent:
		ok = m.policyStore.DisableComponent(ctx, t.Target, "violation threshold exceeded", policy.SystemActor)
	case ActionDisableWorkflow:
		ok = m.policyStore.DisableWorkflow(ctx, t.Target, "violation threshold exceeded", policy.SystemActor)
	case ActionEmergencyDisable:
		ok = m.policyStore.ActivateEmergencyFlag(ctx, t.Target, "violation threshold exceeded", policy.SystemActor)
	default:
		m.logger.Error("unknown rollback action", "action", string(t.Action), "target", t.Target)
		return
	}

	if !ok {
		m.logger.Error("automated mitigation failed",
			"action", string(t.Action), "target", t.Target,
			"violation_type", t.ViolationType, "count", f.count)
		m.alerts.SendAlert(ctx, alert.SeverityCritical,
			"Automated mitigation failed",
			fmt.Sprintf("%s(%s) after %d %s violations was rejected by the policy store; manual intervention required",
				t.Action, t.Target, f.count, t.ViolationType),
			nil)
		return
	}

	m.mu.Lock()
	m.emergencyCount++
	if t.Action == ActionEmergencyDisable {
		m.state = StateEmergencyActive
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordEmergencyAction(ctx, string(t.Action), t.Target)
	}
	m.alerts.SendAlert(ctx, alert.SeverityCritical,
		"Violation threshold exceeded",
		fmt.Sprintf("%d %s violations within %s triggered %s(%s)",
			f.count, t.ViolationType, t.Window, t.Action, t.Target),
		nil)
	m.trail.LogOperation(audit.Operation{
		ModelName:     "ViolationThreshold",
		ObjectID:      t.ViolationType + ":" + t.Target,
		Operation:     "threshold_fired",
		SourceService: sourceService,
		Actor:         actor,
		After: map[string]any{
			"violation_type": t.ViolationType,
			"max_violations": t.MaxViolations,
			"time_window":    t.Window.String(),
			"action":         string(t.Action),
			"target":         t.Target,
			"count":          f.count,
			"details":        details,
		},
	})
}

// AddThreshold registers a threshold. A threshold with the same type and
// target replaces the existing one.
func (m *Manager) AddThreshold(t Threshold) error {
	if t.ViolationType == "" {
		return fault.New(fault.KindValidation, "threshold violation type is required")
	}
	if t.Target == "" {
		return fault.New(fault.KindValidation, "threshold target is required")
	}
	if t.MaxViolations < 1 {
		return fault.New(fault.KindValidation, "threshold max violations must be at least 1")
	}
	if t.Window <= 0 {
		return fault.New(fault.KindValidation, "threshold window must be positive")
	}
	if t.Cooldown < 0 {
		return fault.New(fault.KindValidation, "threshold cooldown must not be negative")
	}
	if !t.Action.Valid() {
		return fault.New(fault.KindValidation, "unknown rollback action").With("action", string(t.Action))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.thresholds {
		if m.thresholds[i].key() == t.key() {
			m.thresholds[i] = t
			return nil
		}
	}
	m.thresholds = append(m.thresholds, t)
	return nil
}

// RemoveThreshold deletes the threshold for the type and target. Returns
// false when no such threshold exists.
func (m *Manager) RemoveThreshold(violationType, target string) bool {
	key := violationType + "\x00" + target
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.thresholds {
		if m.thresholds[i].key() == key {
			m.thresholds = append(m.thresholds[:i], m.thresholds[i+1:]...)
			delete(m.lastFired, key)
			return true
		}
	}
	return false
}

// EnableThreshold reactivates a threshold. Returns false when absent.
func (m *Manager) EnableThreshold(violationType, target string) bool {
	return m.setThresholdEnabled(violationType, target, true)
}

// DisableThreshold deactivates a threshold without removing it. Disabled
// thresholds are skipped during evaluation.
func (m *Manager) DisableThreshold(violationType, target string) bool {
	return m.setThresholdEnabled(violationType, target, false)
}

func (m *Manager) setThresholdEnabled(violationType, target string, enabled bool) bool {
	key := violationType + "\x00" + target
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.thresholds {
		if m.thresholds[i].key() == key {
			m.thresholds[i].Enabled = enabled
			return true
		}
	}
	return false
}

// Thresholds returns a copy of the registered thresholds.
func (m *Manager) Thresholds() []Threshold {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Threshold, len(m.thresholds))
	copy(out, m.thresholds)
	return out
}

// Stats summarizes manager activity. A failing ledger degrades to an error
// field rather than failing the whole call.
func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.Lock()
	stats := Stats{
		State:          m.state,
		Rollbacks:      m.rollbackCount,
		Violations:     m.violationCount,
		EmergencyFires: m.emergencyCount,
		Thresholds:     make([]Threshold, len(m.thresholds)),
	}
	copy(stats.Thresholds, m.thresholds)
	m.mu.Unlock()

	stats.Snapshots = m.snapshots.Size()

	ledgerSnap, err := m.ledger.Snapshot(ctx, m.clock())
	if err != nil {
		stats.Error = err.Error()
	} else {
		stats.Ledger = ledgerSnap
	}
	return stats
}
