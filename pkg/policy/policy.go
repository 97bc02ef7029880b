// Package policy defines the governance switchboard: the system of record for
// component, workflow, and emergency flags that the safety core reads and
// mutates. The Store interface is the boundary; Switchboard is the in-process
// reference implementation used for composition and tests.
package policy

import (
	"context"
	"sync"
)

// Store is the external governance switchboard consumed by the safety core.
type Store interface {
	IsComponentEnabled(ctx context.Context, name string) bool
	EnableComponent(ctx context.Context, name, reason, actor string) bool
	DisableComponent(ctx context.Context, name, reason, actor string) bool

	IsWorkflowEnabled(ctx context.Context, name string) bool
	EnableWorkflow(ctx context.Context, name, reason, actor string) bool
	DisableWorkflow(ctx context.Context, name, reason, actor string) bool

	IsEmergencyFlagActive(ctx context.Context, name string) bool
	ActivateEmergencyFlag(ctx context.Context, name, reason, actor string) bool
	DeactivateEmergencyFlag(ctx context.Context, name, reason, actor string) bool

	// Statistics returns a deep copy of the three flag maps.
	Statistics(ctx context.Context) FlagState
}

// FlagState is a point-in-time copy of the switchboard's flag maps.
type FlagState struct {
	ComponentFlags map[string]bool `json:"component_flags"`
	WorkflowFlags  map[string]bool `json:"workflow_flags"`
	EmergencyFlags map[string]bool `json:"emergency_flags"`
}

// Clone returns a deep copy of the flag state.
func (s FlagState) Clone() FlagState {
	return FlagState{
		ComponentFlags: cloneFlags(s.ComponentFlags),
		WorkflowFlags:  cloneFlags(s.WorkflowFlags),
		EmergencyFlags: cloneFlags(s.EmergencyFlags),
	}
}

func cloneFlags(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Switchboard is a mutex-guarded in-memory Store. Components and workflows
// default to enabled when never touched; emergency flags default to inactive.
type Switchboard struct {
	mu         sync.RWMutex
	components map[string]bool
	workflows  map[string]bool
	emergency  map[string]bool
}

// NewSwitchboard creates an empty switchboard.
func NewSwitchboard() *Switchboard {
	return &Switchboard{
		components: make(map[string]bool),
		workflows:  make(map[string]bool),
		emergency:  make(map[string]bool),
	}
}

func (s *Switchboard) IsComponentEnabled(_ context.Context, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok := s.components[name]
	return !ok || enabled
}

func (s *Switchboard) EnableComponent(_ context.Context, name, _, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = true
	return true
}

func (s *Switchboard) DisableComponent(_ context.Context, name, _, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = false
	return true
}

func (s *Switchboard) IsWorkflowEnabled(_ context.Context, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok := s.workflows[name]
	return !ok || enabled
}

func (s *Switchboard) EnableWorkflow(_ context.Context, name, _, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[name] = true
	return true
}

func (s *Switchboard) DisableWorkflow(_ context.Context, name, _, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[name] = false
	return true
}

func (s *Switchboard) IsEmergencyFlagActive(_ context.Context, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emergency[name]
}

func (s *Switchboard) ActivateEmergencyFlag(_ context.Context, name, _, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergency[name] = true
	return true
}

func (s *Switchboard) DeactivateEmergencyFlag(_ context.Context, name, _, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergency[name] = false
	return true
}

func (s *Switchboard) Statistics(_ context.Context) FlagState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return FlagState{
		ComponentFlags: cloneFlags(s.components),
		WorkflowFlags:  cloneFlags(s.workflows),
		EmergencyFlags: cloneFlags(s.emergency),
	}
}
