// Package rollback maintains the rollback-able history of the policy control
// plane: bounded snapshot history, time-windowed violation counting, and the
// manager that converts threshold breaches into automated mitigations.
package rollback

import (
	"context"
	"sync"
	"time"
)

// Ledger counts violation events per type inside sliding time windows.
//
// CountInWindow purges events older than the horizon before counting, where
// the horizon is the maximum window across all enabled thresholds for the
// type. A later, wider-window threshold must not be starved by an earlier
// narrower purge.
type Ledger interface {
	Record(ctx context.Context, violationType string, at time.Time) error
	CountInWindow(ctx context.Context, violationType string, window, horizon time.Duration, now time.Time) (int, error)
	Snapshot(ctx context.Context, now time.Time) (*LedgerSnapshot, error)
}

// LedgerSnapshot summarizes ledger contents.
type LedgerSnapshot struct {
	TotalEvents   int            `json:"total_events"`
	PerType       map[string]int `json:"per_type"`
	RecentPerType map[string]int `json:"recent_per_type"` // last hour
}

// MemoryLedger is a mutex-guarded in-process Ledger. Appends are serialized
// under the lock so concurrent recorders never lose events.
type MemoryLedger struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{events: make(map[string][]time.Time)}
}

func (l *MemoryLedger) Record(_ context.Context, violationType string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[violationType] = append(l.events[violationType], at)
	return nil
}

func (l *MemoryLedger) CountInWindow(_ context.Context, violationType string, window, horizon time.Duration, now time.Time) (int, error) {
	if horizon < window {
		horizon = window
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.events[violationType]
	if len(events) == 0 {
		return 0, nil
	}

	// Lazy purge up to the horizon. Events are appended in arrival order;
	// out-of-order timestamps from clock skew survive until they also age out.
	purgeCutoff := now.Add(-horizon)
	i := 0
	for i < len(events) && events[i].Before(purgeCutoff) {
		i++
	}
	if i > 0 {
		events = events[i:]
		l.events[violationType] = events
	}

	countCutoff := now.Add(-window)
	count := 0
	for _, at := range events {
		if !at.Before(countCutoff) && !at.After(now) {
			count++
		}
	}
	return count, nil
}

func (l *MemoryLedger) Snapshot(_ context.Context, now time.Time) (*LedgerSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := &LedgerSnapshot{
		PerType:       make(map[string]int, len(l.events)),
		RecentPerType: make(map[string]int, len(l.events)),
	}
	hourAgo := now.Add(-time.Hour)
	for vt, events := range l.events {
		snap.TotalEvents += len(events)
		snap.PerType[vt] = len(events)
		recent := 0
		for _, at := range events {
			if !at.Before(hourAgo) {
				recent++
			}
		}
		if recent > 0 {
			snap.RecentPerType[vt] = recent
		}
	}
	return snap, nil
}
