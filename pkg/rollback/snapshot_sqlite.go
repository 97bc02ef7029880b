package rollback

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS governance_snapshots (
	snapshot_id TEXT PRIMARY KEY,
	timestamp   TEXT NOT NULL,
	reason      TEXT NOT NULL,
	created_by  TEXT NOT NULL,
	flags       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON governance_snapshots(timestamp);
`

// SQLPersister stores snapshots in a SQL table, flag state serialized as
// JSON. Works against SQLite and Postgres when given matching placeholders.
type SQLPersister struct {
	db          *sql.DB
	placeholder func(pos int) string
}

// NewSQLitePersister creates the snapshot table if needed.
func NewSQLitePersister(db *sql.DB) (*SQLPersister, error) {
	if _, err := db.Exec(snapshotSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}
	return &SQLPersister{db: db, placeholder: func(int) string { return "?" }}, nil
}

func (p *SQLPersister) Save(ctx context.Context, snap *Snapshot) error {
	flags, err := json.Marshal(snap.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot flags: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO governance_snapshots (snapshot_id, timestamp, reason, created_by, flags)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (snapshot_id) DO UPDATE SET flags = excluded.flags`,
		p.placeholder(1), p.placeholder(2), p.placeholder(3), p.placeholder(4), p.placeholder(5))

	_, err = p.db.ExecContext(ctx, query,
		snap.SnapshotID, snap.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		snap.Reason, snap.CreatedBy, string(flags))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (p *SQLPersister) Delete(ctx context.Context, snapshotID string) error {
	query := fmt.Sprintf("DELETE FROM governance_snapshots WHERE snapshot_id = %s", p.placeholder(1))
	if _, err := p.db.ExecContext(ctx, query, snapshotID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (p *SQLPersister) Load(ctx context.Context) ([]*Snapshot, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT snapshot_id, timestamp, reason, created_by, flags FROM governance_snapshots ORDER BY timestamp ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

func scanSnapshots(rows *sql.Rows) ([]*Snapshot, error) {
	var snaps []*Snapshot
	for rows.Next() {
		var snap Snapshot
		var ts, flags string
		if err := rows.Scan(&snap.SnapshotID, &ts, &snap.Reason, &snap.CreatedBy, &flags); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
		}
		snap.Timestamp = parsed
		if err := json.Unmarshal([]byte(flags), &snap.Flags); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot flags: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}
