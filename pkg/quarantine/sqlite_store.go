package quarantine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/aegis/pkg/fault"

	_ "modernc.org/sqlite"
)

// updateAttempts bounds optimistic-write retries before surfacing a
// concurrency fault.
const updateAttempts = 3

// SQLiteStore is a RecordStore backed by SQLite via database/sql.
//
// The active-dedup invariant is enforced by a partial unique index over
// (model_name, object_id, corruption_type) restricted to active statuses,
// and the conditional insert rides on INSERT OR IGNORE: a single write,
// never read-then-write. Status updates use an optimistic version guard.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore creates the store and runs its migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS quarantine_records (
		id TEXT PRIMARY KEY,
		model_name TEXT NOT NULL,
		object_id TEXT NOT NULL,
		corruption_type TEXT NOT NULL,
		status TEXT NOT NULL,
		original_data TEXT,
		quarantine_reason TEXT NOT NULL DEFAULT '',
		quarantined_by TEXT NOT NULL DEFAULT '',
		quarantined_at TIMESTAMP NOT NULL,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMP,
		resolution_notes TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_quarantine_active_dedup
		ON quarantine_records(model_name, object_id, corruption_type)
		WHERE status IN ('QUARANTINED','UNDER_REVIEW');`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

const recordColumns = `id, model_name, object_id, corruption_type, status, original_data,
	quarantine_reason, quarantined_by, quarantined_at, resolved_by, resolved_at, resolution_notes, version`

func (s *SQLiteStore) StoreQuarantine(ctx context.Context, modelName, objectID, corruptionType, reason string,
	originalData map[string]any, actor string) (*Record, bool, error) {
	if modelName == "" || objectID == "" || corruptionType == "" {
		return nil, false, fault.New(fault.KindValidation,
			"model name, object id, and corruption type are required").
			With("model", modelName).With("object_id", objectID)
	}

	dataJSON, err := marshalData(originalData)
	if err != nil {
		return nil, false, fault.Wrap(fault.KindValidation, err, "original data is not serializable")
	}

	id := uuid.New().String()
	now := s.clock().UTC()

	// INSERT OR IGNORE loses to the partial unique index when an active
	// record already holds the dedup key, leaving zero rows affected.
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO quarantine_records
			(id, model_name, object_id, corruption_type, status, original_data,
			 quarantine_reason, quarantined_by, quarantined_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		id, modelName, objectID, corruptionType, string(StatusQuarantined), dataJSON,
		reason, actor, now)
	if err != nil {
		return nil, false, fault.Wrap(fault.KindStorageUnavailable, err, "quarantine insert failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fault.Wrap(fault.KindStorageUnavailable, err, "quarantine insert result unavailable")
	}

	if affected == 1 {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}

	// Duplicate suppressed: fetch the existing active record.
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM quarantine_records
		WHERE model_name = ? AND object_id = ? AND corruption_type = ?
		  AND status IN ('QUARANTINED','UNDER_REVIEW')`,
		modelName, objectID, corruptionType)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, false, fault.Wrap(fault.KindStorageUnavailable, err, "existing quarantine record lookup failed")
	}
	return rec, false, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, newStatus Status, actor, notes string) (*Record, error) {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if rec.Status == StatusResolved && newStatus == StatusResolved {
			return rec, nil
		}
		if err := checkTransition(rec.Status, newStatus); err != nil {
			return nil, err
		}

		var resolvedAt any
		resolvedBy, resolutionNotes := rec.ResolvedBy, rec.ResolutionNotes
		if rec.ResolvedAt != nil {
			resolvedAt = rec.ResolvedAt.UTC()
		}
		if newStatus == StatusResolved {
			resolvedAt = s.clock().UTC()
			resolvedBy = actor
			resolutionNotes = notes
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE quarantine_records
			SET status = ?, resolved_by = ?, resolved_at = ?, resolution_notes = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			string(newStatus), resolvedBy, resolvedAt, resolutionNotes, id, rec.Version)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorageUnavailable, err, "quarantine status update failed")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fault.Wrap(fault.KindStorageUnavailable, err, "quarantine update result unavailable")
		}
		if affected == 1 {
			return s.Get(ctx, id)
		}

		// Version conflict: a concurrent writer got there first.
		if attempt < updateAttempts-1 {
			sleepBackoff(ctx, attempt)
		}
	}
	return nil, fault.New(fault.KindConcurrency,
		"quarantine record %s: %d update attempts exhausted", id, updateAttempts).With("id", id)
}

// sleepBackoff waits base*2^attempt plus jitter, or until ctx is done.
func sleepBackoff(ctx context.Context, attempt int) {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * 25 * time.Millisecond
	if n, err := rand.Int(rand.Reader, big.NewInt(25)); err == nil {
		backoff += time.Duration(n.Int64()) * time.Millisecond
	}
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM quarantine_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "quarantine record %s not found", id).With("id", id)
		}
		return nil, fault.Wrap(fault.KindStorageUnavailable, err, "quarantine record lookup failed")
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	where, args := buildWhere(filter, func(int) string { return "?" })
	query := `SELECT ` + recordColumns + ` FROM quarantine_records` + where +
		` ORDER BY quarantined_at DESC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorageUnavailable, err, "quarantine list failed")
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

func (s *SQLiteStore) PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM quarantine_records WHERE status = 'RESOLVED' AND resolved_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fault.Wrap(fault.KindStorageUnavailable, err, "retention cleanup failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(fault.KindStorageUnavailable, err, "retention cleanup result unavailable")
	}
	return int(affected), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fault.Wrap(fault.KindStorageUnavailable, err, "quarantine storage unreachable")
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec        Record
		dataJSON   sql.NullString
		resolvedAt sql.NullTime
		status     string
	)
	err := sc.Scan(&rec.ID, &rec.ModelName, &rec.ObjectID, &rec.CorruptionType, &status, &dataJSON,
		&rec.QuarantineReason, &rec.QuarantinedBy, &rec.QuarantinedAt,
		&rec.ResolvedBy, &resolvedAt, &rec.ResolutionNotes, &rec.Version)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		rec.ResolvedAt = &t
	}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &rec.OriginalData); err != nil {
			return nil, fmt.Errorf("decode original_data for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorageUnavailable, err, "quarantine row scan failed")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindStorageUnavailable, err, "quarantine row iteration failed")
	}
	return out, nil
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		return "", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// buildWhere renders the filter as a WHERE clause. placeholder maps a
// 1-based argument position to the dialect's placeholder token.
func buildWhere(f Filter, placeholder func(pos int) string) (string, []any) {
	clauses := make([]string, 0, 6)
	args := make([]any, 0, 8)
	next := func() string {
		return placeholder(len(args))
	}

	if f.ModelName != "" {
		args = append(args, f.ModelName)
		clauses = append(clauses, "model_name = "+next())
	}
	if f.CorruptionType != "" {
		args = append(args, f.CorruptionType)
		clauses = append(clauses, "corruption_type = "+next())
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			args = append(args, string(st))
			marks = append(marks, next())
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.QuarantinedBy != "" {
		args = append(args, f.QuarantinedBy)
		clauses = append(clauses, "quarantined_by = "+next())
	}
	if f.From != nil {
		args = append(args, f.From.UTC())
		clauses = append(clauses, "quarantined_at >= "+next())
	}
	if f.To != nil {
		args = append(args, f.To.UTC())
		clauses = append(clauses, "quarantined_at <= "+next())
	}
	if f.Text != "" {
		needle := "%" + strings.ToLower(f.Text) + "%"
		args = append(args, needle)
		first := next()
		args = append(args, needle)
		second := next()
		clauses = append(clauses, "(LOWER(quarantine_reason) LIKE "+first+" OR LOWER(resolution_notes) LIKE "+second+")")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
