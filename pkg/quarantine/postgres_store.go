package quarantine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/aegis/pkg/fault"
)

// PostgresStore is a RecordStore on Postgres (github.com/lib/pq driver).
//
// Same contract as SQLiteStore; the conditional insert uses
// INSERT ... ON CONFLICT against the partial unique index so concurrent
// callers quarantining the same key race inside one statement.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresStore creates the store and runs its migration.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

func (s *PostgresStore) migrate() error {
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
		quarantined_at TIMESTAMPTZ NOT NULL,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ,
		resolution_notes TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_quarantine_active_dedup
		ON quarantine_records(model_name, object_id, corruption_type)
		WHERE status IN ('QUARANTINED','UNDER_REVIEW');`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func pgPlaceholder(pos int) string { return fmt.Sprintf("$%d", pos) }

func (s *PostgresStore) StoreQuarantine(ctx context.Context, modelName, objectID, corruptionType, reason string,
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine_records
			(id, model_name, object_id, corruption_type, status, original_data,
			 quarantine_reason, quarantined_by, quarantined_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (model_name, object_id, corruption_type)
			WHERE status IN ('QUARANTINED','UNDER_REVIEW')
			DO NOTHING`,
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

	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM quarantine_records
		WHERE model_name = $1 AND object_id = $2 AND corruption_type = $3
		  AND status IN ('QUARANTINED','UNDER_REVIEW')`,
		modelName, objectID, corruptionType)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, false, fault.Wrap(fault.KindStorageUnavailable, err, "existing quarantine record lookup failed")
	}
	return rec, false, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, newStatus Status, actor, notes string) (*Record, error) {
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
			SET status = $1, resolved_by = $2, resolved_at = $3, resolution_notes = $4, version = version + 1
			WHERE id = $5 AND version = $6`,
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

		if attempt < updateAttempts-1 {
			sleepBackoff(ctx, attempt)
		}
	}
	return nil, fault.New(fault.KindConcurrency,
		"quarantine record %s: %d update attempts exhausted", id, updateAttempts).With("id", id)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM quarantine_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.KindNotFound, "quarantine record %s not found", id).With("id", id)
		}
		return nil, fault.Wrap(fault.KindStorageUnavailable, err, "quarantine record lookup failed")
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	where, args := buildWhere(filter, pgPlaceholder)
	query := `SELECT ` + recordColumns + ` FROM quarantine_records` + where +
		` ORDER BY quarantined_at DESC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorageUnavailable, err, "quarantine list failed")
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

func (s *PostgresStore) PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM quarantine_records WHERE status = 'RESOLVED' AND resolved_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fault.Wrap(fault.KindStorageUnavailable, err, "retention cleanup failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(fault.KindStorageUnavailable, err, "retention cleanup result unavailable")
	}
	return int(affected), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fault.Wrap(fault.KindStorageUnavailable, err, "quarantine storage unreachable")
	}
	return nil
}
