package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// StageState is the lifecycle state of one (document, stage) pair.
type StageState string

const (
	StagePending    StageState = "pending"
	StageInProgress StageState = "in_progress"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
	StageSkipped    StageState = "skipped"
)

// Terminal reports whether the state needs no further work.
func (s StageState) Terminal() bool {
	return s == StageCompleted || s == StageSkipped
}

// StageRecord is one row of the stage-status table. Exactly one row exists
// per (document_id, stage); attempt counts only ever grow.
type StageRecord struct {
	DocumentID     string
	Stage          string
	State          StageState
	Attempt        int
	LeaseToken     string
	LeasedUntil    time.Time
	FirstAttempt   time.Time
	LastTransition time.Time
	LastErrorID    string
	Metadata       map[string]string
}

// LeaseExpired reports whether an in_progress row's lease has lapsed.
func (r *StageRecord) LeaseExpired(at time.Time) bool {
	return r.State == StageInProgress && r.LeasedUntil.Before(at)
}

// StageStatusStore tracks per-document per-stage lifecycle with time-bounded
// leases. in_progress is held only while a lease is live; expired leases are
// reclaimed lazily by the next Begin.
type StageStatusStore struct {
	db *DB
}

// StageStatus returns the stage-status store bound to this database.
func (s *DB) StageStatus() *StageStatusStore {
	return &StageStatusStore{db: s}
}

// Initialize ensures one pending row exists for every known stage. Existing
// rows are left untouched, so re-initializing a partially processed document
// is safe.
func (s *StageStatusStore) Initialize(ctx context.Context, documentID string, stages []string) error {
	return s.db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO system.stage_status
				(document_id, stage, state, attempt, last_transition)
			VALUES (?, ?, 'pending', 0, ?)
			ON CONFLICT(document_id, stage) DO NOTHING`)
		if err != nil {
			return mapDBError(err, "initialize stage status")
		}
		defer func() { _ = stmt.Close() }()

		ts := now()
		for _, stage := range stages {
			if _, err := stmt.ExecContext(ctx, documentID, stage, ts); err != nil {
				return mapDBError(err, "initialize stage status")
			}
		}
		return nil
	})
}

// Begin atomically claims a stage for execution. It transitions pending or
// failed to in_progress, increments the attempt count and returns a fresh
// lease token. An unexpired concurrent lease yields AlreadyInProgress; an
// expired one is reclaimed in the same transaction, so crashed workers never
// block progress and cleanup needs no background sweeper.
func (s *StageStatusStore) Begin(ctx context.Context, documentID, stage string, leaseDuration time.Duration) (string, error) {
	var token string
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := getStageRow(ctx, tx, documentID, stage)
		if err != nil {
			return err
		}
		if rec == nil {
			return pipeerr.Newf(pipeerr.ErrCodeNotFound, nil,
				"stage %s not initialized for document %s", stage, documentID)
		}

		ts := now()
		switch rec.State {
		case StageInProgress:
			if !rec.LeaseExpired(ts) {
				return pipeerr.New(pipeerr.ErrCodeAlreadyInProgress,
					"stage "+stage+" already in progress for document "+documentID, nil)
			}
			// Lapsed lease: reclaim and fall through to acquisition.
		case StageCompleted, StageSkipped:
			return pipeerr.Newf(pipeerr.ErrCodePrecondition, nil,
				"stage %s is %s for document %s; reset before re-running",
				stage, rec.State, documentID)
		}

		token = uuid.NewString()
		first := rec.FirstAttempt
		if first.IsZero() {
			first = ts
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE system.stage_status
			SET state = 'in_progress', attempt = attempt + 1,
			    lease_token = ?, leased_until = ?, first_attempt = ?,
			    last_transition = ?
			WHERE document_id = ? AND stage = ?
			  AND (state IN ('pending', 'failed')
			       OR (state = 'in_progress' AND leased_until < ?))`,
			token, ts.Add(leaseDuration), first, ts, documentID, stage, ts)
		if err != nil {
			return mapDBError(err, "begin stage")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return pipeerr.New(pipeerr.ErrCodeAlreadyInProgress,
				"stage "+stage+" already in progress for document "+documentID, nil)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Complete transitions in_progress to completed. The caller must present the
// token Begin issued; a stale token means the lease was reclaimed by another
// worker and the transition is rejected as LeaseLost.
func (s *StageStatusStore) Complete(ctx context.Context, documentID, stage, token string, metadata map[string]string) error {
	return s.transitionWithLease(ctx, documentID, stage, token, StageCompleted, "", metadata)
}

// Fail transitions in_progress to failed and records the error reference.
func (s *StageStatusStore) Fail(ctx context.Context, documentID, stage, token, errorID string) error {
	return s.transitionWithLease(ctx, documentID, stage, token, StageFailed, errorID, nil)
}

func (s *StageStatusStore) transitionWithLease(ctx context.Context, documentID, stage, token string, to StageState, errorID string, metadata map[string]string) error {
	return s.db.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		query := `
			UPDATE system.stage_status
			SET state = ?, lease_token = '', leased_until = NULL,
			    last_transition = ?`
		args := []any{string(to), ts}
		if errorID != "" {
			query += `, last_error_id = ?`
			args = append(args, errorID)
		}
		if metadata != nil {
			query += `, metadata = ?`
			args = append(args, marshalJSON(metadata))
		}
		query += `
			WHERE document_id = ? AND stage = ?
			  AND state = 'in_progress' AND lease_token = ? AND leased_until >= ?`
		args = append(args, documentID, stage, token, ts)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return mapDBError(err, "transition stage")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return pipeerr.LeaseLost("lease for stage " + stage +
				" on document " + documentID + " is no longer valid")
		}
		return nil
	})
}

// ExtendLease pushes leased_until forward for a live lease. Long stages call
// this from a heartbeat before the lease lapses.
func (s *StageStatusStore) ExtendLease(ctx context.Context, documentID, stage, token string, additional time.Duration) error {
	return s.db.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := getStageRow(ctx, tx, documentID, stage)
		if err != nil {
			return err
		}
		ts := now()
		if rec == nil || rec.State != StageInProgress ||
			rec.LeaseToken != token || rec.LeasedUntil.Before(ts) {
			return pipeerr.LeaseLost("lease for stage " + stage +
				" on document " + documentID + " could not be extended")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE system.stage_status SET leased_until = ?
			WHERE document_id = ? AND stage = ? AND lease_token = ?`,
			rec.LeasedUntil.Add(additional), documentID, stage, token)
		return mapDBError(err, "extend lease")
	})
}

// Reset returns a row to pending from any state. Attempt counts are
// preserved; this is the only sanctioned way out of completed.
func (s *StageStatusStore) Reset(ctx context.Context, documentID, stage string) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE system.stage_status
		SET state = 'pending', lease_token = '', leased_until = NULL,
		    last_error_id = '', last_transition = ?
		WHERE document_id = ? AND stage = ?`,
		now(), documentID, stage)
	if err != nil {
		return mapDBError(err, "reset stage")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeerr.Newf(pipeerr.ErrCodeNotFound, nil,
			"stage %s not initialized for document %s", stage, documentID)
	}
	return nil
}

// Skip marks a stage skipped without running it. Used for stages that do not
// apply to a document (e.g. parts extraction on a bulletin).
func (s *StageStatusStore) Skip(ctx context.Context, documentID, stage, reason string) error {
	meta := map[string]string{}
	if reason != "" {
		meta["skip_reason"] = reason
	}
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE system.stage_status
		SET state = 'skipped', lease_token = '', leased_until = NULL,
		    metadata = ?, last_transition = ?
		WHERE document_id = ? AND stage = ? AND state IN ('pending', 'failed')`,
		marshalJSON(meta), now(), documentID, stage)
	if err != nil {
		return mapDBError(err, "skip stage")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeerr.Newf(pipeerr.ErrCodePrecondition, nil,
			"stage %s for document %s is not pending or failed", stage, documentID)
	}
	return nil
}

// Get returns the record for one (document, stage), nil when absent.
func (s *StageStatusStore) Get(ctx context.Context, documentID, stage string) (*StageRecord, error) {
	var rec *StageRecord
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = getStageRow(ctx, tx, documentID, stage)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns all stage records for a document.
func (s *StageStatusStore) List(ctx context.Context, documentID string) ([]*StageRecord, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT `+stageColumns+` FROM system.stage_status
		WHERE document_id = ? ORDER BY stage`, documentID)
	if err != nil {
		return nil, mapDBError(err, "list stage status")
	}
	defer func() { _ = rows.Close() }()

	var out []*StageRecord
	for rows.Next() {
		rec, err := scanStageRow(rows)
		if err != nil {
			return nil, mapDBError(err, "list stage status")
		}
		out = append(out, rec)
	}
	return out, mapDBError(rows.Err(), "list stage status")
}

const stageColumns = `document_id, stage, state, attempt, lease_token,
	leased_until, first_attempt, last_transition, last_error_id, metadata`

func scanStageRow(row interface{ Scan(...any) error }) (*StageRecord, error) {
	var rec StageRecord
	var state, metadata string
	var leasedUntil, firstAttempt sql.NullTime
	err := row.Scan(&rec.DocumentID, &rec.Stage, &state, &rec.Attempt,
		&rec.LeaseToken, &leasedUntil, &firstAttempt, &rec.LastTransition,
		&rec.LastErrorID, &metadata)
	if err != nil {
		return nil, err
	}
	rec.State = StageState(state)
	if leasedUntil.Valid {
		rec.LeasedUntil = leasedUntil.Time
	}
	if firstAttempt.Valid {
		rec.FirstAttempt = firstAttempt.Time
	}
	rec.Metadata = unmarshalMap(metadata)
	return &rec, nil
}

func getStageRow(ctx context.Context, tx *sql.Tx, documentID, stage string) (*StageRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+stageColumns+` FROM system.stage_status
		WHERE document_id = ? AND stage = ?`, documentID, stage)
	rec, err := scanStageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapDBError(err, "get stage status")
	}
	return rec, nil
}
