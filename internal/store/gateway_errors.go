package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrorRecordStatus is the retry-chain state of one recorded failure.
type ErrorRecordStatus string

const (
	ErrorPendingRetry ErrorRecordStatus = "pending_retry"
	ErrorRetrying     ErrorRecordStatus = "retrying"
	ErrorResolved     ErrorRecordStatus = "resolved"
	ErrorExhausted    ErrorRecordStatus = "exhausted" // terminal
)

// ErrorRecord ties a stage failure to its retry chain. The correlation id
// appears on every log line and event for the chain.
type ErrorRecord struct {
	ID               string
	CorrelationID    string
	DocumentID       string
	Stage            string
	ErrorKind        string
	Message          string
	Attempt          int
	RetryScheduledAt time.Time
	Status           ErrorRecordStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateErrorRecord inserts a failure record.
func (s *DB) CreateErrorRecord(ctx context.Context, r *ErrorRecord) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = ErrorPendingRetry
	}
	ts := now()
	r.CreatedAt = ts
	r.UpdatedAt = ts

	var scheduled any
	if !r.RetryScheduledAt.IsZero() {
		scheduled = r.RetryScheduledAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system.error_records
			(id, correlation_id, document_id, stage, error_kind, message,
			 attempt, retry_scheduled_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CorrelationID, r.DocumentID, r.Stage, r.ErrorKind, r.Message,
		r.Attempt, scheduled, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return mapDBError(err, "create error record")
}

// SetErrorRecordStatus transitions a record's retry-chain state.
func (s *DB) SetErrorRecordStatus(ctx context.Context, id string, status ErrorRecordStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE system.error_records SET status = ?, updated_at = ?
		WHERE id = ?`, string(status), now(), id)
	return mapDBError(err, "set error record status")
}

// GetErrorRecord returns one record, nil when absent.
func (s *DB) GetErrorRecord(ctx context.Context, id string) (*ErrorRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+errorRecordColumns+` FROM system.error_records WHERE id = ?`, id)
	r, err := scanErrorRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapDBError(err, "get error record")
	}
	return r, nil
}

// GetErrorRecordsByCorrelation returns a retry chain, oldest first.
func (s *DB) GetErrorRecordsByCorrelation(ctx context.Context, correlationID string) ([]*ErrorRecord, error) {
	return s.queryErrorRecords(ctx, `
		SELECT `+errorRecordColumns+` FROM system.error_records
		WHERE correlation_id = ? ORDER BY created_at, id`, correlationID)
}

// GetErrorRecordsForDocument returns recorded failures for a document.
func (s *DB) GetErrorRecordsForDocument(ctx context.Context, documentID string) ([]*ErrorRecord, error) {
	return s.queryErrorRecords(ctx, `
		SELECT `+errorRecordColumns+` FROM system.error_records
		WHERE document_id = ? ORDER BY created_at, id`, documentID)
}

func (s *DB) queryErrorRecords(ctx context.Context, query string, args ...any) ([]*ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapDBError(err, "query error records")
	}
	defer func() { _ = rows.Close() }()

	var out []*ErrorRecord
	for rows.Next() {
		r, err := scanErrorRecord(rows)
		if err != nil {
			return nil, mapDBError(err, "query error records")
		}
		out = append(out, r)
	}
	return out, mapDBError(rows.Err(), "query error records")
}

const errorRecordColumns = `id, correlation_id, document_id, stage,
	error_kind, message, attempt, retry_scheduled_at, status, created_at,
	updated_at`

func scanErrorRecord(row interface{ Scan(...any) error }) (*ErrorRecord, error) {
	var r ErrorRecord
	var status string
	var scheduled sql.NullTime
	err := row.Scan(&r.ID, &r.CorrelationID, &r.DocumentID, &r.Stage,
		&r.ErrorKind, &r.Message, &r.Attempt, &scheduled, &status,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = ErrorRecordStatus(status)
	if scheduled.Valid {
		r.RetryScheduledAt = scheduled.Time
	}
	return &r, nil
}
