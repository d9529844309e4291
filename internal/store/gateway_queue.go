package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// TaskStatus is the processing-queue task state.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// QueueTask is one durable unit of work. Priority 1 is highest; tasks become
// eligible when scheduled_at passes.
type QueueTask struct {
	ID            string
	TaskType      string
	Payload       map[string]any
	Status        TaskStatus
	Priority      int
	ScheduledAt   time.Time
	LeasedUntil   time.Time
	Lessor        string
	AttemptCount  int
	CorrelationID string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QueueDepth aggregates task counts per status plus the ready backlog.
type QueueDepth struct {
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
	Ready      int // queued and already eligible
}

// EnqueueTask inserts a task with status queued and returns its id.
func (s *DB) EnqueueTask(ctx context.Context, t *QueueTask) (string, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	ts := now()
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = ts
	}
	t.Status = TaskQueued
	t.CreatedAt = ts
	t.UpdatedAt = ts

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system.processing_queue
			(id, task_type, payload, status, priority, scheduled_at,
			 attempt_count, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskType, marshalJSON(t.Payload), t.Priority, t.ScheduledAt,
		t.AttemptCount, t.CorrelationID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return "", mapDBError(err, "enqueue task")
	}
	return t.ID, nil
}

// DequeueTask atomically claims the best eligible task for workerID: highest
// priority first, earliest scheduled_at within a priority. Returns nil when
// nothing is eligible.
func (s *DB) DequeueTask(ctx context.Context, workerID string, visibility time.Duration) (*QueueTask, error) {
	var task *QueueTask
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM system.processing_queue
			WHERE status = 'queued' AND scheduled_at <= ?
			ORDER BY priority, scheduled_at
			LIMIT 1`, ts)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return mapDBError(err, "dequeue task")
		}

		t.Status = TaskProcessing
		t.Lessor = workerID
		t.LeasedUntil = ts.Add(visibility)
		_, err = tx.ExecContext(ctx, `
			UPDATE system.processing_queue
			SET status = 'processing', leased_until = ?, lessor = ?, updated_at = ?
			WHERE id = ?`,
			t.LeasedUntil, workerID, ts, t.ID)
		if err != nil {
			return mapDBError(err, "dequeue task")
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ExtendTask pushes a processing task's lease forward. Fails with LeaseLost
// when the task is no longer processing or the lease already lapsed.
func (s *DB) ExtendTask(ctx context.Context, id string, additional time.Duration) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskRow(ctx, tx, id)
		if err != nil {
			return err
		}
		ts := now()
		if t == nil || t.Status != TaskProcessing || t.LeasedUntil.Before(ts) {
			return pipeerr.LeaseLost("task " + id + " lease could not be extended")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE system.processing_queue
			SET leased_until = ?, updated_at = ? WHERE id = ?`,
			t.LeasedUntil.Add(additional), ts, id)
		return mapDBError(err, "extend task")
	})
}

// AckTask marks a processing task completed.
func (s *DB) AckTask(ctx context.Context, id string) error {
	return s.finishTask(ctx, id, TaskCompleted, "")
}

// NackTask returns a failed attempt to the queue, or dead-letters the task
// once maxAttempts is reached. The reason is retained either way.
func (s *DB) NackTask(ctx context.Context, id, reason string, maxAttempts int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if t == nil || t.Status != TaskProcessing {
			return pipeerr.Newf(pipeerr.ErrCodePrecondition, nil,
				"task %s is not processing", id)
		}
		ts := now()
		attempts := t.AttemptCount + 1
		status := TaskQueued
		if maxAttempts > 0 && attempts >= maxAttempts {
			status = TaskFailed
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE system.processing_queue
			SET status = ?, attempt_count = ?, last_error = ?,
			    leased_until = NULL, lessor = '', updated_at = ?
			WHERE id = ?`,
			string(status), attempts, reason, ts, id)
		return mapDBError(err, "nack task")
	})
}

// DeferTask reschedules a task for a later time. Works on queued tasks (the
// retry orchestrator's durable deferral) and on processing tasks whose
// holder gives them back.
func (s *DB) DeferTask(ctx context.Context, id string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE system.processing_queue
		SET status = 'queued', scheduled_at = ?, leased_until = NULL,
		    lessor = '', updated_at = ?
		WHERE id = ? AND status IN ('queued', 'processing')`,
		until, now(), id)
	if err != nil {
		return mapDBError(err, "defer task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeerr.Newf(pipeerr.ErrCodeNotFound, nil,
			"task %s is not deferrable", id)
	}
	return nil
}

// CancelTask cancels a queued task. Processing tasks are not interrupted;
// their holder will Nack or Ack them.
func (s *DB) CancelTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE system.processing_queue
		SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status = 'queued'`, now(), id)
	if err != nil {
		return mapDBError(err, "cancel task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeerr.Newf(pipeerr.ErrCodePrecondition, nil,
			"task %s is not queued", id)
	}
	return nil
}

// ReclaimExpiredTasks reverts processing tasks with lapsed leases back to
// queued, incrementing their attempt counter; tasks at maxAttempts are
// dead-lettered instead. Returns how many rows changed.
func (s *DB) ReclaimExpiredTasks(ctx context.Context, maxAttempts int) (int, error) {
	reclaimed := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, `
			UPDATE system.processing_queue
			SET status = 'failed', attempt_count = attempt_count + 1,
			    last_error = 'lease expired; attempts exhausted',
			    leased_until = NULL, lessor = '', updated_at = ?
			WHERE status = 'processing' AND leased_until < ?
			  AND attempt_count + 1 >= ?`,
			ts, ts, maxAttempts)
		if err != nil {
			return mapDBError(err, "reclaim expired tasks")
		}
		dead, _ := res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			UPDATE system.processing_queue
			SET status = 'queued', attempt_count = attempt_count + 1,
			    leased_until = NULL, lessor = '', updated_at = ?
			WHERE status = 'processing' AND leased_until < ?`,
			ts, ts)
		if err != nil {
			return mapDBError(err, "reclaim expired tasks")
		}
		requeued, _ := res.RowsAffected()
		reclaimed = int(dead + requeued)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// GetTask returns one task, nil when absent.
func (s *DB) GetTask(ctx context.Context, id string) (*QueueTask, error) {
	var task *QueueTask
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = getTaskRow(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListDeadLetters returns dead-lettered tasks, newest first.
func (s *DB) ListDeadLetters(ctx context.Context, limit int) ([]*QueueTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM system.processing_queue
		WHERE status = 'failed'
		ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapDBError(err, "list dead letters")
	}
	defer func() { _ = rows.Close() }()

	var out []*QueueTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapDBError(err, "list dead letters")
		}
		out = append(out, t)
	}
	return out, mapDBError(rows.Err(), "list dead letters")
}

// GetQueueDepth aggregates task counts for observability.
func (s *DB) GetQueueDepth(ctx context.Context) (*QueueDepth, error) {
	var d QueueDepth
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(status = 'queued'), 0),
			COALESCE(SUM(status = 'processing'), 0),
			COALESCE(SUM(status = 'completed'), 0),
			COALESCE(SUM(status = 'failed'), 0),
			COALESCE(SUM(status = 'cancelled'), 0),
			COALESCE(SUM(status = 'queued' AND scheduled_at <= ?), 0)
		FROM system.processing_queue`, now()).
		Scan(&d.Queued, &d.Processing, &d.Completed, &d.Failed,
			&d.Cancelled, &d.Ready)
	if err != nil {
		return nil, mapDBError(err, "queue depth")
	}
	return &d, nil
}

func (s *DB) finishTask(ctx context.Context, id string, status TaskStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE system.processing_queue
		SET status = ?, last_error = ?, leased_until = NULL, lessor = '',
		    updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		string(status), lastError, now(), id)
	if err != nil {
		return mapDBError(err, "finish task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeerr.Newf(pipeerr.ErrCodePrecondition, nil,
			"task %s is not processing", id)
	}
	return nil
}

const taskColumns = `id, task_type, payload, status, priority, scheduled_at,
	leased_until, lessor, attempt_count, correlation_id, last_error,
	created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*QueueTask, error) {
	var t QueueTask
	var status, payload string
	var leasedUntil sql.NullTime
	err := row.Scan(&t.ID, &t.TaskType, &payload, &status, &t.Priority,
		&t.ScheduledAt, &leasedUntil, &t.Lessor, &t.AttemptCount,
		&t.CorrelationID, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Payload = unmarshalAnyMap(payload)
	if leasedUntil.Valid {
		t.LeasedUntil = leasedUntil.Time
	}
	return &t, nil
}

func getTaskRow(ctx context.Context, tx *sql.Tx, id string) (*QueueTask, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM system.processing_queue WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapDBError(err, "get task")
	}
	return t, nil
}
