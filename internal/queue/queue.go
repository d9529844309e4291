// Package queue schedules durable pipeline work over the system schema's
// processing_queue table. Tasks are priority-ordered, lease-based, and
// survive worker restarts; expired leases are reclaimed by a background
// sweep and exhausted tasks are dead-lettered.
package queue

import (
	"context"
	"time"

	"github.com/fixbase/docpipe/internal/events"
	"github.com/fixbase/docpipe/internal/store"
)

// Task types understood by the worker pool.
const (
	TaskProcessDocument = "process_document"
	TaskRunStage        = "run_stage"
	TaskBatch           = "batch"
	TaskRetryStage      = "retry_stage"
)

// Options tunes queue behavior. Zero values fall back to defaults.
type Options struct {
	VisibilityTimeout time.Duration // default 10m
	MaxAttempts       int           // default 5
	PollInterval      time.Duration // default 500ms
	ReclaimInterval   time.Duration // default 30s
	Workers           int           // default 2
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 10 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	return o
}

// Queue is the typed enqueue surface over the durable task table.
type Queue struct {
	db   *store.DB
	opts Options
}

// New builds a queue over the store.
func New(db *store.DB, opts Options) *Queue {
	return &Queue{db: db, opts: opts.withDefaults()}
}

// EnqueueDocument schedules a full pipeline run for a document. Priority
// follows the document's type-derived priority.
func (q *Queue) EnqueueDocument(ctx context.Context, documentID, mode string, priority int, correlationID string) (string, error) {
	return q.db.EnqueueTask(ctx, &store.QueueTask{
		TaskType: TaskProcessDocument,
		Payload: map[string]any{
			"document_id": documentID,
			"mode":        mode,
		},
		Priority:      priority,
		CorrelationID: correlationID,
	})
}

// EnqueueDocumentFile schedules a pipeline run that must read the source
// file from disk (intake path, before the storage stage has archived it).
func (q *Queue) EnqueueDocumentFile(ctx context.Context, documentID, fileRef, mode string, priority int, correlationID string) (string, error) {
	return q.db.EnqueueTask(ctx, &store.QueueTask{
		TaskType: TaskProcessDocument,
		Payload: map[string]any{
			"document_id": documentID,
			"file_ref":    fileRef,
			"mode":        mode,
		},
		Priority:      priority,
		CorrelationID: correlationID,
	})
}

// EnqueueStage schedules one stage of a document, optionally deferred.
func (q *Queue) EnqueueStage(ctx context.Context, documentID, stage string, at time.Time, correlationID string) (string, error) {
	return q.db.EnqueueTask(ctx, &store.QueueTask{
		TaskType: TaskRunStage,
		Payload: map[string]any{
			"document_id": documentID,
			"stage":       stage,
		},
		ScheduledAt:   at,
		CorrelationID: correlationID,
	})
}

// EnqueueRetry schedules a deferred stage retry. Used by the retry
// orchestrator's durable deferral mode.
func (q *Queue) EnqueueRetry(ctx context.Context, documentID, stage string, at time.Time, attempt int, correlationID string) (string, error) {
	return q.db.EnqueueTask(ctx, &store.QueueTask{
		TaskType: TaskRetryStage,
		Payload: map[string]any{
			"document_id": documentID,
			"stage":       stage,
			"attempt":     attempt,
		},
		Priority:      2, // retries run ahead of fresh bulk work
		ScheduledAt:   at,
		CorrelationID: correlationID,
	})
}

// EnqueueBatch schedules an asynchronous batch operation.
func (q *Queue) EnqueueBatch(ctx context.Context, payload map[string]any, correlationID string) (string, error) {
	return q.db.EnqueueTask(ctx, &store.QueueTask{
		TaskType:      TaskBatch,
		Payload:       payload,
		Priority:      4,
		CorrelationID: correlationID,
	})
}

// Defer reschedules a task.
func (q *Queue) Defer(ctx context.Context, taskID string, until time.Time) error {
	return q.db.DeferTask(ctx, taskID, until)
}

// Cancel cancels a queued task.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	return q.db.CancelTask(ctx, taskID)
}

// Depth returns queue aggregates.
func (q *Queue) Depth(ctx context.Context) (*store.QueueDepth, error) {
	return q.db.GetQueueDepth(ctx)
}

// DeadLetters lists dead-lettered tasks.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*store.QueueTask, error) {
	return q.db.ListDeadLetters(ctx, limit)
}

// EmitDepth publishes a queue.depth event.
func (q *Queue) EmitDepth(ctx context.Context, emitter events.Emitter) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return
	}
	emitter.Emit(ctx, events.Event{
		Name: events.QueueDepth,
		Fields: map[string]any{
			"queued":     depth.Queued,
			"ready":      depth.Ready,
			"processing": depth.Processing,
			"failed":     depth.Failed,
		},
	})
}
