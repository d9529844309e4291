// Package batch applies uniform mutations (delete, field update, status
// change) to many records at once. Small batches run synchronously inside
// one transaction; large ones become a durable queue task worked in the
// background with per-record progress. Every mutation leaves an audit entry
// carrying the data needed for a later compensating rollback.
package batch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/events"
	"github.com/fixbase/docpipe/internal/queue"
	"github.com/fixbase/docpipe/internal/store"
)

// Operations supported by the engine.
const (
	OpDelete       = "delete"
	OpUpdate       = "update"
	OpStatusChange = "status_change"
	OpRestore      = "restore"
)

// ResourceDocuments is the only mutable resource for now.
const ResourceDocuments = "documents"

// DefaultSyncThreshold is the largest batch still run synchronously.
const DefaultSyncThreshold = 50

// updatableFields are the document columns a caller may set via OpUpdate.
var updatableFields = map[string]bool{
	"document_type":   true,
	"manufacturer_id": true,
	"priority":        true,
}

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	SyncThreshold int
}

// Request describes one batch operation.
type Request struct {
	Resource        string
	Operation       string
	RecordIDs       []string
	Fields          map[string]any
	RollbackOnError bool
	ActorID         string
	CorrelationID   string
}

// Progress is a point-in-time snapshot of a batch run.
type Progress struct {
	BatchID    string
	Total      int
	Processed  int
	Successful int
	Failed     int
	Done       bool
}

// Result reports the outcome of Run or Rollback. For async batches only
// BatchID and TaskID are meaningful; progress arrives via snapshots and
// batch.progress events.
type Result struct {
	BatchID      string
	Async        bool
	TaskID       string
	Progress     Progress
	RecordErrors map[string]string
}

// Engine executes batch operations against the store.
type Engine struct {
	db      *store.DB
	queue   *queue.Queue
	emitter events.Emitter
	opts    Options

	mu       sync.Mutex
	progress map[string]*Progress
}

// New builds an engine. queue may be nil; every batch then runs
// synchronously regardless of size.
func New(db *store.DB, q *queue.Queue, emitter events.Emitter, opts Options) *Engine {
	if opts.SyncThreshold <= 0 {
		opts.SyncThreshold = DefaultSyncThreshold
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Engine{
		db:       db,
		queue:    q,
		emitter:  emitter,
		opts:     opts,
		progress: make(map[string]*Progress),
	}
}

// Run validates and executes the request. Batches at or below the sync
// threshold run inside one transaction when rollback_on_error is set, or
// record by record when it is not. Larger batches are enqueued and worked
// asynchronously.
func (e *Engine) Run(ctx context.Context, req *Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	batchID := req.CorrelationID
	if batchID == "" {
		batchID = "batch-" + uuid.NewString()
	}

	if len(req.RecordIDs) > e.opts.SyncThreshold && e.queue != nil {
		taskID, err := e.queue.EnqueueBatch(ctx, map[string]any{
			"resource":          req.Resource,
			"operation":         req.Operation,
			"record_ids":        req.RecordIDs,
			"fields":            req.Fields,
			"rollback_on_error": req.RollbackOnError,
			"actor_id":          req.ActorID,
		}, batchID)
		if err != nil {
			return nil, err
		}
		e.setProgress(&Progress{BatchID: batchID, Total: len(req.RecordIDs)})
		return &Result{BatchID: batchID, Async: true, TaskID: taskID}, nil
	}

	return e.runSync(ctx, req, batchID)
}

func (e *Engine) runSync(ctx context.Context, req *Request, batchID string) (*Result, error) {
	muts, audits, prepErrs, err := e.prepare(ctx, req, batchID)
	if err != nil {
		return nil, err
	}

	res := &Result{
		BatchID:      batchID,
		Progress:     Progress{BatchID: batchID, Total: len(req.RecordIDs)},
		RecordErrors: prepErrs,
	}

	if req.RollbackOnError {
		// One transaction: all records mutate or none do, including any
		// that failed preparation.
		if len(prepErrs) > 0 {
			res.Progress.Failed = len(req.RecordIDs)
			res.Progress.Processed = len(req.RecordIDs)
			res.Progress.Done = true
			return res, pipeerr.Newf(pipeerr.ErrCodePrecondition, nil,
				"batch %s aborted: %d records failed preparation", batchID, len(prepErrs))
		}
		if err := e.db.ApplyDocumentMutations(ctx, muts, audits); err != nil {
			res.Progress.Failed = len(muts)
			res.Progress.Processed = len(muts)
			res.Progress.Done = true
			return res, pipeerr.Wrap(err, "batch "+batchID+" rolled back")
		}
		res.Progress.Successful = len(muts)
		res.Progress.Processed = len(muts)
		res.Progress.Done = true
		e.emitProgress(ctx, &res.Progress)
		return res, nil
	}

	// Partial mode: each record commits alone, failures are reported and
	// skipped.
	for i, m := range muts {
		if err := e.db.ApplyDocumentMutations(ctx, []*store.DocumentMutation{m},
			[]*store.AuditEntry{audits[i]}); err != nil {
			if res.RecordErrors == nil {
				res.RecordErrors = make(map[string]string)
			}
			res.RecordErrors[m.ID] = err.Error()
			res.Progress.Failed++
		} else {
			res.Progress.Successful++
		}
		res.Progress.Processed++
	}
	res.Progress.Failed += len(prepErrs)
	res.Progress.Processed += len(prepErrs)
	res.Progress.Done = true
	e.emitProgress(ctx, &res.Progress)
	return res, nil
}

// prepare snapshots every record and builds its mutation plus audit entry.
// Records that cannot be prepared (missing, invalid) are reported in the
// returned error map rather than failing the whole call.
func (e *Engine) prepare(ctx context.Context, req *Request, batchID string) ([]*store.DocumentMutation, []*store.AuditEntry, map[string]string, error) {
	var muts []*store.DocumentMutation
	var audits []*store.AuditEntry
	recordErrs := make(map[string]string)

	for _, id := range req.RecordIDs {
		doc, err := e.db.GetDocument(ctx, id)
		if err != nil {
			return nil, nil, nil, err
		}
		if doc == nil {
			recordErrs[id] = "document not found"
			continue
		}

		fields := mutationFields(req)
		snapshot := documentSnapshot(doc)
		rollback := make(map[string]any, len(fields))
		for col := range fields {
			rollback[col] = snapshot[col]
		}

		muts = append(muts, &store.DocumentMutation{
			ID:        id,
			Operation: req.Operation,
			Fields:    fields,
		})
		audits = append(audits, &store.AuditEntry{
			Operation:     req.Operation,
			Resource:      req.Resource,
			RecordID:      id,
			OldValues:     snapshot,
			NewValues:     fields,
			ActorID:       req.ActorID,
			CorrelationID: batchID,
			RollbackData:  rollback,
		})
	}
	if len(recordErrs) == 0 {
		recordErrs = nil
	}
	return muts, audits, recordErrs, nil
}

// Rollback applies compensating mutations for a finished batch, newest
// entry first. It is best-effort: per-record failures are reported and the
// remaining records still restore. Restore entries are audited under their
// own correlation id, returned as the result's BatchID.
func (e *Engine) Rollback(ctx context.Context, batchID, actorID string) (*Result, error) {
	entries, err := e.db.GetAuditEntries(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, pipeerr.Newf(pipeerr.ErrCodeNotFound, nil,
			"no audit entries for batch %s", batchID)
	}

	restoreID := "restore-" + uuid.NewString()
	res := &Result{
		BatchID:  restoreID,
		Progress: Progress{BatchID: restoreID},
	}

	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.Operation == OpRestore || len(entry.RollbackData) == 0 {
			continue
		}
		res.Progress.Total++

		mut := &store.DocumentMutation{
			ID:        entry.RecordID,
			Operation: OpRestore,
			Fields:    entry.RollbackData,
		}
		audit := &store.AuditEntry{
			Operation:     OpRestore,
			Resource:      entry.Resource,
			RecordID:      entry.RecordID,
			OldValues:     entry.NewValues,
			NewValues:     entry.RollbackData,
			ActorID:       actorID,
			CorrelationID: restoreID,
		}
		if err := e.db.ApplyDocumentMutations(ctx, []*store.DocumentMutation{mut},
			[]*store.AuditEntry{audit}); err != nil {
			if res.RecordErrors == nil {
				res.RecordErrors = make(map[string]string)
			}
			res.RecordErrors[entry.RecordID] = err.Error()
			res.Progress.Failed++
		} else {
			res.Progress.Successful++
		}
		res.Progress.Processed++
	}
	res.Progress.Done = true
	e.emitProgress(ctx, &res.Progress)
	return res, nil
}

// Progress returns the latest snapshot for a batch, or nil when unknown.
func (e *Engine) Progress(batchID string) *Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.progress[batchID]
	if !ok {
		return nil
	}
	snapshot := *p
	return &snapshot
}

func (e *Engine) setProgress(p *Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := *p
	e.progress[p.BatchID] = &snapshot
}

func (e *Engine) emitProgress(ctx context.Context, p *Progress) {
	e.setProgress(p)
	e.emitter.Emit(ctx, events.Event{
		Name: events.BatchProgress,
		Fields: map[string]any{
			"batch_id":   p.BatchID,
			"total":      p.Total,
			"processed":  p.Processed,
			"successful": p.Successful,
			"failed":     p.Failed,
			"done":       p.Done,
		},
	})
}

func validateRequest(req *Request) error {
	if req.Resource != ResourceDocuments {
		return pipeerr.Newf(pipeerr.ErrCodeInvalidInput, nil,
			"unknown batch resource %q", req.Resource)
	}
	if len(req.RecordIDs) == 0 {
		return pipeerr.New(pipeerr.ErrCodeInvalidInput, "batch has no record ids", nil)
	}
	switch req.Operation {
	case OpDelete:
		if len(req.Fields) > 0 {
			return pipeerr.New(pipeerr.ErrCodeInvalidInput,
				"delete takes no fields", nil)
		}
	case OpStatusChange:
		status, ok := req.Fields["status"].(string)
		if !ok || status == "" {
			return pipeerr.New(pipeerr.ErrCodeInvalidInput,
				"status_change requires a status field", nil)
		}
	case OpUpdate:
		if len(req.Fields) == 0 {
			return pipeerr.New(pipeerr.ErrCodeInvalidInput,
				"update requires at least one field", nil)
		}
		for col := range req.Fields {
			if !updatableFields[col] {
				return pipeerr.Newf(pipeerr.ErrCodeInvalidInput, nil,
					"field %s is not batch-updatable", col)
			}
		}
	default:
		return pipeerr.Newf(pipeerr.ErrCodeInvalidInput, nil,
			"unknown batch operation %q", req.Operation)
	}
	return nil
}

// mutationFields maps the request to concrete column assignments.
func mutationFields(req *Request) map[string]any {
	switch req.Operation {
	case OpDelete:
		return map[string]any{"deleted": true}
	case OpStatusChange:
		return map[string]any{"status": req.Fields["status"]}
	default:
		fields := make(map[string]any, len(req.Fields))
		for col, v := range req.Fields {
			fields[col] = v
		}
		return fields
	}
}

// documentSnapshot captures the mutable view of a document for the audit
// trail. Timestamps are excluded so a restored record compares equal to its
// snapshot.
func documentSnapshot(d *store.Document) map[string]any {
	return map[string]any{
		"content_hash":    d.ContentHash,
		"filename":        d.Filename,
		"size_bytes":      d.SizeBytes,
		"manufacturer_id": d.ManufacturerID,
		"document_type":   string(d.DocumentType),
		"priority":        d.Priority,
		"status":          string(d.Status),
		"page_count":      d.PageCount,
		"deleted":         d.Deleted,
	}
}

// HandleTask is the queue worker entry point for async batches. Progress
// snapshots and batch.progress events are updated per record.
func (e *Engine) HandleTask(ctx context.Context, task *store.QueueTask) error {
	req, err := requestFromPayload(task.Payload)
	if err != nil {
		return err
	}
	batchID := task.CorrelationID
	if batchID == "" {
		batchID = "batch-" + task.ID
	}

	muts, audits, prepErrs, err := e.prepare(ctx, req, batchID)
	if err != nil {
		return err
	}

	p := &Progress{
		BatchID: batchID,
		Total:   len(req.RecordIDs),
		Failed:  len(prepErrs),
	}
	p.Processed = len(prepErrs)

	for i, m := range muts {
		if err := ctx.Err(); err != nil {
			return pipeerr.Cancelled("batch " + batchID + " interrupted")
		}
		if err := e.db.ApplyDocumentMutations(ctx, []*store.DocumentMutation{m},
			[]*store.AuditEntry{audits[i]}); err != nil {
			slog.Warn("batch_record_failed",
				slog.String("batch_id", batchID),
				slog.String("record_id", m.ID),
				slog.String("error", err.Error()))
			p.Failed++
		} else {
			p.Successful++
		}
		p.Processed++
		e.emitProgress(ctx, p)
	}
	p.Done = true
	e.emitProgress(ctx, p)
	return nil
}

func requestFromPayload(payload map[string]any) (*Request, error) {
	req := &Request{}
	req.Resource, _ = payload["resource"].(string)
	req.Operation, _ = payload["operation"].(string)
	req.ActorID, _ = payload["actor_id"].(string)
	req.RollbackOnError, _ = payload["rollback_on_error"].(bool)

	if ids, ok := payload["record_ids"].([]any); ok {
		for _, v := range ids {
			if s, ok := v.(string); ok {
				req.RecordIDs = append(req.RecordIDs, s)
			}
		}
	}
	if fields, ok := payload["fields"].(map[string]any); ok {
		req.Fields = fields
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}
