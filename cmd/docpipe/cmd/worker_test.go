package cmd

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixbase/docpipe/internal/blob"
	"github.com/fixbase/docpipe/internal/config"
	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/events"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/queue"
	"github.com/fixbase/docpipe/internal/retry"
	"github.com/fixbase/docpipe/internal/store"
)

// scriptedStage fails its first N attempts with a transient error, then
// succeeds.
type scriptedStage struct {
	stage pipeline.Stage
	fail  int64
	calls atomic.Int64
}

func (s *scriptedStage) Stage() pipeline.Stage { return s.stage }

func (s *scriptedStage) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	return false, nil
}

func (s *scriptedStage) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	if s.calls.Add(1) <= s.fail {
		return nil, pipeerr.Transient(pipeerr.ErrCodeUpstreamUnavailable, "upstream flapping", nil)
	}
	return &pipeline.ProcessingResult{Success: true}, nil
}

// newRetryTestApp wires a minimal app around a real store and queue with
// durable retry deferral, registering only the given processor.
func newRetryTestApp(t *testing.T, proc pipeline.Processor) (*app, string) {
	t.Helper()
	ctx := context.Background()

	cfg := config.NewConfig()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Retry.Deferral = retry.DeferralQueue
	cfg.Retry.BaseDelay = time.Millisecond

	db, err := store.Open(cfg.Paths.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	locks := store.NewLockManager()
	q := queue.New(db, queue.Options{})
	orch := retry.New(db, locks, q, events.Nop{}, retry.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Deferral:    cfg.Retry.Deferral,
	})
	t.Cleanup(orch.Close)

	exec := pipeline.NewExecutor(db, locks, orch, events.Nop{}, cfg.Pipeline)
	exec.Register(proc)

	fsStore, err := blob.NewFSStore(filepath.Join(cfg.Paths.DataDir, "blobs"))
	require.NoError(t, err)

	a := &app{
		cfg:      cfg,
		db:       db,
		locks:    locks,
		queue:    q,
		emitter:  events.Nop{},
		orch:     orch,
		exec:     exec,
		dispatch: pipeline.NewDispatcher(exec),
		services: &pipeline.Services{DB: db, Blob: fsStore, Config: cfg},
	}

	docID, _, err := db.UpsertDocumentByHash(ctx, "retry-doc", &store.Document{
		ContentHash: "retry-doc",
		Filename:    "manual.pdf",
		SizeBytes:   1024,
	})
	require.NoError(t, err)
	return a, docID
}

func TestHandleRetryStage_ResolvesChainAndContinues(t *testing.T) {
	proc := &scriptedStage{stage: pipeline.StageUpload, fail: 1}
	a, docID := newRetryTestApp(t, proc)
	ctx := context.Background()

	// Given: the first dispatch fails and defers the retry to the queue
	pctx := pipeline.NewProcessingContext(docID, "", a.services)
	err := a.dispatch.RunStage(ctx, pctx, pipeline.StageUpload, pipeline.DispatchOptions{})
	require.True(t, pipeerr.HasCode(err, pipeerr.ErrCodeRetryDeferred))

	time.Sleep(50 * time.Millisecond)
	task, err := a.db.DequeueTask(ctx, "worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, queue.TaskRetryStage, task.TaskType)
	require.True(t, retry.IsChainID(task.CorrelationID))

	// When: the worker handles the deferred task
	require.NoError(t, a.handleRetryStage(ctx, task))

	// Then: the stage completed on the queued attempt
	rec, err := a.db.StageStatus().Get(ctx, docID, string(pipeline.StageUpload))
	require.NoError(t, err)
	assert.Equal(t, store.StageCompleted, rec.State)
	assert.Equal(t, int64(2), proc.calls.Load())

	// And: the chain resolved under the original correlation id
	records, err := a.db.GetErrorRecordsByCorrelation(ctx, task.CorrelationID)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	for _, r := range records {
		assert.Equal(t, store.ErrorResolved, r.Status)
	}

	// And: a smart continuation run was enqueued for the rest of the graph
	next, err := a.db.DequeueTask(ctx, "worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, queue.TaskProcessDocument, next.TaskType)
	assert.Equal(t, docID, next.Payload["document_id"])
	assert.Equal(t, "smart", next.Payload["mode"])
}

func TestHandleRetryStage_ReDefersWhileBudgetRemains(t *testing.T) {
	proc := &scriptedStage{stage: pipeline.StageUpload, fail: 2}
	a, docID := newRetryTestApp(t, proc)
	ctx := context.Background()

	pctx := pipeline.NewProcessingContext(docID, "", a.services)
	err := a.dispatch.RunStage(ctx, pctx, pipeline.StageUpload, pipeline.DispatchOptions{})
	require.True(t, pipeerr.HasCode(err, pipeerr.ErrCodeRetryDeferred))

	time.Sleep(50 * time.Millisecond)
	task, err := a.db.DequeueTask(ctx, "worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	chainID := task.CorrelationID

	// The second attempt fails too: the handler acks the task and the next
	// attempt rides a fresh queue entry on the same chain.
	require.NoError(t, a.handleRetryStage(ctx, task))

	time.Sleep(50 * time.Millisecond)
	next, err := a.db.DequeueTask(ctx, "worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, queue.TaskRetryStage, next.TaskType)
	assert.Equal(t, chainID, next.CorrelationID)

	// The queued third attempt succeeds and closes the whole chain.
	require.NoError(t, a.handleRetryStage(ctx, next))
	records, err := a.db.GetErrorRecordsByCorrelation(ctx, chainID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, store.ErrorResolved, r.Status)
	}
}
