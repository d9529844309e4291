package retry

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/queue"
	"github.com/fixbase/docpipe/internal/store"
)

func newTestOrchestrator(t *testing.T, opts Options) (*Orchestrator, *store.DB, *queue.Queue) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db, queue.Options{})
	o := New(db, store.NewLockManager(), q, nil, opts)
	t.Cleanup(o.Close)
	return o, db, q
}

func TestNewCorrelationID_Format(t *testing.T) {
	re := regexp.MustCompile(`^err-\d{13}-[0-9a-f]{8}$`)
	for i := 0; i < 20; i++ {
		id := NewCorrelationID()
		assert.Regexp(t, re, id)
	}
	assert.NotEqual(t, NewCorrelationID(), NewCorrelationID())
}

func TestBackoff_ExponentialWithinJitterBounds(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{BaseDelay: time.Second})

	for attempt := 1; attempt <= 4; attempt++ {
		expected := time.Second << (attempt - 1)
		for i := 0; i < 50; i++ {
			d := o.Backoff("embedding", attempt, pipeerr.KindTransient)
			assert.GreaterOrEqual(t, d, time.Duration(float64(expected)*0.8),
				"attempt %d below jitter floor", attempt)
			assert.LessOrEqual(t, d, time.Duration(float64(expected)*1.2),
				"attempt %d above jitter ceiling", attempt)
		}
	}
}

func TestBackoff_CapAndRateLimitFloor(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{BaseDelay: time.Second})

	// Deep attempts cap at 30s regardless of jitter
	for i := 0; i < 20; i++ {
		d := o.Backoff("embedding", 10, pipeerr.KindTransient)
		assert.LessOrEqual(t, d, 30*time.Second)
	}

	// Rate-limited failures never wait less than the floor
	for i := 0; i < 20; i++ {
		d := o.Backoff("embedding", 1, pipeerr.KindRateLimited)
		assert.GreaterOrEqual(t, d, 30*time.Second)
	}
}

func TestBackoff_PerStageBaseDelay(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{
		BaseDelay:       time.Second,
		StageBaseDelays: map[string]time.Duration{"visual_embedding": 5 * time.Second},
	})

	d := o.Backoff("visual_embedding", 1, pipeerr.KindTransient)
	assert.GreaterOrEqual(t, d, 4*time.Second)
}

func TestHandleFailure_PermanentIsExhausted(t *testing.T) {
	o, db, _ := newTestOrchestrator(t, Options{})
	ctx := context.Background()

	cause := pipeerr.Permanent(pipeerr.ErrCodeInvalidInput, "malformed pdf", nil)
	d, err := o.HandleFailure(ctx, "doc-1", "text_extraction", 1, cause, "", nil)
	require.NoError(t, err)

	assert.False(t, d.Retry)
	assert.True(t, d.Exhausted)
	assert.Equal(t, pipeerr.KindPermanent, d.Kind)

	rec, err := db.GetErrorRecord(ctx, d.RecordID)
	require.NoError(t, err)
	assert.Equal(t, store.ErrorExhausted, rec.Status)
	assert.Equal(t, "text_extraction", rec.Stage)
}

func TestHandleFailure_CancelledIsNotRetried(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{})

	d, err := o.HandleFailure(context.Background(), "doc-1", "embedding", 1,
		pipeerr.Cancelled("shutdown"), "", nil)
	require.NoError(t, err)
	assert.False(t, d.Retry)
	assert.True(t, d.Exhausted)
}

func TestHandleFailure_TransientExhaustsAtMaxAttempts(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{MaxAttempts: 3})

	cause := pipeerr.Transient(pipeerr.ErrCodeUpstreamTimeout, "timeout", nil)
	d, err := o.HandleFailure(context.Background(), "doc-1", "embedding", 3, cause, "", nil)
	require.NoError(t, err)
	assert.False(t, d.Retry)
	assert.True(t, d.Exhausted)
}

func TestHandleFailure_QueueDeferralSchedulesDurably(t *testing.T) {
	o, db, q := newTestOrchestrator(t, Options{Deferral: DeferralQueue, BaseDelay: time.Second})
	ctx := context.Background()

	cause := pipeerr.Transient(pipeerr.ErrCodeUpstreamTimeout, "timeout", nil)
	d, err := o.HandleFailure(ctx, "doc-1", "embedding", 1, cause, "", nil)
	require.NoError(t, err)
	require.True(t, d.Retry)
	assert.NotEmpty(t, d.CorrelationID)

	// The deferred retry is not yet eligible
	task, err := db.DequeueTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth.Queued)

	// The record carries the schedule and the chain id
	rec, err := db.GetErrorRecord(ctx, d.RecordID)
	require.NoError(t, err)
	assert.Equal(t, store.ErrorPendingRetry, rec.Status)
	assert.False(t, rec.RetryScheduledAt.IsZero())
	assert.Equal(t, d.CorrelationID, rec.CorrelationID)
}

func TestHandleFailure_LockExclusionDropsDuplicate(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{Deferral: DeferralQueue})
	ctx := context.Background()

	// Given: another worker holds the stage's retry lock
	session := o.locks.NewSession()
	defer session.Close()
	require.True(t, session.TryAcquire(store.StageLockKey("doc-1", "embedding")))

	cause := pipeerr.Transient(pipeerr.ErrCodeUpstreamTimeout, "timeout", nil)
	d, err := o.HandleFailure(ctx, "doc-1", "embedding", 1, cause, "", nil)
	require.NoError(t, err)

	assert.True(t, d.Dropped)
	assert.False(t, d.Retry)
}

func TestHandleFailure_SleepDeferralRunsRetry(t *testing.T) {
	o, db, _ := newTestOrchestrator(t, Options{
		Deferral:  DeferralSleep,
		BaseDelay: 10 * time.Millisecond,
	})
	ctx := context.Background()

	var calls atomic.Int32
	cause := pipeerr.Transient(pipeerr.ErrCodeUpstreamTimeout, "timeout", nil)
	d, err := o.HandleFailure(ctx, "doc-1", "embedding", 1, cause, "", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.True(t, d.Retry)

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, err := db.GetErrorRecord(ctx, d.RecordID)
		return err == nil && rec.Status == store.ErrorResolved
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleFailure_SleepDeferralAbandonedOnCancel(t *testing.T) {
	o, db, _ := newTestOrchestrator(t, Options{
		Deferral:  DeferralSleep,
		BaseDelay: 10 * time.Second, // long enough to cancel first
	})
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	cause := pipeerr.Transient(pipeerr.ErrCodeUpstreamTimeout, "timeout", nil)
	d, err := o.HandleFailure(ctx, "doc-1", "embedding", 1, cause, "", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.True(t, d.Retry)

	cancel()
	o.Close()

	assert.Zero(t, calls.Load())
	rec, err := db.GetErrorRecord(context.Background(), d.RecordID)
	require.NoError(t, err)
	assert.Equal(t, store.ErrorPendingRetry, rec.Status)
}

func TestHandleFailure_ContinuesChainCorrelation(t *testing.T) {
	o, db, _ := newTestOrchestrator(t, Options{Deferral: DeferralQueue, MaxAttempts: 3})
	ctx := context.Background()

	cause := pipeerr.Transient(pipeerr.ErrCodeUpstreamTimeout, "timeout", nil)
	first, err := o.HandleFailure(ctx, "doc-1", "embedding", 1, cause, "", nil)
	require.NoError(t, err)

	second, err := o.HandleFailure(ctx, "doc-1", "embedding", 2, cause, first.CorrelationID, nil)
	require.NoError(t, err)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)

	chain, err := db.GetErrorRecordsByCorrelation(ctx, first.CorrelationID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, 1, chain[0].Attempt)
	assert.Equal(t, 2, chain[1].Attempt)
}

func TestChainStatus_QueuedRetryLifecycle(t *testing.T) {
	o, db, _ := newTestOrchestrator(t, Options{Deferral: DeferralQueue, MaxAttempts: 3})
	ctx := context.Background()

	cause := pipeerr.Transient(pipeerr.ErrCodeUpstreamTimeout, "timeout", nil)
	first, err := o.HandleFailure(ctx, "doc-1", "embedding", 1, cause, "", nil)
	require.NoError(t, err)

	// The worker picks the deferred task up: pending moves to retrying.
	require.NoError(t, o.BeginQueuedRetry(ctx, first.CorrelationID))
	rec, err := db.GetErrorRecord(ctx, first.RecordID)
	require.NoError(t, err)
	assert.Equal(t, store.ErrorRetrying, rec.Status)

	// A second failure extends the chain, then the stage finally succeeds.
	_, err = o.HandleFailure(ctx, "doc-1", "embedding", 2, cause, first.CorrelationID, nil)
	require.NoError(t, err)
	require.NoError(t, o.ResolveChain(ctx, first.CorrelationID))

	chain, err := db.GetErrorRecordsByCorrelation(ctx, first.CorrelationID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	for _, r := range chain {
		assert.Equal(t, store.ErrorResolved, r.Status)
	}
}

func TestHandleFailure_ExhaustionClosesWholeChain(t *testing.T) {
	o, db, _ := newTestOrchestrator(t, Options{Deferral: DeferralQueue, MaxAttempts: 2})
	ctx := context.Background()

	cause := pipeerr.Transient(pipeerr.ErrCodeUpstreamTimeout, "timeout", nil)
	first, err := o.HandleFailure(ctx, "doc-1", "embedding", 1, cause, "", nil)
	require.NoError(t, err)
	require.True(t, first.Retry)

	last, err := o.HandleFailure(ctx, "doc-1", "embedding", 2, cause, first.CorrelationID, nil)
	require.NoError(t, err)
	assert.True(t, last.Exhausted)

	chain, err := db.GetErrorRecordsByCorrelation(ctx, first.CorrelationID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	for _, r := range chain {
		assert.Equal(t, store.ErrorExhausted, r.Status)
	}
}

func TestIsChainID(t *testing.T) {
	assert.True(t, IsChainID(NewCorrelationID()))
	assert.False(t, IsChainID("batch-7f3a"))
	assert.False(t, IsChainID(""))
}

func TestClassifyPlainErrors(t *testing.T) {
	assert.Equal(t, pipeerr.KindUnknown, pipeerr.Classify(errors.New("weird")))
	assert.Equal(t, pipeerr.KindCancelled, pipeerr.Classify(context.Canceled))
}
