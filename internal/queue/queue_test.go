package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixbase/docpipe/internal/store"
)

func newTestQueue(t *testing.T) (*store.DB, *Queue) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, New(db, Options{})
}

func TestDequeue_PriorityThenScheduleOrder(t *testing.T) {
	db, q := newTestQueue(t)
	ctx := context.Background()

	// Given: a low-priority document enqueued before a bulletin
	_, err := q.EnqueueDocument(ctx, "doc-parts", "full", 4, "")
	require.NoError(t, err)
	_, err = q.EnqueueDocument(ctx, "doc-bulletin", "full", 1, "")
	require.NoError(t, err)

	// Then: the bulletin is dequeued first
	task, err := db.DequeueTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "doc-bulletin", task.Payload["document_id"])

	task, err = db.DequeueTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "doc-parts", task.Payload["document_id"])
}

func TestDequeue_RespectsScheduledAt(t *testing.T) {
	db, q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueRetry(ctx, "doc-1", "embedding", time.Now().Add(time.Hour), 2, "err-1")
	require.NoError(t, err)

	task, err := db.DequeueTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task, "deferred task must stay invisible until scheduled_at")
}

func TestDequeue_LeaseExcludesOtherWorkers(t *testing.T) {
	db, q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueDocument(ctx, "doc-1", "full", 3, "")
	require.NoError(t, err)

	task, err := db.DequeueTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "w1", task.Lessor)

	other, err := db.DequeueTask(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestAckNackLifecycle(t *testing.T) {
	db, q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.EnqueueDocument(ctx, "doc-1", "full", 3, "")
	require.NoError(t, err)

	task, err := db.DequeueTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)

	// Nack below the attempt ceiling requeues
	require.NoError(t, db.NackTask(ctx, id, "upstream timeout", 5))
	got, err := db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskQueued, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "upstream timeout", got.LastError)

	// Second claim, then ack
	task, err = db.DequeueTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, db.AckTask(ctx, id))

	got, err = db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)
}

func TestNack_DeadLettersAtMaxAttempts(t *testing.T) {
	db, q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.EnqueueDocument(ctx, "doc-1", "full", 3, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		task, err := db.DequeueTask(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, task)
		require.NoError(t, db.NackTask(ctx, id, "still broken", 2))
	}

	got, err := db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.Status)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)

	// Dead-lettered tasks are not dequeued again
	task, err := db.DequeueTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestReclaimExpired_RequeuesAndCounts(t *testing.T) {
	db, q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.EnqueueDocument(ctx, "doc-1", "full", 3, "")
	require.NoError(t, err)

	// Claim with an already-lapsed lease (crashed worker)
	task, err := db.DequeueTask(ctx, "w1", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)

	n, err := db.ReclaimExpiredTasks(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskQueued, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestDeferAndCancel(t *testing.T) {
	db, q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.EnqueueDocument(ctx, "doc-1", "full", 3, "")
	require.NoError(t, err)
	require.NoError(t, q.Defer(ctx, id, time.Now().Add(time.Hour)))

	task, err := db.DequeueTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)

	require.NoError(t, q.Cancel(ctx, id))
	got, err := db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCancelled, got.Status)
}

func TestQueueDepth(t *testing.T) {
	db, q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueDocument(ctx, "doc-1", "full", 3, "")
	require.NoError(t, err)
	_, err = q.EnqueueStage(ctx, "doc-2", "embedding", time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	_, err = db.DequeueTask(ctx, "w1", time.Minute)
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth.Queued)
	assert.Equal(t, 1, depth.Processing)
	assert.Zero(t, depth.Ready, "the deferred stage is not yet eligible")
}

func TestPool_DispatchesToHandlers(t *testing.T) {
	db, q := newTestQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 2)

	pool := NewPool(db, q, nil, Options{Workers: 2, PollInterval: 20 * time.Millisecond})
	pool.Register(TaskProcessDocument, func(ctx context.Context, task *store.QueueTask) error {
		mu.Lock()
		seen = append(seen, task.Payload["document_id"].(string))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	id1, err := q.EnqueueDocument(ctx, "doc-a", "full", 3, "")
	require.NoError(t, err)
	id2, err := q.EnqueueDocument(ctx, "doc-b", "full", 3, "")
	require.NoError(t, err)

	pool.Start(ctx)
	defer pool.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("handler was not invoked in time")
		}
	}

	// Both tasks end up acked
	require.Eventually(t, func() bool {
		t1, err1 := db.GetTask(ctx, id1)
		t2, err2 := db.GetTask(ctx, id2)
		return err1 == nil && err2 == nil &&
			t1.Status == store.TaskCompleted && t2.Status == store.TaskCompleted
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"doc-a", "doc-b"}, seen)
	mu.Unlock()
}

func TestPool_NacksFailingHandler(t *testing.T) {
	db, q := newTestQueue(t)
	ctx := context.Background()

	pool := NewPool(db, q, nil, Options{Workers: 1, PollInterval: 20 * time.Millisecond, MaxAttempts: 1})
	pool.Register(TaskBatch, func(ctx context.Context, task *store.QueueTask) error {
		return assert.AnError
	})

	id, err := q.EnqueueBatch(ctx, map[string]any{"operation": "delete"}, "batch-1")
	require.NoError(t, err)

	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		task, err := db.GetTask(ctx, id)
		return err == nil && task.Status == store.TaskFailed
	}, 5*time.Second, 50*time.Millisecond)
}
