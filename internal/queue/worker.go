package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/events"
	"github.com/fixbase/docpipe/internal/logging"
	"github.com/fixbase/docpipe/internal/store"
)

// Handler executes one task. A nil return acks the task; an error nacks it
// with the error text as reason (dead-lettered once attempts run out).
type Handler func(ctx context.Context, task *store.QueueTask) error

// Pool runs task handlers over the durable queue: a fixed set of polling
// workers, a lease heartbeat per in-flight task, and a periodic sweep that
// reclaims expired leases.
type Pool struct {
	db       *store.DB
	queue    *Queue
	opts     Options
	emitter  events.Emitter
	handlers map[string]Handler
	workerID string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPool builds a worker pool. Register handlers before Start.
func NewPool(db *store.DB, q *Queue, emitter events.Emitter, opts Options) *Pool {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Pool{
		db:       db,
		queue:    q,
		opts:     opts.withDefaults(),
		emitter:  emitter,
		handlers: make(map[string]Handler),
		workerID: "worker-" + uuid.NewString()[:8],
	}
}

// Register binds a handler to a task type. Must be called before Start.
func (p *Pool) Register(taskType string, h Handler) {
	p.handlers[taskType] = h
}

// Start launches the workers and the reclaim sweep. Non-blocking.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			p.runWorker(gctx)
			return nil
		})
	}
	g.Go(func() error {
		p.runReclaim(gctx)
		return nil
	})

	go func() {
		defer close(p.done)
		_ = g.Wait()
	}()

	slog.Info("queue_pool_started",
		slog.String("worker_id", p.workerID),
		slog.Int("workers", p.opts.Workers))
}

// Stop cancels in-flight work and waits for the workers to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.started = false
	p.mu.Unlock()

	cancel()
	<-done
	slog.Info("queue_pool_stopped", slog.String("worker_id", p.workerID))
}

func (p *Pool) runWorker(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		// Drain eligible tasks, then wait for the next tick.
		for {
			if ctx.Err() != nil {
				return
			}
			task, err := p.db.DequeueTask(ctx, p.workerID, p.opts.VisibilityTimeout)
			if err != nil {
				slog.Warn("dequeue_failed", logging.Err(err))
				break
			}
			if task == nil {
				break
			}
			p.execute(ctx, task)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) execute(ctx context.Context, task *store.QueueTask) {
	log := slog.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", task.TaskType),
		slog.String("worker_id", p.workerID))

	handler, ok := p.handlers[task.TaskType]
	if !ok {
		log.Error("task_handler_missing")
		if err := p.db.NackTask(ctx, task.ID, "no handler for task type "+task.TaskType, 1); err != nil {
			log.Warn("nack_failed", logging.Err(err))
		}
		return
	}

	// Heartbeat keeps the lease alive while the handler runs.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		p.heartbeat(hbCtx, task.ID)
	}()

	err := p.runHandler(ctx, handler, task)
	stopHeartbeat()
	hbDone.Wait()

	// Finalize with a fresh context so shutdown doesn't strand the task in
	// processing until the lease expires.
	finCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err == nil {
		if ackErr := p.db.AckTask(finCtx, task.ID); ackErr != nil {
			log.Warn("ack_failed", logging.Err(ackErr))
		}
		log.Debug("task_completed")
		p.queue.EmitDepth(finCtx, p.emitter)
		return
	}

	log.Warn("task_failed",
		logging.Err(err),
		slog.Int("attempt", task.AttemptCount+1))
	if nackErr := p.db.NackTask(finCtx, task.ID, err.Error(), p.opts.MaxAttempts); nackErr != nil {
		log.Warn("nack_failed", logging.Err(nackErr))
	}
	p.queue.EmitDepth(finCtx, p.emitter)
}

// runHandler isolates handler panics; a panicking task must not take the
// worker down.
func (p *Pool) runHandler(ctx context.Context, h Handler, task *store.QueueTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pipeerr.Newf(pipeerr.ErrCodeInternal, nil,
				"task handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}

func (p *Pool) heartbeat(ctx context.Context, taskID string) {
	interval := p.opts.VisibilityTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.db.ExtendTask(ctx, taskID, p.opts.VisibilityTimeout); err != nil {
				slog.Warn("task_lease_extend_failed",
					slog.String("task_id", taskID),
					logging.Err(err))
				return
			}
		}
	}
}

func (p *Pool) runReclaim(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.db.ReclaimExpiredTasks(ctx, p.opts.MaxAttempts)
			if err != nil {
				slog.Warn("reclaim_failed", logging.Err(err))
				continue
			}
			if n > 0 {
				slog.Info("tasks_reclaimed", slog.Int("count", n))
				p.queue.EmitDepth(ctx, p.emitter)
			}
		}
	}
}

// String identifies the pool's worker id in logs and task rows.
func (p *Pool) String() string {
	return fmt.Sprintf("queue.Pool(%s)", p.workerID)
}
