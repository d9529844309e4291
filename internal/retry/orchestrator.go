// Package retry decides whether, when, and how a failed stage execution is
// run again. Failures are classified, backoff is exponential with jitter,
// concurrent retries for the same (document, stage) are excluded via an
// advisory lock, and every chain carries one correlation id from first
// failure to resolution.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/events"
	"github.com/fixbase/docpipe/internal/logging"
	"github.com/fixbase/docpipe/internal/queue"
	"github.com/fixbase/docpipe/internal/store"
)

// Deferral selects how a decided retry is scheduled.
const (
	DeferralSleep = "sleep" // in-process cancellable sleep
	DeferralQueue = "queue" // durable scheduled queue entry
)

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	MaxAttempts        int                      // default 3
	BaseDelay          time.Duration            // default 1s
	MaxDelay           time.Duration            // cap, default 30s
	RateLimitFloor     time.Duration            // default 30s
	StageBaseDelays    map[string]time.Duration // per-stage base override
	Deferral           string                   // sleep | queue, default queue
	SleepDeferralLimit time.Duration            // delays above this always go durable
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.RateLimitFloor <= 0 {
		o.RateLimitFloor = 30 * time.Second
	}
	if o.Deferral == "" {
		o.Deferral = DeferralQueue
	}
	if o.SleepDeferralLimit <= 0 {
		o.SleepDeferralLimit = 30 * time.Second
	}
	return o
}

// RetryFunc re-executes the failed stage. Only used in sleep deferral; queue
// deferral re-enters through the worker pool instead.
type RetryFunc func(ctx context.Context) error

// Decision is the orchestrator's verdict for one failure.
type Decision struct {
	Retry         bool
	Exhausted     bool
	Dropped       bool // another worker already owns this retry
	Delay         time.Duration
	Kind          pipeerr.Kind
	CorrelationID string
	RecordID      string
}

// Orchestrator owns the classify → decide → backoff → exclude → defer chain.
type Orchestrator struct {
	db      *store.DB
	locks   *store.LockManager
	queue   *queue.Queue
	emitter events.Emitter
	opts    Options

	mu  sync.Mutex
	rng *rand.Rand

	// background sleep-deferral goroutines, drained on Close
	wg sync.WaitGroup
}

// New builds an orchestrator. The queue may be nil when deferral is "sleep".
func New(db *store.DB, locks *store.LockManager, q *queue.Queue, emitter events.Emitter, opts Options) *Orchestrator {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Orchestrator{
		db:      db,
		locks:   locks,
		queue:   q,
		emitter: emitter,
		opts:    opts.withDefaults(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Close waits for in-flight sleep deferrals to finish.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

// NewCorrelationID generates a retry-chain id of the form
// err-<epoch_ms>-<rand8>.
func NewCorrelationID() string {
	return fmt.Sprintf("err-%d-%s",
		time.Now().UnixMilli(),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// IsChainID reports whether the id names a retry chain rather than some
// other correlation (task, batch).
func IsChainID(id string) bool {
	return strings.HasPrefix(id, "err-")
}

// QueueDeferral reports whether decided retries are scheduled as durable
// queue tasks instead of in-process sleeps.
func (o *Orchestrator) QueueDeferral() bool {
	return o.queue != nil && o.opts.Deferral == DeferralQueue
}

// Backoff computes the delay before attempt+1: base·2^(attempt−1), uniform
// jitter in [0.8, 1.2], capped. Rate-limited failures never wait less than
// the floor.
func (o *Orchestrator) Backoff(stage string, attempt int, kind pipeerr.Kind) time.Duration {
	base := o.opts.BaseDelay
	if d, ok := o.opts.StageBaseDelays[stage]; ok && d > 0 {
		base = d
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.opts.MaxDelay {
			delay = o.opts.MaxDelay
			break
		}
	}

	o.mu.Lock()
	jitter := 0.8 + 0.4*o.rng.Float64()
	o.mu.Unlock()
	delay = time.Duration(float64(delay) * jitter)

	if delay > o.opts.MaxDelay {
		delay = o.opts.MaxDelay
	}
	if kind == pipeerr.KindRateLimited && delay < o.opts.RateLimitFloor {
		delay = o.opts.RateLimitFloor
	}
	return delay
}

// HandleFailure records the failure and, when warranted, schedules the
// retry. attempt is the attempt that just failed (1-based). correlationID
// continues an existing chain; empty starts a new one. retryFn is required
// for sleep deferral and ignored for queue deferral.
func (o *Orchestrator) HandleFailure(ctx context.Context, documentID, stage string, attempt int, cause error, correlationID string, retryFn RetryFunc) (*Decision, error) {
	kind := pipeerr.Classify(cause)
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	d := &Decision{Kind: kind, CorrelationID: correlationID}

	log := slog.With(
		logging.Document(documentID),
		logging.Stage(stage),
		logging.Correlation(correlationID),
		slog.String("kind", string(kind)),
		slog.Int("attempt", attempt))

	retryable := kind.Retryable() && attempt < o.opts.MaxAttempts
	if retryable {
		d.Retry = true
		d.Delay = o.Backoff(stage, attempt, kind)
	} else {
		d.Exhausted = true
	}

	rec := &store.ErrorRecord{
		CorrelationID: correlationID,
		DocumentID:    documentID,
		Stage:         stage,
		ErrorKind:     string(kind),
		Message:       cause.Error(),
		Attempt:       attempt,
		Status:        store.ErrorPendingRetry,
	}
	if d.Exhausted {
		rec.Status = store.ErrorExhausted
	} else {
		rec.RetryScheduledAt = time.Now().UTC().Add(d.Delay)
	}
	if err := o.db.CreateErrorRecord(ctx, rec); err != nil {
		return nil, err
	}
	d.RecordID = rec.ID

	if d.Exhausted {
		if err := o.setChainStatus(ctx, correlationID, store.ErrorExhausted); err != nil {
			log.Warn("error_record_update_failed", logging.Err(err))
		}
		log.Warn("retry_exhausted", logging.Err(cause))
		return d, nil
	}

	// One worker owns the retry chain; a held lock means a concurrent
	// failure report already scheduled it.
	session := o.locks.NewSession()
	if !session.TryAcquire(store.StageLockKey(documentID, stage)) {
		session.Close()
		d.Retry = false
		d.Dropped = true
		if err := o.db.SetErrorRecordStatus(ctx, rec.ID, store.ErrorResolved); err != nil {
			log.Warn("error_record_update_failed", logging.Err(err))
		}
		log.Debug("retry_dropped_lock_held")
		return d, nil
	}

	o.emitter.Emit(ctx, events.Event{
		Name:       events.RetryScheduled,
		DocumentID: documentID,
		Stage:      stage,
		Fields: map[string]any{
			"correlation_id": correlationID,
			"kind":           string(kind),
			"attempt":        attempt,
			"delay_ms":       d.Delay.Milliseconds(),
		},
	})
	log.Info("retry_scheduled", slog.Duration("delay", d.Delay))

	if o.useQueueDeferral(d.Delay) {
		// Durable deferral: the lock only guards the scheduling decision.
		defer session.Close()
		if _, err := o.queue.EnqueueRetry(ctx, documentID, stage,
			time.Now().UTC().Add(d.Delay), attempt+1, correlationID); err != nil {
			return nil, err
		}
		return d, nil
	}

	// In-process deferral bound to the document's context: cancellation
	// abandons the retry and the error record stays pending_retry.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer session.Close()
		o.sleepRetry(ctx, rec.ID, d.Delay, retryFn, log)
	}()
	return d, nil
}

func (o *Orchestrator) useQueueDeferral(delay time.Duration) bool {
	if o.queue == nil {
		return false
	}
	if o.opts.Deferral == DeferralQueue {
		return true
	}
	// Sleep mode still escalates long delays to the durable queue so a
	// worker restart cannot lose them.
	return delay > o.opts.SleepDeferralLimit
}

func (o *Orchestrator) sleepRetry(ctx context.Context, recordID string, delay time.Duration, retryFn RetryFunc, log *slog.Logger) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		log.Debug("retry_abandoned_cancelled")
		return
	case <-timer.C:
	}

	if err := o.db.SetErrorRecordStatus(ctx, recordID, store.ErrorRetrying); err != nil {
		log.Warn("error_record_update_failed", logging.Err(err))
	}
	if retryFn == nil {
		return
	}
	if err := retryFn(ctx); err != nil {
		log.Warn("retry_attempt_failed", logging.Err(err))
		if uerr := o.db.SetErrorRecordStatus(ctx, recordID, store.ErrorExhausted); uerr != nil {
			log.Warn("error_record_update_failed", logging.Err(uerr))
		}
		return
	}
	if err := o.db.SetErrorRecordStatus(ctx, recordID, store.ErrorResolved); err != nil {
		log.Warn("error_record_update_failed", logging.Err(err))
	}
	log.Info("retry_resolved")
}

// MarkResolved closes a retry chain after a successful re-execution that
// came back through the queue path.
func (o *Orchestrator) MarkResolved(ctx context.Context, recordID string) error {
	return o.db.SetErrorRecordStatus(ctx, recordID, store.ErrorResolved)
}

// BeginQueuedRetry moves a chain's pending records to retrying. The worker
// calls it when it picks up a deferred retry task.
func (o *Orchestrator) BeginQueuedRetry(ctx context.Context, correlationID string) error {
	return o.setChainStatus(ctx, correlationID, store.ErrorRetrying)
}

// ResolveChain closes every open record in a chain after the queued retry
// re-ran the stage successfully.
func (o *Orchestrator) ResolveChain(ctx context.Context, correlationID string) error {
	return o.setChainStatus(ctx, correlationID, store.ErrorResolved)
}

// setChainStatus transitions every non-terminal record in the chain.
func (o *Orchestrator) setChainStatus(ctx context.Context, correlationID string, to store.ErrorRecordStatus) error {
	recs, err := o.db.GetErrorRecordsByCorrelation(ctx, correlationID)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.Status != store.ErrorPendingRetry && r.Status != store.ErrorRetrying {
			continue
		}
		if err := o.db.SetErrorRecordStatus(ctx, r.ID, to); err != nil {
			return err
		}
	}
	return nil
}

// RetryInline drives a retry chain synchronously. The pipeline executor
// uses it so a full run does not return until the stage either completes
// or exhausts its budget. attempt is the failed attempt (1-based); retryFn
// performs the next attempt and is re-invoked after each backoff until it
// succeeds, the error turns non-retryable, the budget runs out, or ctx is
// cancelled. On success every record in the chain is marked resolved; on
// exhaustion every record is marked exhausted.
func (o *Orchestrator) RetryInline(ctx context.Context, documentID, stage string, attempt int, cause error, retryFn RetryFunc) (*Decision, error) {
	correlationID := NewCorrelationID()
	log := slog.With(
		logging.Document(documentID),
		logging.Stage(stage),
		logging.Correlation(correlationID))

	session := o.locks.NewSession()
	defer session.Close()

	var chain []string
	finish := func(status store.ErrorRecordStatus) {
		for _, id := range chain {
			if err := o.db.SetErrorRecordStatus(ctx, id, status); err != nil {
				log.Warn("error_record_update_failed", logging.Err(err))
			}
		}
	}

	for {
		kind := pipeerr.Classify(cause)
		d := &Decision{Kind: kind, CorrelationID: correlationID}
		if kind.Retryable() && attempt < o.opts.MaxAttempts {
			d.Retry = true
			d.Delay = o.Backoff(stage, attempt, kind)
		} else {
			d.Exhausted = true
		}

		rec := &store.ErrorRecord{
			CorrelationID: correlationID,
			DocumentID:    documentID,
			Stage:         stage,
			ErrorKind:     string(kind),
			Message:       cause.Error(),
			Attempt:       attempt,
			Status:        store.ErrorPendingRetry,
		}
		if d.Exhausted {
			rec.Status = store.ErrorExhausted
		} else {
			rec.RetryScheduledAt = time.Now().UTC().Add(d.Delay)
		}
		if err := o.db.CreateErrorRecord(ctx, rec); err != nil {
			return nil, err
		}
		d.RecordID = rec.ID

		if d.Exhausted {
			finish(store.ErrorExhausted)
			log.Warn("retry_exhausted",
				slog.Int("attempt", attempt),
				slog.String("kind", string(kind)),
				logging.Err(cause))
			return d, cause
		}
		chain = append(chain, rec.ID)

		if len(chain) == 1 && !session.TryAcquire(store.StageLockKey(documentID, stage)) {
			d.Retry = false
			d.Dropped = true
			if err := o.db.SetErrorRecordStatus(ctx, rec.ID, store.ErrorResolved); err != nil {
				log.Warn("error_record_update_failed", logging.Err(err))
			}
			log.Debug("retry_dropped_lock_held")
			return d, cause
		}

		o.emitter.Emit(ctx, events.Event{
			Name:       events.RetryScheduled,
			DocumentID: documentID,
			Stage:      stage,
			Fields: map[string]any{
				"correlation_id": correlationID,
				"kind":           string(kind),
				"attempt":        attempt,
				"delay_ms":       d.Delay.Milliseconds(),
			},
		})
		log.Info("retry_scheduled",
			slog.Int("attempt", attempt),
			slog.Duration("delay", d.Delay))

		timer := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debug("retry_abandoned_cancelled")
			return d, pipeerr.Cancelled("retry abandoned: " + cause.Error())
		case <-timer.C:
		}

		if err := o.db.SetErrorRecordStatus(ctx, rec.ID, store.ErrorRetrying); err != nil {
			log.Warn("error_record_update_failed", logging.Err(err))
		}
		err := retryFn(ctx)
		if err == nil {
			finish(store.ErrorResolved)
			log.Info("retry_resolved", slog.Int("attempts", attempt+1))
			return d, nil
		}
		cause = err
		attempt++
	}
}
