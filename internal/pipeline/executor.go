package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fixbase/docpipe/internal/config"
	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/events"
	"github.com/fixbase/docpipe/internal/logging"
	"github.com/fixbase/docpipe/internal/retry"
	"github.com/fixbase/docpipe/internal/store"
)

// Mode selects which stages a run executes.
type Mode int

const (
	// ModeFull runs every stage from the beginning.
	ModeFull Mode = iota
	// ModeSmart skips stages already completed or skipped and runs the rest.
	ModeSmart
	// ModeSelective runs only the stages the caller names.
	ModeSelective
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeSmart:
		return "smart"
	case ModeSelective:
		return "selective"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// RunResult summarizes one document run.
type RunResult struct {
	DocumentID string
	Completed  []Stage
	Skipped    []Stage
	Failed     Stage // zero value when the run succeeded
	Err        error
	Duration   time.Duration
}

// Executor drives the stage graph for one document at a time. Sibling
// branches run concurrently; one branch failing does not cancel the other,
// the run stops scheduling new stages instead.
type Executor struct {
	db      *store.DB
	locks   *store.LockManager
	retry   *retry.Orchestrator
	emitter events.Emitter
	cfg     config.PipelineConfig

	mu    sync.RWMutex
	procs map[Stage]Processor
}

// NewExecutor builds an executor. Processors are registered afterwards via
// Register; running a graph with an unregistered stage is an error.
func NewExecutor(db *store.DB, locks *store.LockManager, orch *retry.Orchestrator, emitter events.Emitter, cfg config.PipelineConfig) *Executor {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Executor{
		db:      db,
		locks:   locks,
		retry:   orch,
		emitter: emitter,
		cfg:     cfg,
		procs:   make(map[Stage]Processor),
	}
}

// Register installs a processor for its stage, replacing any previous one.
func (e *Executor) Register(p Processor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.procs[p.Stage()] = p
}

func (e *Executor) processor(s Stage) (Processor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.procs[s]
	if !ok {
		return nil, pipeerr.Newf(pipeerr.ErrCodeUnknownStage, nil, "no processor registered for stage %s", s)
	}
	return p, nil
}

// Run executes the stage graph for one document. A per-document advisory
// lock serializes concurrent runs: a second Run for the same document
// returns AlreadyInProgress immediately instead of queueing.
func (e *Executor) Run(ctx context.Context, pctx *ProcessingContext, mode Mode) (*RunResult, error) {
	started := time.Now()
	res := &RunResult{DocumentID: pctx.DocumentID}

	session := e.locks.NewSession()
	defer session.Close()
	if !session.TryAcquire(store.DocumentLockKey(pctx.DocumentID)) {
		return nil, pipeerr.New(pipeerr.ErrCodeAlreadyInProgress,
			"document "+pctx.DocumentID+" already being processed", nil)
	}

	if err := e.db.StageStatus().Initialize(ctx, pctx.DocumentID, StageNames()); err != nil {
		return nil, err
	}
	if err := e.db.UpdateDocumentStatus(ctx, pctx.DocumentID, store.ProcessingActive); err != nil {
		return nil, err
	}

	if mode == ModeFull {
		for _, s := range Order {
			rec, err := e.db.StageStatus().Get(ctx, pctx.DocumentID, string(s))
			if err != nil {
				return nil, err
			}
			if rec.State.Terminal() {
				if err := e.db.StageStatus().Reset(ctx, pctx.DocumentID, string(s)); err != nil {
					return nil, err
				}
			}
		}
	}

	runErr := e.runGraph(ctx, pctx, res)

	res.Duration = time.Since(started)
	status := store.ProcessingCompleted
	if runErr != nil {
		status = store.ProcessingFailed
		res.Err = runErr
	}
	// Settle even when the run context was cancelled.
	if err := e.db.UpdateDocumentStatus(context.WithoutCancel(ctx), pctx.DocumentID, status); err != nil {
		slog.Warn("document_status_update_failed",
			logging.Document(pctx.DocumentID),
			logging.Err(err))
	}
	return res, runErr
}

// runGraph repeatedly launches every stage whose prerequisites are settled
// until the graph drains or a stage fails terminally. Ready siblings run in
// parallel without shared cancellation: a failure in one branch only stops
// new stages from being scheduled.
func (e *Executor) runGraph(ctx context.Context, pctx *ProcessingContext, res *RunResult) error {
	done := make(map[Stage]bool) // completed or skipped this run or before
	var firstErr error
	var failedStage Stage

	for _, s := range Order {
		rec, err := e.db.StageStatus().Get(ctx, pctx.DocumentID, string(s))
		if err != nil {
			return err
		}
		if rec.State == store.StageCompleted || rec.State == store.StageSkipped {
			done[s] = true
			if rec.State == store.StageSkipped {
				res.Skipped = append(res.Skipped, s)
			}
		}
	}

	for {
		var ready []Stage
		for _, s := range Order {
			if done[s] {
				continue
			}
			ok := true
			for _, dep := range Dependencies(s) {
				if !done[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, s)
			}
		}
		if len(ready) == 0 || firstErr != nil {
			break
		}

		type outcome struct {
			stage Stage
			err   error
		}
		outcomes := make([]outcome, len(ready))
		var wg sync.WaitGroup
		for i, s := range ready {
			wg.Add(1)
			go func(i int, s Stage) {
				defer wg.Done()
				outcomes[i] = outcome{stage: s, err: e.runStage(ctx, pctx, s)}
			}(i, s)
		}
		wg.Wait()

		for _, o := range outcomes {
			if o.err != nil {
				if firstErr == nil {
					firstErr = o.err
					failedStage = o.stage
				}
				continue
			}
			done[o.stage] = true
			res.Completed = append(res.Completed, o.stage)
		}
	}

	if firstErr != nil {
		res.Failed = failedStage
		return pipeerr.Wrap(firstErr, "stage "+string(failedStage)+" failed")
	}
	return nil
}

// runStage performs the first attempt and, on failure, hands the stage to
// the retry orchestrator: queue deferral schedules a durable retry task and
// returns, sleep deferral re-invokes the stage inline after backoff.
func (e *Executor) runStage(ctx context.Context, pctx *ProcessingContext, s Stage) error {
	proc, err := e.processor(s)
	if err != nil {
		return err
	}

	result, err := e.attemptStage(ctx, pctx, proc)
	if err == nil {
		pctx.SetResult(s, result)
		return nil
	}
	if pipeerr.Classify(err) == pipeerr.KindCancelled {
		return err
	}

	if e.retry.QueueDeferral() {
		return e.deferStage(ctx, pctx, s, err)
	}

	_, err = e.retry.RetryInline(ctx, pctx.DocumentID, string(s), 1, err,
		func(rctx context.Context) error {
			r, aerr := e.attemptStage(rctx, pctx, proc)
			if aerr == nil {
				result = r
			}
			return aerr
		})
	if err != nil {
		return err
	}
	pctx.SetResult(s, result)
	return nil
}

// deferStage records the failure and schedules the retry as a durable queue
// task. The chain correlation id rides the task so the re-dispatched stage
// continues the same chain; a context that already carries a chain id (the
// worker re-running a deferred stage) keeps it instead of starting a new
// one. The failed attempt number comes from the stage row, which counts
// attempts across process restarts.
func (e *Executor) deferStage(ctx context.Context, pctx *ProcessingContext, s Stage, cause error) error {
	attempt := 1
	if rec, err := e.db.StageStatus().Get(ctx, pctx.DocumentID, string(s)); err == nil && rec.Attempt > 0 {
		attempt = rec.Attempt
	}
	chain := ""
	if retry.IsChainID(pctx.CorrelationID) {
		chain = pctx.CorrelationID
	}

	d, err := e.retry.HandleFailure(ctx, pctx.DocumentID, string(s), attempt, cause, chain, nil)
	if err != nil {
		return err
	}
	if d.Retry {
		return pipeerr.New(pipeerr.ErrCodeRetryDeferred,
			"stage "+string(s)+" deferred for durable retry", cause)
	}
	if d.Exhausted {
		return pipeerr.New(pipeerr.ErrCodeRetriesExhausted,
			"stage "+string(s)+" retries exhausted", cause)
	}
	// Dropped: a concurrent failure report owns the chain.
	return cause
}

// attemptStage is one lease-guarded execution: acquire the lease, run the
// idempotency precheck, process under the stage timeout with a heartbeat
// extending the lease, and settle the stage row. A panic in the processor
// is converted to an unknown-kind error so the orchestrator may retry it.
func (e *Executor) attemptStage(ctx context.Context, pctx *ProcessingContext, proc Processor) (*ProcessingResult, error) {
	s := proc.Stage()
	started := time.Now()
	log := slog.With(
		logging.Document(pctx.DocumentID),
		logging.Stage(string(s)))

	token, err := e.db.StageStatus().Begin(ctx, pctx.DocumentID, string(s), e.cfg.LeaseDuration)
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(ctx, events.Event{
		Name:       events.StageStarted,
		DocumentID: pctx.DocumentID,
		Stage:      string(s),
	})
	log.Info("stage_started")

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	var leaseLost bool
	var leaseMu sync.Mutex
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		interval := e.cfg.LeaseDuration - e.cfg.LeaseExtendMargin
		if interval <= 0 {
			interval = e.cfg.LeaseDuration / 2
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-stageCtx.Done():
				return
			case <-t.C:
				if err := e.db.StageStatus().ExtendLease(stageCtx, pctx.DocumentID, string(s), token, e.cfg.LeaseDuration); err != nil {
					leaseMu.Lock()
					leaseLost = true
					leaseMu.Unlock()
					log.Warn("lease_extend_failed", logging.Err(err))
					cancel()
					return
				}
			}
		}
	}()
	stopHeartbeat := func() {
		close(hbStop)
		<-hbDone
	}

	alreadyDone, err := proc.Done(stageCtx, pctx)
	if err == nil && alreadyDone {
		stopHeartbeat()
		if cerr := e.db.StageStatus().Complete(ctx, pctx.DocumentID, string(s), token, map[string]string{"duplicate": "true"}); cerr != nil {
			return nil, cerr
		}
		e.emitStageCompleted(ctx, pctx.DocumentID, s, started, true)
		log.Info("stage_skipped_already_done")
		return &ProcessingResult{Success: true, Duplicate: true}, nil
	}
	if err == nil {
		var result *ProcessingResult
		result, err = e.invoke(stageCtx, pctx, proc)
		if err == nil && result != nil && !result.Success {
			err = result.Err
			if err == nil {
				err = pipeerr.New(pipeerr.ErrCodeStageFailed, "stage "+string(s)+" reported failure", nil)
			}
		}
		if err == nil {
			stopHeartbeat()
			if cerr := e.db.StageStatus().Complete(ctx, pctx.DocumentID, string(s), token, result.Metadata); cerr != nil {
				return nil, cerr
			}
			e.emitStageCompleted(ctx, pctx.DocumentID, s, started, false)
			log.Info("stage_completed", slog.Duration("duration", time.Since(started)))
			return result, nil
		}
	}

	stopHeartbeat()

	leaseMu.Lock()
	lost := leaseLost
	leaseMu.Unlock()
	if lost {
		// The row is no longer ours; another worker may hold the lease.
		return nil, pipeerr.LeaseLost("lease lost for stage " + string(s))
	}

	if stageCtx.Err() != nil && ctx.Err() == nil {
		err = pipeerr.New(pipeerr.ErrCodeUpstreamTimeout,
			"stage "+string(s)+" exceeded its timeout", err)
	} else if ctx.Err() != nil {
		err = pipeerr.Cancelled("stage " + string(s) + " cancelled: " + err.Error())
	}

	kind := pipeerr.Classify(err)
	if ferr := e.db.StageStatus().Fail(context.WithoutCancel(ctx), pctx.DocumentID, string(s), token, ""); ferr != nil {
		log.Warn("stage_fail_transition_failed", logging.Err(ferr))
	}
	e.emitter.Emit(ctx, events.Event{
		Name:       events.StageFailed,
		DocumentID: pctx.DocumentID,
		Stage:      string(s),
		Fields: map[string]any{
			"error_kind": string(kind),
			"will_retry": kind.Retryable(),
		},
	})
	log.Warn("stage_failed",
		slog.String("kind", string(kind)),
		logging.Err(err))
	return nil, err
}

// invoke runs the processor with panic containment.
func (e *Executor) invoke(ctx context.Context, pctx *ProcessingContext, proc Processor) (result *ProcessingResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = pipeerr.New(pipeerr.ErrCodeInternal,
				fmt.Sprintf("stage %s panicked: %v", proc.Stage(), r), nil)
		}
	}()
	return proc.Process(ctx, pctx)
}

func (e *Executor) emitStageCompleted(ctx context.Context, documentID string, s Stage, started time.Time, duplicate bool) {
	e.emitter.Emit(ctx, events.Event{
		Name:       events.StageCompleted,
		DocumentID: documentID,
		Stage:      string(s),
		Fields: map[string]any{
			"duration_ms": time.Since(started).Milliseconds(),
			"duplicate":   duplicate,
		},
	})
}
