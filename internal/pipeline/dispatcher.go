package pipeline

import (
	"context"
	"strings"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/store"
)

// DispatchOptions controls single-stage and sequence dispatch.
type DispatchOptions struct {
	// Force resets a completed or skipped stage before running it.
	Force bool
	// StopOnError aborts a sequence at the first failed stage instead of
	// continuing with stages whose prerequisites still hold.
	StopOnError bool
}

// Dispatcher runs individual stages or explicit stage sequences on demand,
// outside a full pipeline run. Prerequisites are enforced: a stage will not
// run until every upstream stage is completed or skipped.
type Dispatcher struct {
	exec *Executor
}

// NewDispatcher wraps an executor for targeted stage runs.
func NewDispatcher(exec *Executor) *Dispatcher {
	return &Dispatcher{exec: exec}
}

// RunStage executes one stage for a document. Missing prerequisites produce
// a precondition error naming every unmet upstream stage.
func (d *Dispatcher) RunStage(ctx context.Context, pctx *ProcessingContext, s Stage, opts DispatchOptions) error {
	if _, err := ParseStage(string(s)); err != nil {
		return err
	}

	session := d.exec.locks.NewSession()
	defer session.Close()
	if !session.TryAcquire(store.DocumentLockKey(pctx.DocumentID)) {
		return pipeerr.New(pipeerr.ErrCodeAlreadyInProgress,
			"document "+pctx.DocumentID+" already being processed", nil)
	}

	if err := d.exec.db.StageStatus().Initialize(ctx, pctx.DocumentID, StageNames()); err != nil {
		return err
	}
	return d.runOne(ctx, pctx, s, opts)
}

// RunSequence executes the given stages in order. Each stage still checks
// its own prerequisites, so a sequence cannot be used to bypass the graph.
func (d *Dispatcher) RunSequence(ctx context.Context, pctx *ProcessingContext, stages []Stage, opts DispatchOptions) error {
	for _, s := range stages {
		if _, err := ParseStage(string(s)); err != nil {
			return err
		}
	}

	session := d.exec.locks.NewSession()
	defer session.Close()
	if !session.TryAcquire(store.DocumentLockKey(pctx.DocumentID)) {
		return pipeerr.New(pipeerr.ErrCodeAlreadyInProgress,
			"document "+pctx.DocumentID+" already being processed", nil)
	}

	if err := d.exec.db.StageStatus().Initialize(ctx, pctx.DocumentID, StageNames()); err != nil {
		return err
	}

	var firstErr error
	for _, s := range stages {
		if err := d.runOne(ctx, pctx, s, opts); err != nil {
			if opts.StopOnError {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *Dispatcher) runOne(ctx context.Context, pctx *ProcessingContext, s Stage, opts DispatchOptions) error {
	missing, err := d.unmetPrerequisites(ctx, pctx.DocumentID, s)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return pipeerr.Newf(pipeerr.ErrCodePrecondition, nil,
			"stage %s requires completed prerequisites: %s", s, strings.Join(missing, ", "))
	}

	rec, err := d.exec.db.StageStatus().Get(ctx, pctx.DocumentID, string(s))
	if err != nil {
		return err
	}
	if rec.State == store.StageCompleted || rec.State == store.StageSkipped {
		if !opts.Force {
			return pipeerr.Newf(pipeerr.ErrCodePrecondition, nil,
				"stage %s is already %s; use force to re-run", s, rec.State)
		}
		if err := d.exec.db.StageStatus().Reset(ctx, pctx.DocumentID, string(s)); err != nil {
			return err
		}
	}
	return d.exec.runStage(ctx, pctx, s)
}

// unmetPrerequisites returns the names of direct dependencies that are not
// yet completed or skipped.
func (d *Dispatcher) unmetPrerequisites(ctx context.Context, documentID string, s Stage) ([]string, error) {
	var missing []string
	for _, dep := range Dependencies(s) {
		rec, err := d.exec.db.StageStatus().Get(ctx, documentID, string(dep))
		if err != nil {
			return nil, err
		}
		if rec.State != store.StageCompleted && rec.State != store.StageSkipped {
			missing = append(missing, string(dep))
		}
	}
	return missing, nil
}
