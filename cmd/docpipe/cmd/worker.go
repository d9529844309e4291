package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fixbase/docpipe/internal/batch"
	"github.com/fixbase/docpipe/internal/blob"
	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/logging"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/preflight"
	"github.com/fixbase/docpipe/internal/queue"
	"github.com/fixbase/docpipe/internal/store"
	"github.com/fixbase/docpipe/internal/watcher"
)

const depthEmitInterval = 30 * time.Second

func newWorkerCmd() *cobra.Command {
	var skipCheck bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the long-lived queue worker",
		Long: `Run the durable queue worker: dequeues tasks, executes pipeline runs,
single-stage dispatches, deferred retries and batch operations, reclaims
expired leases, and watches the inbox directory when one is configured.

One worker per data directory; a second worker on the same directory
exits immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), cmd, skipCheck)
		},
	}
	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip pre-flight environment checks")
	return cmd
}

func runWorker(ctx context.Context, cmd *cobra.Command, skipCheck bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !skipCheck && preflight.NeedsCheck(a.cfg.Paths.DataDir) {
		checker := preflight.New(a.cfg, preflight.WithOutput(cmd.ErrOrStderr()))
		results := checker.RunAll(ctx)
		checker.PrintResults(results)
		if checker.HasCriticalFailures(results) {
			return fmt.Errorf("pre-flight checks failed")
		}
		if err := preflight.MarkPassed(a.cfg.Paths.DataDir); err != nil {
			slog.Warn("preflight_marker_write_failed", logging.Err(err))
		}
	}

	lock := store.NewDirLock(a.cfg.Paths.DataDir)
	if err := lock.TryAcquire(); err != nil {
		return err
	}
	defer lock.Release()

	engine := batch.New(a.db, a.queue, a.emitter, batch.Options{
		SyncThreshold: a.cfg.Batch.SyncThreshold,
	})

	pool := queue.NewPool(a.db, a.queue, a.emitter, queue.Options{
		VisibilityTimeout: a.cfg.Queue.VisibilityTimeout,
		MaxAttempts:       a.cfg.Queue.MaxAttempts,
		PollInterval:      a.cfg.Queue.PollInterval,
		ReclaimInterval:   a.cfg.Queue.ReclaimInterval,
		Workers:           a.cfg.Queue.Workers,
	})
	pool.Register(queue.TaskProcessDocument, a.handleProcessDocument)
	pool.Register(queue.TaskRunStage, a.handleRunStage(pipeline.DispatchOptions{}))
	pool.Register(queue.TaskRetryStage, a.handleRetryStage)
	pool.Register(queue.TaskBatch, engine.HandleTask)

	pool.Start(ctx)
	defer pool.Stop()

	var inbox *watcher.Inbox
	if dir := a.cfg.Paths.InboxDir; dir != "" {
		inbox, err = watcher.NewInbox(a.db, a.queue, dir, watcher.Options{})
		if err != nil {
			return err
		}
		go func() {
			if err := inbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("inbox_watcher_stopped", logging.Err(err))
			}
		}()
		defer inbox.Stop()
		slog.Info("inbox_watching", slog.String("dir", dir))
	}

	slog.Info("worker_started",
		slog.String("data_dir", a.cfg.Paths.DataDir),
		slog.Int("workers", a.cfg.Queue.Workers))

	ticker := time.NewTicker(depthEmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker_stopping")
			return nil
		case <-ticker.C:
			a.queue.EmitDepth(ctx, a.emitter)
		}
	}
}

// handleProcessDocument runs the full pipeline for a queued document.
func (a *app) handleProcessDocument(ctx context.Context, task *store.QueueTask) error {
	docID, _ := task.Payload["document_id"].(string)
	if docID == "" {
		return pipeerr.New(pipeerr.ErrCodeInvalidInput, "task has no document_id", nil)
	}
	mode, _ := task.Payload["mode"].(string)
	runMode, err := parseMode(mode)
	if err != nil {
		return pipeerr.New(pipeerr.ErrCodeInvalidInput, err.Error(), nil)
	}

	fileRef, err := a.resolveFileRef(ctx, docID, task.Payload)
	if err != nil {
		return err
	}

	pctx := pipeline.NewProcessingContext(docID, fileRef, a.services)
	pctx.CorrelationID = task.CorrelationID
	_, err = a.exec.Run(ctx, pctx, runMode)
	return squashDeferred(err)
}

// handleRunStage dispatches a single stage named by the task payload. The
// retry variant forces completed stages back to pending first.
func (a *app) handleRunStage(opts pipeline.DispatchOptions) queue.Handler {
	return func(ctx context.Context, task *store.QueueTask) error {
		docID, _ := task.Payload["document_id"].(string)
		stageName, _ := task.Payload["stage"].(string)
		if docID == "" || stageName == "" {
			return pipeerr.New(pipeerr.ErrCodeInvalidInput, "task needs document_id and stage", nil)
		}
		s, err := pipeline.ParseStage(stageName)
		if err != nil {
			return err
		}

		fileRef, err := a.resolveFileRef(ctx, docID, task.Payload)
		if err != nil {
			return err
		}

		pctx := pipeline.NewProcessingContext(docID, fileRef, a.services)
		pctx.CorrelationID = task.CorrelationID
		return squashDeferred(a.dispatch.RunStage(ctx, pctx, s, opts))
	}
}

// handleRetryStage re-runs a stage whose failure was deferred to the queue.
// The task's correlation id names the retry chain: open records move to
// retrying before the attempt, and on success the chain resolves and a
// smart continuation run is enqueued for the rest of the graph.
func (a *app) handleRetryStage(ctx context.Context, task *store.QueueTask) error {
	docID, _ := task.Payload["document_id"].(string)
	stageName, _ := task.Payload["stage"].(string)
	if docID == "" || stageName == "" {
		return pipeerr.New(pipeerr.ErrCodeInvalidInput, "task needs document_id and stage", nil)
	}
	s, err := pipeline.ParseStage(stageName)
	if err != nil {
		return err
	}

	if task.CorrelationID != "" {
		if err := a.orch.BeginQueuedRetry(ctx, task.CorrelationID); err != nil {
			slog.Warn("error_record_update_failed",
				logging.Correlation(task.CorrelationID),
				logging.Err(err))
		}
	}

	fileRef, err := a.resolveFileRef(ctx, docID, task.Payload)
	if err != nil {
		return err
	}

	pctx := pipeline.NewProcessingContext(docID, fileRef, a.services)
	pctx.CorrelationID = task.CorrelationID
	err = a.dispatch.RunStage(ctx, pctx, s, pipeline.DispatchOptions{Force: true})
	if pipeerr.HasCode(err, pipeerr.ErrCodeRetryDeferred) {
		// The next attempt rides its own task.
		return nil
	}
	if err != nil {
		return err
	}

	if task.CorrelationID != "" {
		if err := a.orch.ResolveChain(ctx, task.CorrelationID); err != nil {
			slog.Warn("error_record_update_failed",
				logging.Correlation(task.CorrelationID),
				logging.Err(err))
		}
	}

	// The stage is healthy again; let a smart run finish the graph. The
	// continuation starts its own correlation so a later failure in a
	// different stage opens a fresh chain.
	doc, err := a.db.GetDocument(ctx, docID)
	if err != nil || doc == nil {
		return err
	}
	if _, err := a.queue.EnqueueDocument(ctx, docID, "smart", doc.Priority, ""); err != nil {
		return err
	}
	return nil
}

// squashDeferred acks tasks whose stage failure was handed to a durable
// retry task; the retry re-enters through its own queue entry.
func squashDeferred(err error) error {
	if pipeerr.HasCode(err, pipeerr.ErrCodeRetryDeferred) {
		return nil
	}
	return err
}

// resolveFileRef finds the source file for a document: the task payload's
// file_ref when the file is still at its intake location, otherwise the
// archived copy in the blob store, materialized under the cache directory.
func (a *app) resolveFileRef(ctx context.Context, docID string, payload map[string]any) (string, error) {
	if ref, _ := payload["file_ref"].(string); ref != "" {
		if _, err := os.Stat(ref); err == nil {
			return ref, nil
		}
		slog.Warn("file_ref_missing_falling_back_to_blob",
			logging.Document(docID), slog.String("file_ref", ref))
	}

	doc, err := a.db.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", pipeerr.Newf(pipeerr.ErrCodeNotFound, nil, "document %s not found", docID)
	}

	cached := filepath.Join(a.cfg.Paths.DataDir, "cache", doc.ID+".pdf")
	if _, err := os.Stat(cached); err == nil {
		return cached, nil
	}

	data, err := a.services.Blob.Get(ctx, blob.DocumentKey(doc.ID, doc.Filename))
	if err != nil {
		// Stages that read the source file fail with their own typed
		// error; stages that work from persisted rows run fine without it.
		slog.Warn("source_file_unavailable",
			logging.Document(docID), logging.Err(err))
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(cached), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(cached, data, 0o644); err != nil {
		return "", err
	}
	return cached, nil
}
