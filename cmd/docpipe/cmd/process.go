package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
	"github.com/fixbase/docpipe/internal/ui"
)

func newProcessCmd() *cobra.Command {
	var mode string
	var enqueue bool

	cmd := &cobra.Command{
		Use:   "process <file.pdf>...",
		Short: "Ingest PDFs and run the processing pipeline",
		Long: `Ingest one or more PDF files and run the full stage pipeline.

Files are deduplicated by content hash: re-processing a known document
resumes from the first incomplete stage (smart mode) or re-runs everything
(full mode). With --enqueue the documents are handed to the durable queue
for a running worker instead of being processed inline.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.Context(), cmd, args, mode, enqueue)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "smart", "Processing mode: smart (resume) or full (re-run all stages)")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "Enqueue for a worker instead of processing inline")

	return cmd
}

func runProcess(ctx context.Context, cmd *cobra.Command, files []string, mode string, enqueue bool) error {
	runMode, err := parseMode(mode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	printer := ui.NewPrinter(cmd.OutOrStdout(), flagNoColor || !ui.IsTTY(cmd.OutOrStdout()))

	var mu sync.Mutex
	var failures int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Pipeline.MaxConcurrentDocuments)

	for _, file := range files {
		g.Go(func() error {
			docID, err := ingestFile(gctx, a.db, file)
			if err != nil {
				mu.Lock()
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", file, err)
				failures++
				mu.Unlock()
				return nil
			}

			if enqueue {
				if _, err := a.queue.EnqueueDocumentFile(gctx, docID, file, mode,
					store.PriorityForType(store.DocTypeOther), ""); err != nil {
					mu.Lock()
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", file, err)
					failures++
					mu.Unlock()
					return nil
				}
				mu.Lock()
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s\n", filepath.Base(file), docID)
				mu.Unlock()
				return nil
			}

			pctx := pipeline.NewProcessingContext(docID, file, a.services)
			res, runErr := a.exec.Run(gctx, pctx, runMode)

			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				printer.RunSummary(docID, stageNames(res.Completed), stageNames(res.Skipped),
					string(res.Failed), runErr, res.Duration)
			} else if runErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", file, runErr)
			}
			if pipeerr.HasCode(runErr, pipeerr.ErrCodeRetryDeferred) {
				fmt.Fprintf(cmd.OutOrStdout(), "retry queued for %s; a running worker will resume it\n", docID)
			}
			if runErr != nil {
				failures++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d documents failed", failures, len(files))
	}
	return nil
}

// ingestFile hashes the file and creates or finds its document row.
func ingestFile(ctx context.Context, db *store.DB, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}

	hash, err := hashFile(abs)
	if err != nil {
		return "", err
	}

	id, wasNew, err := db.UpsertDocumentByHash(ctx, hash, &store.Document{
		ContentHash: hash,
		Filename:    filepath.Base(abs),
		SizeBytes:   info.Size(),
		Status:      store.ProcessingPending,
	})
	if err != nil {
		return "", err
	}
	if !wasNew {
		fmt.Fprintf(os.Stderr, "note: %s already known as document %s\n", filepath.Base(abs), id)
	}
	return id, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func stageNames(stages []pipeline.Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	return names
}
