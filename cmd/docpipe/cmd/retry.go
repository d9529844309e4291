package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/queue"
	"github.com/fixbase/docpipe/internal/store"
)

func newRetryCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "retry <doc-id> [stage]",
		Short: "Reset failed stages and requeue them",
		Long: `Administrative retry: reset a document's failed stages back to pending
and enqueue them for a running worker. With a stage name only that stage is
reset; --force also resets a completed stage so it re-runs.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageName := ""
			if len(args) == 2 {
				stageName = args[1]
			}
			return runRetry(cmd.Context(), cmd, args[0], stageName, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Also reset completed or skipped stages")

	return cmd
}

func runRetry(ctx context.Context, cmd *cobra.Command, docID, stageName string, force bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Paths.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	doc, err := db.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc == nil {
		return pipeerr.Newf(pipeerr.ErrCodeNotFound, nil, "document %s not found", docID)
	}

	q := queue.New(db, queue.Options{})
	out := cmd.OutOrStdout()

	if stageName != "" {
		if _, err := pipeline.ParseStage(stageName); err != nil {
			return err
		}
		rec, err := db.StageStatus().Get(ctx, docID, stageName)
		if err != nil {
			return err
		}
		if rec.State == store.StageCompleted || rec.State == store.StageSkipped {
			if !force {
				return pipeerr.Newf(pipeerr.ErrCodePrecondition, nil,
					"stage %s is %s; use --force to reset it", stageName, rec.State)
			}
		}
		if err := db.StageStatus().Reset(ctx, docID, stageName); err != nil {
			return err
		}
		if _, err := q.EnqueueStage(ctx, docID, stageName, time.Now().UTC(), ""); err != nil {
			return err
		}
		fmt.Fprintf(out, "stage %s reset and enqueued for document %s\n", stageName, docID)
		return nil
	}

	records, err := db.StageStatus().List(ctx, docID)
	if err != nil {
		return err
	}
	var resetCount int
	for _, rec := range records {
		if rec.State != store.StageFailed {
			continue
		}
		if err := db.StageStatus().Reset(ctx, docID, rec.Stage); err != nil {
			return err
		}
		resetCount++
	}
	if resetCount == 0 && !force {
		fmt.Fprintf(out, "document %s has no failed stages\n", docID)
		return nil
	}

	if _, err := q.EnqueueDocument(ctx, docID, "smart", doc.Priority, ""); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d stages reset, document %s enqueued\n", resetCount, docID)
	return nil
}
