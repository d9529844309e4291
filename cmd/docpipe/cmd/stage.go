package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/pipeline"
)

func newStageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Run individual pipeline stages",
	}
	cmd.AddCommand(newStageRunCmd())
	cmd.AddCommand(newStageListCmd())
	return cmd
}

func newStageRunCmd() *cobra.Command {
	var force bool
	var stopOnError bool
	var file string

	cmd := &cobra.Command{
		Use:   "run <doc-id> <stage>[,<stage>...]",
		Short: "Run one or more stages for a document",
		Long: `Run the named stages in order for a document. Prerequisites are
enforced: a stage does not run until its upstream stages are completed or
skipped. Completed stages are refused unless --force resets them first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStageRun(cmd.Context(), args[0], args[1], file, force, stopOnError)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reset completed or skipped stages before running")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "Abort the sequence at the first failure")
	cmd.Flags().StringVar(&file, "file", "", "Source file path, for stages that read the original PDF")

	return cmd
}

func runStageRun(ctx context.Context, docID, stageList, file string, force, stopOnError bool) error {
	var stageSeq []pipeline.Stage
	for _, name := range strings.Split(stageList, ",") {
		s, err := pipeline.ParseStage(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		stageSeq = append(stageSeq, s)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := a.db.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc == nil {
		return pipeerr.Newf(pipeerr.ErrCodeNotFound, nil, "document %s not found", docID)
	}

	pctx := pipeline.NewProcessingContext(docID, file, a.services)
	opts := pipeline.DispatchOptions{Force: force, StopOnError: stopOnError}
	if len(stageSeq) == 1 {
		return a.dispatch.RunStage(ctx, pctx, stageSeq[0], opts)
	}
	return a.dispatch.RunSequence(ctx, pctx, stageSeq, opts)
}

func newStageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the pipeline stages in execution order",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range pipeline.StageNames() {
				deps := pipeline.Dependencies(pipeline.Stage(name))
				if len(deps) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), name)
					continue
				}
				depNames := make([]string, len(deps))
				for i, d := range deps {
					depNames[i] = string(d)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  (after %s)\n", name, strings.Join(depNames, ", "))
			}
		},
	}
}
