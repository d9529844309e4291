package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fixbase/docpipe/internal/embed"
	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/store"
	"github.com/fixbase/docpipe/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "status [doc-id]",
		Short: "Show document and queue status",
		Long: `Without arguments, show the queue depth and dead letters. With a
document id, show the document's per-stage state, attempt counts and row
counts. --verify additionally runs the cross-schema consistency check.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID := ""
			if len(args) == 1 {
				docID = args[0]
			}
			return runStatus(cmd.Context(), cmd, docID, verify)
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "Run the store consistency check")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, docID string, verify bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Paths.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	printer := ui.NewPrinter(cmd.OutOrStdout(), flagNoColor || !ui.IsTTY(cmd.OutOrStdout()))

	if docID != "" {
		if err := printDocumentStatus(ctx, db, printer, docID); err != nil {
			return err
		}
	} else {
		depth, err := db.GetQueueDepth(ctx)
		if err != nil {
			return err
		}
		printer.QueueDepth(depth)

		dead, err := db.ListDeadLetters(ctx, 10)
		if err != nil {
			return err
		}
		for _, task := range dead {
			fmt.Fprintf(cmd.OutOrStdout(), "dead letter %s (%s): %s\n",
				task.ID, task.TaskType, task.LastError)
		}
	}

	if verify {
		vectors, err := loadVectorIndex(cfg.Paths.DataDir)
		if err != nil {
			return err
		}
		report, err := db.CheckConsistency(ctx, vectors)
		if err != nil {
			return err
		}
		printer.ConsistencyReport(report.Issues)
		fmt.Fprintf(cmd.OutOrStdout(), "chunks=%d embeddings=%d vectors=%d\n",
			report.ChunksTotal, report.EmbeddingsTotal, report.VectorsIndexed)
		if !report.OK() {
			return fmt.Errorf("%d consistency issues found", len(report.Issues))
		}
	}
	return nil
}

func printDocumentStatus(ctx context.Context, db *store.DB, printer *ui.Printer, docID string) error {
	doc, err := db.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc == nil {
		return pipeerr.Newf(pipeerr.ErrCodeNotFound, nil, "document %s not found", docID)
	}

	records, err := db.StageStatus().List(ctx, docID)
	if err != nil {
		return err
	}
	counts, err := db.GetDocumentCounts(ctx, docID)
	if err != nil {
		return err
	}
	printer.DocumentStatus(doc, records, counts)
	return nil
}

// loadVectorIndex opens the persisted vector index when one exists; the
// consistency check runs without it otherwise.
func loadVectorIndex(dataDir string) (*store.HNSWIndex, error) {
	path := filepath.Join(dataDir, "vectors.hnsw")
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	idx := store.NewHNSWIndex(embed.StaticDimensions)
	if err := idx.Load(path); err != nil {
		return nil, err
	}
	return idx, nil
}
