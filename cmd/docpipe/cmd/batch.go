package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fixbase/docpipe/internal/batch"
)

func newBatchCmd() *cobra.Command {
	var ids []string
	var idsFile string
	var fields map[string]string
	var rollbackOnError bool
	var actor string

	cmd := &cobra.Command{
		Use:   "batch <resource> <operation>",
		Short: "Run batch operations over documents",
		Long: `Apply one operation to many records with a full audit trail.

Operations: delete, update, status_change, restore. Small batches run
synchronously; batches above the configured threshold are handed to the
queue and worked by a running worker. Every mutation is audited and can be
undone with 'docpipe batch rollback <batch-id>'.

Examples:
  docpipe batch documents delete --ids id1,id2
  docpipe batch documents update --ids-file ids.txt --field priority=2
  docpipe batch documents status_change --ids id1 --field status=archived`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), cmd, args[0], args[1], ids, idsFile, fields, rollbackOnError, actor)
		},
	}

	cmd.Flags().StringSliceVar(&ids, "ids", nil, "Record ids (comma separated, repeatable)")
	cmd.Flags().StringVar(&idsFile, "ids-file", "", "File with one record id per line")
	cmd.Flags().StringToStringVar(&fields, "field", nil, "Field to set, as name=value (repeatable)")
	cmd.Flags().BoolVar(&rollbackOnError, "rollback-on-error", false, "Abort and roll back the whole batch on any failure")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded in the audit trail")

	cmd.AddCommand(newBatchRollbackCmd())

	return cmd
}

func runBatch(ctx context.Context, cmd *cobra.Command, resource, operation string, ids []string, idsFile string, rawFields map[string]string, rollbackOnError bool, actor string) error {
	if idsFile != "" {
		fileIDs, err := readIDsFile(idsFile)
		if err != nil {
			return err
		}
		ids = append(ids, fileIDs...)
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	engine := batch.New(a.db, a.queue, a.emitter, batch.Options{
		SyncThreshold: a.cfg.Batch.SyncThreshold,
	})

	res, err := engine.Run(ctx, &batch.Request{
		Resource:        resource,
		Operation:       operation,
		RecordIDs:       ids,
		Fields:          coerceFields(rawFields),
		RollbackOnError: rollbackOnError,
		ActorID:         actor,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Async {
		fmt.Fprintf(out, "batch %s enqueued as task %s (%d records); a running worker will process it\n",
			res.BatchID, res.TaskID, len(ids))
		return nil
	}

	fmt.Fprintf(out, "batch %s: %d/%d succeeded\n",
		res.BatchID, res.Progress.Successful, res.Progress.Total)
	printRecordErrors(cmd, res.RecordErrors)
	if res.Progress.Failed > 0 {
		return fmt.Errorf("%d records failed", res.Progress.Failed)
	}
	return nil
}

func newBatchRollbackCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "rollback <batch-id>",
		Short: "Undo a batch by replaying its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			engine := batch.New(a.db, a.queue, a.emitter, batch.Options{})
			res, err := engine.Rollback(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rollback %s: %d/%d records restored\n",
				res.BatchID, res.Progress.Successful, res.Progress.Total)
			printRecordErrors(cmd, res.RecordErrors)
			if res.Progress.Failed > 0 {
				return fmt.Errorf("%d records could not be restored", res.Progress.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded in the restore audit trail")
	return cmd
}

func printRecordErrors(cmd *cobra.Command, recordErrs map[string]string) {
	if len(recordErrs) == 0 {
		return
	}
	ids := make([]string, 0, len(recordErrs))
	for id := range recordErrs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", id, recordErrs[id])
	}
}

func readIDsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, scanner.Err()
}

// coerceFields converts flag values to the types the store columns expect:
// integers stay numeric, true/false become booleans, the rest are strings.
func coerceFields(raw map[string]string) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if n, err := strconv.Atoi(v); err == nil {
			fields[k] = n
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			fields[k] = b
			continue
		}
		fields[k] = v
	}
	return fields
}
