package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"distill/internal/ledger"
	"distill/internal/queue"
)

// statusOrder fixes the render order of record lifecycle states.
var statusOrder = []ledger.Status{
	ledger.StatusUploaded,
	ledger.StatusProcessingMedia,
	ledger.StatusAudioExtracted,
	ledger.StatusTranscribing,
	ledger.StatusAnalyzing,
	ledger.StatusVideoValidating,
	ledger.StatusUploadingRemote,
	ledger.StatusCleaningLocal,
	ledger.StatusFinalizing,
	ledger.StatusCompleted,
	ledger.StatusFailed,
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show record and job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(ledgerStore *ledger.Store, queueStore *queue.Store) error {
				records, err := ledgerStore.CountByStatus(cmd.Context())
				if err != nil {
					return err
				}
				health, err := queueStore.Health(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintln(out, "No process records")
				} else {
					rows := make([][]string, 0, len(records))
					for _, status := range statusOrder {
						if count, ok := records[status]; ok {
							rows = append(rows, []string{string(status), strconv.Itoa(count)})
						}
					}
					fmt.Fprintln(out, renderTable([]string{"Record Status", "Count"}, rows, 1))
				}

				fmt.Fprintf(out, "Jobs: %d pending, %d running, %d done, %d dead\n",
					health.Pending, health.Running, health.Done, health.Dead)
				return nil
			})
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var showErrors bool

	cmd := &cobra.Command{
		Use:   "show <process-id>",
		Short: "Show the full state of one process record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(ledgerStore *ledger.Store, _ *queue.Store) error {
				record, err := ledgerStore.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Process:  %s (tenant %s, owner %s)\n", record.ID, record.TenantID, record.OwnerID)
				fmt.Fprintf(out, "Status:   %s (%d%%", record.Status, record.ProgressPercent)
				if record.ProgressStep != "" {
					fmt.Fprintf(out, ", %s", record.ProgressStep)
				}
				fmt.Fprintln(out, ")")
				if record.Title != "" {
					fmt.Fprintf(out, "Title:    %s\n", record.Title)
				}
				if len(record.Tags) > 0 {
					names := make([]string, 0, len(record.Tags))
					for _, tag := range record.Tags {
						names = append(names, fmt.Sprintf("%s (%.2f)", tag.Name, tag.Weight))
					}
					fmt.Fprintf(out, "Tags:     %s\n", strings.Join(names, ", "))
				}
				if record.Transcript != nil {
					fmt.Fprintf(out, "Transcript: %d words over %d segments, confidence %.2f\n",
						record.Transcript.WordCount, record.Transcript.SegmentCount, record.Transcript.Confidence)
				}
				for _, item := range record.Todo {
					fmt.Fprintf(out, "Todo:     [%s] %s\n", item.Priority, item.Task)
				}
				fmt.Fprintf(out, "Analysis: tags=%s title=%s todo=%s embedding=%s\n",
					analysisLabel(record.TagsState), analysisLabel(record.TitleState),
					analysisLabel(record.TodoState), analysisLabel(record.EmbeddingState))
				if record.Original != nil {
					fmt.Fprintf(out, "Original: %s (%s, %d bytes)\n", record.Original.Path, record.Original.Storage, record.Original.Size)
				}
				if record.Processed != nil {
					fmt.Fprintf(out, "Processed: %s (%s, %d bytes)\n", record.Processed.Path, record.Processed.Storage, record.Processed.Size)
				}
				if record.Remote != nil {
					fmt.Fprintf(out, "Remote:   s3://%s/%s\n", record.Remote.Bucket, record.Remote.Key)
				}
				fmt.Fprintf(out, "Created:  %s\n", record.CreatedAt.Local().Format(time.RFC3339))
				fmt.Fprintf(out, "Updated:  %s\n", record.UpdatedAt.Local().Format(time.RFC3339))

				if showErrors {
					entries, err := ledgerStore.Errors(cmd.Context(), record.ID)
					if err != nil {
						return err
					}
					for _, entry := range entries {
						fmt.Fprintf(out, "Error:    [%s] %s: %s\n",
							entry.CreatedAt.Local().Format(time.RFC3339), entry.Stage, entry.Message)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showErrors, "errors", false, "Include the error log")
	return cmd
}

func analysisLabel(state ledger.AnalysisState) string {
	if state == "" {
		return string(ledger.AnalysisPending)
	}
	return string(state)
}
