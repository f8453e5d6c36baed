package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"distill/internal/ledger"
	"distill/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts per lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(_ *ledger.Store, store *queue.Store) error {
				health, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				if health.Total() == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				rows := [][]string{
					{string(queue.StatusPending), strconv.Itoa(health.Pending)},
					{string(queue.StatusRunning), strconv.Itoa(health.Running)},
					{string(queue.StatusDone), strconv.Itoa(health.Done)},
					{string(queue.StatusDead), strconv.Itoa(health.Dead)},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, 1))
				return nil
			})
		},
	}
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var listStatuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(_ *ledger.Store, store *queue.Store) error {
				statuses := make([]queue.Status, 0, len(listStatuses))
				for _, value := range listStatuses {
					statuses = append(statuses, queue.Status(value))
				}

				jobs, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}

				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						job.Queue,
						job.Type,
						job.ProcessID,
						string(job.Status),
						fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
						job.CreatedAt.Local().Format(time.RFC3339),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Queue", "Stage", "Process", "Status", "Attempts", "Created"},
					rows, 0, 5))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by job status (repeatable)")
	return cmd
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <process-id>",
		Short: "Remove all jobs belonging to one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(_ *ledger.Store, store *queue.Store) error {
				removed, err := store.DeleteByProcess(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d jobs for process %s\n", removed, args[0])
				return nil
			})
		},
	}
}
