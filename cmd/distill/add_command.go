package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"distill/internal/daemon"
	"distill/internal/ledger"
	"distill/internal/pipeline"
	"distill/internal/queue"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var tenantID string
	var ownerID string

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Upload a video file into the pipeline",
		Long: "Copies the file into the upload directory, records it in the ledger, " +
			"and enqueues the first stages. A running daemon picks the jobs up from " +
			"the shared queue.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(ledgerStore *ledger.Store, queueStore *queue.Store) error {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				pl := pipeline.New(pipeline.Deps{Cfg: cfg, Queue: queueStore, Ledger: ledgerStore})
				d, err := daemon.New(cfg, nil, queueStore, ledgerStore, pl)
				if err != nil {
					return err
				}

				record, err := d.AddUpload(cmd.Context(), args[0], tenantID, ownerID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Accepted %s as process %s\n", filepath.Base(args[0]), record.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "default", "Tenant the upload belongs to")
	cmd.Flags().StringVar(&ownerID, "owner", "default", "Owner of the upload")
	return cmd
}
