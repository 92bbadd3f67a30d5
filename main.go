package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"payment-sync-service/internal/shutdown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "payment-sync-service",
		Short:        "Keeps payment, association and user data in sync with the payment provider",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".", "directory holding config.yaml")

	root.AddCommand(serveCmd(), migrateCmd(), reconcileCmd(), syncAssociationsCmd())

	ctx, cancel := shutdown.WithSignals(context.Background())
	err := root.ExecuteContext(ctx)
	cancel()
	if err != nil {
		log.Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook endpoint, the scheduled jobs and the cleanup consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			return migrate()
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass over stale pending payments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJobOnce(cmd.Context(), reconciliationJob)
		},
	}
}

func syncAssociationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-associations",
		Short: "Run one association refresh pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJobOnce(cmd.Context(), associationSyncJob)
		},
	}
}
