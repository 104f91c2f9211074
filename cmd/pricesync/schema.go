package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"pricesync/internal/config"
	"pricesync/internal/logger"
	"pricesync/internal/storage"
)

func newSchemaCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the target schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "apply",
		Short: "Create the category, store, product and price tables if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDestination(cmd.Context(), g, func(ctx context.Context, p config.Pipeline, d storage.Destination, log *logger.Logger) error {
				if err := d.Provision(ctx); err != nil {
					return withCode(exitDestination, fmt.Errorf("provision: %w", err))
				}
				if err := prepare(ctx, d); err != nil {
					return err
				}
				log.Info("schema: applied", "kind", p.Storage.Kind)
				fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", p.Storage.Kind)
				return nil
			})
		},
	})
	return cmd
}
