package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricesync/internal/config"
	"pricesync/internal/flatten"
)

func newFlattenCmd(g *globalFlags) *cobra.Command {
	var opt flatten.Options
	cmd := &cobra.Command{
		Use:   "flatten",
		Short: "Convert per-store JSON dumps into the CSV that run ingests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := g.logger()
			if err != nil {
				return err
			}
			defer log.Sync()

			stats, err := flatten.Run(cmd.Context(), opt, log)
			if err != nil {
				return withCode(exitSource, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows from %d files to %s (%d unreadable, %d unpriced)\n",
				stats.Rows, stats.Files, opt.Out, stats.Failed, stats.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&opt.ProductsDir, "products", "", "directory of per-store JSON dumps")
	cmd.Flags().StringVar(&opt.StoresFile, "stores", "", "store directory JSON")
	cmd.Flags().StringVar(&opt.MenuFile, "menu", "", "category menu JSON (default <products>/_MENU_SITE.json)")
	cmd.Flags().StringVar(&opt.Out, "out", "", "output CSV path")
	cmd.Flags().StringVar(&opt.Chain, "chain", config.DefaultStoreChain, "chain name used in generated store names")
	cmd.Flags().IntVar(&opt.Workers, "workers", 0, "concurrent decoders (default GOMAXPROCS)")
	_ = cmd.MarkFlagRequired("products")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
