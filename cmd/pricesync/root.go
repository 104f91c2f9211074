package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pricesync/internal/config"
	"pricesync/internal/logger"
)

type globalFlags struct {
	config  string
	logMode string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "pricesync",
		Short:         "Resumable CSV to relational loader for retail price observations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.config, "config", "c", "", "pipeline config file (.json, .yaml)")
	root.PersistentFlags().StringVar(&g.logMode, "log-mode", "dev", "log output: dev (console) or prod (JSON)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withCode(exitUsage, err)
	})

	root.AddCommand(
		newRunCmd(g),
		newValidateCmd(g),
		newCheckpointCmd(g),
		newSchemaCmd(g),
		newFlattenCmd(g),
	)
	return root
}

func (g *globalFlags) logger() (*logger.Logger, error) {
	log, err := logger.New(g.logMode)
	if err != nil {
		return nil, withCode(exitUsage, fmt.Errorf("logger: %w", err))
	}
	return log, nil
}

// load reads the config file. Errors exit with the usage code.
func (g *globalFlags) load() (config.Pipeline, error) {
	if g.config == "" {
		return config.Pipeline{}, withCode(exitUsage, fmt.Errorf("--config is required"))
	}
	p, err := config.Load(g.config)
	if err != nil {
		return config.Pipeline{}, withCode(exitUsage, err)
	}
	return p, nil
}

// check prints every issue of p and fails if any is an error.
func (g *globalFlags) check(w io.Writer, p config.Pipeline) error {
	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintf(w, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return withCode(exitUsage, fmt.Errorf("configuration %s is invalid", g.config))
	}
	return nil
}
