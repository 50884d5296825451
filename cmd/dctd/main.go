// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command dctd drives a CableCARD tuner over UPnP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/dctd/internal/config"
	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dctd",
		Short:         "Control a CableCARD tuner and stream its transport",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (YAML)")

	root.AddCommand(
		newServeCmd(opts),
		newTuneCmd(opts),
		newDiscoverCmd(opts),
		newLineupCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and points the global logger at stderr so
// stdout stays free for stream and table output.
func (o *rootOptions) load() (config.AppConfig, *config.Loader, error) {
	xglog.Configure(xglog.Config{
		Output:  os.Stderr,
		Service: "dctd",
		Version: version.Version,
	})
	loader := config.NewLoader(o.configPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		return config.AppConfig{}, nil, fmt.Errorf("load config: %w", err)
	}
	if err := xglog.SetLevel(cfg.Log.Level); err != nil {
		return config.AppConfig{}, nil, fmt.Errorf("log level: %w", err)
	}
	return cfg, loader, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
}
