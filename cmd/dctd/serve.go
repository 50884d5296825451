// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"github.com/ManuGH/dctd/internal/config"
	"github.com/ManuGH/dctd/internal/daemon"
	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: NOTIFY listener, health, metrics and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, loader, err := opts.load()
			if err != nil {
				return err
			}
			logger := xglog.WithComponent("daemon")
			source := "env+defaults"
			if loader.Path() != "" {
				source = "file"
			}
			logger.Info().
				Str(xglog.FieldEvent, "config.loaded").
				Str("source", source).
				Str("path", loader.Path()).
				Msg("loaded configuration")

			return daemon.Run(cmd.Context(), config.NewHolder(cfg, loader))
		},
	}
}
