// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ManuGH/dctd/internal/daemon"
	"github.com/ManuGH/dctd/internal/playlist"
	"github.com/ManuGH/dctd/internal/tuning"
	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"
)

func newLineupCmd(opts *rootOptions) *cobra.Command {
	var source, m3u string
	cmd := &cobra.Command{
		Use:   "lineup",
		Short: "Filter a tuner lineup.xml through the channel policy",
		Example: `  dctd lineup --source http://10.0.0.5/lineup.xml
  dctd lineup --source lineup.xml --m3u channels.m3u`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			channels, err := daemon.ReadLineup(cmd.Context(), source)
			if err != nil {
				return err
			}
			lineup := daemon.Policy(cfg).Apply(channels)
			if m3u != "" {
				if err := writePlaylist(m3u, lineup); err != nil {
					return err
				}
			}
			return printLineup(cmd.OutOrStdout(), lineup)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "lineup.xml URL or file")
	cmd.Flags().StringVar(&m3u, "m3u", "", "also write the filtered lineup as an M3U playlist")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func writePlaylist(path string, lineup tuning.Lineup) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending M3U file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if err := playlist.WriteM3U(pending, lineup); err != nil {
		return fmt.Errorf("write M3U data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace M3U file: %w", err)
	}
	return nil
}

func printLineup(w io.Writer, lineup tuning.Lineup) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tNAME\tENABLED")
	for _, ch := range lineup.Channels {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", ch.Number, ch.Name, ch.Enabled)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	mode := "cablecard"
	if lineup.Mode.QAM {
		mode = "clearqam"
	}
	_, err := fmt.Fprintf(w, "\n%d channels, %d ignored, mode %s\n", len(lineup.Channels), len(lineup.Ignored), mode)
	return err
}
