// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ManuGH/dctd/internal/daemon"
	"github.com/ManuGH/dctd/internal/discovery"
	"github.com/ManuGH/dctd/internal/upnp"
	"github.com/spf13/cobra"
)

func newDiscoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Search the network for tuners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			devs, err := discovery.New(daemon.DiscoveryOptions(cfg)).Discover(cmd.Context())
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), devs)
		},
	}
}

// printDevices lists tuners with their index within each description, the
// value device.index expects.
func printDevices(w io.Writer, devs []upnp.Device) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tUDN\tLOCATION")
	index := map[string]int{}
	for _, d := range devs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", index[d.Location], d.Name, d.UDN, d.Location)
		index[d.Location]++
	}
	return tw.Flush()
}
