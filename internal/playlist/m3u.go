// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package playlist renders a filtered tuner lineup as an M3U playlist.
package playlist

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ManuGH/dctd/internal/tuning"
)

// qamGroup is the group-title for QAM lineups.
const qamGroup = "ClearQAM"

// WriteM3U writes one entry per channel. Disabled channels are still listed
// and tagged so players can hide them.
func WriteM3U(w io.Writer, lineup tuning.Lineup) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("#EXTM3U\n")
	group := "Cable"
	if lineup.Mode.QAM {
		group = qamGroup
	}
	for _, ch := range lineup.Channels {
		fmt.Fprintf(bw, `#EXTINF:-1 tvg-chno="%s" tvg-id="%s" group-title="%s" dctd-enabled="%t",%s`+"\n",
			attr(ch.Number), attr(ch.Number), group, ch.Enabled, line(ch.Name))
		bw.WriteString(line(ch.URL) + "\n")
	}
	return bw.Flush()
}

func attr(s string) string {
	return strings.NewReplacer(`"`, "'", "\n", " ", "\r", " ").Replace(s)
}

func line(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
