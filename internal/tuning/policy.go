// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tuning

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DefaultQAMChannel is the guide number a tuner without a CableCARD reports.
const DefaultQAMChannel = "5000"

// DefaultIgnoreNames are lineup names that never carry viewable programs.
var DefaultIgnoreNames = []string{"Target Ads", "VZ_URL_SOURCE", "VZ_EPG_SOURCE"}

// Policy decides how lineup entries and tune requests are treated. It is
// passed in by value; nothing here is process wide.
type Policy struct {
	// QAMChannel is the reserved guide number signalling ClearQAM mode.
	QAMChannel string
	// EnableAllChannels enables every discovered channel unless QAM mode is seen.
	EnableAllChannels bool
	// RemoveDuplicates drops repeated numbers outside QAM mode.
	RemoveDuplicates bool
	// IgnoreNamesContaining skips channels whose name has any of these substrings.
	IgnoreNamesContaining []string
	// IgnoreChannels skips these guide numbers.
	IgnoreChannels []string
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{
		QAMChannel:            DefaultQAMChannel,
		EnableAllChannels:     true,
		RemoveDuplicates:      true,
		IgnoreNamesContaining: append([]string(nil), DefaultIgnoreNames...),
	}
}

// IsQAMChannel reports whether number is the reserved ClearQAM marker.
func (p Policy) IsQAMChannel(number string) bool {
	return p.QAMChannel != "" && strings.TrimSpace(number) == p.QAMChannel
}

// IsIgnored reports whether a channel should be left out of the lineup.
func (p Policy) IsIgnored(number, name string) bool {
	for _, n := range p.IgnoreNamesContaining {
		if n != "" && strings.Contains(name, n) {
			return true
		}
	}
	number = strings.TrimSpace(number)
	for _, c := range p.IgnoreChannels {
		if c != "" && c == number {
			return true
		}
	}
	return false
}

// Mode is the per-session effect of the policy.
type Mode struct {
	QAM               bool
	EnableAllChannels bool
	SkipDeduplication bool
}

// ModeFor returns the mode a session runs in after observing channels.
func (p Policy) ModeFor(channels ...string) Mode {
	m := Mode{EnableAllChannels: p.EnableAllChannels, SkipDeduplication: !p.RemoveDuplicates}
	for _, c := range channels {
		if p.IsQAMChannel(c) {
			m.QAM = true
			m.EnableAllChannels = false
			m.SkipDeduplication = true
			break
		}
	}
	return m
}

// Channel is one lineup entry.
type Channel struct {
	Number  string
	Name    string
	URL     string
	Enabled bool
}

// Lineup is a filtered channel list.
type Lineup struct {
	Channels []Channel
	Ignored  []Channel
	Mode     Mode
}

// Apply filters entries. The reserved QAM number switches the whole lineup
// into QAM mode: channels are not auto-enabled and duplicates are kept.
func (p Policy) Apply(entries []Channel) Lineup {
	numbers := make([]string, len(entries))
	for i, e := range entries {
		numbers[i] = e.Number
	}
	out := Lineup{Mode: p.ModeFor(numbers...)}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if p.IsIgnored(e.Number, e.Name) {
			out.Ignored = append(out.Ignored, e)
			continue
		}
		if !out.Mode.SkipDeduplication && seen[e.Number] {
			continue
		}
		seen[e.Number] = true
		e.Enabled = out.Mode.EnableAllChannels
		out.Channels = append(out.Channels, e)
	}
	return out
}

type lineupDoc struct {
	Programs []struct {
		GuideNumber string `xml:"GuideNumber"`
		GuideName   string `xml:"GuideName"`
		URL         string `xml:"URL"`
	} `xml:"Program"`
}

// ParseLineup reads a tuner's lineup.xml document. Entries missing a number,
// name or URL are skipped.
func ParseLineup(r io.Reader) ([]Channel, error) {
	var doc lineupDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("tuning: lineup: %w", err)
	}
	var out []Channel
	for _, p := range doc.Programs {
		if p.GuideNumber == "" || p.GuideName == "" || p.URL == "" {
			continue
		}
		out = append(out, Channel{Number: p.GuideNumber, Name: p.GuideName, URL: p.URL})
	}
	return out, nil
}
