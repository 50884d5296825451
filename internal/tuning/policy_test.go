// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tuning

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lineupXML = `<?xml version="1.0" encoding="UTF-8"?>
<Lineup>
  <Program><GuideNumber>2</GuideNumber><GuideName>WCBS</GuideName><URL>http://10.0.0.5/auto/v2</URL></Program>
  <Program><GuideNumber>4</GuideNumber><GuideName>WNBC</GuideName><URL>http://10.0.0.5/auto/v4</URL></Program>
  <Program><GuideNumber>4</GuideNumber><GuideName>WNBC HD</GuideName><URL>http://10.0.0.5/auto/v4</URL></Program>
  <Program><GuideNumber>998</GuideNumber><GuideName>Target Ads 1</GuideName><URL>http://10.0.0.5/auto/v998</URL></Program>
  <Program><GuideNumber>999</GuideNumber><GuideName></GuideName><URL>http://10.0.0.5/auto/v999</URL></Program>
</Lineup>`

func TestParseLineupSkipsIncompleteEntries(t *testing.T) {
	got, err := ParseLineup(strings.NewReader(lineupXML))
	require.NoError(t, err)
	want := []Channel{
		{Number: "2", Name: "WCBS", URL: "http://10.0.0.5/auto/v2"},
		{Number: "4", Name: "WNBC", URL: "http://10.0.0.5/auto/v4"},
		{Number: "4", Name: "WNBC HD", URL: "http://10.0.0.5/auto/v4"},
		{Number: "998", Name: "Target Ads 1", URL: "http://10.0.0.5/auto/v998"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("lineup mismatch (-want +got):\n%s", diff)
	}

	_, err = ParseLineup(strings.NewReader("<Lineup><Program>"))
	require.Error(t, err)
}

func TestPolicyApplyDedupesAndIgnores(t *testing.T) {
	p := DefaultPolicy()
	p.IgnoreChannels = []string{"2"}
	entries, err := ParseLineup(strings.NewReader(lineupXML))
	require.NoError(t, err)

	got := p.Apply(entries)
	assert.False(t, got.Mode.QAM)
	want := []Channel{{Number: "4", Name: "WNBC", URL: "http://10.0.0.5/auto/v4", Enabled: true}}
	if diff := cmp.Diff(want, got.Channels); diff != "" {
		t.Fatalf("channels mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, got.Ignored, 2)
	assert.Equal(t, "2", got.Ignored[0].Number)
	assert.Equal(t, "998", got.Ignored[1].Number)
}

func TestPolicyQAMLineupKeepsDuplicatesDisabled(t *testing.T) {
	p := DefaultPolicy()
	got := p.Apply([]Channel{
		{Number: "5000", Name: "QAM", URL: "u0"},
		{Number: "4", Name: "A", URL: "u1"},
		{Number: "4", Name: "B", URL: "u2"},
	})
	assert.True(t, got.Mode.QAM)
	assert.True(t, got.Mode.SkipDeduplication)
	require.Len(t, got.Channels, 3)
	for _, c := range got.Channels {
		assert.False(t, c.Enabled, c.Number)
	}
}

func TestPolicyModeFor(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, Mode{EnableAllChannels: true}, p.ModeFor("101"))
	assert.Equal(t, Mode{QAM: true, SkipDeduplication: true}, p.ModeFor("101", " 5000 "))

	p.RemoveDuplicates = false
	assert.Equal(t, Mode{EnableAllChannels: true, SkipDeduplication: true}, p.ModeFor("101"))

	p.QAMChannel = ""
	assert.False(t, p.ModeFor("5000").QAM)
}

func TestPolicyIsIgnored(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.IsIgnored("1", "VZ_EPG_SOURCE feed"))
	assert.True(t, p.IsIgnored("1", "xVZ_URL_SOURCE"))
	assert.False(t, p.IsIgnored("1", "ESPN"))

	p.IgnoreChannels = []string{"713"}
	assert.True(t, p.IsIgnored(" 713", "Music"))
}

func TestTuneRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     TuneRequest
		wantErr bool
		path    Path
	}{
		{name: "channel", req: TuneRequest{Channel: "101"}, path: PathChannel},
		{name: "frequency", req: TuneRequest{Frequency: 573000, Modulation: "QAM256", Program: 1}, path: PathFrequency},
		{name: "empty", req: TuneRequest{}, wantErr: true},
		{name: "both", req: TuneRequest{Channel: "101", Program: 1}, wantErr: true},
		{name: "missing modulation", req: TuneRequest{Frequency: 573000, Program: 1}, wantErr: true},
		{name: "missing program", req: TuneRequest{Frequency: 573000, Modulation: "QAM256"}, wantErr: true},
		{name: "negative frequency", req: TuneRequest{Frequency: -1, Modulation: "QAM256", Program: 1}, wantErr: true},
		{name: "blank channel", req: TuneRequest{Channel: "  "}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, tt.req.Path())
		})
	}
}

func TestPIDListRoundTrip(t *testing.T) {
	pids, err := ParsePIDList(" 0x0, 30 ,1FFF,,")
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0, 0x30, 0x1fff}, pids)
	assert.Equal(t, "0,30,1fff", FormatPIDList(pids))

	_, err = ParsePIDList("2000")
	require.Error(t, err)
	_, err = ParsePIDList("zz")
	require.Error(t, err)

	empty, err := ParsePIDList("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOutcomeClassification(t *testing.T) {
	assert.Equal(t, OutcomeSoftFailure, failure(ErrLockTimeout, Session{}).Outcome)
	assert.Equal(t, OutcomeHardFailure, failure(ErrActionFailed, Session{}).Outcome)
	assert.Equal(t, OutcomeHardFailure, failure(ErrTuneAborted, Session{}).Outcome)
	assert.True(t, success(Session{}).OK())
}
