// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rtp

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rtcpRecord(typ PacketType, count uint8, body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	out[0] = Version<<6 | count&0x1f
	out[1] = byte(typ)
	binary.BigEndian.PutUint16(out[2:4], uint16((4+len(body))/4-1))
	return append(out, body...)
}

func receiverReportBody(reporter uint32, blocks ...ReceiverReport) []byte {
	body := binary.BigEndian.AppendUint32(nil, reporter)
	for _, b := range blocks {
		body = binary.BigEndian.AppendUint32(body, b.ReporteeSSRC)
		body = append(body, b.FractionLost,
			byte(b.CumulativeLost>>16), byte(b.CumulativeLost>>8), byte(b.CumulativeLost))
		body = binary.BigEndian.AppendUint32(body, b.HighestSequence)
		body = binary.BigEndian.AppendUint32(body, b.Jitter)
		body = binary.BigEndian.AppendUint32(body, b.LastSenderReport)
		body = binary.BigEndian.AppendUint32(body, b.DelaySinceLastSR)
	}
	return body
}

var sampleBlock = ReceiverReport{
	ReporterSSRC:     0x11111111,
	HasBlock:         true,
	ReporteeSSRC:     0x22222222,
	FractionLost:     64,
	CumulativeLost:   0x010203,
	HighestSequence:  0x0001ffff,
	Jitter:           17,
	LastSenderReport: 0xabcdef01,
	DelaySinceLastSR: 655,
}

func TestParseReceiverReportFields(t *testing.T) {
	pkt := rtcpRecord(TypeReceiverReport, 1, receiverReportBody(0x11111111, sampleBlock))

	fb, ok := ParseFeedback(pkt)
	require.True(t, ok)
	require.Len(t, fb.Reports, 1)
	if diff := cmp.Diff(sampleBlock, fb.Reports[0]); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 0.25, fb.Reports[0].LossRatio(), 1e-9)
}

func TestParseReceiverReportWithoutBlocks(t *testing.T) {
	fb, ok := ParseFeedback(rtcpRecord(TypeReceiverReport, 0, receiverReportBody(7)))
	require.True(t, ok)
	require.Len(t, fb.Reports, 1)
	assert.Equal(t, uint32(7), fb.Reports[0].ReporterSSRC)
	assert.False(t, fb.Reports[0].HasBlock)
}

func TestParseCompoundSkipsOtherRecords(t *testing.T) {
	sr := rtcpRecord(TypeSenderReport, 0, make([]byte, 24))
	sdes := rtcpRecord(TypeSourceDesc, 1, []byte{0, 0, 0, 1, 1, 2, 'h', 'i'})
	odd := rtcpRecord(PacketType(210), 0, make([]byte, 8))
	rr := rtcpRecord(TypeReceiverReport, 1, receiverReportBody(0x11111111, sampleBlock))

	pkt := append(append(append(append([]byte{}, sr...), sdes...), odd...), rr...)
	pkt = append(pkt, 0, 0) // trailing bytes shorter than a header are ignored

	fb, ok := ParseFeedback(pkt)
	require.True(t, ok)
	assert.Len(t, fb.Records, 4)
	assert.Equal(t, 1, fb.Unknown)
	require.Len(t, fb.Reports, 1)
	assert.Equal(t, sampleBlock, fb.Reports[0])
}

func TestParseFeedbackRejectsMalformed(t *testing.T) {
	good := rtcpRecord(TypeReceiverReport, 1, receiverReportBody(1, sampleBlock))

	badVersion := append([]byte{}, good...)
	badVersion[0] = 1<<6 | 1

	padded := append([]byte{}, good...)
	padded[0] |= 0x20

	sdesFirst := rtcpRecord(TypeSourceDesc, 0, make([]byte, 4))

	overrun := append([]byte{}, good...)
	binary.BigEndian.PutUint16(overrun[2:4], 200)

	shortBlocks := rtcpRecord(TypeReceiverReport, 2, receiverReportBody(1, sampleBlock))

	for name, pkt := range map[string][]byte{
		"version":      badVersion,
		"padding":      padded,
		"first type":   sdesFirst,
		"length":       overrun,
		"block count":  shortBlocks,
		"empty":        nil,
		"header only3": {0x80, 201, 0},
	} {
		t.Run(name, func(t *testing.T) {
			fb, ok := ParseFeedback(pkt)
			assert.False(t, ok)
			assert.Empty(t, fb.Records)
			assert.Empty(t, fb.Reports)
		})
	}
}

func TestFeedbackHandlerDiscardLeavesStateUntouched(t *testing.T) {
	h := NewFeedbackHandler()
	cursor := NewStreamCursor(Sequence16)
	cursor.Observe(10)

	good := rtcpRecord(TypeReceiverReport, 1, receiverReportBody(1, sampleBlock))
	assert.Empty(t, h.Handle(good))
	before := h.Stats()

	bad := append([]byte{}, good...)
	bad[0] = 3<<6 | 1
	bad[12] = 255
	assert.Empty(t, h.Handle(bad))

	after := h.Stats()
	assert.Equal(t, before.Last, after.Last)
	assert.Equal(t, uint64(1), after.Parsed)
	assert.Equal(t, uint64(1), after.Discarded)
	assert.Equal(t, uint64(1), cursor.Packets())
	assert.Zero(t, cursor.Missed())
}
