// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rtp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rtpPacket(seq uint16, payload []byte) []byte {
	pkt := make([]byte, FixedHeaderSize, FixedHeaderSize+len(payload))
	pkt[0] = Version << 6
	pkt[1] = 33
	binary.BigEndian.PutUint16(pkt[2:4], seq)
	binary.BigEndian.PutUint32(pkt[8:12], 0xdeadbeef)
	return append(pkt, payload...)
}

func TestCursor8BitRolloverIsNotLoss(t *testing.T) {
	c := NewStreamCursor(Sequence8)

	wraps := 0
	for round := 0; round < 3; round++ {
		for seq := 0; seq <= 255; seq++ {
			obs := c.Observe(uint16(seq))
			assert.False(t, obs.Unexpected, "seq %d", seq)
			if obs.Rollover {
				wraps++
				assert.Equal(t, uint16(0), obs.Sequence)
			}
		}
	}
	assert.Equal(t, uint64(0), c.Missed())
	assert.Equal(t, 2, wraps)
	assert.Equal(t, uint64(2), c.Rollovers())
	assert.Equal(t, uint64(768), c.Packets())
}

func TestCursorSingleGapCountsOnce(t *testing.T) {
	c := NewStreamCursor(Sequence16)
	for _, seq := range []uint16{3, 4, 5} {
		c.Observe(seq)
	}

	obs := c.Observe(7)
	assert.True(t, obs.Unexpected)
	assert.True(t, c.LastUnexpected())
	assert.Equal(t, uint64(1), c.Missed())

	obs = c.Observe(8)
	assert.False(t, obs.Unexpected)
	assert.False(t, c.LastUnexpected())
	assert.Equal(t, uint64(1), c.Missed())
}

func TestCursor16BitWrap(t *testing.T) {
	c := NewStreamCursor(Sequence16)
	c.Observe(0xfffe)
	c.Observe(0xffff)
	obs := c.Observe(0)
	assert.True(t, obs.Rollover)
	assert.True(t, c.LastRollover())
	assert.Zero(t, c.Missed())

	// 255 -> 0 is a gap at full width
	c.Reset()
	c.Observe(255)
	assert.True(t, c.Observe(0).Unexpected)
}

func TestCursorMissingWrapCountsAsLoss(t *testing.T) {
	c := NewStreamCursor(Sequence8)
	c.Observe(255)
	obs := c.Observe(1)
	assert.True(t, obs.Unexpected)
	assert.False(t, obs.Rollover)
	assert.Equal(t, uint64(1), c.Missed())
}

func TestObservePacket8BitUsesLowByte(t *testing.T) {
	c := NewStreamCursor(Sequence8)
	_, err := c.ObservePacket(rtpPacket(0x01ff, nil))
	require.NoError(t, err)
	obs, err := c.ObservePacket(rtpPacket(0x0200, nil))
	require.NoError(t, err)
	assert.True(t, obs.Rollover)

	_, err = c.ObservePacket([]byte{0x80, 0})
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestCursorReset(t *testing.T) {
	c := NewStreamCursor(Sequence16)
	c.Observe(1)
	c.Observe(9)
	require.Equal(t, uint64(1), c.Missed())

	c.Reset()
	assert.Zero(t, c.Missed())
	assert.Zero(t, c.Packets())
	assert.False(t, c.Observe(100).Unexpected, "first packet after reset primes the cursor")
}

func TestParseHeader(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	h, body, err := ParseHeader(rtpPacket(42, payload))
	require.NoError(t, err)
	assert.Equal(t, uint16(42), h.Sequence)
	assert.Equal(t, uint32(0xdeadbeef), h.SSRC)
	assert.Equal(t, uint8(33), h.PayloadType)
	assert.Equal(t, payload, body)
}

func TestParseHeaderSkipsCSRCExtensionAndPadding(t *testing.T) {
	pkt := rtpPacket(1, nil)
	pkt[0] |= 0x20 | 0x10 | 0x01
	// one CSRC, a one-word extension, then two payload bytes and two of padding
	pkt = append(pkt, 0, 0, 0, 1)
	pkt = append(pkt, 0xbe, 0xde, 0, 1, 0x12, 7, 7, 7)
	pkt = append(pkt, 0xaa, 0xbb, 0, 2)

	_, body, err := ParseHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb}, body)
}

func TestParseHeaderRejectsVersion(t *testing.T) {
	pkt := rtpPacket(1, nil)
	pkt[0] = 1 << 6
	_, _, err := ParseHeader(pkt)
	assert.ErrorIs(t, err, ErrBadVersion)

	_, _, err = ParseHeader(pkt[:5])
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestParseHeaderRejectsTruncatedCSRCAndExtension(t *testing.T) {
	pkt := rtpPacket(1, nil)
	pkt[0] |= 0x02
	_, _, err := ParseHeader(append(pkt, 0, 0, 0, 1))
	assert.ErrorIs(t, err, ErrShortPacket, "two CSRCs announced, one present")

	pkt = rtpPacket(1, nil)
	pkt[0] |= 0x10
	_, _, err = ParseHeader(append(pkt, 0xbe, 0xde))
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestParseHeaderKeepsMarkerAndTimestamp(t *testing.T) {
	pkt := rtpPacket(7, []byte{0x47})
	pkt[1] |= 0x80
	binary.BigEndian.PutUint32(pkt[4:8], 90000)

	h, body, err := ParseHeader(pkt)
	require.NoError(t, err)
	assert.True(t, h.Marker)
	assert.Equal(t, uint8(33), h.PayloadType)
	assert.Equal(t, uint32(90000), h.Timestamp)
	assert.Equal(t, uint8(Version), h.Version)
	assert.Equal(t, []byte{0x47}, body)
}
