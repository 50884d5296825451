// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rtp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func tsPacket(pid int, unitStart bool) []byte {
	p := make([]byte, 188)
	p[0] = tsSyncByte
	p[1] = byte(pid>>8) & 0x1f
	if unitStart {
		p[1] |= 0x40
	}
	p[2] = byte(pid)
	p[3] = 0x10
	return p
}

func TestTSInspectorCountsPIDs(t *testing.T) {
	var payload []byte
	payload = append(payload, tsPacket(0, true)...)
	payload = append(payload, tsPacket(0x100, true)...)
	payload = append(payload, tsPacket(0x100, false)...)
	broken := tsPacket(0x101, false)
	broken[0] = 0
	payload = append(payload, broken...)
	payload = append(payload, 0x47, 1, 2) // partial packet

	i := NewTSInspector()
	good, bad := i.Inspect(payload)
	assert.Equal(t, 3, good)
	assert.Equal(t, 1, bad)

	st := i.Stats()
	assert.Equal(t, uint64(3), st.Packets)
	assert.Equal(t, uint64(1), st.SyncErrors)
	assert.Equal(t, uint64(2), st.UnitStarts)
	assert.Equal(t, []PIDCount{{PID: 0, Packets: 1}, {PID: 0x100, Packets: 2}}, st.PIDs)

	i.Reset()
	assert.Zero(t, i.Stats().Packets)
}

func TestFeedbackServeHandlesDatagrams(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	h := NewFeedbackHandler()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, conn) }()

	client, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(rtcpRecord(TypeReceiverReport, 1, receiverReportBody(1, sampleBlock)))
	require.NoError(t, err)
	_, err = client.Write([]byte{0x40, 201, 0, 0})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := h.Stats()
		return st.Parsed == 1 && st.Discarded == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.Stats().HasLast)
	assert.Equal(t, uint8(64), h.Stats().Last.FractionLost)

	cancel()
	assert.NoError(t, <-done)
}
