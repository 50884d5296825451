// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rtp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/metrics"
	"github.com/rs/zerolog"
)

// FeedbackStats is a snapshot of the feedback handler.
type FeedbackStats struct {
	Parsed    uint64
	Discarded uint64
	Last      ReceiverReport
	HasLast   bool
}

// FeedbackHandler consumes RTCP packets from the device. It never produces a
// report of its own, so every response is empty.
type FeedbackHandler struct {
	logger    zerolog.Logger
	parsed    atomic.Uint64
	discarded atomic.Uint64

	mu      sync.Mutex
	last    ReceiverReport
	hasLast bool
}

// NewFeedbackHandler returns a handler with zeroed counters.
func NewFeedbackHandler() *FeedbackHandler {
	return &FeedbackHandler{logger: xglog.WithComponent("rtcp")}
}

// Handle parses pkt and returns the bytes to send back (always empty for now).
// Malformed packets are counted and dropped.
func (h *FeedbackHandler) Handle(pkt []byte) []byte {
	fb, ok := ParseFeedback(pkt)
	if !ok {
		h.discarded.Add(1)
		metrics.ObserveRTCP(false, 0)
		h.logger.Debug().Int("bytes", len(pkt)).Msg("discarding malformed rtcp packet")
		return nil
	}
	h.parsed.Add(1)

	fraction := -1.0
	for _, r := range fb.Reports {
		if !r.HasBlock {
			continue
		}
		h.mu.Lock()
		h.last, h.hasLast = r, true
		h.mu.Unlock()
		fraction = r.LossRatio()
	}
	metrics.ObserveRTCP(true, fraction)
	return nil
}

// Stats returns the current counters and the most recent report block.
func (h *FeedbackHandler) Stats() FeedbackStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return FeedbackStats{
		Parsed:    h.parsed.Load(),
		Discarded: h.discarded.Load(),
		Last:      h.last,
		HasLast:   h.hasLast,
	}
}

// Serve reads RTCP datagrams from conn until ctx ends or conn is closed.
// Non-empty responses are written back to the sender.
func (h *FeedbackHandler) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if resp := h.Handle(buf[:n]); len(resp) > 0 {
			if _, err := conn.WriteTo(resp, addr); err != nil {
				h.logger.Warn().Err(err).Str(xglog.FieldRemoteAddr, addr.String()).Msg("rtcp response failed")
			}
		}
	}
}
