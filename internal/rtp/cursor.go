// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rtp

import (
	"fmt"
	"sync/atomic"
)

// SequenceWidth selects how many bits of the RTP sequence field are compared.
type SequenceWidth uint8

const (
	// Sequence8 compares only the low byte (packet offset 3).
	Sequence8 SequenceWidth = 8
	// Sequence16 compares the full field (packet offsets 2-3).
	Sequence16 SequenceWidth = 16
)

func (w SequenceWidth) max() uint16 {
	if w == Sequence8 {
		return 0xff
	}
	return 0xffff
}

// Observation is the verdict for one packet.
type Observation struct {
	Sequence   uint16
	Unexpected bool
	Rollover   bool
}

// StreamCursor tracks continuity of one RTP stream. Observe must be called from
// a single goroutine; the counters may be read concurrently.
type StreamCursor struct {
	width   SequenceWidth
	last    uint16
	started bool

	packets    atomic.Uint64
	missed     atomic.Uint64
	rollovers  atomic.Uint64
	unexpected atomic.Bool
	rolled     atomic.Bool
}

// NewStreamCursor returns a cursor for the given width.
func NewStreamCursor(width SequenceWidth) *StreamCursor {
	if width != Sequence8 {
		width = Sequence16
	}
	return &StreamCursor{width: width}
}

// Width returns the compared field width.
func (c *StreamCursor) Width() SequenceWidth { return c.width }

// ObservePacket extracts the sequence field from a raw RTP packet and observes it.
func (c *StreamCursor) ObservePacket(pkt []byte) (Observation, error) {
	if len(pkt) < 4 {
		return Observation{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(pkt))
	}
	seq := uint16(pkt[2])<<8 | uint16(pkt[3])
	return c.Observe(seq), nil
}

// Observe compares seq with the previous value. The first packet after a reset
// only primes the cursor. Any delta other than +1 modulo the field width counts
// as exactly one miss and resynchronises on seq.
func (c *StreamCursor) Observe(seq uint16) Observation {
	maxSeq := c.width.max()
	seq &= maxSeq
	obs := Observation{Sequence: seq}

	if c.started {
		expected := (c.last + 1) & maxSeq
		switch {
		case seq == expected && c.last == maxSeq:
			obs.Rollover = true
		case seq != expected:
			obs.Unexpected = true
		}
	}
	c.last = seq
	c.started = true

	c.packets.Add(1)
	if obs.Unexpected {
		c.missed.Add(1)
	}
	if obs.Rollover {
		c.rollovers.Add(1)
	}
	c.unexpected.Store(obs.Unexpected)
	c.rolled.Store(obs.Rollover)
	return obs
}

// Reset forgets the previous sequence and zeroes the counters.
func (c *StreamCursor) Reset() {
	c.started = false
	c.last = 0
	c.packets.Store(0)
	c.missed.Store(0)
	c.rollovers.Store(0)
	c.unexpected.Store(false)
	c.rolled.Store(false)
}

// Packets returns the number of observed packets.
func (c *StreamCursor) Packets() uint64 { return c.packets.Load() }

// Missed returns the number of discontinuities seen.
func (c *StreamCursor) Missed() uint64 { return c.missed.Load() }

// Rollovers returns the number of sequence wraps seen.
func (c *StreamCursor) Rollovers() uint64 { return c.rollovers.Load() }

// LastUnexpected reports whether the most recent packet broke continuity.
func (c *StreamCursor) LastUnexpected() bool { return c.unexpected.Load() }

// LastRollover reports whether the most recent packet wrapped the sequence.
func (c *StreamCursor) LastRollover() bool { return c.rolled.Load() }
