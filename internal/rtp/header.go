// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rtp

import (
	"errors"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

const (
	// Version is the only RTP/RTCP protocol version accepted.
	Version = 2

	// FixedHeaderSize is the RTP header length without CSRCs or extension.
	FixedHeaderSize = 12

	// MaxDatagramSize is the largest datagram read from the device.
	MaxDatagramSize = 1500
)

var (
	ErrShortPacket = errors.New("rtp: packet too short")
	ErrBadVersion  = errors.New("rtp: unsupported version")
)

// Header is the decoded fixed RTP header.
type Header struct {
	Version     uint8
	Padding     bool
	Extension   bool
	CSRCCount   uint8
	Marker      bool
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
}

// ParseHeader decodes the fixed header and returns the payload slice, with
// CSRCs, header extension and padding removed.
func ParseHeader(pkt []byte) (Header, []byte, error) {
	if len(pkt) < FixedHeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(pkt))
	}
	if v := pkt[0] >> 6; v != Version {
		return Header{Version: v}, nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}

	var ph pionrtp.Header
	offset, err := ph.Unmarshal(pkt)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %w", ErrShortPacket, err)
	}
	h := Header{
		Version:     ph.Version,
		Padding:     ph.Padding,
		Extension:   ph.Extension,
		CSRCCount:   uint8(len(ph.CSRC)),
		Marker:      ph.Marker,
		PayloadType: ph.PayloadType,
		Sequence:    ph.SequenceNumber,
		Timestamp:   ph.Timestamp,
		SSRC:        ph.SSRC,
	}

	end := len(pkt)
	if h.Padding {
		end -= int(pkt[end-1])
	}
	if offset > end {
		return h, nil, fmt.Errorf("%w: header exceeds packet", ErrShortPacket)
	}
	return h, pkt[offset:end], nil
}
