// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rtp

import "encoding/binary"

// PacketType is the RTCP record type code.
type PacketType uint8

const (
	TypeSenderReport   PacketType = 200
	TypeReceiverReport PacketType = 201
	TypeSourceDesc     PacketType = 202
	TypeGoodbye        PacketType = 203
	TypeApplication    PacketType = 204
)

// Known reports whether t is one of the standard record types.
func (t PacketType) Known() bool {
	return t >= TypeSenderReport && t <= TypeApplication
}

const (
	rtcpHeaderSize   = 4
	reportBlockSize  = 24
	reporterSSRCSize = 4
)

// RecordHeader is the common RTCP record header.
type RecordHeader struct {
	Version uint8
	Padding bool
	Count   uint8
	Type    PacketType
	// Length is the record length in 32-bit words minus one.
	Length uint16
}

func parseRecordHeader(b []byte) RecordHeader {
	return RecordHeader{
		Version: b[0] >> 6,
		Padding: b[0]&0x20 != 0,
		Count:   b[0] & 0x1f,
		Type:    PacketType(b[1]),
		Length:  binary.BigEndian.Uint16(b[2:4]),
	}
}

// ReceiverReport is one decoded receiver report. A record with a zero report
// count yields a single entry with HasBlock false.
type ReceiverReport struct {
	ReporterSSRC     uint32
	HasBlock         bool
	ReporteeSSRC     uint32
	FractionLost     uint8
	CumulativeLost   uint32
	HighestSequence  uint32
	Jitter           uint32
	LastSenderReport uint32
	DelaySinceLastSR uint32
}

// LossRatio converts the 8-bit fixed point fraction to 0..1.
func (r ReceiverReport) LossRatio() float64 {
	return float64(r.FractionLost) / 256
}

// Feedback is the result of parsing one compound RTCP packet.
type Feedback struct {
	Records []RecordHeader
	Reports []ReceiverReport
	// Unknown counts skipped records with a non-standard type.
	Unknown int
}

// ParseFeedback decodes a compound RTCP packet. It returns ok=false, and no
// records, when the packet is malformed: wrong version, padding set, a first
// record that is neither a sender nor receiver report, or a declared length
// running past the packet. Records other than receiver reports, including
// unknown types after the first record, are skipped by their declared length.
func ParseFeedback(pkt []byte) (Feedback, bool) {
	var fb Feedback
	first := true
	for len(pkt) >= rtcpHeaderSize {
		h := parseRecordHeader(pkt)
		if h.Version != Version || h.Padding {
			return Feedback{}, false
		}
		if first && h.Type != TypeSenderReport && h.Type != TypeReceiverReport {
			return Feedback{}, false
		}
		first = false

		size := (int(h.Length) + 1) * 4
		if size > len(pkt) {
			return Feedback{}, false
		}
		body := pkt[rtcpHeaderSize:size]

		if h.Type == TypeReceiverReport {
			reports, ok := parseReceiverReport(h, body)
			if !ok {
				return Feedback{}, false
			}
			fb.Reports = append(fb.Reports, reports...)
		}
		if !h.Type.Known() {
			fb.Unknown++
		}
		fb.Records = append(fb.Records, h)
		pkt = pkt[size:]
	}
	if first {
		return Feedback{}, false
	}
	return fb, true
}

func parseReceiverReport(h RecordHeader, body []byte) ([]ReceiverReport, bool) {
	if len(body) < reporterSSRCSize+int(h.Count)*reportBlockSize {
		return nil, false
	}
	reporter := binary.BigEndian.Uint32(body[0:4])
	if h.Count == 0 {
		return []ReceiverReport{{ReporterSSRC: reporter}}, true
	}

	out := make([]ReceiverReport, 0, h.Count)
	blocks := body[reporterSSRCSize:]
	for i := 0; i < int(h.Count); i++ {
		b := blocks[i*reportBlockSize : (i+1)*reportBlockSize]
		out = append(out, ReceiverReport{
			ReporterSSRC:     reporter,
			HasBlock:         true,
			ReporteeSSRC:     binary.BigEndian.Uint32(b[0:4]),
			FractionLost:     b[4],
			CumulativeLost:   uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
			HighestSequence:  binary.BigEndian.Uint32(b[8:12]),
			Jitter:           binary.BigEndian.Uint32(b[12:16]),
			LastSenderReport: binary.BigEndian.Uint32(b[16:20]),
			DelaySinceLastSR: binary.BigEndian.Uint32(b[20:24]),
		})
	}
	return out, true
}
