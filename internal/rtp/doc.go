// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package rtp inspects the transport stream delivered by the tuner.
//
// It covers exactly what is needed to detect loss and accept device feedback:
// RTP fixed header decoding, sequence continuity tracking (StreamCursor), RTCP
// receiver report parsing, and MPEG-TS payload inspection. It does not produce
// RTCP reports of its own.
package rtp
