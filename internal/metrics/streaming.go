// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TuneTotal tracks the outcome of tune attempts.
	TuneTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dctd_tune_total",
		Help: "Tune attempts by path and outcome",
	}, []string{"path", "outcome"})

	// TuneDuration tracks the time from tune request to outcome.
	TuneDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dctd_tune_duration_seconds",
		Help:    "Time from tune request to outcome by path",
		Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 20},
	}, []string{"path"})

	// TeardownFailures counts best-effort teardown steps that failed.
	TeardownFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dctd_teardown_failures_total",
		Help: "Teardown steps that failed and were skipped",
	}, []string{"step"})

	// StreamStalls counts sessions whose stream stopped delivering data.
	StreamStalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dctd_stream_stalls_total",
		Help: "Streaming sessions that received no data for the stall window, by recovery action",
	}, []string{"device", "action"})

	// RTPPackets counts received transport packets.
	RTPPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dctd_rtp_packets_total",
		Help: "RTP packets received",
	})

	// RTPMissed counts sequence discontinuities.
	RTPMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dctd_rtp_missed_packets_total",
		Help: "RTP sequence discontinuities",
	})

	// RTPRollovers counts sequence wraps.
	RTPRollovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dctd_rtp_rollovers_total",
		Help: "RTP sequence number rollovers",
	})

	// TSSyncErrors counts transport stream packets without the sync byte.
	TSSyncErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dctd_ts_sync_errors_total",
		Help: "MPEG-TS packets with a missing sync byte",
	})

	// RTCPReports counts feedback packets by result.
	RTCPReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dctd_rtcp_packets_total",
		Help: "RTCP packets by parse result",
	}, []string{"result"})

	// RTCPFractionLost is the most recent reported loss fraction (0..1).
	RTCPFractionLost = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dctd_rtcp_fraction_lost",
		Help: "Most recent loss fraction reported by the device",
	})

	// RingBuffered is the number of bytes waiting for the consumer.
	RingBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dctd_ringbuffer_buffered_bytes",
		Help: "Bytes buffered and not yet read",
	})

	// RingWriterBlocked tracks how long intake waited on a full buffer.
	RingWriterBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dctd_ringbuffer_writer_blocked_seconds_total",
		Help: "Cumulative time the intake writer waited for buffer space",
	})
)

// IncTune records a tune outcome.
func IncTune(path, outcome string, d time.Duration) {
	TuneTotal.WithLabelValues(path, outcome).Inc()
	TuneDuration.WithLabelValues(path).Observe(d.Seconds())
}

// IncTeardownFailure records a failed teardown step.
func IncTeardownFailure(step string) {
	TeardownFailures.WithLabelValues(step).Inc()
}

// IncStall records a stalled stream and the action taken.
func IncStall(device, action string) {
	StreamStalls.WithLabelValues(device, action).Inc()
}

// ObserveRTP records one transport packet.
func ObserveRTP(unexpected, rollover bool) {
	RTPPackets.Inc()
	if unexpected {
		RTPMissed.Inc()
	}
	if rollover {
		RTPRollovers.Inc()
	}
}

// ObserveRTCP records one feedback packet. fractionLost < 0 means no receiver report.
func ObserveRTCP(valid bool, fractionLost float64) {
	if !valid {
		RTCPReports.WithLabelValues("discarded").Inc()
		return
	}
	RTCPReports.WithLabelValues("parsed").Inc()
	if fractionLost >= 0 {
		RTCPFractionLost.Set(fractionLost)
	}
}

// ObserveRing records buffer occupancy and writer wait.
func ObserveRing(buffered int, blocked time.Duration) {
	RingBuffered.Set(float64(buffered))
	if blocked > 0 {
		RingWriterBlocked.Add(blocked.Seconds())
	}
}
