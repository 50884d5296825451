// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"slices"

	"github.com/ManuGH/dctd/internal/discovery"
	"github.com/ManuGH/dctd/internal/resilience"
	"github.com/ManuGH/dctd/internal/ringbuffer"
	"github.com/ManuGH/dctd/internal/rtsp"
	"github.com/ManuGH/dctd/internal/stream"
	"github.com/ManuGH/dctd/internal/tuning"
	"github.com/ManuGH/dctd/internal/upnp"
	"github.com/ManuGH/dctd/internal/upnp/gena"
)

const (
	DefaultEventsListenAddr  = ":8091"
	DefaultMetricsListenAddr = ":9191"
	DefaultLogLevel          = "info"
)

// Default returns the configuration used when neither file nor environment
// say otherwise.
func Default() AppConfig {
	return AppConfig{
		Tuning: TuningConfig{
			ProtocolInfo:       tuning.DefaultProtocolInfo,
			PeerConnectionID:   tuning.DefaultPeerConnectionID,
			SourceID:           tuning.DefaultSourceID,
			CaptureMode:        tuning.DefaultCaptureMode,
			LockVariable:       tuning.DefaultLockVariable,
			LockValue:          tuning.DefaultLockValue,
			LockTimeout:        tuning.DefaultLockTimeout,
			PlayConfirmTimeout: tuning.DefaultPlayConfirmTimeout,
			TeardownTimeout:    tuning.DefaultTeardownTimeout,
			StallTimeout:       tuning.DefaultStallTimeout,
			StallRetunes:       tuning.DefaultStallRetunes,
			QAMChannel:         tuning.DefaultQAMChannel,
			EnableAllChannels:  true,
			RemoveDuplicates:   true,
			IgnoreNames:        slices.Clone(tuning.DefaultIgnoreNames),
		},
		UPnP: UPnPConfig{
			ActionTimeout: upnp.DefaultActionTimeout,
			RateLimit:     20,
			RateBurst:     5,
		},
		Events: EventsConfig{
			ListenAddr:       DefaultEventsListenAddr,
			Timeout:          gena.DefaultTimeout,
			RenewFraction:    gena.DefaultRenewFraction,
			MaxRenewFailures: gena.DefaultMaxRenewFailures,
			RequestTimeout:   gena.DefaultRequestTimeout,
			NotifyRateLimit:  50,
		},
		Stream: StreamConfig{
			SequenceWidth: 16,
			RTCP:          true,
			ReceiveBuffer: stream.DefaultReceiveBuffer,
			BatchSize:     stream.DefaultBatchSize,
			RingCapacity:  ringbuffer.DefaultCapacity,
			ReadTimeout:   ringbuffer.DefaultReadTimeout,
		},
		RTSP: RTSPConfig{
			Enabled:   true,
			Retries:   rtsp.DefaultRetries,
			RetryWait: rtsp.DefaultRetryWait,
			Timeout:   rtsp.DefaultTimeout,
			UserAgent: rtsp.DefaultUserAgent,
		},
		Breaker: BreakerConfig{
			Threshold: resilience.DefaultThreshold,
			Reset:     resilience.DefaultResetTimeout,
		},
		Discovery: DiscoveryConfig{
			Wait: discovery.DefaultWait,
		},
		Log: LogConfig{Level: DefaultLogLevel},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			Environment:  "production",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: DefaultMetricsListenAddr,
		},
	}
}
