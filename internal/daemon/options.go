// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"time"

	"github.com/ManuGH/dctd/internal/config"
	"github.com/ManuGH/dctd/internal/discovery"
	"github.com/ManuGH/dctd/internal/resilience"
	"github.com/ManuGH/dctd/internal/ringbuffer"
	"github.com/ManuGH/dctd/internal/rtp"
	"github.com/ManuGH/dctd/internal/rtsp"
	"github.com/ManuGH/dctd/internal/stream"
	"github.com/ManuGH/dctd/internal/telemetry"
	"github.com/ManuGH/dctd/internal/tuning"
	"github.com/ManuGH/dctd/internal/upnp"
	"github.com/ManuGH/dctd/internal/upnp/gena"
)

// InvokerOptions maps the upnp section.
func InvokerOptions(cfg config.AppConfig) upnp.Options {
	opts := upnp.Options{
		Timeout:   cfg.UPnP.ActionTimeout,
		RateLimit: cfg.UPnP.RateLimit,
		RateBurst: cfg.UPnP.RateBurst,
	}
	if cfg.UPnP.ValidateSchemas {
		opts.Schemas = upnp.NewSchemaCache()
	}
	return opts
}

// SubscriberOptions maps the events section for a resolved callback base.
func SubscriberOptions(cfg config.AppConfig, callbackURL string) gena.Options {
	return gena.Options{
		CallbackURL:      callbackURL,
		Timeout:          cfg.Events.Timeout,
		RenewFraction:    cfg.Events.RenewFraction,
		MaxRenewFailures: cfg.Events.MaxRenewFailures,
		RequestTimeout:   cfg.Events.RequestTimeout,
		Decoders:         gena.DefaultRegistry(),
	}
}

// HandlerOptions maps the NOTIFY rate limit.
func HandlerOptions(cfg config.AppConfig) gena.HandlerOptions {
	return gena.HandlerOptions{RequestLimit: cfg.Events.NotifyRateLimit, Window: time.Second}
}

// StreamOptions maps the stream section.
func StreamOptions(cfg config.AppConfig) stream.Options {
	width := rtp.Sequence16
	if cfg.Stream.SequenceWidth == 8 {
		width = rtp.Sequence8
	}
	return stream.Options{
		ListenIP:      cfg.Stream.ListenIP,
		Port:          cfg.Stream.Port,
		SequenceWidth: width,
		RTCP:          cfg.Stream.RTCP,
		ReceiveBuffer: cfg.Stream.ReceiveBuffer,
		BatchSize:     cfg.Stream.BatchSize,
		Ring: ringbuffer.Options{
			Capacity:         cfg.Stream.RingCapacity,
			NonBlockingReads: cfg.Stream.NonBlocking,
			ReadTimeout:      cfg.Stream.ReadTimeout,
		},
	}
}

// RTSPOptions maps the rtsp section.
func RTSPOptions(cfg config.AppConfig) rtsp.Options {
	return rtsp.Options{
		Retries:   cfg.RTSP.Retries,
		RetryWait: cfg.RTSP.RetryWait,
		Timeout:   cfg.RTSP.Timeout,
		UserAgent: cfg.RTSP.UserAgent,
	}
}

// Policy maps the channel policy part of the tuning section.
func Policy(cfg config.AppConfig) tuning.Policy {
	return tuning.Policy{
		QAMChannel:            cfg.Tuning.QAMChannel,
		EnableAllChannels:     cfg.Tuning.EnableAllChannels,
		RemoveDuplicates:      cfg.Tuning.RemoveDuplicates,
		IgnoreNamesContaining: cfg.Tuning.IgnoreNames,
		IgnoreChannels:        cfg.Tuning.IgnoreChannels,
	}
}

// TuningOptions maps the tuning, breaker, stream and rtsp sections for the
// named device.
func TuningOptions(cfg config.AppConfig, name string) tuning.Options {
	policy := Policy(cfg)
	streamOpts := StreamOptions(cfg)
	opts := tuning.Options{
		Name:                 name,
		ProtocolInfo:         cfg.Tuning.ProtocolInfo,
		PeerConnectionID:     cfg.Tuning.PeerConnectionID,
		SourceID:             cfg.Tuning.SourceID,
		CaptureMode:          cfg.Tuning.CaptureMode,
		LockVariable:         cfg.Tuning.LockVariable,
		LockValue:            cfg.Tuning.LockValue,
		LockTimeout:          cfg.Tuning.LockTimeout,
		PlayConfirmTimeout:   cfg.Tuning.PlayConfirmTimeout,
		TeardownTimeout:      cfg.Tuning.TeardownTimeout,
		KeepStaleConnections: cfg.Tuning.KeepStaleConnections,
		StallTimeout:         cfg.Tuning.StallTimeout,
		StallRetunes:         cfg.Tuning.StallRetunes,
		Policy:               &policy,
		Breaker:              resilience.NewCircuitBreaker(name, cfg.Breaker.Threshold, cfg.Breaker.Reset),
		NewStream:            func() tuning.Stream { return stream.New(streamOpts) },
	}
	if cfg.RTSP.Enabled {
		opts.RTSP = rtsp.NewClient(RTSPOptions(cfg))
	}
	return opts
}

// DiscoveryOptions maps the discovery section.
func DiscoveryOptions(cfg config.AppConfig) discovery.Options {
	return discovery.Options{Wait: cfg.Discovery.Wait, LocalAddr: cfg.Discovery.LocalAddr}
}

// TelemetryConfig maps the telemetry section.
func TelemetryConfig(cfg config.AppConfig) telemetry.Config {
	return telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dctd",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	}
}
