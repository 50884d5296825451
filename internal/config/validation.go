// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"time"

	"github.com/ManuGH/dctd/internal/validate"
	"github.com/rs/zerolog"
)

// Validate checks every section and reports all problems at once.
func Validate(cfg AppConfig) error {
	v := validate.New()

	if cfg.Device.Location != "" {
		v.URL("device.location", cfg.Device.Location, []string{"http", "https"})
	}
	v.NonNegative("device.index", cfg.Device.Index)

	v.NotEmpty("tuning.protocolInfo", cfg.Tuning.ProtocolInfo)
	v.NotEmpty("tuning.lockVariable", cfg.Tuning.LockVariable)
	v.NotEmpty("tuning.lockValue", cfg.Tuning.LockValue)
	v.Duration("tuning.lockTimeout", cfg.Tuning.LockTimeout, 100*time.Millisecond, 5*time.Minute)
	v.Duration("tuning.playConfirmTimeout", cfg.Tuning.PlayConfirmTimeout, 0, time.Minute)
	v.Duration("tuning.teardownTimeout", cfg.Tuning.TeardownTimeout, 100*time.Millisecond, time.Minute)
	v.Duration("tuning.stallTimeout", cfg.Tuning.StallTimeout, 0, 5*time.Minute)
	v.Range("tuning.stallRetunes", cfg.Tuning.StallRetunes, 0, 100)

	v.Duration("upnp.actionTimeout", cfg.UPnP.ActionTimeout, 100*time.Millisecond, time.Minute)
	v.FloatRange("upnp.rateLimit", cfg.UPnP.RateLimit, 0, 1000)
	v.NonNegative("upnp.rateBurst", cfg.UPnP.RateBurst)

	v.ListenAddr("events.listenAddr", cfg.Events.ListenAddr)
	if cfg.Events.AdvertiseURL != "" {
		v.URL("events.advertiseUrl", cfg.Events.AdvertiseURL, []string{"http"})
	}
	v.Duration("events.timeout", cfg.Events.Timeout, 10*time.Second, 24*time.Hour)
	if cfg.Events.RenewFraction <= 0 || cfg.Events.RenewFraction >= 1 {
		v.AddError("events.renewFraction", "must be between 0 and 1 exclusive", cfg.Events.RenewFraction)
	}
	v.Range("events.maxRenewFailures", cfg.Events.MaxRenewFailures, 1, 10)
	v.NonNegative("events.notifyRateLimit", cfg.Events.NotifyRateLimit)

	v.IP("stream.listenIp", cfg.Stream.ListenIP)
	v.OptionalPort("stream.port", cfg.Stream.Port)
	if cfg.Stream.RTCP && cfg.Stream.Port == 65535 {
		v.AddError("stream.port", "rtcp needs port+1", cfg.Stream.Port)
	}
	if cfg.Stream.SequenceWidth != 8 && cfg.Stream.SequenceWidth != 16 {
		v.AddError("stream.sequenceWidth", "must be 8 or 16", cfg.Stream.SequenceWidth)
	}
	v.Range("stream.ringCapacity", cfg.Stream.RingCapacity, 64*1024, 256*1024*1024)
	v.NonNegative("stream.receiveBuffer", cfg.Stream.ReceiveBuffer)
	v.Range("stream.batchSize", cfg.Stream.BatchSize, 1, 1024)
	v.Duration("stream.readTimeout", cfg.Stream.ReadTimeout, time.Millisecond, time.Minute)

	if cfg.RTSP.Enabled {
		v.Range("rtsp.retries", cfg.RTSP.Retries, 0, 10)
		v.Duration("rtsp.retryWait", cfg.RTSP.RetryWait, 0, time.Minute)
		v.Duration("rtsp.timeout", cfg.RTSP.Timeout, 100*time.Millisecond, time.Minute)
	}

	v.Positive("breaker.threshold", cfg.Breaker.Threshold)
	v.Duration("breaker.reset", cfg.Breaker.Reset, time.Second, time.Hour)

	v.Duration("discovery.wait", cfg.Discovery.Wait, time.Second, time.Minute)

	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil || cfg.Log.Level == "" {
		v.AddError("log.level", "unknown log level", cfg.Log.Level)
	}

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		v.FloatRange("telemetry.samplingRate", cfg.Telemetry.SamplingRate, 0, 1)
	}

	if cfg.Metrics.Enabled {
		v.ListenAddr("metrics.listenAddr", cfg.Metrics.ListenAddr)
	}

	return v.Err()
}
