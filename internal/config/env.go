// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/rs/zerolog"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "DCTD_"

// envReader looks up overrides and logs where each value came from.
// Unparseable values keep the current value and are logged at warn.
type envReader struct {
	logger   zerolog.Logger
	lookup   func(string) (string, bool)
	consumed map[string]struct{}
}

func newEnvReader(lookup func(string) (string, bool)) *envReader {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &envReader{
		logger:   xglog.WithComponent("config"),
		lookup:   lookup,
		consumed: make(map[string]struct{}),
	}
}

func (e *envReader) get(key string) (string, bool) {
	key = EnvPrefix + key
	e.consumed[key] = struct{}{}
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) invalid(key, value, kind string) {
	e.logger.Warn().
		Str("key", EnvPrefix+key).
		Str("value", value).
		Msgf("invalid %s in environment variable, keeping configured value", kind)
}

func (e *envReader) used(key string) *zerolog.Event {
	return e.logger.Debug().Str("key", EnvPrefix+key).Str("source", "environment")
}

func (e *envReader) String(key string, dst *string) {
	if v, ok := e.get(key); ok {
		e.used(key).Str("value", v).Msg("using environment variable")
		*dst = v
	}
}

func (e *envReader) Int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.invalid(key, v, "integer")
		return
	}
	e.used(key).Int("value", i).Msg("using environment variable")
	*dst = i
}

func (e *envReader) Float(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.invalid(key, v, "float")
		return
	}
	e.used(key).Float64("value", f).Msg("using environment variable")
	*dst = f
}

func (e *envReader) Bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.invalid(key, v, "boolean")
		return
	}
	e.used(key).Bool("value", b).Msg("using environment variable")
	*dst = b
}

func (e *envReader) Duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.invalid(key, v, "duration")
		return
	}
	e.used(key).Dur("value", d).Msg("using environment variable")
	*dst = d
}

// List splits a comma separated value, dropping blanks.
func (e *envReader) List(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	e.used(key).Strs("value", out).Msg("using environment variable")
	*dst = out
}

func (e *envReader) apply(cfg *AppConfig) {
	e.String("DEVICE_LOCATION", &cfg.Device.Location)
	e.Int("DEVICE_INDEX", &cfg.Device.Index)
	e.String("DEVICE_LINEUP", &cfg.Device.Lineup)

	e.String("PROTOCOL_INFO", &cfg.Tuning.ProtocolInfo)
	e.String("LOCK_VARIABLE", &cfg.Tuning.LockVariable)
	e.String("LOCK_VALUE", &cfg.Tuning.LockValue)
	e.Duration("LOCK_TIMEOUT", &cfg.Tuning.LockTimeout)
	e.Duration("PLAY_CONFIRM_TIMEOUT", &cfg.Tuning.PlayConfirmTimeout)
	e.Bool("KEEP_STALE_CONNECTIONS", &cfg.Tuning.KeepStaleConnections)
	e.Duration("STALL_TIMEOUT", &cfg.Tuning.StallTimeout)
	e.Int("STALL_RETUNES", &cfg.Tuning.StallRetunes)
	e.String("QAM_CHANNEL", &cfg.Tuning.QAMChannel)
	e.Bool("ENABLE_ALL_CHANNELS", &cfg.Tuning.EnableAllChannels)
	e.List("IGNORE_NAMES", &cfg.Tuning.IgnoreNames)
	e.List("IGNORE_CHANNELS", &cfg.Tuning.IgnoreChannels)

	e.Duration("ACTION_TIMEOUT", &cfg.UPnP.ActionTimeout)
	e.Float("ACTION_RATE_LIMIT", &cfg.UPnP.RateLimit)
	e.Int("ACTION_RATE_BURST", &cfg.UPnP.RateBurst)
	e.Bool("VALIDATE_SCHEMAS", &cfg.UPnP.ValidateSchemas)

	e.String("EVENTS_LISTEN_ADDR", &cfg.Events.ListenAddr)
	e.String("EVENTS_ADVERTISE_URL", &cfg.Events.AdvertiseURL)
	e.Duration("EVENTS_TIMEOUT", &cfg.Events.Timeout)

	e.String("STREAM_LISTEN_IP", &cfg.Stream.ListenIP)
	e.Int("STREAM_PORT", &cfg.Stream.Port)
	e.Bool("STREAM_RTCP", &cfg.Stream.RTCP)
	e.Int("STREAM_RING_CAPACITY", &cfg.Stream.RingCapacity)
	e.Duration("STREAM_READ_TIMEOUT", &cfg.Stream.ReadTimeout)

	e.Bool("RTSP_ENABLED", &cfg.RTSP.Enabled)
	e.Int("RTSP_RETRIES", &cfg.RTSP.Retries)
	e.Duration("RTSP_RETRY_WAIT", &cfg.RTSP.RetryWait)

	e.Int("BREAKER_THRESHOLD", &cfg.Breaker.Threshold)
	e.Duration("BREAKER_RESET", &cfg.Breaker.Reset)

	e.Duration("DISCOVERY_WAIT", &cfg.Discovery.Wait)
	e.String("DISCOVERY_LOCAL_ADDR", &cfg.Discovery.LocalAddr)

	e.String("LOG_LEVEL", &cfg.Log.Level)

	e.Bool("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	e.String("TELEMETRY_EXPORTER", &cfg.Telemetry.Exporter)
	e.String("TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	e.Float("TELEMETRY_SAMPLING_RATE", &cfg.Telemetry.SamplingRate)

	e.Bool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	e.String("METRICS_LISTEN_ADDR", &cfg.Metrics.ListenAddr)
}
