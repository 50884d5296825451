// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// AppConfig is the complete daemon configuration. It is built once by the
// Loader and passed by value into constructors.
type AppConfig struct {
	Version string `yaml:"-"`

	Device    DeviceConfig    `yaml:"device"`
	Tuning    TuningConfig    `yaml:"tuning"`
	UPnP      UPnPConfig      `yaml:"upnp"`
	Events    EventsConfig    `yaml:"events"`
	Stream    StreamConfig    `yaml:"stream"`
	RTSP      RTSPConfig      `yaml:"rtsp"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DeviceConfig selects the tuner to drive.
type DeviceConfig struct {
	// Location is the description URL. Empty means discover.
	Location string `yaml:"location"`
	// Index picks the tuner on multi-tuner appliances.
	Index int `yaml:"index"`
	// Lineup is the lineup.xml URL or file the tuner publishes. When set, the
	// lineup is read at startup so a ClearQAM lineup selects QAM mode.
	Lineup string `yaml:"lineup"`
}

// TuningConfig holds the connection and lock parameters.
type TuningConfig struct {
	ProtocolInfo         string        `yaml:"protocolInfo"`
	PeerConnectionID     string        `yaml:"peerConnectionId"`
	SourceID             string        `yaml:"sourceId"`
	CaptureMode          string        `yaml:"captureMode"`
	LockVariable         string        `yaml:"lockVariable"`
	LockValue            string        `yaml:"lockValue"`
	LockTimeout          time.Duration `yaml:"lockTimeout"`
	PlayConfirmTimeout   time.Duration `yaml:"playConfirmTimeout"`
	TeardownTimeout      time.Duration `yaml:"teardownTimeout"`
	KeepStaleConnections bool          `yaml:"keepStaleConnections"`
	// StallTimeout is how long a streaming session may receive no data; zero
	// disables the watchdog.
	StallTimeout time.Duration `yaml:"stallTimeout"`
	// StallRetunes bounds re-tune attempts after a stall; zero fails the session.
	StallRetunes int `yaml:"stallRetunes"`

	QAMChannel        string   `yaml:"qamChannel"`
	EnableAllChannels bool     `yaml:"enableAllChannels"`
	RemoveDuplicates  bool     `yaml:"removeDuplicates"`
	IgnoreNames       []string `yaml:"ignoreNames"`
	IgnoreChannels    []string `yaml:"ignoreChannels"`
}

// UPnPConfig tunes the action invoker.
type UPnPConfig struct {
	ActionTimeout   time.Duration `yaml:"actionTimeout"`
	RateLimit       float64       `yaml:"rateLimit"`
	RateBurst       int           `yaml:"rateBurst"`
	ValidateSchemas bool          `yaml:"validateSchemas"`
}

// EventsConfig tunes GENA subscriptions and the NOTIFY listener.
type EventsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	// AdvertiseURL overrides the callback base sent to the device.
	AdvertiseURL     string        `yaml:"advertiseUrl"`
	Timeout          time.Duration `yaml:"timeout"`
	RenewFraction    float64       `yaml:"renewFraction"`
	MaxRenewFailures int           `yaml:"maxRenewFailures"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	// NotifyRateLimit caps NOTIFY requests per second per source; zero disables.
	NotifyRateLimit int `yaml:"notifyRateLimit"`
}

// StreamConfig tunes the RTP intake and the ring buffer.
type StreamConfig struct {
	ListenIP      string        `yaml:"listenIp"`
	Port          int           `yaml:"port"`
	SequenceWidth int           `yaml:"sequenceWidth"`
	RTCP          bool          `yaml:"rtcp"`
	ReceiveBuffer int           `yaml:"receiveBuffer"`
	BatchSize     int           `yaml:"batchSize"`
	RingCapacity  int           `yaml:"ringCapacity"`
	NonBlocking   bool          `yaml:"nonBlockingReads"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
}

// RTSPConfig tunes transport negotiation for rtsp:// stream URIs.
type RTSPConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retries   int           `yaml:"retries"`
	RetryWait time.Duration `yaml:"retryWait"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"userAgent"`
}

// BreakerConfig guards the device after repeated hard failures.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Reset     time.Duration `yaml:"reset"`
}

// DiscoveryConfig tunes SSDP search.
type DiscoveryConfig struct {
	Wait      time.Duration `yaml:"wait"`
	LocalAddr string        `yaml:"localAddr"`
}

// LogConfig selects the log level. Only the level is reloadable.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// MetricsConfig configures the metrics and health listener.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}
