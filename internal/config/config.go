// Package config provides the configuration schema and loader for the
// voicedesk call engine.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DeviceKind selects the audio device implementation.
type DeviceKind string

const (
	// DeviceNone leaves the device unconfigured. Calls cannot start without
	// both devices.
	DeviceNone DeviceKind = ""

	// DeviceWAV reads capture audio from a WAV file and records playback to
	// one.
	DeviceWAV DeviceKind = "wav"
)

// IsValid reports whether k is a recognised device kind.
func (k DeviceKind) IsValid() bool {
	return k == DeviceNone || k == DeviceWAV
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultNegotiateTimeout  = 15 * time.Second
	DefaultSampleRate        = 24000
	DefaultFrameSize         = 4096
	DefaultCaptureBuffer     = 8
	DefaultOutboundBuffer    = 32
	DefaultInboundBuffer     = 64
	DefaultBreakerFailures   = 5
	DefaultBreakerCooldown   = 30 * time.Second
	DefaultBreakerHalfProbes = 1
)

// Environment variables that override values from the file.
const (
	EnvAgentID      = "VOICEDESK_AGENT_ID"
	EnvNegotiateURL = "VOICEDESK_NEGOTIATE_URL"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	Audio   AudioConfig   `yaml:"audio"`
	Devices DevicesConfig `yaml:"devices"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied live on reload.
	LogLevel LogLevel `yaml:"log_level"`
}

// AgentConfig identifies the remote conversational agent and how a call
// session is negotiated with it.
type AgentConfig struct {
	// ID is sent as agentId in the session-start request.
	ID string `yaml:"id"`

	// NegotiateURL is the session-start endpoint (POST).
	NegotiateURL string `yaml:"negotiate_url"`

	// NegotiateTimeout bounds the session-start request.
	NegotiateTimeout time.Duration `yaml:"negotiate_timeout"`

	// Breaker protects the negotiation endpoint from repeated failing calls.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of negotiation.
type BreakerConfig struct {
	MaxFailures    int           `yaml:"max_failures"`
	Cooldown       time.Duration `yaml:"cooldown"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
}

// AudioConfig holds the media pipeline settings.
type AudioConfig struct {
	// DefaultSampleRate is used when the negotiation response does not name
	// a rate.
	DefaultSampleRate int `yaml:"default_sample_rate"`

	// FrameSize is the number of samples per captured frame.
	FrameSize int `yaml:"frame_size"`

	// CaptureBuffer is the number of frames the capture device may queue.
	CaptureBuffer int `yaml:"capture_buffer"`

	// OutboundBuffer is the transport send queue length in frames.
	OutboundBuffer int `yaml:"outbound_buffer"`

	// InboundBuffer is the transport receive queue length in messages.
	InboundBuffer int `yaml:"inbound_buffer"`
}

// DevicesConfig selects the capture and playback devices.
type DevicesConfig struct {
	Input  DeviceConfig `yaml:"input"`
	Output DeviceConfig `yaml:"output"`
}

// DeviceConfig describes a single audio device.
type DeviceConfig struct {
	Kind DeviceKind `yaml:"kind"`

	// Path is the WAV file read by an input device or written by an output
	// device.
	Path string `yaml:"path"`

	// Loop restarts an input file at EOF instead of ending capture.
	Loop bool `yaml:"loop"`
}

// ApplyDefaults fills zero values with the package defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Agent.NegotiateTimeout, DefaultNegotiateTimeout)
	setDefault(&cfg.Agent.Breaker.MaxFailures, DefaultBreakerFailures)
	setDefault(&cfg.Agent.Breaker.Cooldown, DefaultBreakerCooldown)
	setDefault(&cfg.Agent.Breaker.HalfOpenProbes, DefaultBreakerHalfProbes)
	setDefault(&cfg.Audio.DefaultSampleRate, DefaultSampleRate)
	setDefault(&cfg.Audio.FrameSize, DefaultFrameSize)
	setDefault(&cfg.Audio.CaptureBuffer, DefaultCaptureBuffer)
	setDefault(&cfg.Audio.OutboundBuffer, DefaultOutboundBuffer)
	setDefault(&cfg.Audio.InboundBuffer, DefaultInboundBuffer)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
