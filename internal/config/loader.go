package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// LookupFunc reports the value of an environment variable.
// [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	lookup LookupFunc
}

// WithEnv applies the VOICEDESK_* overrides resolved through lookup after
// decoding and before validation.
func WithEnv(lookup LookupFunc) LoadOption {
	return func(o *loadOptions) { o.lookup = lookup }
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string, opts ...LoadOption) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if o.lookup != nil {
		ApplyEnv(cfg, o.lookup)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the agent settings from VOICEDESK_AGENT_ID and
// VOICEDESK_NEGOTIATE_URL when they are set and non-empty.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if v, ok := lookup(EnvAgentID); ok && v != "" {
		cfg.Agent.ID = v
	}
	if v, ok := lookup(EnvNegotiateURL); ok && v != "" {
		cfg.Agent.NegotiateURL = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Agent
	if cfg.Agent.ID == "" {
		errs = append(errs, fmt.Errorf("agent.id is required (or set %s)", EnvAgentID))
	}
	if cfg.Agent.NegotiateURL == "" {
		errs = append(errs, fmt.Errorf("agent.negotiate_url is required (or set %s)", EnvNegotiateURL))
	} else if u, err := url.Parse(cfg.Agent.NegotiateURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("agent.negotiate_url %q must be an absolute http(s) URL", cfg.Agent.NegotiateURL))
	}
	if cfg.Agent.NegotiateTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.negotiate_timeout %s must not be negative", cfg.Agent.NegotiateTimeout))
	}
	if cfg.Agent.Breaker.MaxFailures < 0 || cfg.Agent.Breaker.HalfOpenProbes < 0 || cfg.Agent.Breaker.Cooldown < 0 {
		errs = append(errs, errors.New("agent.breaker values must not be negative"))
	}

	// Audio
	if cfg.Audio.DefaultSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.default_sample_rate %d must be positive", cfg.Audio.DefaultSampleRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	for name, n := range map[string]int{
		"capture_buffer":  cfg.Audio.CaptureBuffer,
		"outbound_buffer": cfg.Audio.OutboundBuffer,
		"inbound_buffer":  cfg.Audio.InboundBuffer,
	} {
		if n < 0 {
			errs = append(errs, fmt.Errorf("audio.%s %d must not be negative", name, n))
		}
	}

	// Devices
	errs = append(errs, validateDevice("devices.input", cfg.Devices.Input)...)
	errs = append(errs, validateDevice("devices.output", cfg.Devices.Output)...)

	return errors.Join(errs...)
}

func validateDevice(prefix string, d DeviceConfig) []error {
	var errs []error
	if !d.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: wav", prefix, d.Kind))
	}
	if d.Kind == DeviceWAV && d.Path == "" {
		errs = append(errs, fmt.Errorf("%s.path is required when kind is wav", prefix))
	}
	return errs
}
