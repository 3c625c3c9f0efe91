package main

import (
	"context"
	"fmt"

	"github.com/MrWong99/voicedesk/internal/call"
	"github.com/MrWong99/voicedesk/internal/config"
	"github.com/MrWong99/voicedesk/internal/negotiate"
	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/resilience"
	"github.com/MrWong99/voicedesk/internal/transport"
	"github.com/MrWong99/voicedesk/pkg/audio"
	"github.com/MrWong99/voicedesk/pkg/audio/wavdev"
)

// callSetup is everything needed to build calls from one config.
type callSetup struct {
	cfg     call.Config
	deps    call.Deps
	breaker *resilience.Breaker
}

// buildCallSetup wires the negotiation client, transport dialer and devices
// described by cfg. The breaker is shared by every call built from the
// returned setup.
func buildCallSetup(cfg *config.Config, m *observe.Metrics) callSetup {
	breaker := resilience.New(resilience.Config{
		Name:        "negotiate",
		MaxFailures: cfg.Agent.Breaker.MaxFailures,
		Cooldown:    cfg.Agent.Breaker.Cooldown,
		Probes:      cfg.Agent.Breaker.HalfOpenProbes,
	})

	neg := negotiate.New(cfg.Agent.NegotiateURL,
		negotiate.WithTimeout(cfg.Agent.NegotiateTimeout),
		negotiate.WithDefaultSampleRate(cfg.Audio.DefaultSampleRate),
		negotiate.WithBreaker(breaker),
		negotiate.WithMetrics(m),
	)

	transportOpts := []transport.Option{
		transport.WithOutboundBuffer(cfg.Audio.OutboundBuffer),
		transport.WithInboundBuffer(cfg.Audio.InboundBuffer),
		transport.WithMetrics(m),
	}
	dial := func(ctx context.Context, url string) (call.Transport, error) {
		conn, err := transport.Dial(ctx, url, transportOpts...)
		if err != nil {
			// A typed nil would make the interface non-nil.
			return nil, err
		}
		return conn, nil
	}

	return callSetup{
		cfg: call.Config{
			AgentID:   cfg.Agent.ID,
			FrameSize: cfg.Audio.FrameSize,
		},
		deps: call.Deps{
			Negotiator: neg,
			Dial:       dial,
			Input:      inputDevice(cfg.Devices.Input, cfg.Audio.CaptureBuffer),
			Output:     outputDevice(cfg.Devices.Output),
			Metrics:    m,
		},
		breaker: breaker,
	}
}

func inputDevice(d config.DeviceConfig, buffer int) audio.InputDevice {
	if d.Kind == config.DeviceWAV {
		return wavdev.NewInput(d.Path, wavdev.WithLoop(d.Loop), wavdev.WithBuffer(buffer))
	}
	return missingInput{}
}

func outputDevice(d config.DeviceConfig) audio.OutputDevice {
	if d.Kind == config.DeviceWAV {
		return wavdev.NewRecorder(d.Path)
	}
	return missingOutput{}
}

// missingInput and missingOutput stand in for devices the config does not
// name. Opening them fails like a refused device, so the call ends with the
// usual message.
type (
	missingInput  struct{}
	missingOutput struct{}
)

func (missingInput) Open(context.Context, audio.Format, int) (audio.InputStream, error) {
	return nil, fmt.Errorf("%w: devices.input is not configured", audio.ErrDeviceUnavailable)
}

func (missingOutput) Open(audio.Format) (audio.OutputStream, error) {
	return nil, fmt.Errorf("%w: devices.output is not configured", audio.ErrDeviceUnavailable)
}
