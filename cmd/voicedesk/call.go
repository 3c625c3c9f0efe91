package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicedesk/internal/call"
	"github.com/MrWong99/voicedesk/internal/config"
	"github.com/MrWong99/voicedesk/internal/observe"
)

// callFlags override the device section of the config for a one-shot call.
type callFlags struct {
	input    string
	output   string
	loop     bool
	duration time.Duration
	muted    bool
}

func callCmd(g *globalFlags) *cobra.Command {
	var f callFlags

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Hold a single call using WAV file devices",
		Long: `Place one call: the input WAV is streamed to the agent as the caller's
microphone and the agent's audio is rendered to the output WAV. The transcript
is printed as it arrives. The call ends on Ctrl+C, after --duration, or when
the agent hangs up.

Examples:
  voicedesk call --input caller.wav --output agent.wav
  voicedesk call --input caller.wav --loop --duration 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCall(cmd.Context(), g, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "WAV file used as the microphone (overrides devices.input)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "WAV file the agent audio is recorded to (overrides devices.output)")
	cmd.Flags().BoolVar(&f.loop, "loop", false, "loop the input file")
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "end the call after this long (0 = until interrupted)")
	cmd.Flags().BoolVar(&f.muted, "muted", false, "start with the microphone muted")
	return cmd
}

func (f callFlags) apply(cfg *config.Config) {
	if f.input != "" {
		cfg.Devices.Input = config.DeviceConfig{Kind: config.DeviceWAV, Path: f.input, Loop: f.loop}
	} else if f.loop {
		cfg.Devices.Input.Loop = true
	}
	if f.output != "" {
		cfg.Devices.Output = config.DeviceConfig{Kind: config.DeviceWAV, Path: f.output}
	}
}

func runCall(parent context.Context, g *globalFlags, f callFlags, out io.Writer) error {
	cfg, _, err := loadConfig(g)
	if err != nil {
		return err
	}
	f.apply(cfg)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	setup := buildCallSetup(cfg, observe.DefaultMetrics())
	p := &transcriptPrinter{w: out}
	s := call.NewSession(setup.cfg, setup.deps, call.WithObserver(p.observe))
	if f.muted {
		s.SetMuted(true)
	}

	slog.Debug("placing call", "session_id", s.ID(), "agent_id", cfg.Agent.ID)
	if err := s.Start(ctx); err != nil {
		if msg := s.Snapshot().Error; msg != "" {
			return fmt.Errorf("%s (%w)", msg, err)
		}
		return err
	}

	var timeout <-chan time.Time
	if f.duration > 0 {
		t := time.NewTimer(f.duration)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	case <-s.Done():
	}
	s.End()
	s.Wait()

	final := s.Snapshot()
	fmt.Fprintf(out, "call ended after %s\n", final.DurationText())
	if cause := s.Cause(); cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("%s (%w)", final.Error, cause)
	}
	return nil
}

// transcriptPrinter writes new transcript turns and state changes as
// snapshots arrive. Snapshots are delivered in order from one goroutine at a
// time, so no locking is needed.
type transcriptPrinter struct {
	w       io.Writer
	printed int
	state   call.State
	notice  string
}

func (p *transcriptPrinter) observe(s call.Snapshot) {
	if s.State != p.state {
		p.state = s.State
		fmt.Fprintf(p.w, "[%s] %s\n", s.DurationText(), s.State)
	}
	for _, t := range s.Transcript[min(p.printed, len(s.Transcript)):] {
		fmt.Fprintf(p.w, "%s: %s\n", t.Role, t.Text)
	}
	p.printed = max(p.printed, len(s.Transcript))
	if s.Error != "" && s.Error != p.notice {
		p.notice = s.Error
		fmt.Fprintf(p.w, "! %s\n", s.Error)
	}
}
