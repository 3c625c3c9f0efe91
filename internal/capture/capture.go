// Package capture pulls microphone frames from an input device, applies the
// mute gate and forwards the encoded frames to the connection.
package capture

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/pkg/audio"
)

// Sender accepts encoded 16-bit little-endian PCM frames. Implementations must
// not block; [transport.Conn] satisfies it.
type Sender interface {
	SendAudio(pcm []byte, sampleRate int)
}

// Gate is the mute flag shared between the control surface and the capture
// loop. The zero value is an unmuted gate.
type Gate struct {
	muted atomic.Bool
}

// Muted reports whether captured frames are currently suppressed.
func (g *Gate) Muted() bool { return g.muted.Load() }

// SetMuted sets the gate.
func (g *Gate) SetMuted(muted bool) { g.muted.Store(muted) }

// Toggle flips the gate and returns the new state.
func (g *Gate) Toggle() bool {
	for {
		old := g.muted.Load()
		if g.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Graph wires one input stream to one sender.
type Graph struct {
	in         audio.InputStream
	out        Sender
	gate       *Gate
	sampleRate int
	metrics    *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Graph)

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Graph) { g.metrics = m }
}

// New creates a capture graph reading from in and forwarding to out at the
// given sample rate. gate must not be nil.
func New(in audio.InputStream, out Sender, gate *Gate, sampleRate int, opts ...Option) *Graph {
	g := &Graph{
		in:         in,
		out:        out,
		gate:       gate,
		sampleRate: sampleRate,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Run forwards frames until ctx is cancelled or the input stream ends. It
// stops pulling as soon as ctx is done, even if frames are still buffered.
// Muted frames are skipped entirely; nothing is sent in their place.
func (g *Graph) Run(ctx context.Context) error {
	frames := g.in.Frames()
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			g.forward(ctx, frame)
		}
	}
}

// forward applies the gate to one frame and hands it to the sender. It reports
// whether the frame was sent.
func (g *Graph) forward(ctx context.Context, frame []float32) bool {
	if g.gate.Muted() {
		g.metrics.RecordFrameDropped(ctx, observe.ReasonMuted)
		return false
	}
	if len(frame) == 0 {
		return false
	}
	g.out.SendAudio(audio.Encode(frame), g.sampleRate)
	return true
}
