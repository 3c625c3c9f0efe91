// Package playback places decoded agent audio on the output device's timeline
// so that consecutive chunks never overlap and, when they arrive faster than
// real time, queue back to back without gaps.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/pkg/audio"
)

// Scheduler owns the playback cursor for one output stream. Enqueue is
// expected to be called from a single dispatch goroutine; Cursor and Reset may
// be called from any goroutine.
type Scheduler struct {
	out     audio.OutputStream
	format  audio.Format
	metrics *observe.Metrics

	// mu serialises Enqueue against Reset so a chunk scheduled during
	// teardown cannot move the cursor after it was reset.
	mu sync.Mutex

	// cursor is the earliest start, in output-clock nanoseconds, of the next
	// chunk. It never decreases except through Reset.
	cursor atomic.Int64
}

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler for out, whose samples are in format f. The cursor
// starts at the device clock's current time.
func New(out audio.OutputStream, f audio.Format, opts ...Option) *Scheduler {
	s := &Scheduler{out: out, format: f}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.cursor.Store(int64(out.Now()))
	return s
}

// Enqueue decodes one PCM16LE chunk and schedules it at max(now, cursor).
// It returns the start time and true when the chunk was scheduled. Chunks that
// decode to nothing or that the device rejects are dropped and leave the
// cursor untouched.
func (s *Scheduler) Enqueue(ctx context.Context, pcm []byte) (time.Duration, bool) {
	samples := audio.Decode(pcm)
	if len(samples) == 0 {
		s.metrics.RecordChunkDropped(ctx, observe.ReasonDecode)
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	cursor := time.Duration(s.cursor.Load())
	startAt := max(now, cursor)
	if now > cursor {
		s.metrics.PlaybackStall.Record(ctx, (now - cursor).Seconds())
	}

	if err := s.out.Schedule(startAt, samples); err != nil {
		slog.Debug("playback: dropping chunk", "err", err, "samples", len(samples))
		s.metrics.RecordChunkDropped(ctx, observe.ReasonDevice)
		return 0, false
	}

	s.cursor.Store(int64(startAt + s.format.Duration(len(samples))))
	s.metrics.ChunksScheduled.Add(ctx, 1)
	return startAt, true
}

// Cursor returns the current playback cursor.
func (s *Scheduler) Cursor() time.Duration {
	return time.Duration(s.cursor.Load())
}

// Reset returns the cursor to zero. It is part of teardown.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.Store(0)
}
