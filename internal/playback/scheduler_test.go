package playback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"pgregory.net/rapid"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/pkg/audio"
	"github.com/MrWong99/voicedesk/pkg/audio/mock"
)

func testMetrics(t require.TestingT) *observe.Metrics {
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

// chunk returns n samples of PCM16LE silence.
func chunk(n int) []byte { return make([]byte, 2*n) }

func TestNew_CursorStartsAtDeviceClock(t *testing.T) {
	t.Parallel()

	out := &mock.OutputStream{}
	out.SetNow(3 * time.Second)
	s := New(out, audio.Mono(24000), WithMetrics(testMetrics(t)))
	assert.Equal(t, 3*time.Second, s.Cursor())
}

func TestEnqueue_BackToBackWhenArrivingFast(t *testing.T) {
	t.Parallel()

	out := &mock.OutputStream{}
	s := New(out, audio.Mono(24000), WithMetrics(testMetrics(t)))
	ctx := context.Background()

	// Three 100 ms chunks arriving at the same instant.
	for i := range 3 {
		at, ok := s.Enqueue(ctx, chunk(2400))
		require.True(t, ok)
		assert.Equal(t, time.Duration(i)*100*time.Millisecond, at)
	}
	assert.Equal(t, 300*time.Millisecond, s.Cursor())
}

func TestEnqueue_StallLeavesGap(t *testing.T) {
	t.Parallel()

	out := &mock.OutputStream{}
	s := New(out, audio.Mono(8000), WithMetrics(testMetrics(t)))
	ctx := context.Background()

	_, ok := s.Enqueue(ctx, chunk(800)) // 0..100ms
	require.True(t, ok)

	out.SetNow(250 * time.Millisecond)
	at, ok := s.Enqueue(ctx, chunk(800))
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, at, "late chunk starts now, not at the stale cursor")
	assert.Equal(t, 350*time.Millisecond, s.Cursor())
}

func TestEnqueue_DropsWithoutMovingCursor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pcm     []byte
		failDev bool
	}{
		{name: "odd length", pcm: []byte{1, 2, 3}},
		{name: "empty", pcm: nil},
		{name: "device rejects", pcm: chunk(10), failDev: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := &mock.OutputStream{}
			if tt.failDev {
				out.ScheduleError = errors.New("device gone")
			}
			s := New(out, audio.Mono(24000), WithMetrics(testMetrics(t)))
			before := s.Cursor()

			_, ok := s.Enqueue(context.Background(), tt.pcm)
			assert.False(t, ok)
			assert.Equal(t, before, s.Cursor())
			assert.Empty(t, out.Scheduled())
		})
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	out := &mock.OutputStream{}
	s := New(out, audio.Mono(24000), WithMetrics(testMetrics(t)))
	_, ok := s.Enqueue(context.Background(), chunk(24000))
	require.True(t, ok)
	require.Equal(t, time.Second, s.Cursor())

	s.Reset()
	assert.Zero(t, s.Cursor())
}

// TestEnqueue_NonOverlap drives the scheduler with random arrival times and
// chunk sizes and checks that scheduled intervals never overlap, never start in
// the past and queue seamlessly whenever the device clock is behind the cursor.
func TestEnqueue_NonOverlap(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		rate := rapid.SampledFrom([]int{8000, 16000, 24000, 48000}).Draw(rt, "rate")
		format := audio.Mono(rate)
		out := &mock.OutputStream{}
		out.SetNow(time.Duration(rapid.Int64Range(0, int64(time.Second)).Draw(rt, "start")))
		s := New(out, format, WithMetrics(testMetrics(rt)))
		ctx := context.Background()

		n := rapid.IntRange(1, 40).Draw(rt, "chunks")
		var prevEnd time.Duration
		havePrev := false
		for i := range n {
			out.Advance(time.Duration(rapid.Int64Range(0, int64(200*time.Millisecond)).Draw(rt, "gap")))
			samples := rapid.IntRange(0, 4096).Draw(rt, "samples")

			now := out.Now()
			cursorBefore := s.Cursor()
			at, ok := s.Enqueue(ctx, chunk(samples))
			if samples == 0 {
				assert.False(rt, ok, "chunk %d: empty chunk scheduled", i)
				assert.Equal(rt, cursorBefore, s.Cursor())
				continue
			}
			require.True(rt, ok, "chunk %d", i)

			assert.GreaterOrEqual(rt, at, now, "chunk %d starts in the past", i)
			if havePrev {
				assert.GreaterOrEqual(rt, at, prevEnd, "chunk %d overlaps its predecessor", i)
				if now <= cursorBefore {
					assert.Equal(rt, prevEnd, at, "chunk %d not queued seamlessly", i)
				}
			}
			prevEnd = at + format.Duration(samples)
			havePrev = true
			assert.Equal(rt, prevEnd, s.Cursor())
		}
	})
}
