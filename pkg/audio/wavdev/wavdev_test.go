package wavdev

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voicedesk/pkg/audio"
)

// fakeClock is a manually advanced clock for recordings.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestInput_MissingFileIsDeviceUnavailable(t *testing.T) {
	t.Parallel()

	in := NewInput(filepath.Join(t.TempDir(), "nope.wav"))
	_, err := in.Open(context.Background(), audio.Mono(24000), 480)
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Open error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestInput_InvalidFormat(t *testing.T) {
	t.Parallel()

	in := NewInput("unused.wav")
	if _, err := in.Open(context.Background(), audio.Format{}, 480); err == nil {
		t.Fatal("expected error for zero format")
	}
}

func TestRecorder_GapRenderedAsSilenceAndReadBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.wav")
	clk := &fakeClock{now: time.Unix(0, 0)}
	rec := NewRecorder(path)
	rec.clock = clk.Now

	format := audio.Mono(8000)
	out, err := rec.Open(format)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	clk.now = clk.now.Add(50 * time.Millisecond)
	if got := out.Now(); got != 50*time.Millisecond {
		t.Errorf("Now() = %v, want 50ms", got)
	}

	chunk := make([]float32, 80) // 10ms
	for i := range chunk {
		chunk[i] = 0.5
	}
	if err := out.Schedule(0, chunk); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// 20ms gap after the first chunk.
	if err := out.Schedule(30*time.Millisecond, chunk); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := out.Schedule(time.Second, chunk); err == nil {
		t.Error("Schedule after Close should fail")
	}

	in := NewInput(path, WithRealtime(false))
	stream, err := in.Open(context.Background(), format, 40)
	if err != nil {
		t.Fatalf("Open recorded file: %v", err)
	}
	defer stream.Close()

	var samples []float32
	for frame := range stream.Frames() {
		samples = append(samples, frame...)
	}
	// 80 + 160 silence + 80 = 320 samples = 8 frames of 40.
	if len(samples) != 320 {
		t.Fatalf("read %d samples, want 320", len(samples))
	}
	if samples[0] < 0.49 || samples[0] > 0.51 {
		t.Errorf("first sample = %v, want ~0.5", samples[0])
	}
	if samples[100] != 0 {
		t.Errorf("gap sample = %v, want 0", samples[100])
	}
	if samples[250] < 0.49 {
		t.Errorf("second chunk sample = %v, want ~0.5", samples[250])
	}
}

func TestInput_CloseStopsProducer(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tone.wav")
	rec := NewRecorder(path)
	format := audio.Mono(8000)
	out, err := rec.Open(format)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := out.Schedule(0, make([]float32, 800)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	in := NewInput(path, WithLoop(true), WithRealtime(false), WithBuffer(1))
	stream, err := in.Open(context.Background(), format, 160)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	<-stream.Frames()

	done := make(chan error, 1)
	go func() { done <- stream.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	for range stream.Frames() {
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
