package audio

import (
	"fmt"
	"time"
)

// Format describes the sample layout of a call's audio. It is negotiated once
// when a call starts and never changes for the lifetime of that call.
type Format struct {
	// SampleRate in Hz (e.g., 24000 for the default agent configuration).
	SampleRate int

	// Channels is always 1 for calls; the field exists so devices can reject
	// layouts they cannot serve.
	Channels int
}

// Mono returns a single-channel [Format] at the given sample rate.
func Mono(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1}
}

// Valid reports whether f describes a usable stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// Duration returns the playback length of n samples per channel.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.SampleRate))
}

// Samples returns the number of samples per channel covering d, rounded down.
func (f Format) Samples(d time.Duration) int {
	if f.SampleRate <= 0 || d <= 0 {
		return 0
	}
	return int(int64(d) * int64(f.SampleRate) / int64(time.Second))
}

// String returns a human-readable description, e.g. "24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
