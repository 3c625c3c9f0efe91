// Package audio defines the sample codec and the device boundary used by the
// voicedesk call engine.
//
// The two device abstractions are:
//
//   - [InputDevice] opens a capture source (a microphone, a WAV file) and
//     returns an [InputStream] delivering float32 frames on a channel.
//   - [OutputDevice] opens a playback sink and returns an [OutputStream]
//     that accepts buffers scheduled against its own clock.
//
// Implementations live in adapter packages (audio/wavdev for files,
// audio/mock for tests). The interfaces are intentionally narrow so the call
// engine stays decoupled from any particular sound API.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned (wrapped) by device implementations when the
// device cannot be opened, e.g. because permission was denied or the backing
// file does not exist.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// InputStream is an open capture source.
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// Frames returns the channel on which captured frames arrive, in capture
	// order. Each frame holds mono samples in [-1.0, 1.0] at the format the
	// stream was opened with. The channel is bounded; a slow consumer causes
	// the device to drop frames rather than block its capture callback.
	//
	// The channel is closed after Close is called or when the source is
	// exhausted.
	Frames() <-chan []float32

	// Close stops capture and releases the device. It is safe to call Close
	// more than once; subsequent calls return nil.
	Close() error
}

// InputDevice opens capture streams.
type InputDevice interface {
	// Open starts capturing at format, delivering frameSize samples per frame.
	// Capture stops when ctx is cancelled or the stream is closed. Returns an
	// error wrapping [ErrDeviceUnavailable] when access is refused.
	Open(ctx context.Context, format Format, frameSize int) (InputStream, error)
}

// OutputStream is an open playback sink with its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type OutputStream interface {
	// Now returns the stream clock: the time elapsed since the stream opened.
	Now() time.Duration

	// Schedule queues samples to start playing at the given stream time. It
	// must not block on playback.
	Schedule(at time.Duration, samples []float32) error

	// Close stops playback and releases the device. It is safe to call Close
	// more than once; subsequent calls return nil.
	Close() error
}

// OutputDevice opens playback streams.
type OutputDevice interface {
	// Open starts a playback stream at format.
	Open(format Format) (OutputStream, error)
}
