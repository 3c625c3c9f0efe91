// Package mock provides in-memory mock implementations of the
// [audio.InputDevice], [audio.InputStream], [audio.OutputDevice], and
// [audio.OutputStream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := mock.NewInputStream(8)
//	dev := &mock.InputDevice{OpenResult: in}
//	stream, _ := dev.Open(ctx, audio.Mono(24000), 4096)
//	in.Push(make([]float32, 4096)) // simulate one capture callback
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicedesk/pkg/audio"
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Frames written
// with [InputStream.Push] are delivered on [InputStream.Frames].
type InputStream struct {
	mu     sync.Mutex
	frames chan []float32
	closed bool

	// CloseError is returned by [InputStream.Close].
	CloseError error

	// ClosePanic, when non-nil, makes [InputStream.Close] panic with this
	// value after releasing the stream.
	ClosePanic any

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Dropped counts frames that Push discarded because the channel was full
	// or the stream was closed.
	Dropped int
}

// NewInputStream returns an open stream whose frame channel holds up to buffer
// frames.
func NewInputStream(buffer int) *InputStream {
	return &InputStream{frames: make(chan []float32, buffer)}
}

// Push simulates a capture callback delivering one frame. It never blocks:
// the frame is dropped when the channel is full or the stream is closed.
// Returns true if the frame was queued.
func (s *InputStream) Push(frame []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.Dropped++
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		s.Dropped++
		return false
	}
}

// Exhaust closes the frame channel without counting as a Close call,
// simulating a source that ran out of data.
func (s *InputStream) Exhaust() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Frames implements [audio.InputStream].
func (s *InputStream) Frames() <-chan []float32 { return s.frames }

// Close implements [audio.InputStream]. Returns CloseError.
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	p, err := s.ClosePanic, s.CloseError
	s.mu.Unlock()
	if p != nil {
		panic(p)
	}
	return err
}

// Closes returns the number of Close calls.
func (s *InputStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [InputDevice.Open] invocation.
type OpenCall struct {
	// Format is the format argument passed to Open.
	Format audio.Format

	// FrameSize is the frameSize argument passed to Open.
	FrameSize int
}

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// OpenResult is the stream returned by Open.
	OpenResult *InputStream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.InputDevice]. Records the call and returns
// OpenResult / OpenError.
func (d *InputDevice) Open(_ context.Context, format audio.Format, frameSize int) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Format: format, FrameSize: frameSize})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.OpenResult, nil
}

// Calls returns a copy of the recorded Open invocations.
func (d *InputDevice) Calls() []OpenCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]OpenCall, len(d.OpenCalls))
	copy(out, d.OpenCalls)
	return out
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [OutputStream.Schedule]
// invocation.
type ScheduleCall struct {
	// At is the stream time passed to Schedule.
	At time.Duration

	// Samples is the buffer passed to Schedule.
	Samples []float32
}

// OutputStream is a mock implementation of [audio.OutputStream] driven by a
// manual clock. Use [OutputStream.Advance] or [OutputStream.SetNow] to move
// time forward.
type OutputStream struct {
	mu  sync.Mutex
	now time.Duration

	// ScheduleError is returned by [OutputStream.Schedule].
	ScheduleError error

	// CloseError is returned by [OutputStream.Close].
	CloseError error

	// ClosePanic, when non-nil, makes [OutputStream.Close] panic with this
	// value after recording the call.
	ClosePanic any

	// ScheduleCalls records all successful Schedule invocations.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Now implements [audio.OutputStream].
func (s *OutputStream) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetNow moves the manual clock to t.
func (s *OutputStream) SetNow(t time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// Advance moves the manual clock forward by d.
func (s *OutputStream) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

// Schedule implements [audio.OutputStream]. Records the call unless
// ScheduleError is set.
func (s *OutputStream) Schedule(at time.Duration, samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScheduleError != nil {
		return s.ScheduleError
	}
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{At: at, Samples: samples})
	return nil
}

// Scheduled returns a copy of the recorded Schedule invocations.
func (s *OutputStream) Scheduled() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleCall, len(s.ScheduleCalls))
	copy(out, s.ScheduleCalls)
	return out
}

// Close implements [audio.OutputStream]. Returns CloseError.
func (s *OutputStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	p, err := s.ClosePanic, s.CloseError
	s.mu.Unlock()
	if p != nil {
		panic(p)
	}
	return err
}

// Closes returns the number of Close calls.
func (s *OutputStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// OpenResult is the stream returned by Open.
	OpenResult *OutputStream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenFormats records the format of every Open invocation.
	OpenFormats []audio.Format
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(format audio.Format) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenFormats = append(d.OpenFormats, format)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.OpenResult, nil
}

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.OutputStream = (*OutputStream)(nil)
)
