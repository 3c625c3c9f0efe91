// Package wavdev implements the [audio.InputDevice] and [audio.OutputDevice]
// interfaces on top of WAV files, for headless calls and for replaying test
// conversations.
//
// [Input] plays a WAV file into a call as if it were a microphone: the file is
// resampled to the negotiated rate, down-mixed to mono, and delivered in
// fixed-size frames at real-time cadence. [Recorder] captures everything the
// call schedules for playback onto a timeline and writes it out as a WAV file
// when the stream closes, rendering gaps between chunks as silence.
package wavdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/voicedesk/pkg/audio"
)

// resampleQuality is the beep resampler quality used when a source file does
// not match the negotiated rate.
const resampleQuality = 4

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.OutputDevice = (*Recorder)(nil)
)

// ── Input ─────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an [Input].
type Option func(*Input)

// WithLoop restarts the file from the beginning when it is exhausted instead
// of closing the frame channel.
func WithLoop(loop bool) Option {
	return func(in *Input) { in.loop = loop }
}

// WithRealtime controls pacing. When true (the default) one frame is produced
// per frame duration and frames are dropped if the consumer falls behind, like
// a hardware capture callback. When false frames are produced as fast as the
// consumer reads them.
func WithRealtime(realtime bool) Option {
	return func(in *Input) { in.realtime = realtime }
}

// WithBuffer sets the frame channel capacity. Default: 8.
func WithBuffer(n int) Option {
	return func(in *Input) {
		if n > 0 {
			in.buffer = n
		}
	}
}

// Input is an [audio.InputDevice] that reads a WAV file.
type Input struct {
	path     string
	loop     bool
	realtime bool
	buffer   int
}

// NewInput creates an Input backed by the WAV file at path. The file is not
// opened until [Input.Open].
func NewInput(path string, opts ...Option) *Input {
	in := &Input{path: path, realtime: true, buffer: 8}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Open decodes the WAV header and starts producing frames of frameSize
// samples at format. A missing or unreadable file is reported as
// [audio.ErrDeviceUnavailable].
func (in *Input) Open(ctx context.Context, format audio.Format, frameSize int) (audio.InputStream, error) {
	if !format.Valid() || frameSize <= 0 {
		return nil, fmt.Errorf("wavdev: invalid capture format %s / frame size %d", format, frameSize)
	}
	f, err := os.Open(in.path)
	if err != nil {
		return nil, fmt.Errorf("%w: wavdev: open %q: %v", audio.ErrDeviceUnavailable, in.path, err)
	}
	src, srcFormat, err := wav.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: wavdev: decode %q: %v", audio.ErrDeviceUnavailable, in.path, err)
	}

	var s beep.Streamer = src
	if in.loop {
		s = beep.Loop(-1, src)
	}
	target := beep.SampleRate(format.SampleRate)
	if srcFormat.SampleRate != target {
		slog.Warn("wavdev: resampling input file",
			"path", in.path,
			"from", int(srcFormat.SampleRate),
			"to", format.SampleRate,
		)
		s = beep.Resample(resampleQuality, srcFormat.SampleRate, target, s)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &inputStream{
		src:       s,
		file:      f,
		format:    format,
		frameSize: frameSize,
		realtime:  in.realtime,
		frames:    make(chan []float32, in.buffer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go st.run(streamCtx)
	return st, nil
}

type inputStream struct {
	src       beep.Streamer
	file      *os.File
	format    audio.Format
	frameSize int
	realtime  bool
	frames    chan []float32

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Frames implements [audio.InputStream].
func (s *inputStream) Frames() <-chan []float32 { return s.frames }

// Close stops the producer goroutine and closes the file. Idempotent.
func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}

// run produces frames until the source is exhausted or ctx is cancelled. It
// owns the frames channel and closes it on exit.
func (s *inputStream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.frames)

	var tick <-chan time.Time
	if s.realtime {
		ticker := time.NewTicker(s.format.Duration(s.frameSize))
		defer ticker.Stop()
		tick = ticker.C
	}

	buf := make([][2]float64, s.frameSize)
	dropped := 0
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		}

		frame, ok := s.read(buf)
		if !ok {
			if dropped > 0 {
				slog.Debug("wavdev: input exhausted", "dropped_frames", dropped)
			}
			return
		}

		if s.realtime {
			select {
			case s.frames <- frame:
			default:
				dropped++
			}
			continue
		}
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// read pulls one frame from the source, down-mixing to mono. A short final
// read is zero-padded to the full frame size.
func (s *inputStream) read(buf [][2]float64) ([]float32, bool) {
	filled := 0
	for filled < len(buf) {
		n, ok := s.src.Stream(buf[filled:])
		filled += n
		if !ok {
			break
		}
	}
	if filled == 0 {
		return nil, false
	}
	frame := make([]float32, len(buf))
	for i := range filled {
		frame[i] = float32((buf[i][0] + buf[i][1]) / 2)
	}
	return frame, true
}

// ── Recorder ──────────────────────────────────────────────────────────────────

// Recorder is an [audio.OutputDevice] that renders scheduled playback onto a
// timeline and writes it to a WAV file when the stream is closed.
type Recorder struct {
	path  string
	clock func() time.Time
}

// NewRecorder creates a Recorder that writes to path.
func NewRecorder(path string) *Recorder {
	return &Recorder{path: path, clock: time.Now}
}

// Open starts a new timeline whose clock begins at zero.
func (r *Recorder) Open(format audio.Format) (audio.OutputStream, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("wavdev: invalid playback format %s", format)
	}
	bf := beep.Format{
		SampleRate:  beep.SampleRate(format.SampleRate),
		NumChannels: 1,
		Precision:   2,
	}
	return &recording{
		path:   r.path,
		format: format,
		clock:  r.clock,
		start:  r.clock(),
		buf:    beep.NewBuffer(bf),
	}, nil
}

type recording struct {
	path   string
	format audio.Format
	clock  func() time.Time
	start  time.Time

	mu     sync.Mutex
	buf    *beep.Buffer
	closed bool
}

// Now implements [audio.OutputStream].
func (r *recording) Now() time.Duration {
	return r.clock().Sub(r.start)
}

// Schedule places samples on the timeline at the given stream time, padding
// any gap since the previous chunk with silence.
func (r *recording) Schedule(at time.Duration, samples []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("wavdev: recording closed")
	}
	if gap := r.format.Samples(at) - r.buf.Len(); gap > 0 {
		r.buf.Append(beep.Silence(gap))
	}
	r.buf.Append(samplesStreamer(samples))
	return nil
}

// Close writes the timeline to disk. Idempotent.
func (r *recording) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("wavdev: create %q: %w", r.path, err)
	}
	if err := wav.Encode(f, r.buf.Streamer(0, r.buf.Len()), r.buf.Format()); err != nil {
		_ = f.Close()
		return fmt.Errorf("wavdev: encode %q: %w", r.path, err)
	}
	return f.Close()
}

// samplesStreamer adapts a mono float32 slice to a beep streamer.
func samplesStreamer(samples []float32) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(buf [][2]float64) (int, bool) {
		if pos >= len(samples) {
			return 0, false
		}
		n := 0
		for n < len(buf) && pos < len(samples) {
			v := float64(samples[pos])
			buf[n] = [2]float64{v, v}
			n++
			pos++
		}
		return n, true
	})
}
