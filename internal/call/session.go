// Package call runs live voice calls against a remote conversational agent.
//
// A [Session] is one call. It negotiates the connection endpoint and sample
// rate, opens the audio devices, dials the duplex connection and then runs
// three goroutines until the call ends: the capture loop (microphone to
// connection), the dispatch loop (connection to speaker and transcript) and
// the duration ticker. Ending a session releases every resource exactly once,
// from any state and from any goroutine.
//
// The [Manager] keeps at most one session alive at a time, turns control
// commands into session operations and fans snapshots out to subscribers.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicedesk/internal/capture"
	"github.com/MrWong99/voicedesk/internal/negotiate"
	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/playback"
	"github.com/MrWong99/voicedesk/internal/transcript"
	"github.com/MrWong99/voicedesk/internal/transport"
	"github.com/MrWong99/voicedesk/pkg/audio"
)

const (
	defaultFrameSize    = 4096
	defaultTickInterval = time.Second
)

// Negotiator exchanges an agent identifier for a connection endpoint.
// [negotiate.Client] satisfies it.
type Negotiator interface {
	Start(ctx context.Context, agentID string) (negotiate.Result, error)
}

// Transport is the duplex connection of a live call. [transport.Conn]
// satisfies it.
type Transport interface {
	SendAudio(pcm []byte, sampleRate int)
	Messages() <-chan transport.Message
	Err() error
	Close() error
}

// Dialer opens a [Transport] to url.
type Dialer func(ctx context.Context, url string) (Transport, error)

// Config holds the per-call settings.
type Config struct {
	// AgentID identifies the remote agent to talk to.
	AgentID string

	// FrameSize is the number of samples per captured frame. Default: 4096.
	FrameSize int

	// TickInterval is the duration counter period. Default: 1s.
	TickInterval time.Duration
}

// Deps are the collaborators of a [Session].
type Deps struct {
	Negotiator Negotiator
	Dial       Dialer
	Input      audio.InputDevice
	Output     audio.OutputDevice

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Option is a functional option for [NewSession].
type Option func(*Session)

// WithObserver registers fn to receive every published [Snapshot]. Snapshots
// are delivered synchronously and in order; fn must not block and must not
// call back into the session.
func WithObserver(fn func(Snapshot)) Option {
	return func(s *Session) { s.observer = fn }
}

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session is one live call. Create it with [NewSession], run it with
// [Session.Start] and finish it with [Session.End]. A session is single use.
type Session struct {
	id       string
	cfg      Config
	deps     Deps
	metrics  *observe.Metrics
	logger   *slog.Logger
	observer func(Snapshot)

	gate  *capture.Gate
	turns *transcript.Log

	// newTicker is swapped out by tests.
	newTicker func(time.Duration) (<-chan time.Time, func())

	// pubMu serialises snapshot publication so observers see them in order.
	pubMu sync.Mutex

	mu         sync.Mutex
	state      State
	seconds    int
	sampleRate int
	errMsg     string
	cause      error
	activeAt   time.Time
	final      []transcript.Turn

	// Resources, set while connecting and released by teardown.
	cancel   context.CancelFunc
	stopTick context.CancelFunc
	conn     Transport
	in       audio.InputStream
	out      audio.OutputStream
	sched    *playback.Scheduler
	pipeline *errgroup.Group

	endOnce sync.Once
	ended   chan struct{}
}

// NewSession creates an idle session.
func NewSession(cfg Config, deps Deps, opts ...Option) *Session {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = defaultFrameSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		deps:      deps,
		metrics:   deps.Metrics,
		gate:      &capture.Gate{},
		turns:     transcript.NewLog(),
		newTicker: realTicker,
		ended:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.logger = slog.Default().With("session_id", s.id, "agent_id", cfg.AgentID)
	return s
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has ended and teardown has run.
func (s *Session) Done() <-chan struct{} { return s.ended }

// Cause returns the failure that ended the session, or nil for a normal end.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Wait blocks until the session has ended and its goroutines have exited.
func (s *Session) Wait() {
	<-s.ended
	s.mu.Lock()
	g := s.pipeline
	s.mu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
}

// ── Start ────────────────────────────────────────────────────────────────────

// Start moves the session from idle to connecting, negotiates, opens both
// devices and dials the connection. On success the session is active when
// Start returns. On failure the session is ended and the returned error wraps
// one of [ErrNegotiation], [ErrDeviceAccess] or [ErrTransport]; [ErrEnded] is
// returned if [Session.End] was called while connecting.
//
// ctx bounds only the connecting phase. The call itself runs until End.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		cancel()
		return ErrNotIdle
	}
	s.state = StateConnecting
	s.cancel = cancel
	s.mu.Unlock()
	s.publish()

	// Connecting work stops on caller cancellation as well as on End.
	connCtx, stopConn := context.WithCancel(runCtx)
	defer stopConn()
	stopAfter := context.AfterFunc(ctx, stopConn)
	defer stopAfter()

	connCtx, span := observe.StartSpan(connCtx, "call.Start")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", s.id),
		attribute.String("agent_id", s.cfg.AgentID),
	)

	s.logger.Info("call connecting")

	res, err := s.deps.Negotiator.Start(connCtx, s.cfg.AgentID)
	if err != nil {
		return s.abort(span, fmt.Errorf("%w: %w", ErrNegotiation, err))
	}
	if res.SampleRate <= 0 || res.WSURL == "" {
		return s.abort(span, fmt.Errorf("%w: incomplete negotiation result %+v", ErrNegotiation, res))
	}
	format := audio.Mono(res.SampleRate)

	s.mu.Lock()
	s.sampleRate = res.SampleRate
	s.mu.Unlock()

	// The capture stream lives as long as the call, not the connecting phase.
	in, err := s.deps.Input.Open(runCtx, format, s.cfg.FrameSize)
	if err != nil {
		return s.abort(span, fmt.Errorf("%w: open input: %w", ErrDeviceAccess, err))
	}
	if !s.attach(func() { s.in = in }) {
		_ = in.Close()
		return ErrEnded
	}

	out, err := s.deps.Output.Open(format)
	if err != nil {
		return s.abort(span, fmt.Errorf("%w: open output: %w", ErrDeviceAccess, err))
	}
	sched := playback.New(out, format, playback.WithMetrics(s.metrics))
	if !s.attach(func() { s.out, s.sched = out, sched }) {
		_ = out.Close()
		return ErrEnded
	}

	conn, err := s.deps.Dial(connCtx, res.WSURL)
	if err != nil {
		return s.abort(span, fmt.Errorf("%w: %w", ErrTransport, err))
	}
	if !s.attach(func() { s.conn = conn }) {
		_ = conn.Close()
		return ErrEnded
	}

	if err := s.activate(runCtx, format); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("sample_rate", res.SampleRate))
	return nil
}

// attach runs set under the session lock unless the session already ended.
func (s *Session) attach(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return false
	}
	set()
	return true
}

// abort ends a connecting session with cause. If the session was ended
// concurrently the failure is a consequence of that and ErrEnded is returned.
func (s *Session) abort(span trace.Span, cause error) error {
	s.mu.Lock()
	endedAlready := s.state == StateEnded
	s.mu.Unlock()
	if endedAlready {
		return ErrEnded
	}
	span.RecordError(cause)
	span.SetStatus(codes.Error, failureKind(cause))
	s.fail(cause)
	return cause
}

// activate moves connecting to active and starts the pipeline goroutines.
func (s *Session) activate(runCtx context.Context, format audio.Format) error {
	tickCtx, stopTick := context.WithCancel(runCtx)
	g, gctx := errgroup.WithContext(runCtx)

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		stopTick()
		return ErrEnded
	}
	s.state = StateActive
	s.activeAt = time.Now()
	s.stopTick = stopTick
	s.pipeline = g
	conn, in, sched := s.conn, s.in, s.sched
	s.mu.Unlock()

	s.metrics.ActiveCalls.Add(runCtx, 1)
	s.logger.Info("call active", "sample_rate", format.SampleRate)
	s.publish()

	graph := capture.New(in, conn, s.gate, format.SampleRate, capture.WithMetrics(s.metrics))
	g.Go(func() error { return graph.Run(gctx) })
	g.Go(func() error { return s.dispatch(gctx, conn, sched) })
	g.Go(func() error { return s.tick(tickCtx) })
	return nil
}

// ── Pipeline ─────────────────────────────────────────────────────────────────

// dispatch handles inbound messages strictly in arrival order.
func (s *Session) dispatch(ctx context.Context, conn Transport, sched *playback.Scheduler) error {
	msgs := conn.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				s.connectionEnded(conn.Err())
				return nil
			}
			s.handle(ctx, msg, sched)
		}
	}
}

func (s *Session) handle(ctx context.Context, msg transport.Message, sched *playback.Scheduler) {
	switch m := msg.(type) {
	case transport.Audio:
		sched.Enqueue(ctx, m.PCM)

	case transport.Transcript:
		if s.turns.Append(transcript.Turn{Role: m.Role, Text: m.Text}) {
			s.metrics.RecordTranscriptTurn(ctx, m.Role)
			s.publish()
		}

	case transport.RemoteError:
		s.metrics.RemoteErrors.Add(ctx, 1)
		s.logger.Warn("agent reported error", "message", m.Message)
		s.mu.Lock()
		if s.state == StateEnded {
			s.mu.Unlock()
			return
		}
		s.errMsg = m.Message
		s.mu.Unlock()
		s.publish()

	case transport.Unknown:
		// Ignored; counted by the transport.
	}
}

// connectionEnded ends the session after the inbound stream closed.
func (s *Session) connectionEnded(err error) {
	switch {
	case err == nil:
		s.End()
	case errors.Is(err, transport.ErrRemoteClosed):
		s.logger.Info("call closed by agent")
		s.End()
	default:
		s.fail(fmt.Errorf("%w: %w", ErrTransport, err))
	}
}

// tick advances the duration counter once per interval while active.
func (s *Session) tick(ctx context.Context) error {
	ticks, stop := s.newTicker(s.cfg.TickInterval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			s.mu.Lock()
			if s.state != StateActive || ctx.Err() != nil {
				s.mu.Unlock()
				return nil
			}
			s.seconds++
			s.mu.Unlock()
			s.publish()
		}
	}
}

// ── Controls ─────────────────────────────────────────────────────────────────

// ToggleMute flips the mute gate and returns the new state.
func (s *Session) ToggleMute() bool {
	muted := s.gate.Toggle()
	s.logger.Debug("mute toggled", "muted", muted)
	s.publish()
	return muted
}

// SetMuted sets the mute gate.
func (s *Session) SetMuted(muted bool) {
	s.gate.SetMuted(muted)
	s.publish()
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.final
	if s.state != StateEnded {
		turns = s.turns.Turns()
	}
	return Snapshot{
		SessionID:  s.id,
		AgentID:    s.cfg.AgentID,
		State:      s.state,
		Duration:   s.seconds,
		Muted:      s.gate.Muted(),
		SampleRate: s.sampleRate,
		Transcript: turns,
		Error:      s.errMsg,
	}
}

func (s *Session) publish() {
	if s.observer == nil {
		return
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.observer(s.Snapshot())
}

// ── End ──────────────────────────────────────────────────────────────────────

// End finishes the session normally. It is safe to call from any goroutine,
// in any state and any number of times; only the first call has an effect.
// End does not wait for the pipeline goroutines; use [Session.Wait] for that.
func (s *Session) End() {
	s.end(nil)
}

// fail ends the session with a user-visible failure.
func (s *Session) fail(cause error) {
	s.end(cause)
}

func (s *Session) end(cause error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = StateEnded
		if cause != nil {
			s.cause = cause
			s.errMsg = userMessage(cause)
		}
		r := resources{
			cancel:   s.cancel,
			stopTick: s.stopTick,
			conn:     s.conn,
			in:       s.in,
			out:      s.out,
			sched:    s.sched,
		}
		s.final = s.turns.Turns()
		activeFor := time.Since(s.activeAt)
		s.mu.Unlock()

		ctx := context.Background()
		if prev == StateActive {
			s.metrics.ActiveCalls.Add(ctx, -1)
			s.metrics.CallDuration.Record(ctx, activeFor.Seconds())
		}
		if cause != nil {
			s.metrics.RecordCallFailure(ctx, failureKind(cause))
			s.logger.Warn("call failed", "from", prev.String(), "err", cause)
		}

		if err := r.release(); err != nil {
			s.logger.Warn("call teardown incomplete", "err", err)
		}
		s.turns.Discard()

		s.logger.Info("call ended", "from", prev.String())
		close(s.ended)
		s.publish()
	})
}

// resources is the set of things teardown releases.
type resources struct {
	cancel   context.CancelFunc
	stopTick context.CancelFunc
	conn     Transport
	in       audio.InputStream
	out      audio.OutputStream
	sched    *playback.Scheduler
}

// release runs every step exactly once, even if earlier steps fail or panic,
// and joins their errors.
func (r resources) release() error {
	if r.cancel != nil {
		r.cancel()
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"duration counter", func() error {
			if r.stopTick != nil {
				r.stopTick()
			}
			return nil
		}},
		{"transport", func() error {
			if r.conn == nil {
				return nil
			}
			return r.conn.Close()
		}},
		{"capture device", func() error {
			if r.in == nil {
				return nil
			}
			return r.in.Close()
		}},
		{"output device", func() error {
			if r.out == nil {
				return nil
			}
			return r.out.Close()
		}},
		{"playback cursor", func() error {
			if r.sched != nil {
				r.sched.Reset()
			}
			return nil
		}},
	}

	var errs []error
	for _, st := range steps {
		if err := releaseStep(st.name, st.fn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func releaseStep(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("call: release %s: panic: %v", name, p)
		}
	}()
	if e := fn(); e != nil {
		return fmt.Errorf("call: release %s: %w", name, e)
	}
	return nil
}
