package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voicedesk/internal/negotiate"
	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/transcript"
	"github.com/MrWong99/voicedesk/internal/transport"
	tmock "github.com/MrWong99/voicedesk/internal/transport/mock"
	"github.com/MrWong99/voicedesk/pkg/audio"
	amock "github.com/MrWong99/voicedesk/pkg/audio/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// fakeNegotiator returns a fixed result. When block is set, Start waits for
// ctx cancellation instead.
type fakeNegotiator struct {
	result negotiate.Result
	err    error
	block  bool

	calls  atomic.Int32
	called chan struct{}
}

func (n *fakeNegotiator) Start(ctx context.Context, _ string) (negotiate.Result, error) {
	if n.calls.Add(1) == 1 && n.called != nil {
		close(n.called)
	}
	if n.block {
		<-ctx.Done()
		return negotiate.Result{}, ctx.Err()
	}
	return n.result, n.err
}

// snapshotRecorder collects every published snapshot.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

type harness struct {
	neg     *fakeNegotiator
	conn    *tmock.Conn
	dialErr error
	dialed  chan string
	in      *amock.InputStream
	inDev   *amock.InputDevice
	out     *amock.OutputStream
	outDev  *amock.OutputDevice
	ticks   chan time.Time
	rec     *snapshotRecorder
	metrics *observe.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	in := amock.NewInputStream(16)
	out := &amock.OutputStream{}
	return &harness{
		neg:     &fakeNegotiator{result: negotiate.Result{WSURL: "wss://agent.test/ws", SampleRate: 24000}},
		conn:    tmock.NewConn(64),
		dialed:  make(chan string, 1),
		in:      in,
		inDev:   &amock.InputDevice{OpenResult: in},
		out:     out,
		outDev:  &amock.OutputDevice{OpenResult: out},
		ticks:   make(chan time.Time, 1),
		rec:     &snapshotRecorder{},
		metrics: m,
	}
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	s := NewSession(
		Config{AgentID: "agent-1"},
		Deps{
			Negotiator: h.neg,
			Dial: func(_ context.Context, url string) (Transport, error) {
				h.dialed <- url
				if h.dialErr != nil {
					return nil, h.dialErr
				}
				return h.conn, nil
			},
			Input:   h.inDev,
			Output:  h.outDev,
			Metrics: h.metrics,
		},
		WithObserver(h.rec.observe),
	)
	s.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return h.ticks, func() {}
	}
	t.Cleanup(func() {
		s.End()
		s.Wait()
	})
	return s
}

func (h *harness) started(t *testing.T) *Session {
	t.Helper()
	s := h.session(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

// eventually polls cond until it holds or a timeout elapses.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitEnded(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
}

// assertReleasedOnce checks that every resource was released exactly once.
func (h *harness) assertReleasedOnce(t *testing.T, s *Session) {
	t.Helper()
	if got := h.conn.Closes(); got != 1 {
		t.Errorf("transport closes = %d, want 1", got)
	}
	if got := h.in.Closes(); got != 1 {
		t.Errorf("input closes = %d, want 1", got)
	}
	if got := h.out.Closes(); got != 1 {
		t.Errorf("output closes = %d, want 1", got)
	}
	if s.sched != nil {
		if got := s.sched.Cursor(); got != 0 {
			t.Errorf("playback cursor = %v, want 0", got)
		}
	}
}

// ── Start ─────────────────────────────────────────────────────────────────────

func TestStart_ReachesActiveWithNegotiatedRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)

	snap := s.Snapshot()
	if snap.State != StateActive {
		t.Fatalf("state = %v, want active", snap.State)
	}
	if snap.SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", snap.SampleRate)
	}
	if snap.Duration != 0 {
		t.Errorf("duration = %d, want 0", snap.Duration)
	}
	if url := <-h.dialed; url != "wss://agent.test/ws" {
		t.Errorf("dialed %q", url)
	}

	calls := h.inDev.Calls()
	if len(calls) != 1 {
		t.Fatalf("input opens = %d, want 1", len(calls))
	}
	if calls[0].Format != audio.Mono(24000) || calls[0].FrameSize != 4096 {
		t.Errorf("input opened with %+v", calls[0])
	}
	if len(h.outDev.OpenFormats) != 1 || h.outDev.OpenFormats[0] != audio.Mono(24000) {
		t.Errorf("output opened with %v", h.outDev.OpenFormats)
	}

	states := []State{}
	for _, sn := range h.rec.all() {
		states = append(states, sn.State)
	}
	if len(states) < 2 || states[0] != StateConnecting || states[len(states)-1] != StateActive {
		t.Errorf("published states = %v, want connecting then active", states)
	}
}

func TestStart_SecondStartRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)
	if err := s.Start(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Errorf("second Start err = %v, want ErrNotIdle", err)
	}
}

func TestStart_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(h *harness)
		wantErr    error
		wantInput  int
		wantOutput int
	}{
		{
			name:    "negotiation",
			setup:   func(h *harness) { h.neg.err = negotiate.ErrFailed },
			wantErr: ErrNegotiation,
		},
		{
			name:    "negotiation without endpoint",
			setup:   func(h *harness) { h.neg.result.WSURL = "" },
			wantErr: ErrNegotiation,
		},
		{
			name:    "input device",
			setup:   func(h *harness) { h.inDev.OpenError = audio.ErrDeviceUnavailable },
			wantErr: ErrDeviceAccess,
		},
		{
			name:      "output device",
			setup:     func(h *harness) { h.outDev.OpenError = errors.New("no sink") },
			wantErr:   ErrDeviceAccess,
			wantInput: 1,
		},
		{
			name:       "dial",
			setup:      func(h *harness) { h.dialErr = errors.New("refused") },
			wantErr:    ErrTransport,
			wantInput:  1,
			wantOutput: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			tt.setup(h)
			s := h.session(t)

			err := s.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start err = %v, want %v", err, tt.wantErr)
			}
			waitEnded(t, s)

			snap := s.Snapshot()
			if snap.State != StateEnded {
				t.Errorf("state = %v, want ended", snap.State)
			}
			wantMsg := msgStartFailed
			if errors.Is(tt.wantErr, ErrTransport) {
				wantMsg = msgConnectionError
			}
			if snap.Error != wantMsg {
				t.Errorf("error = %q, want %q", snap.Error, wantMsg)
			}
			if !errors.Is(s.Cause(), tt.wantErr) {
				t.Errorf("Cause = %v", s.Cause())
			}
			if got := h.in.Closes(); got != tt.wantInput {
				t.Errorf("input closes = %d, want %d", got, tt.wantInput)
			}
			if got := h.out.Closes(); got != tt.wantOutput {
				t.Errorf("output closes = %d, want %d", got, tt.wantOutput)
			}

			// Never back to idle.
			if err := s.Start(context.Background()); !errors.Is(err, ErrNotIdle) {
				t.Errorf("restart err = %v, want ErrNotIdle", err)
			}
		})
	}
}

func TestEnd_WhileConnectingCancelsNegotiation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.neg.block = true
	h.neg.called = make(chan struct{})
	s := h.session(t)

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()

	<-h.neg.called
	if st := s.Snapshot().State; st != StateConnecting {
		t.Fatalf("state = %v, want connecting", st)
	}
	s.End()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrEnded) {
			t.Errorf("Start err = %v, want ErrEnded", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after End")
	}
	if len(h.inDev.Calls()) != 0 {
		t.Error("input device opened after End")
	}
	if s.Cause() != nil {
		t.Errorf("Cause = %v, want nil for a user end", s.Cause())
	}
}

// ── Active call ───────────────────────────────────────────────────────────────

func TestDuration_OneTickPerInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)

	for want := 1; want <= 3; want++ {
		h.ticks <- time.Now()
		eventually(t, fmt.Sprintf("duration %d", want), func() bool {
			return s.Snapshot().Duration == want
		})
	}

	var durations []int
	for _, sn := range h.rec.all() {
		if sn.State == StateActive {
			durations = append(durations, sn.Duration)
		}
	}
	for i := 1; i < len(durations); i++ {
		if durations[i] < durations[i-1] {
			t.Fatalf("published durations went backwards: %v", durations)
		}
	}
	if durations[0] != 0 {
		t.Errorf("first active duration = %d, want 0", durations[0])
	}
}

func TestTranscript_ArrivalOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)

	h.conn.Deliver(transport.Transcript{Role: "caller", Text: "Hello"})
	h.conn.Deliver(transport.Transcript{Role: "assistant", Text: "Hi there"})

	eventually(t, "two transcript turns", func() bool {
		return len(s.Snapshot().Transcript) == 2
	})
	got := s.Snapshot().Transcript
	want := []transcript.Turn{{Role: "caller", Text: "Hello"}, {Role: "assistant", Text: "Hi there"}}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAudio_ScheduledBackToBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.started(t)

	chunk := make([]byte, 2*2400) // 100 ms at 24 kHz
	h.conn.Deliver(transport.Audio{PCM: chunk})
	h.conn.Deliver(transport.Audio{PCM: chunk})

	eventually(t, "two scheduled chunks", func() bool { return len(h.out.Scheduled()) == 2 })
	sc := h.out.Scheduled()
	if sc[0].At != 0 || sc[1].At != 100*time.Millisecond {
		t.Errorf("scheduled at %v and %v, want 0 and 100ms", sc[0].At, sc[1].At)
	}
}

func TestDispatch_IgnoresUndecodableInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)

	h.conn.Deliver(transport.Unknown{Reason: "malformed json"})
	h.conn.Deliver(transport.Audio{PCM: []byte{1, 2, 3}})
	h.conn.Deliver(transport.Transcript{Role: "assistant", Text: "still here"})

	eventually(t, "transcript after bad input", func() bool {
		return len(s.Snapshot().Transcript) == 1
	})
	if st := s.Snapshot().State; st != StateActive {
		t.Errorf("state = %v, want active", st)
	}
	if n := len(h.out.Scheduled()); n != 0 {
		t.Errorf("scheduled %d chunks from bad input", n)
	}
}

func TestRemoteError_IsNonFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)

	h.conn.Deliver(transport.RemoteError{Message: "Voice agent error"})
	eventually(t, "error notice", func() bool { return s.Snapshot().Error == "Voice agent error" })
	if st := s.Snapshot().State; st != StateActive {
		t.Errorf("state = %v, want active", st)
	}
}

func TestCapture_ForwardsFramesAtSessionRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)

	h.in.Push([]float32{0.5, -0.5})
	eventually(t, "one sent frame", func() bool { return len(h.conn.Sent()) == 1 })

	sent := h.conn.Sent()[0]
	if sent.SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", sent.SampleRate)
	}
	if string(sent.PCM) != string(audio.Encode([]float32{0.5, -0.5})) {
		t.Errorf("pcm = %v", sent.PCM)
	}

	if !s.ToggleMute() || !s.Snapshot().Muted {
		t.Error("ToggleMute did not mute")
	}
}

// ── End ───────────────────────────────────────────────────────────────────────

func TestEnd_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)
	h.conn.Deliver(transport.Audio{PCM: make([]byte, 480)})
	eventually(t, "scheduled chunk", func() bool { return len(h.out.Scheduled()) == 1 })

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.End()
		}()
	}
	wg.Wait()
	s.End()
	s.Wait()

	h.assertReleasedOnce(t, s)
	snap := s.Snapshot()
	if snap.State != StateEnded {
		t.Errorf("state = %v, want ended", snap.State)
	}
	if snap.Error != "" {
		t.Errorf("error = %q, want none for a user end", snap.Error)
	}

	ended := 0
	for _, sn := range h.rec.all() {
		if sn.State == StateEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Errorf("published %d ended snapshots, want 1", ended)
	}
}

func TestEnd_TeardownTotality(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name     string
		sabotage func(h *harness)
	}{
		{"transport error", func(h *harness) { h.conn.CloseError = boom }},
		{"transport panic", func(h *harness) { h.conn.ClosePanic = "transport" }},
		{"input error", func(h *harness) { h.in.CloseError = boom }},
		{"input panic", func(h *harness) { h.in.ClosePanic = "input" }},
		{"output error", func(h *harness) { h.out.CloseError = boom }},
		{"output panic", func(h *harness) { h.out.ClosePanic = "output" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			s := h.started(t)
			h.conn.Deliver(transport.Audio{PCM: make([]byte, 480)})
			eventually(t, "scheduled chunk", func() bool { return s.sched.Cursor() > 0 })

			tt.sabotage(h)
			s.End()
			s.End()
			waitEnded(t, s)

			h.assertReleasedOnce(t, s)
			if st := s.Snapshot().State; st != StateEnded {
				t.Errorf("state = %v, want ended", st)
			}
		})
	}
}

func TestEnd_DiscardsTranscriptButKeepsFinalView(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)
	h.conn.Deliver(transport.Transcript{Role: "caller", Text: "Hello"})
	eventually(t, "transcript turn", func() bool { return s.turns.Len() == 1 })

	s.End()
	s.Wait()

	if s.turns.Len() != 0 {
		t.Errorf("log still holds %d turns after end", s.turns.Len())
	}
	if got := s.Snapshot().Transcript; len(got) != 1 || got[0].Text != "Hello" {
		t.Errorf("final transcript = %+v", got)
	}
}

func TestRemoteClose_EndsNormally(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)

	h.conn.CloseRemote(fmt.Errorf("%w: bye", transport.ErrRemoteClosed))
	waitEnded(t, s)
	s.Wait()

	if s.Cause() != nil {
		t.Errorf("Cause = %v, want nil", s.Cause())
	}
	if got := s.Snapshot().Error; got != "" {
		t.Errorf("error = %q, want none", got)
	}
	h.assertReleasedOnce(t, s)
}

func TestConnectionDrop_EndsWithTransportFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)

	h.conn.CloseRemote(errors.New("connection reset"))
	waitEnded(t, s)
	s.Wait()

	if !errors.Is(s.Cause(), ErrTransport) {
		t.Errorf("Cause = %v, want ErrTransport", s.Cause())
	}
	if got := s.Snapshot().Error; got != msgConnectionError {
		t.Errorf("error = %q, want %q", got, msgConnectionError)
	}
	h.assertReleasedOnce(t, s)
}

func TestEnd_StopsTicker(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.started(t)
	s.End()
	s.Wait()

	select {
	case h.ticks <- time.Now():
	default:
	}
	time.Sleep(10 * time.Millisecond)
	if d := s.Snapshot().Duration; d != 0 {
		t.Errorf("duration advanced after end: %d", d)
	}
}
