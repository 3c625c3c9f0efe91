// Package transport owns the duplex websocket connection to the remote voice
// agent. It frames captured audio onto the wire and demultiplexes inbound
// messages into the closed [Message] variant.
//
// A [Conn] runs two goroutines. The read loop decodes frames and delivers them
// on [Conn.Messages] strictly in arrival order, closing the channel when the
// connection ends. The write loop drains a bounded outbound queue so that
// captured frames reach the wire in capture order without blocking the capture
// path. Enqueueing onto a closed connection or a full queue is a silent drop,
// counted in the metrics.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicedesk/internal/observe"
)

// ErrRemoteClosed is reported by [Conn.Err] when the agent closed the
// connection with a normal close status.
var ErrRemoteClosed = errors.New("transport: connection closed by remote")

const (
	defaultOutboundBuffer = 32
	defaultInboundBuffer  = 64
	defaultReadLimit      = 4 << 20
	defaultDialTimeout    = 10 * time.Second
)

// Option is a functional option for [Dial].
type Option func(*Conn)

// WithOutboundBuffer sets the number of captured frames that may wait for the
// writer before new frames are dropped.
func WithOutboundBuffer(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.outboundSize = n
		}
	}
}

// WithInboundBuffer sets the capacity of the [Conn.Messages] channel.
func WithInboundBuffer(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.inboundSize = n
		}
	}
}

// WithReadLimit sets the maximum size in bytes of a single inbound message.
func WithReadLimit(n int64) Option {
	return func(c *Conn) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithDialTimeout bounds the opening handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// outbound is one queued audio frame.
type outbound struct {
	pcm        []byte
	sampleRate int
}

// Conn is a live duplex connection. All methods are safe for concurrent use.
type Conn struct {
	conn    *websocket.Conn
	metrics *observe.Metrics

	outboundSize int
	inboundSize  int
	readLimit    int64
	dialTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	queue    chan outbound
	messages chan Message
	done     chan struct{}

	// sendMu guards queue against enqueueing after Close.
	sendMu sync.RWMutex
	closed atomic.Bool

	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial opens the duplex connection at url and starts the read and write
// loops. The opening handshake is bounded by ctx and the dial timeout; the
// returned connection outlives ctx and ends only on [Conn.Close] or when the
// remote side goes away.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	c := &Conn{
		outboundSize: defaultOutboundBuffer,
		inboundSize:  defaultInboundBuffer,
		readLimit:    defaultReadLimit,
		dialTimeout:  defaultDialTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	conn.SetReadLimit(c.readLimit)

	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.queue = make(chan outbound, c.outboundSize)
	c.messages = make(chan Message, c.inboundSize)
	c.done = make(chan struct{})

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// Messages returns the inbound message channel. It is closed when the
// connection ends for any reason.
func (c *Conn) Messages() <-chan Message {
	return c.messages
}

// Done is closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended. It is nil while the connection
// is open and after a local [Conn.Close]. A normal close by the remote side
// yields an error wrapping [ErrRemoteClosed].
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// SendAudio queues one encoded frame for sending. It never blocks: frames sent
// after the connection ended, or while the outbound queue is full, are
// dropped.
func (c *Conn) SendAudio(pcm []byte, sampleRate int) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closed.Load() {
		c.metrics.RecordFrameDropped(context.Background(), observe.ReasonClosed)
		return
	}
	select {
	case c.queue <- outbound{pcm: pcm, sampleRate: sampleRate}:
		c.metrics.FramesSent.Add(context.Background(), 1)
	default:
		c.metrics.RecordFrameDropped(context.Background(), observe.ReasonBackpressure)
	}
}

// Close ends the connection. It is safe to call more than once; only the first
// call does any work.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.stopSending()
		// The read loop has to keep running for the handshake to see the
		// peer's close frame, so its context is cancelled afterwards.
		if err := c.conn.Close(websocket.StatusNormalClosure, "call ended"); err != nil {
			slog.Debug("transport: close handshake", "err", err)
		}
		c.cancel()
	})
	return nil
}

// stopSending stops accepting frames and lets the write loop drain out.
func (c *Conn) stopSending() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed.Swap(true) {
		close(c.queue)
	}
}

// shutdown stops accepting frames and wakes both loops.
func (c *Conn) shutdown() {
	c.stopSending()
	c.cancel()
}

// ── Loops ────────────────────────────────────────────────────────────────────

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.readFailed(err)
			return
		}

		msg := Decode(data)
		c.metrics.RecordMessage(c.ctx, msg.Kind())
		if u, ok := msg.(Unknown); ok {
			slog.Debug("transport: ignoring inbound message", "type", u.Type, "reason", u.Reason)
		}

		select {
		case c.messages <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// readFailed classifies a read error and stops the writer.
func (c *Conn) readFailed(err error) {
	switch {
	case c.closed.Load() || c.ctx.Err() != nil:
		// Local close.
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		c.setErr(fmt.Errorf("%w: %v", ErrRemoteClosed, err))
	default:
		c.setErr(fmt.Errorf("transport: read: %w", err))
	}
	c.shutdown()
}

func (c *Conn) writeLoop() {
	for frame := range c.queue {
		if c.ctx.Err() != nil {
			c.metrics.RecordFrameDropped(context.Background(), observe.ReasonClosed)
			continue
		}
		data, err := EncodeAudio(frame.pcm, frame.sampleRate)
		if err != nil {
			slog.Warn("transport: encode outbound frame", "err", err)
			continue
		}
		if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
			if c.ctx.Err() == nil {
				c.setErr(fmt.Errorf("transport: write: %w", err))
				c.shutdown()
			}
			c.metrics.RecordFrameDropped(context.Background(), observe.ReasonClosed)
		}
	}
}
