// Package mock provides an in-memory stand-in for a duplex agent connection
// for use in unit tests.
//
// [Conn] records every outbound frame and lets the test inject inbound
// messages and remote closes:
//
//	conn := mock.NewConn(16)
//	conn.Deliver(transport.Transcript{Role: "caller", Text: "Hello"})
//	conn.CloseRemote(nil)
package mock

import (
	"sync"

	"github.com/MrWong99/voicedesk/internal/transport"
)

// SentFrame records one SendAudio call.
type SentFrame struct {
	PCM        []byte
	SampleRate int
}

// Conn is a mock duplex connection. All methods are safe for concurrent use.
type Conn struct {
	mu       sync.Mutex
	messages chan transport.Message
	ended    bool
	err      error
	sent     []SentFrame
	dropped  int

	// CloseError is returned by [Conn.Close].
	CloseError error

	// ClosePanic, when non-nil, makes [Conn.Close] panic with this value after
	// recording the call.
	ClosePanic any

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewConn returns an open connection whose inbound channel holds up to buffer
// messages.
func NewConn(buffer int) *Conn {
	return &Conn{messages: make(chan transport.Message, buffer)}
}

// Deliver injects an inbound message. It reports false if the connection has
// already ended or the buffer is full.
func (c *Conn) Deliver(msg transport.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	select {
	case c.messages <- msg:
		return true
	default:
		return false
	}
}

// CloseRemote simulates the remote side going away. err becomes the value of
// [Conn.Err]; pass an error wrapping [transport.ErrRemoteClosed] for a normal
// close or any other error for a failure.
func (c *Conn) CloseRemote(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.messages)
}

// SendAudio records the frame, or counts it as dropped after the connection
// ended.
func (c *Conn) SendAudio(pcm []byte, sampleRate int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		c.dropped++
		return
	}
	c.sent = append(c.sent, SentFrame{PCM: pcm, SampleRate: sampleRate})
}

// Messages returns the inbound channel.
func (c *Conn) Messages() <-chan transport.Message { return c.messages }

// Err returns the error passed to [Conn.CloseRemote].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection locally.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	if !c.ended {
		c.ended = true
		close(c.messages)
	}
	p, err := c.ClosePanic, c.CloseError
	c.mu.Unlock()
	if p != nil {
		panic(p)
	}
	return err
}

// Sent returns a copy of the recorded outbound frames.
func (c *Conn) Sent() []SentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentFrame(nil), c.sent...)
}

// Dropped returns the number of frames sent after the connection ended.
func (c *Conn) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Closes returns the number of Close calls.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}
