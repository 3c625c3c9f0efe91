// Package negotiate exchanges an agent identifier for the duplex connection
// endpoint and the audio parameters of a new call.
package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/resilience"
)

// ErrFailed is wrapped by every error returned from [Client.Start]. Callers
// surface it as a single "failed to start call" condition.
var ErrFailed = errors.New("negotiate: failed to start call")

const (
	defaultTimeout    = 15 * time.Second
	defaultSampleRate = 24000

	// maxBodyBytes bounds how much of the response is read.
	maxBodyBytes = 1 << 20
)

// Result describes a negotiated call.
type Result struct {
	// WSURL is the duplex connection endpoint.
	WSURL string

	// SampleRate is the rate, in Hz, for both directions of the call.
	SampleRate int
}

type request struct {
	AgentID string `json:"agentId"`
}

type response struct {
	WSURL       string `json:"wsUrl"`
	AudioConfig *struct {
		SampleRate int `json:"sampleRate"`
	} `json:"audioConfig"`
}

// Option is a functional option for [New].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Defaults to a client without its
// own timeout; the per-request bound comes from [WithTimeout].
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds one negotiation request. Default: 15s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDefaultSampleRate sets the rate used when the response omits one.
// Default: 24000.
func WithDefaultSampleRate(hz int) Option {
	return func(c *Client) {
		if hz > 0 {
			c.defaultRate = hz
		}
	}
}

// WithBreaker guards requests with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client calls the session-start endpoint.
type Client struct {
	url         string
	http        *http.Client
	timeout     time.Duration
	defaultRate int
	breaker     *resilience.Breaker
	metrics     *observe.Metrics
}

// New creates a client for the session-start endpoint at url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		http:        &http.Client{},
		timeout:     defaultTimeout,
		defaultRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Start negotiates a new call for agentID. Network errors, non-2xx responses,
// malformed bodies and a missing endpoint all return an error wrapping
// [ErrFailed].
func (c *Client) Start(ctx context.Context, agentID string) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "negotiate.Start")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", agentID))

	start := time.Now()
	var res Result
	call := func(ctx context.Context) error {
		var err error
		res, err = c.do(ctx, agentID)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "negotiation failed")
	}
	c.metrics.RecordNegotiation(ctx, time.Since(start).Seconds(), status)

	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrFailed, err)
	}
	span.SetAttributes(attribute.Int("sample_rate", res.SampleRate))
	return res, nil
}

func (c *Client) do(ctx context.Context, agentID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(request{AgentID: agentID})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if r.WSURL == "" {
		return Result{}, errors.New("response has no wsUrl")
	}

	rate := c.defaultRate
	if r.AudioConfig != nil && r.AudioConfig.SampleRate > 0 {
		rate = r.AudioConfig.SampleRate
	}
	return Result{WSURL: r.WSURL, SampleRate: rate}, nil
}
