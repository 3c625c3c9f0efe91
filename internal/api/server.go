// Package api exposes the call manager over HTTP.
//
// Routes:
//
//	GET  /healthz          liveness probe
//	GET  /readyz           readiness probe over the registered [Checker]s
//	GET  /metrics          Prometheus scrape endpoint
//	GET  /v1/call          current call snapshot
//	POST /v1/call/start    start a call (asynchronous, 202)
//	POST /v1/call/end      end the current call
//	POST /v1/call/mute     toggle the mute gate
//	GET  /v1/call/events   websocket stream of call snapshots
//
// Every route except /metrics goes through [observe.Middleware].
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicedesk/internal/call"
	"github.com/MrWong99/voicedesk/internal/observe"
)

// Calls is the part of [call.Manager] the API drives.
type Calls interface {
	Snapshot() call.Snapshot
	Handle(ctx context.Context, cmd call.Command) error
	Subscribe() (<-chan call.Snapshot, func())
}

// errorBody is the JSON body of failed control requests.
type errorBody struct {
	Error string `json:"error"`
}

// Option configures a [Server].
type Option func(*Server)

// WithCheckers registers readiness checkers for /readyz.
func WithCheckers(checkers ...Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithMetrics sets the metrics used by the request middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server routes HTTP requests to a [Calls] implementation.
type Server struct {
	calls          Calls
	checkers       []Checker
	metrics        *observe.Metrics
	metricsHandler http.Handler
	handler        http.Handler
}

// New builds a Server. The returned value is an [http.Handler].
func New(calls Calls, opts ...Option) *Server {
	s := &Server{calls: calls}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /healthz", healthz)
	api.HandleFunc("GET /readyz", readyz(s.checkers))
	api.HandleFunc("GET /v1/call", s.handleSnapshot)
	api.HandleFunc("POST /v1/call/start", s.handleCommand(call.StartRequested))
	api.HandleFunc("POST /v1/call/end", s.handleCommand(call.EndRequested))
	api.HandleFunc("POST /v1/call/mute", s.handleCommand(call.MuteToggled))
	api.HandleFunc("GET /v1/call/events", s.handleEvents)

	root := http.NewServeMux()
	root.Handle("GET /metrics", s.metricsHandler)
	root.Handle("/", observe.Middleware(s.metrics)(api))
	s.handler = root
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleCommand(cmd call.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.calls.Handle(r.Context(), cmd)
		switch {
		case err == nil:
		case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrNoCall):
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
			return
		default:
			observe.Logger(r.Context()).Error("api: command failed", "command", cmd.String(), "err", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
			return
		}

		status := http.StatusOK
		if cmd == call.StartRequested {
			status = http.StatusAccepted
		}
		slog.Debug("api: command applied", "command", cmd.String())
		writeJSON(w, status, s.calls.Snapshot())
	}
}
