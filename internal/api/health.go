package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// can serve a call and an error describing the problem otherwise.
type Checker struct {
	// Name appears as a key in the /readyz response (e.g. "agent").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// healthBody is the JSON body for /healthz and /readyz.
type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthz is a liveness probe. A process that can serve HTTP is alive.
func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{Status: "ok"})
}

// readyz returns 200 only when every checker passes. Checkers run in order,
// each under its own [checkTimeout] derived from the request context.
func readyz(checkers []Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := healthBody{Status: "ok", Checks: make(map[string]string, len(checkers))}
		status := http.StatusOK

		for _, c := range checkers {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			if err != nil {
				body.Checks[c.Name] = "fail: " + err.Error()
				body.Status = "fail"
				status = http.StatusServiceUnavailable
				continue
			}
			body.Checks[c.Name] = "ok"
		}
		writeJSON(w, status, body)
	}
}

// writeJSON encodes v as JSON with the given status code. On encoding
// failure it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
