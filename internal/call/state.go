package call

import (
	"errors"
	"fmt"
)

// State is the lifecycle phase of a [Session]. Transitions only move forward:
// idle, connecting, active, ended. Ended is terminal.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnded
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by [State.MarshalText].
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateEnded; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("call: unknown state %q", b)
}

// Sentinel errors describing why a call ended. They are user visible and
// state changing: a call that fails with one of them is over.
var (
	// ErrNegotiation means the session-start request failed.
	ErrNegotiation = errors.New("call: failed to start call")

	// ErrDeviceAccess means an audio device could not be opened.
	ErrDeviceAccess = errors.New("call: audio device unavailable")

	// ErrTransport means the duplex connection could not be opened or dropped
	// mid-call.
	ErrTransport = errors.New("call: connection error")
)

// ErrNotIdle is returned by [Session.Start] on a session that was already
// started. Sessions are single use.
var ErrNotIdle = errors.New("call: session already started")

// ErrEnded is returned by [Session.Start] when the session was ended while it
// was still connecting.
var ErrEnded = errors.New("call: session ended")

// ErrNoCall is returned by the [Manager] for commands that need a call in
// progress when there is none.
var ErrNoCall = errors.New("call: no call in progress")

// ErrBusy is returned by the [Manager] when a call is already in progress.
var ErrBusy = errors.New("call: a call is already in progress")

// Messages shown to the user for each failure kind.
const (
	msgStartFailed     = "Failed to start call. Please check microphone permissions."
	msgConnectionError = "Connection error. Please try again."
)

// userMessage maps a failure cause to the text shown to the user.
func userMessage(cause error) string {
	switch {
	case cause == nil:
		return ""
	case errors.Is(cause, ErrTransport):
		return msgConnectionError
	default:
		return msgStartFailed
	}
}

// failureKind is the metric label for a failure cause.
func failureKind(cause error) string {
	switch {
	case errors.Is(cause, ErrNegotiation):
		return "negotiation"
	case errors.Is(cause, ErrDeviceAccess):
		return "device"
	case errors.Is(cause, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
