package call

import (
	"fmt"
	"strings"

	"github.com/MrWong99/voicedesk/internal/transcript"
)

// Snapshot is a read-only view of a call for display. A new snapshot is
// published on every state transition, every duration tick, every transcript
// turn, every error notice and every mute change.
type Snapshot struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	State     State  `json:"state"`

	// Duration is the number of whole seconds the call has been active.
	Duration int `json:"duration"`

	Muted      bool              `json:"muted"`
	SampleRate int               `json:"sample_rate,omitempty"`
	Transcript []transcript.Turn `json:"transcript"`

	// Error is the most recent user-visible error, either a failure that ended
	// the call or a non-fatal notice from the agent.
	Error string `json:"error,omitempty"`
}

// DurationText returns Duration formatted as m:ss.
func (s Snapshot) DurationText() string {
	return FormatDuration(s.Duration)
}

// FormatDuration renders whole seconds as m:ss, e.g. 75 as "1:15".
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// Command is an action requested by the control surface.
type Command int

const (
	StartRequested Command = iota + 1
	EndRequested
	MuteToggled
)

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case StartRequested:
		return "start"
	case EndRequested:
		return "end"
	case MuteToggled:
		return "mute"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// ParseCommand parses a wire name produced by [Command.String].
func ParseCommand(s string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start":
		return StartRequested, nil
	case "end":
		return EndRequested, nil
	case "mute":
		return MuteToggled, nil
	default:
		return 0, fmt.Errorf("call: unknown command %q", s)
	}
}
