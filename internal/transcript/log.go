// Package transcript holds the spoken turns of a live call.
//
// A [Log] is append-only and insertion-ordered. Turns are appended by the
// inbound dispatch loop as the agent reports them and read by whoever renders
// the call. The log lives exactly as long as its call: [Log.Discard] drops
// every turn at teardown and later appends are ignored.
package transcript

import "sync"

// Well-known speaker roles. The agent may send other role strings; they are
// kept verbatim.
const (
	RoleCaller    = "caller"
	RoleAssistant = "assistant"
	RoleAgent     = "agent"
	RoleUser      = "user"
)

// Turn is one spoken turn.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Log is an append-only list of turns. It is safe for concurrent use.
type Log struct {
	mu        sync.RWMutex
	turns     []Turn
	discarded bool
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a turn at the end of the log. It reports false when the log has
// already been discarded.
func (l *Log) Append(t Turn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.discarded {
		return false
	}
	l.turns = append(l.turns, t)
	return true
}

// Turns returns a copy of all turns in insertion order.
func (l *Log) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Discard drops every turn and closes the log to further appends.
func (l *Log) Discard() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = nil
	l.discarded = true
}
