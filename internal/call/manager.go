package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the lifecycle of calls. Only one call can be in progress at a
// time; a finished call stays visible through [Manager.Snapshot] until the
// next one starts. All exported methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	current *Session
	cfg     Config
	deps    Deps
	hub     *Hub
}

// NewManager creates a Manager that builds sessions from cfg and deps.
func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{cfg: cfg, deps: deps, hub: NewHub()}
}

// Reconfigure replaces the settings used for the next call. A call already in
// progress keeps the settings it started with.
func (m *Manager) Reconfigure(cfg Config, deps Deps) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.deps = deps
	slog.Info("call manager reconfigured", "agent_id", cfg.AgentID)
}

// Subscribe returns a stream of snapshots of the current call. See
// [Hub.Subscribe].
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	return m.hub.Subscribe()
}

// Snapshot returns the view of the current or most recent call. With no call
// yet it returns an idle snapshot.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return Snapshot{State: StateIdle, AgentID: m.agentID()}
	}
	return s.Snapshot()
}

func (m *Manager) agentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.AgentID
}

// Active reports whether a call is connecting or active.
func (m *Manager) Active() bool {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	return s != nil && inProgress(s.Snapshot().State)
}

func inProgress(st State) bool {
	return st == StateIdle || st == StateConnecting || st == StateActive
}

// Start begins a new call and blocks until it is active or has failed.
// Returns [ErrBusy] if a call is already in progress.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	s, err := m.begin()
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return s, fmt.Errorf("call manager: %w", err)
	}
	return s, nil
}

// begin creates and registers a fresh session.
func (m *Manager) begin() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && inProgress(m.current.Snapshot().State) {
		return nil, fmt.Errorf("%w (id=%s)", ErrBusy, m.current.ID())
	}
	s := NewSession(m.cfg, m.deps, WithObserver(m.hub.Publish))
	m.current = s
	return s, nil
}

// End finishes the current call. It is a no-op when no call is in progress.
func (m *Manager) End() {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s != nil {
		s.End()
	}
}

// ToggleMute flips the mute gate of the current call. It reports the new
// state and false if there is no call.
func (m *Manager) ToggleMute() (muted, ok bool) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil || !inProgress(s.Snapshot().State) {
		return false, false
	}
	return s.ToggleMute(), true
}

// Handle applies a control command. StartRequested launches the call in the
// background and returns once the session is registered; progress is
// reported through snapshots.
func (m *Manager) Handle(ctx context.Context, cmd Command) error {
	switch cmd {
	case StartRequested:
		s, err := m.begin()
		if err != nil {
			return err
		}
		go func() {
			if err := s.Start(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("call manager: start failed", "session_id", s.ID(), "err", err)
			}
		}()
		return nil
	case EndRequested:
		m.End()
		return nil
	case MuteToggled:
		if _, ok := m.ToggleMute(); !ok {
			return ErrNoCall
		}
		return nil
	default:
		return fmt.Errorf("call manager: unsupported command %v", cmd)
	}
}

// Close ends the current call and waits for its goroutines to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s != nil {
		s.End()
		s.Wait()
	}
	return nil
}
