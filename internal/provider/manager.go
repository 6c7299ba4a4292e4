package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Manager owns the mode switch. At most one backend is ever active: the
// previous one is fully disconnected before the next one connects, so two
// backends can never both hold the workspace.
type Manager struct {
	logger   zerolog.Logger
	backends map[Mode]Provider

	mu          sync.Mutex
	mode        Mode
	active      Provider
	workspaceID string
}

func NewManager(local, collab Provider, logger zerolog.Logger) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "provider").Logger(),
		backends: map[Mode]Provider{
			ModeLocal:         local,
			ModeCollaborative: collab,
		},
	}
}

// Switch tears down the active backend and connects the requested one.
// Switching to the already-active mode and workspace is a no-op.
func (m *Manager) Switch(ctx context.Context, mode Mode, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.mode == mode && m.workspaceID == workspaceID {
		return nil
	}
	next, ok := m.backends[mode]
	if !ok || next == nil {
		return fmt.Errorf("no backend for mode %q", mode)
	}
	if m.active != nil {
		m.logger.Info().Str("from", string(m.mode)).Str("to", string(mode)).Msg("switching sync backend")
		m.active.Disconnect()
		m.active = nil
		m.mode = ""
	}
	if err := next.Connect(ctx, workspaceID); err != nil {
		return fmt.Errorf("connect %s backend: %w", mode, err)
	}
	m.active = next
	m.mode = mode
	m.workspaceID = workspaceID
	return nil
}

// Active returns the current backend, or nil when nothing is connected.
func (m *Manager) Active() Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Mode reports the active mode, empty when disconnected.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Disconnect tears down whichever backend is active.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	m.active.Disconnect()
	m.active = nil
	m.mode = ""
	m.workspaceID = ""
}
