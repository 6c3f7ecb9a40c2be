package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Manager keeps the single active session. Switching closes the current
// session before the next one is opened.
type Manager struct {
	template Options
	log      *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager takes the options shared by every conversation; the
// ConversationID field is ignored.
func NewManager(template Options) (*Manager, error) {
	if template.Client == nil {
		return nil, errors.New("api client is required")
	}
	log := template.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{template: template, log: log.With("component", "session.manager")}, nil
}

// Switch makes conversationID the active conversation. Switching to the
// conversation that is already open returns the existing session; any other
// switch always starts from a fresh session.
func (m *Manager) Switch(ctx context.Context, conversationID string) (*Session, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if m.current.ConversationID() == conversationID {
			return m.current, nil
		}
		previous := m.current.ConversationID()
		if err := m.current.Close(); err != nil {
			m.log.Warn("closing previous session failed", "conversation", previous, "error", err)
		}
		m.current = nil
		m.log.Debug("left conversation", "conversation", previous)
	}

	opts := m.template
	opts.ConversationID = conversationID
	s, err := Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open conversation %s: %w", conversationID, err)
	}
	m.current = s
	return s, nil
}

// Current returns the active session or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}
