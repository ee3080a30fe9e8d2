package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/katakuxiko/ragchat/internal/model"
)

// MemorySessions держит сессии в памяти процесса.
type MemorySessions struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]model.Session)}
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
}

func (m *MemorySessions) Insert(_ context.Context, s model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemorySessions) Load(_ context.Context, id string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, notFound(id)
	}
	return s.Clone(), nil
}

func (m *MemorySessions) Update(_ context.Context, id string, fn func(*model.Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	work := s.Clone()
	if err := fn(&work); err != nil {
		return err
	}
	m.sessions[id] = work
	return nil
}

func (m *MemorySessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return notFound(id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemorySessions) List(_ context.Context) ([]model.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Summary())
	}
	return out, nil
}
