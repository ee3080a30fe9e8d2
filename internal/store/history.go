package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/katakuxiko/ragchat/internal/model"
)

// SessionBackend хранит сессии целиком, одной записью на сессию.
type SessionBackend interface {
	Insert(ctx context.Context, s model.Session) error
	Load(ctx context.Context, id string) (model.Session, error)
	// Update выполняет read-modify-write одной записи. Если fn вернула ошибку,
	// запись не меняется.
	Update(ctx context.Context, id string, fn func(*model.Session) error) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.SessionSummary, error)
}

// ChatHistory — история диалогов поверх любого SessionBackend.
type ChatHistory struct {
	backend SessionBackend
	now     func() time.Time
}

func NewChatHistory(b SessionBackend) *ChatHistory {
	return &ChatHistory{backend: b, now: func() time.Time { return time.Now().UTC() }}
}

func (h *ChatHistory) Now() time.Time { return h.now() }

func (h *ChatHistory) CreateSession(ctx context.Context) (string, error) {
	now := h.now()
	s := model.Session{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now, Turns: []model.Turn{}}
	if err := h.backend.Insert(ctx, s); err != nil {
		return "", err
	}
	return s.ID, nil
}

// ListSessions — новые сверху, при равном времени по id.
func (h *ChatHistory) ListSessions(ctx context.Context) ([]model.SessionSummary, error) {
	out, err := h.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (h *ChatHistory) GetSession(ctx context.Context, id string) (model.Session, error) {
	return h.backend.Load(ctx, id)
}

func (h *ChatHistory) GetHistory(ctx context.Context, id string) ([]model.Turn, error) {
	s, err := h.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Turns, nil
}

func (h *ChatHistory) update(ctx context.Context, id string, fn func(*model.Session) error) error {
	return h.backend.Update(ctx, id, func(s *model.Session) error {
		if err := fn(s); err != nil {
			return err
		}
		s.UpdatedAt = h.now()
		return nil
	})
}

func (h *ChatHistory) AppendTurn(ctx context.Context, id string, t model.Turn) error {
	return h.update(ctx, id, func(s *model.Session) error {
		s.AppendTurn(t)
		return nil
	})
}

func (h *ChatHistory) ReplaceTurnVersions(ctx context.Context, id string, idx int, v model.TurnVersions) error {
	return h.update(ctx, id, func(s *model.Session) error {
		return s.ReplaceTurnVersions(idx, v)
	})
}

// Regenerate добавляет ходу новую версию ответа одной записью.
func (h *ChatHistory) Regenerate(ctx context.Context, id string, idx int, answer string, chunks []model.PassageHit) error {
	return h.update(ctx, id, func(s *model.Session) error {
		return s.Regenerate(idx, answer, chunks)
	})
}

func (h *ChatHistory) SelectTurnVersion(ctx context.Context, id string, idx, version int) error {
	return h.update(ctx, id, func(s *model.Session) error {
		return s.SelectTurnVersion(idx, version)
	})
}

func (h *ChatHistory) DeleteSession(ctx context.Context, id string) error {
	return h.backend.Delete(ctx, id)
}
