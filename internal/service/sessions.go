package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/lock"
	"github.com/katakuxiko/ragchat/internal/logging"
	"github.com/katakuxiko/ragchat/internal/metrics"
	"github.com/katakuxiko/ragchat/internal/model"
	"github.com/katakuxiko/ragchat/internal/store"
)

// Sessions — операции над историей, доступные через API. Изменения хода
// берут ту же блокировку сессии, что и стример, поэтому не пересекаются
// с идущей генерацией.
type Sessions struct {
	history *store.ChatHistory
	locker  lock.Locker
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewSessions(h *store.ChatHistory, l lock.Locker, m *metrics.Metrics, log *zap.Logger) *Sessions {
	if l == nil {
		l = lock.NewMemory()
	}
	return &Sessions{history: h, locker: l, metrics: m, log: logging.OrNop(log)}
}

func (s *Sessions) Create(ctx context.Context) (string, error) {
	id, err := s.history.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	s.log.Info("session created", zap.String("chat_id", id))
	return id, nil
}

func (s *Sessions) List(ctx context.Context) ([]model.SessionSummary, error) {
	return s.history.ListSessions(ctx)
}

func (s *Sessions) Get(ctx context.Context, id string) (model.Session, error) {
	return s.history.GetSession(ctx, id)
}

func (s *Sessions) withLock(ctx context.Context, id string, fn func() error) error {
	_, unlock, err := s.locker.TryLock(ctx, id)
	if err != nil {
		s.metrics.Conflict()
		return err
	}
	defer unlock()
	return fn()
}

// UpdateTurn заменяет версии хода idx целиком.
func (s *Sessions) UpdateTurn(ctx context.Context, id string, idx int, v model.TurnVersions) error {
	return s.withLock(ctx, id, func() error {
		return s.history.ReplaceTurnVersions(ctx, id, idx, v)
	})
}

func (s *Sessions) SelectVersion(ctx context.Context, id string, idx, version int) error {
	return s.withLock(ctx, id, func() error {
		return s.history.SelectTurnVersion(ctx, id, idx, version)
	})
}

func (s *Sessions) Delete(ctx context.Context, id string) error {
	err := s.withLock(ctx, id, func() error {
		return s.history.DeleteSession(ctx, id)
	})
	if err == nil {
		s.log.Info("session deleted", zap.String("chat_id", id))
	}
	return err
}
