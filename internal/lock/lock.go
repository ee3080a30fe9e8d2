// Package lock выдаёт advisory-замки на сессию чата: пока идёт ответ, второй
// писатель в ту же сессию получает model.ErrConflictingOperation.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/katakuxiko/ragchat/internal/model"
)

// ErrLockLost — причина отмены held, когда замок перехватили или он истёк.
var ErrLockLost = fmt.Errorf("%w: session lock lost", model.ErrConflictingOperation)

// Locker захватывает замок без ожидания. unlock можно вызывать повторно,
// лишние вызовы ничего не делают. held живёт, пока замок наш: он отменяется
// при unlock или с причиной ErrLockLost, если замок потерян.
type Locker interface {
	TryLock(ctx context.Context, key string) (held context.Context, unlock func(), err error)
}

// Memory — замки в пределах одного процесса.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) TryLock(_ context.Context, key string) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[key]; busy {
		return nil, nil, fmt.Errorf("%w: session %s is busy", model.ErrConflictingOperation, key)
	}
	m.held[key] = struct{}{}

	held, cancel := context.WithCancelCause(context.Background())
	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel(nil)
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}
