package llm

import (
	"context"
	"errors"
)

var ErrModelNotFound = errors.New("model not found")

// ProviderStatus — доступность генератора и его модели.
type ProviderStatus struct {
	Connected bool        `json:"connected"`
	Models    []ModelInfo `json:"models"`
	Error     string      `json:"error,omitempty"`
	Provider  string      `json:"provider"`
}

// PullProgress — одна строка прогресса скачивания модели.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// ModelManager скачивает и удаляет модели на стороне сервера генерации.
// Ошибка из fn прерывает скачивание.
type ModelManager interface {
	PullModel(ctx context.Context, name string, fn func(PullProgress) error) error
	DeleteModel(ctx context.Context, name string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Status опрашивает бэкенд: сначала Ping, если он есть, потом список моделей.
func Status(ctx context.Context, provider string, c ModelLister) ProviderStatus {
	if provider == "" {
		provider = "openai"
	}
	st := ProviderStatus{Provider: provider, Models: []ModelInfo{}}
	if c == nil {
		st.Error = "generator is not configured"
		return st
	}
	if p, ok := c.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			st.Error = err.Error()
			return st
		}
	}
	models, err := c.ListModels(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if models != nil {
		st.Models = models
	}
	st.Connected = true
	return st
}
