package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/config"
	"github.com/katakuxiko/ragchat/internal/model"
)

// Token — фрагмент ответа генератора. Err != nil завершает поток.
type Token struct {
	Text string
	Err  error
}

// ModelInfo — модель, доступная на стороне генератора.
type ModelInfo struct {
	Name    string `json:"name"`
	OwnedBy string `json:"owned_by,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator выдаёт ответ по токенам. Канал закрывается после последнего
// токена, ошибки или отмены ctx.
type Generator interface {
	Generate(ctx context.Context, prompt string, p model.SamplingParams) (<-chan Token, error)
}

type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// Client — полный набор возможностей бэкенда.
type Client interface {
	Embedder
	Generator
	ModelLister
}

// New создаёт клиента для указанного провайдера.
func New(cfg config.BackendConfig, log *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg, log), nil
	case "ollama":
		return NewOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// send отдаёт токен, если получатель ещё слушает.
func send(ctx context.Context, out chan<- Token, t Token) bool {
	select {
	case out <- t:
		return true
	case <-ctx.Done():
		return false
	}
}
