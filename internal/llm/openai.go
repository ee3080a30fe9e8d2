package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/config"
	"github.com/katakuxiko/ragchat/internal/logging"
	"github.com/katakuxiko/ragchat/internal/model"
)

// OpenAIClient — клиент для LM Studio / OpenAI совместимых серверов
type OpenAIClient struct {
	client *openai.Client
	model  string
	log    *zap.Logger
}

// NewOpenAIClient создаёт клиента по настройкам бэкенда
func NewOpenAIClient(cfg config.BackendConfig, log *zap.Logger) *OpenAIClient {
	key := cfg.APIKey
	if key == "" {
		key = "not-needed"
	}
	oaiCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		oaiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oaiCfg),
		model:  cfg.Model,
		log:    logging.OrNop(log),
	}
}

// Embed получает embedding текста
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response is empty")
	}
	return resp.Data[0].Embedding, nil
}

// Generate стримит ответ chat completion. top_k этим API не поддерживается.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, p model.SamplingParams) (<-chan Token, error) {
	name := p.Model
	if name == "" {
		name = c.model
	}
	if p.TopK > 0 {
		c.log.Debug("top_k is not supported by openai-compatible backends, ignored",
			zap.String("model", name), zap.Int("top_k", p.TopK))
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: name,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   p.MaxTokens,
		Temperature: float32(p.Temperature),
		TopP:        float32(p.TopP),
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}

	out := make(chan Token)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, out, Token{Err: err})
				}
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ctx, out, Token{Text: resp.Choices[0].Delta.Content}) {
				return
			}
		}
	}()
	return out, nil
}

// ListModels возвращает список моделей сервера
func (c *OpenAIClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelInfo{Name: m.ID, OwnedBy: m.OwnedBy})
	}
	return out, nil
}
