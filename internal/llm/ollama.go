package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/katakuxiko/ragchat/internal/config"
	"github.com/katakuxiko/ragchat/internal/model"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaClient ходит в нативный API Ollama; в отличие от OpenAI-совместимого
// он понимает top_k.
type OllamaClient struct {
	client *api.Client
	model  string
}

func NewOllamaClient(cfg config.BackendConfig) (*OllamaClient, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = defaultOllamaURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ollama base url: %w", err)
	}
	hc := http.DefaultClient
	if cfg.Timeout > 0 {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &OllamaClient{client: api.NewClient(u, hc), model: cfg.Model}, nil
}

func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Embed(ctx, &api.EmbedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, errors.New("embedding response is empty")
	}
	return resp.Embeddings[0], nil
}

func (c *OllamaClient) Generate(ctx context.Context, prompt string, p model.SamplingParams) (<-chan Token, error) {
	name := p.Model
	if name == "" {
		name = c.model
	}
	stream := true
	req := &api.GenerateRequest{
		Model:  name,
		Prompt: prompt,
		Stream: &stream,
		Options: map[string]any{
			"num_predict": p.MaxTokens,
			"temperature": p.Temperature,
			"top_p":       p.TopP,
			"top_k":       p.TopK,
		},
	}

	out := make(chan Token)
	go func() {
		defer close(out)
		err := c.client.Generate(ctx, req, func(r api.GenerateResponse) error {
			if r.Response == "" {
				return nil
			}
			if !send(ctx, out, Token{Text: r.Response}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			send(ctx, out, Token{Err: err})
		}
	}()
	return out, nil
}

func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.client.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelInfo{Name: m.Name, Size: m.Size})
	}
	return out, nil
}

func (c *OllamaClient) Ping(ctx context.Context) error {
	return c.client.Heartbeat(ctx)
}

// PullModel скачивает модель и отдаёт прогресс по мере поступления.
func (c *OllamaClient) PullModel(ctx context.Context, name string, fn func(PullProgress) error) error {
	stream := true
	err := c.client.Pull(ctx, &api.PullRequest{Model: name, Stream: &stream}, func(r api.ProgressResponse) error {
		return fn(PullProgress{Status: r.Status, Digest: r.Digest, Total: r.Total, Completed: r.Completed})
	})
	return modelError(name, err)
}

func (c *OllamaClient) DeleteModel(ctx context.Context, name string) error {
	return modelError(name, c.client.Delete(ctx, &api.DeleteRequest{Model: name}))
}

func modelError(name string, err error) error {
	var se api.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return err
}
