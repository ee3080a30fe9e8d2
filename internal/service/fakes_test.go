package service

import (
	"context"
	"errors"
	"sync"

	"github.com/katakuxiko/ragchat/internal/llm"
	"github.com/katakuxiko/ragchat/internal/model"
	"github.com/katakuxiko/ragchat/internal/store"
)

type fakeEmbedder struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(len(text)), 1}, nil
}

type fakeStore struct {
	hits      []model.PassageHit
	searchErr error
	upsertErr error
	searchedK int

	mu       sync.Mutex
	docs     map[string]model.DocumentInfo
	upserted []model.Chunk
	vectors  [][]float32
}

func (s *fakeStore) Search(_ context.Context, _ []float32, k int) ([]model.PassageHit, error) {
	s.searchedK = k
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return append([]model.PassageHit(nil), s.hits...), nil
}

func (s *fakeStore) Upsert(_ context.Context, doc model.DocumentInfo, chunks []model.Chunk, vectors [][]float32) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs == nil {
		s.docs = map[string]model.DocumentInfo{}
	}
	s.docs[doc.DocumentID] = doc
	s.upserted = append(s.upserted, chunks...)
	s.vectors = append(s.vectors, vectors...)
	return nil
}

func (s *fakeStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[id]
	return ok, nil
}

func (s *fakeStore) ListDocuments(context.Context) ([]model.DocumentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DocumentInfo, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return model.ErrDocumentNotFound
	}
	delete(s.docs, id)
	return nil
}

// fakeGen отдаёт tokens, затем либо midErr, либо (при hold) ждёт отмены.
type fakeGen struct {
	tokens []string
	err    error
	midErr error
	hold   bool

	mu      sync.Mutex
	prompts []string
	params  []model.SamplingParams
}

func (g *fakeGen) Generate(ctx context.Context, prompt string, p model.SamplingParams) (<-chan llm.Token, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.params = append(g.params, p)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	out := make(chan llm.Token)
	go func() {
		defer close(out)
		for _, t := range g.tokens {
			select {
			case out <- llm.Token{Text: t}:
			case <-ctx.Done():
				return
			}
		}
		if g.midErr != nil {
			select {
			case out <- llm.Token{Err: g.midErr}:
			case <-ctx.Done():
			}
			return
		}
		if g.hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (g *fakeGen) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *fakeGen) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

// brokenHistory читает из настоящей истории, но не может ничего записать.
type brokenHistory struct {
	*store.ChatHistory
}

var errDiskFull = errors.New("disk full")

func (b brokenHistory) AppendTurn(context.Context, string, model.Turn) error { return errDiskFull }

func (b brokenHistory) Regenerate(context.Context, string, int, string, []model.PassageHit) error {
	return errDiskFull
}

func sampleHits() []model.PassageHit {
	return []model.PassageHit{
		{Content: "Go has goroutines.", SourceDocumentID: "d1", SourceFilename: "go.md", ChunkIndex: 0, Score: 0.91},
		{Content: "Channels connect goroutines.", SourceDocumentID: "d1", SourceFilename: "go.md", ChunkIndex: 1, Score: 0.72},
		{Content: "Unrelated text.", SourceDocumentID: "d2", SourceFilename: "misc.txt", ChunkIndex: 4, Score: 0.12},
	}
}

func baseRequest(q string) model.QueryRequest {
	return model.QueryRequest{
		Query:        q,
		TopK:         5,
		Temperature:  0.7,
		MaxTokens:    512,
		TopP:         0.9,
		TopKSampling: 40,
	}
}

func collect(ch <-chan model.Event) []model.Event {
	var out []model.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventTypes(evs []model.Event) []model.EventType {
	out := make([]model.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
