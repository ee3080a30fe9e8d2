package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/katakuxiko/ragchat/internal/llm"
	"github.com/katakuxiko/ragchat/internal/model"
	"github.com/katakuxiko/ragchat/internal/store"
)

// Retriever находит чанки, релевантные вопросу.
type Retriever struct {
	embedder llm.Embedder
	store    store.PassageStore
}

func NewRetriever(e llm.Embedder, s store.PassageStore) *Retriever {
	return &Retriever{embedder: e, store: s}
}

// Retrieve возвращает не более p.TopK чанков со score >= p.RelevanceThreshold
// по убыванию score. Пара (документ, номер чанка) встречается не больше раза.
func (r *Retriever) Retrieve(ctx context.Context, query string, p model.QueryParameters) ([]model.PassageHit, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding: %w", model.ErrRetrievalUnavailable, err)
	}
	hits, err := r.store.Search(ctx, vec, p.TopK)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", model.ErrRetrievalUnavailable, err)
	}
	return filterHits(hits, p.TopK, p.RelevanceThreshold), nil
}

func filterHits(hits []model.PassageHit, topK int, threshold float64) []model.PassageHit {
	type key struct {
		doc   string
		index int
	}
	// хранилище уже отдаёт по убыванию; стабильная сортировка на случай,
	// если бэкенд этого не гарантирует
	sorted := append([]model.PassageHit(nil), hits...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	seen := make(map[key]struct{}, len(sorted))
	out := make([]model.PassageHit, 0, len(sorted))
	for _, h := range sorted {
		if topK > 0 && len(out) == topK {
			break
		}
		if h.Score < threshold {
			continue
		}
		k := key{h.SourceDocumentID, h.ChunkIndex}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, h)
	}
	return out
}
