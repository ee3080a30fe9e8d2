package store

import (
	"context"

	"github.com/katakuxiko/ragchat/internal/model"
)

// PassageStore — векторное хранилище чанков документов.
type PassageStore interface {
	// Search возвращает до k ближайших чанков по убыванию косинусного сходства.
	Search(ctx context.Context, vector []float32, k int) ([]model.PassageHit, error)
	Upsert(ctx context.Context, doc model.DocumentInfo, chunks []model.Chunk, vectors [][]float32) error
	Exists(ctx context.Context, documentID string) (bool, error)
	ListDocuments(ctx context.Context) ([]model.DocumentInfo, error)
	DeleteDocument(ctx context.Context, documentID string) error
}
