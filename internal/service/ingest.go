package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/document"
	"github.com/katakuxiko/ragchat/internal/llm"
	"github.com/katakuxiko/ragchat/internal/logging"
	"github.com/katakuxiko/ragchat/internal/metrics"
	"github.com/katakuxiko/ragchat/internal/model"
	"github.com/katakuxiko/ragchat/internal/store"
	"github.com/katakuxiko/ragchat/internal/util"
)

var ErrEmptyDocument = errors.New("document contains no text")

// IngestResult — итог загрузки одного файла.
type IngestResult struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	NumChunks  int    `json:"num_chunks"`
	Duplicate  bool   `json:"duplicate"`
	Message    string `json:"message"`
}

type IngestorDeps struct {
	Embedder llm.Embedder
	Store    store.PassageStore
	// ChunkSize и ChunkOverlap в словах.
	ChunkSize    int
	ChunkOverlap int
	// UploadDir — куда сохранять копии загруженных файлов; пусто — не сохранять.
	UploadDir string
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Ingestor извлекает текст, режет его на чанки, считает эмбеддинги и
// пишет всё в хранилище.
type Ingestor struct {
	embedder  llm.Embedder
	store     store.PassageStore
	size      int
	overlap   int
	uploadDir string
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewIngestor(d IngestorDeps) *Ingestor {
	return &Ingestor{
		embedder:  d.Embedder,
		store:     d.Store,
		size:      d.ChunkSize,
		overlap:   d.ChunkOverlap,
		uploadDir: d.UploadDir,
		metrics:   d.Metrics,
		log:       logging.OrNop(d.Logger),
	}
}

func (in *Ingestor) Ingest(ctx context.Context, filename string, data []byte) (*IngestResult, error) {
	return in.ingest(ctx, filename, data, in.uploadDir != "")
}

func (in *Ingestor) ingest(ctx context.Context, filename string, data []byte, keepCopy bool) (*IngestResult, error) {
	filename = filepath.Base(filename)
	if !document.Supported(filename) {
		return nil, fmt.Errorf("%w: %s", document.ErrUnsupportedType, filename)
	}
	docID := document.ID(data)
	log := in.log.With(zap.String("filename", filename), zap.String("document_id", docID))

	exists, err := in.store.Exists(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("check document: %w", err)
	}
	if exists {
		log.Info("document already ingested")
		return &IngestResult{
			DocumentID: docID,
			Filename:   filename,
			Duplicate:  true,
			Message:    "document already exists",
		}, nil
	}

	if keepCopy {
		if err := in.saveCopy(filename, data); err != nil {
			// копия не обязательна
			log.Warn("failed to keep uploaded file", zap.Error(err))
		}
	}

	text, err := document.ExtractText(filename, data)
	if err != nil {
		return nil, err
	}
	chunks := document.Split(docID, filename, text, in.size, in.overlap)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, filename)
	}

	vectors := make([][]float32, len(chunks))
	for i, ch := range chunks {
		vec, err := in.embedder.Embed(ctx, ch.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: embedding chunk %d of %s: %w", model.ErrRetrievalUnavailable, i, filename, err)
		}
		vectors[i] = vec
	}

	info := model.DocumentInfo{
		DocumentID: docID,
		Filename:   filename,
		FileType:   document.FileType(filename),
		UploadDate: time.Now().UTC().Format(time.RFC3339),
		NumChunks:  len(chunks),
		FileSize:   int64(len(data)),
	}
	if err := in.store.Upsert(ctx, info, chunks, vectors); err != nil {
		return nil, fmt.Errorf("%w: store document: %w", model.ErrRetrievalUnavailable, err)
	}
	in.metrics.Ingested(len(chunks))
	log.Info("document ingested", zap.Int("chunks", len(chunks)))

	return &IngestResult{
		DocumentID: docID,
		Filename:   filename,
		NumChunks:  len(chunks),
		Message:    fmt.Sprintf("document processed into %d chunks", len(chunks)),
	}, nil
}

func (in *Ingestor) saveCopy(filename string, data []byte) error {
	if err := os.MkdirAll(in.uploadDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(in.uploadDir, util.Timestamped(filename, time.Now())), data, 0o644)
}

// SyncError — файл, который не удалось загрузить при синхронизации.
type SyncError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

type SyncResult struct {
	Success      bool        `json:"success"`
	Synced       []string    `json:"synced"`
	Skipped      []string    `json:"skipped"`
	Errors       []SyncError `json:"errors"`
	TotalSynced  int         `json:"total_synced"`
	TotalSkipped int         `json:"total_skipped"`
	TotalErrors  int         `json:"total_errors"`
}

// Sync загружает файлы из каталога загрузок, которых ещё нет в хранилище.
// Ошибка одного файла не останавливает остальные.
func (in *Ingestor) Sync(ctx context.Context) (*SyncResult, error) {
	if in.uploadDir == "" {
		return nil, fmt.Errorf("%w: upload directory is not configured", model.ErrInvalidRequest)
	}
	res := &SyncResult{Success: true, Synced: []string{}, Skipped: []string{}, Errors: []SyncError{}}

	entries, err := os.ReadDir(in.uploadDir)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read upload dir: %w", err)
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		data, err := os.ReadFile(filepath.Join(in.uploadDir, name))
		if err != nil {
			res.Errors = append(res.Errors, SyncError{File: name, Error: err.Error()})
			continue
		}
		r, err := in.ingest(ctx, util.StripTimestamp(name), data, false)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, SyncError{File: name, Error: err.Error()})
		case r.Duplicate:
			res.Skipped = append(res.Skipped, name)
		default:
			res.Synced = append(res.Synced, name)
		}
	}

	res.TotalSynced = len(res.Synced)
	res.TotalSkipped = len(res.Skipped)
	res.TotalErrors = len(res.Errors)
	in.log.Info("upload dir synced",
		zap.Int("synced", res.TotalSynced),
		zap.Int("skipped", res.TotalSkipped),
		zap.Int("errors", res.TotalErrors))
	return res, nil
}

func (in *Ingestor) List(ctx context.Context) ([]model.DocumentInfo, error) {
	return in.store.ListDocuments(ctx)
}

func (in *Ingestor) Delete(ctx context.Context, documentID string) error {
	if err := in.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	in.log.Info("document deleted", zap.String("document_id", documentID))
	return nil
}
