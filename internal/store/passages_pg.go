package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/katakuxiko/ragchat/internal/model"
)

// PgStore хранит чанки в Postgres с расширением pgvector.
type PgStore struct {
	db *sql.DB
}

func NewPgStore(db *sql.DB) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) Upsert(ctx context.Context, doc model.DocumentInfo, chunks []model.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks and vectors length mismatch: %d != %d", len(chunks), len(vectors))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (document_id, filename, file_type, file_size, upload_date)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (document_id) DO UPDATE SET
			filename = EXCLUDED.filename,
			file_type = EXCLUDED.file_type,
			file_size = EXCLUDED.file_size
	`, doc.DocumentID, doc.Filename, doc.FileType, doc.FileSize); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.DocumentID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	for i, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (document_id, chunk_id, chunk_index, text, embedding)
			VALUES ($1, $2, $3, $4, $5::vector)
		`, doc.DocumentID, c.ID, c.Index, c.Text, pgvector.NewVector(vectors[i])); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Search ранжирует по косинусному расстоянию; score = 1 - distance.
func (s *PgStore) Search(ctx context.Context, q []float32, k int) ([]model.PassageHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.text, c.document_id, d.filename, c.chunk_index, 1 - (c.embedding <=> $1::vector) AS score
		FROM chunks c
		JOIN documents d ON d.document_id = c.document_id
		ORDER BY c.embedding <=> $1::vector
		LIMIT $2
	`, pgvector.NewVector(q), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.PassageHit
	for rows.Next() {
		var h model.PassageHit
		if err := rows.Scan(&h.Content, &h.SourceDocumentID, &h.SourceFilename, &h.ChunkIndex, &h.Score); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (s *PgStore) Exists(ctx context.Context, documentID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE document_id = $1)`, documentID).Scan(&ok)
	return ok, err
}

func (s *PgStore) ListDocuments(ctx context.Context) ([]model.DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.document_id, d.filename, d.file_type, d.file_size, d.upload_date, COUNT(c.id)
		FROM documents d
		LEFT JOIN chunks c ON c.document_id = d.document_id
		GROUP BY d.document_id
		ORDER BY d.upload_date DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.DocumentInfo{}
	for rows.Next() {
		var (
			d        model.DocumentInfo
			uploaded time.Time
		)
		if err := rows.Scan(&d.DocumentID, &d.Filename, &d.FileType, &d.FileSize, &uploaded, &d.NumChunks); err != nil {
			return nil, err
		}
		d.UploadDate = uploaded.UTC().Format(time.RFC3339)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PgStore) DeleteDocument(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE document_id = $1`, documentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrDocumentNotFound, documentID)
	}
	return nil
}
