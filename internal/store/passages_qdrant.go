package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/katakuxiko/ragchat/internal/model"
)

// QdrantStore — минимальный REST-клиент Qdrant с косинусной метрикой.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
	now        func() time.Time
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantStore{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// pointID детерминированно выводит UUID точки из документа и номера чанка,
// поэтому повторная загрузка перезаписывает те же точки.
func pointID(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s_%d", documentID, index))).String()
}

// Init создаёт коллекцию, если её ещё нет.
func (s *QdrantStore) Init(ctx context.Context) error {
	if s.dimension <= 0 {
		return errors.New("invalid dimension")
	}
	status, err := s.do(ctx, http.MethodGet, s.collectionURL(""), nil, nil)
	if err == nil {
		return nil
	}
	if status != http.StatusNotFound {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{"size": s.dimension, "distance": "Cosine"},
	}
	_, err = s.do(ctx, http.MethodPut, s.collectionURL(""), body, nil)
	return err
}

func (s *QdrantStore) Upsert(ctx context.Context, doc model.DocumentInfo, chunks []model.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return errors.New("chunks and vectors length mismatch")
	}
	// старые точки документа могли быть длиннее нового набора
	if err := s.deleteByDocument(ctx, doc.DocumentID); err != nil {
		return err
	}
	uploaded := s.now().UTC().Format(time.RFC3339)
	points := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		points[i] = map[string]any{
			"id":     pointID(doc.DocumentID, c.Index),
			"vector": vectors[i],
			"payload": map[string]any{
				"document_id": doc.DocumentID,
				"chunk_id":    c.ID,
				"chunk_index": c.Index,
				"content":     c.Text,
				"filename":    doc.Filename,
				"file_type":   doc.FileType,
				"file_size":   doc.FileSize,
				"upload_date": uploaded,
			},
		}
	}
	_, err := s.do(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), map[string]any{"points": points}, nil)
	return err
}

type qdrantPayload struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
	Filename   string `json:"filename"`
	FileType   string `json:"file_type"`
	FileSize   int64  `json:"file_size"`
	UploadDate string `json:"upload_date"`
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, k int) ([]model.PassageHit, error) {
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/search"), req, &resp); err != nil {
		return nil, err
	}
	hits := make([]model.PassageHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, model.PassageHit{
			Content:          r.Payload.Content,
			SourceDocumentID: r.Payload.DocumentID,
			SourceFilename:   r.Payload.Filename,
			ChunkIndex:       r.Payload.ChunkIndex,
			Score:            r.Score,
		})
	}
	return hits, nil
}

func documentFilter(documentID string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": "document_id", "match": map[string]any{"value": documentID}},
		},
	}
}

type scrollResponse struct {
	Result struct {
		Points []struct {
			Payload qdrantPayload `json:"payload"`
		} `json:"points"`
		NextPageOffset any `json:"next_page_offset"`
	} `json:"result"`
}

func (s *QdrantStore) Exists(ctx context.Context, documentID string) (bool, error) {
	req := map[string]any{
		"filter":       documentFilter(documentID),
		"limit":        1,
		"with_payload": false,
	}
	var resp scrollResponse
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/scroll"), req, &resp); err != nil {
		return false, err
	}
	return len(resp.Result.Points) > 0, nil
}

// ListDocuments проходит всю коллекцию постранично и группирует точки по документу.
func (s *QdrantStore) ListDocuments(ctx context.Context) ([]model.DocumentInfo, error) {
	byID := map[string]*model.DocumentInfo{}
	var order []string
	var offset any
	for {
		req := map[string]any{"limit": 256, "with_payload": true}
		if offset != nil {
			req["offset"] = offset
		}
		var resp scrollResponse
		if _, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/scroll"), req, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp.Result.Points {
			d, ok := byID[p.Payload.DocumentID]
			if !ok {
				ft := p.Payload.FileType
				if ft == "" {
					ft = strings.ToLower(filepath.Ext(p.Payload.Filename))
				}
				d = &model.DocumentInfo{
					DocumentID: p.Payload.DocumentID,
					Filename:   p.Payload.Filename,
					FileType:   ft,
					UploadDate: p.Payload.UploadDate,
					FileSize:   p.Payload.FileSize,
				}
				byID[d.DocumentID] = d
				order = append(order, d.DocumentID)
			}
			d.NumChunks++
		}
		if resp.Result.NextPageOffset == nil || len(resp.Result.Points) == 0 {
			break
		}
		offset = resp.Result.NextPageOffset
	}
	out := make([]model.DocumentInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (s *QdrantStore) DeleteDocument(ctx context.Context, documentID string) error {
	ok, err := s.Exists(ctx, documentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrDocumentNotFound, documentID)
	}
	return s.deleteByDocument(ctx, documentID)
}

func (s *QdrantStore) deleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"),
		map[string]any{"filter": documentFilter(documentID)}, nil)
	return err
}

func (s *QdrantStore) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, s.collection, suffix)
}

func (s *QdrantStore) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("qdrant %s %s failed: %s", method, url, resp.Status)
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}
