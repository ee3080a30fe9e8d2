package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/katakuxiko/ragchat/internal/config"
	"github.com/katakuxiko/ragchat/internal/llm"
	"github.com/katakuxiko/ragchat/internal/lock"
	"github.com/katakuxiko/ragchat/internal/metrics"
	"github.com/katakuxiko/ragchat/internal/model"
	"github.com/katakuxiko/ragchat/internal/service"
	"github.com/katakuxiko/ragchat/internal/store"
)

type stubBackend struct {
	tokens   []string
	embedErr error
}

func (b *stubBackend) Embed(context.Context, string) ([]float32, error) {
	if b.embedErr != nil {
		return nil, b.embedErr
	}
	return []float32{1, 0}, nil
}

func (b *stubBackend) Generate(ctx context.Context, _ string, _ model.SamplingParams) (<-chan llm.Token, error) {
	out := make(chan llm.Token)
	go func() {
		defer close(out)
		for _, t := range b.tokens {
			select {
			case out <- llm.Token{Text: t}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *stubBackend) ListModels(context.Context) ([]llm.ModelInfo, error) {
	return []llm.ModelInfo{{Name: "gemma"}, {Name: "llama3"}}, nil
}

type stubPassages struct {
	docs map[string]model.DocumentInfo
}

func (s *stubPassages) Search(context.Context, []float32, int) ([]model.PassageHit, error) {
	return []model.PassageHit{{Content: "Go is fun.", SourceDocumentID: "d", SourceFilename: "go.txt", Score: 0.9}}, nil
}

func (s *stubPassages) Upsert(_ context.Context, doc model.DocumentInfo, _ []model.Chunk, _ [][]float32) error {
	s.docs[doc.DocumentID] = doc
	return nil
}

func (s *stubPassages) Exists(_ context.Context, id string) (bool, error) {
	_, ok := s.docs[id]
	return ok, nil
}

func (s *stubPassages) ListDocuments(context.Context) ([]model.DocumentInfo, error) {
	var out []model.DocumentInfo
	for _, d := range s.docs {
		out = append(out, d)
	}
	return out, nil
}

func (s *stubPassages) DeleteDocument(_ context.Context, id string) error {
	if _, ok := s.docs[id]; !ok {
		return model.ErrDocumentNotFound
	}
	delete(s.docs, id)
	return nil
}

type testEnv struct {
	app     *fiber.App
	backend *stubBackend
	history *store.ChatHistory
	locker  *lock.Memory
	uploads string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	backend := &stubBackend{tokens: []string{"Hello", " there"}}
	passages := &stubPassages{docs: map[string]model.DocumentInfo{}}
	history := store.NewChatHistory(store.NewMemorySessions())
	locker := lock.NewMemory()
	uploads := filepath.Join(t.TempDir(), "uploads")
	m := metrics.New()

	streamer := service.NewStreamer(service.StreamerDeps{
		Retriever:       service.NewRetriever(backend, passages),
		Generator:       backend,
		History:         history,
		Locker:          locker,
		Metrics:         m,
		MaxHistoryTurns: cfg.History.MaxTurns,
	})
	h := NewHandler(Deps{
		Streamer: streamer,
		Sessions: service.NewSessions(history, locker, m, nil),
		Ingestor: service.NewIngestor(service.IngestorDeps{
			Embedder: backend, Store: passages, ChunkSize: 50, ChunkOverlap: 5, UploadDir: uploads, Metrics: m,
		}),
		Models:   backend,
		Defaults: cfg.Query,
	})
	return &testEnv{
		app:     NewApp(cfg.Server, h, m, nil),
		backend: backend,
		history: history,
		locker:  locker,
		uploads: uploads,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func readEvents(t *testing.T, body []byte) []model.Event {
	t.Helper()
	var out []model.Event
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestHealthAndRoot(t *testing.T) {
	t.Chdir(t.TempDir())
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != 200 || string(body) != "ok" {
		t.Fatalf("health = %d %s", resp.StatusCode, body)
	}
	resp, _ = e.do(t, http.MethodGet, "/", "")
	if resp.StatusCode != 200 {
		t.Fatalf("root = %d", resp.StatusCode)
	}
}

func TestQueryStreamSSE(t *testing.T) {
	t.Chdir(t.TempDir())
	e := newTestEnv(t)

	_, body := e.do(t, http.MethodPost, "/api/v1/chat/new", "")
	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.SessionID == "" {
		t.Fatalf("chat/new = %s", body)
	}

	resp, body := e.do(t, http.MethodPost, "/api/v1/query/stream",
		`{"query":"what is go?","chat_id":"`+created.SessionID+`"}`)
	if resp.StatusCode != 200 || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("stream = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	evs := readEvents(t, body)
	if len(evs) != 4 {
		t.Fatalf("events = %s", body)
	}
	if evs[0].Type != model.EventChunks || len(evs[0].Chunks) != 1 || evs[0].Chunks[0].SourceFilename != "go.txt" {
		t.Fatalf("chunks event = %+v", evs[0])
	}
	if evs[1].Token != "Hello" || evs[2].Token != " there" {
		t.Fatalf("tokens = %+v %+v", evs[1], evs[2])
	}
	if evs[3].Type != model.EventDone || evs[3].ChatID != created.SessionID {
		t.Fatalf("done = %+v", evs[3])
	}

	_, body = e.do(t, http.MethodGet, "/api/v1/chat/"+created.SessionID, "")
	var sess struct {
		History []model.Turn `json:"history"`
	}
	if err := json.Unmarshal(body, &sess); err != nil || len(sess.History) != 1 || sess.History[0].Answer != "Hello there" {
		t.Fatalf("history = %s", body)
	}
}

func TestQueryStreamErrorEvent(t *testing.T) {
	t.Chdir(t.TempDir())
	e := newTestEnv(t)
	e.backend.embedErr = errors.New("embedder offline")

	resp, body := e.do(t, http.MethodPost, "/api/v1/query/stream", `{"query":"q"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	evs := readEvents(t, body)
	if len(evs) != 1 || evs[0].Type != model.EventError || !strings.Contains(evs[0].Error, "embedder offline") {
		t.Fatalf("events = %s", body)
	}
}

func TestQueryValidationAndErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	e := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"empty query", http.MethodPost, "/api/v1/query/stream", `{"query":""}`, 400},
		{"bad top_k", http.MethodPost, "/api/v1/query", `{"query":"q","top_k":0}`, 400},
		{"not json", http.MethodPost, "/api/v1/query", `{"query":`, 400},
		{"unknown chat", http.MethodGet, "/api/v1/chat/nope", "", 404},
		{"delete unknown chat", http.MethodDelete, "/api/v1/chat/nope", "", 404},
		{"select bad index", http.MethodPost, "/api/v1/chat/nope/turns/x/select", `{"version":0}`, 400},
		{"delete unknown doc", http.MethodDelete, "/api/v1/documents/abc", "", 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
			var out map[string]any
			if err := json.Unmarshal(body, &out); err != nil || out["error"] == nil {
				t.Fatalf("expected error body, got %s", body)
			}
		})
	}
}

func TestQueryJSON(t *testing.T) {
	t.Chdir(t.TempDir())
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/v1/query/", `{"query":"what is go?","top_k":3}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}
	var ans service.Answer
	if err := json.Unmarshal(body, &ans); err != nil {
		t.Fatal(err)
	}
	if ans.Answer != "Hello there" || ans.Metadata.NumChunks != 1 || ans.Query != "what is go?" {
		t.Fatalf("answer = %+v", ans)
	}
}

func TestChatBusyReturnsConflict(t *testing.T) {
	t.Chdir(t.TempDir())
	e := newTestEnv(t)
	id, err := e.history.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, unlock, err := e.locker.TryLock(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	resp, _ := e.do(t, http.MethodDelete, "/api/v1/chat/"+id, "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestTurnUpdateAndSelect(t *testing.T) {
	t.Chdir(t.TempDir())
	e := newTestEnv(t)
	ctx := context.Background()
	id, _ := e.history.CreateSession(ctx)
	for _, q := range []string{"q0", "q1"} {
		if err := e.history.AppendTurn(ctx, id, model.Turn{Query: q, Answer: "a-" + q}); err != nil {
			t.Fatal(err)
		}
	}

	update := `{
		"versions": ["a-q1", "a-q1 v2"],
		"versions_chunks": [[], []],
		"messages_per_version": [[], []],
		"current_version": 1
	}`
	resp, body := e.do(t, http.MethodPut, "/api/v1/chat/"+id+"/turns/1", update)
	if resp.StatusCode != 200 {
		t.Fatalf("update = %d %s", resp.StatusCode, body)
	}

	mismatch := `{"versions": ["a", "b"], "versions_chunks": [[]], "messages_per_version": [[], []]}`
	if resp, body := e.do(t, http.MethodPut, "/api/v1/chat/"+id+"/turns/1", mismatch); resp.StatusCode != 400 {
		t.Fatalf("mismatch = %d %s", resp.StatusCode, body)
	}
	if resp, body := e.do(t, http.MethodPut, "/api/v1/chat/"+id+"/turns/7", update); resp.StatusCode != 400 {
		t.Fatalf("out of range = %d %s", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodPost, "/api/v1/chat/"+id+"/turns/1/select", `{"version":0}`)
	if resp.StatusCode != 200 {
		t.Fatalf("select = %d %s", resp.StatusCode, body)
	}
	var sess struct {
		History []model.Turn `json:"history"`
	}
	if err := json.Unmarshal(body, &sess); err != nil {
		t.Fatal(err)
	}
	if sess.History[1].Answer != "a-q1" || sess.History[1].Versions.Current != 0 {
		t.Fatalf("after select = %+v", sess.History[1])
	}
}

func TestChatListAndDelete(t *testing.T) {
	t.Chdir(t.TempDir())
	e := newTestEnv(t)
	ctx := context.Background()
	id, _ := e.history.CreateSession(ctx)
	_ = e.history.AppendTurn(ctx, id, model.Turn{Query: "first question", Answer: "a"})

	_, body := e.do(t, http.MethodGet, "/api/v1/chat/list", "")
	var list struct {
		Sessions []model.SessionSummary `json:"sessions"`
	}
	if err := json.Unmarshal(body, &list); err != nil || len(list.Sessions) != 1 || list.Sessions[0].FirstQuery != "first question" {
		t.Fatalf("list = %s", body)
	}

	if resp, _ := e.do(t, http.MethodDelete, "/api/v1/chat/"+id, ""); resp.StatusCode != 200 {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodGet, "/api/v1/chat/"+id, ""); resp.StatusCode != 404 {
		t.Fatalf("get after delete = %d", resp.StatusCode)
	}
}

func TestDocumentsUploadListAndModels(t *testing.T) {
	t.Chdir(t.TempDir())
	e := newTestEnv(t)

	upload := func(name, content string) (*http.Response, []byte) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(content))
		_ = mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		resp, err := e.app.Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp, b
	}

	resp, body := upload("notes.md", "# Go\nGoroutines are cheap.")
	if resp.StatusCode != 200 {
		t.Fatalf("upload = %d %s", resp.StatusCode, body)
	}
	var res service.IngestResult
	if err := json.Unmarshal(body, &res); err != nil || res.NumChunks != 1 || res.Duplicate {
		t.Fatalf("upload result = %s", body)
	}
	if resp, body := upload("photo.png", "\x89PNG"); resp.StatusCode != 400 {
		t.Fatalf("unsupported upload = %d %s", resp.StatusCode, body)
	}

	_, body = e.do(t, http.MethodGet, "/api/v1/documents/list", "")
	if !strings.Contains(string(body), `"total":1`) || !strings.Contains(string(body), "notes.md") {
		t.Fatalf("list = %s", body)
	}

	_, body = e.do(t, http.MethodGet, "/api/v1/models/", "")
	if !strings.Contains(string(body), `"name":"llama3"`) {
		t.Fatalf("models = %s", body)
	}

	resp, body = e.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != 200 || !strings.Contains(string(body), "ragchat_chunks_ingested_total 1") {
		t.Fatalf("metrics = %d %s", resp.StatusCode, body)
	}
}

func TestDocumentsSync(t *testing.T) {
	t.Chdir(t.TempDir())
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/v1/documents/sync", "")
	if resp.StatusCode != 200 || !strings.Contains(string(body), `"total_synced":0`) {
		t.Fatalf("empty sync = %d %s", resp.StatusCode, body)
	}

	if err := os.MkdirAll(e.uploads, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		"guide.txt":   "Channels connect goroutines.",
		"diagram.svg": "<svg/>",
	} {
		if err := os.WriteFile(filepath.Join(e.uploads, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	resp, body = e.do(t, http.MethodPost, "/api/v1/documents/sync", "")
	if resp.StatusCode != 200 {
		t.Fatalf("sync = %d %s", resp.StatusCode, body)
	}
	var res service.SyncResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.TotalSynced != 1 || res.Synced[0] != "guide.txt" || res.TotalErrors != 1 || res.Errors[0].File != "diagram.svg" {
		t.Fatalf("sync result = %s", body)
	}

	_, body = e.do(t, http.MethodPost, "/api/v1/documents/sync", "")
	if !strings.Contains(string(body), `"skipped":["guide.txt"]`) {
		t.Fatalf("second sync = %s", body)
	}
}
