package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/katakuxiko/ragchat/internal/config"
	"github.com/katakuxiko/ragchat/internal/llm"
)

// stubOllama умеет всё, что умеет Ollama: ping, pull и delete.
type stubOllama struct {
	stubBackend
	pingErr error
	pullErr error
	deleted []string
}

func (o *stubOllama) Ping(context.Context) error { return o.pingErr }

func (o *stubOllama) PullModel(_ context.Context, name string, fn func(llm.PullProgress) error) error {
	for _, p := range []llm.PullProgress{
		{Status: "pulling manifest"},
		{Status: "downloading", Digest: "sha256:abc", Total: 100, Completed: 50},
		{Status: "success"},
	} {
		if o.pullErr != nil && p.Status == "success" {
			return o.pullErr
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (o *stubOllama) DeleteModel(_ context.Context, name string) error {
	if name == "ghost" {
		return fmt.Errorf("%w: %s", llm.ErrModelNotFound, name)
	}
	o.deleted = append(o.deleted, name)
	return nil
}

func newModelsApp(t *testing.T, models llm.ModelLister, provider string) *testEnv {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(Deps{Models: models, Provider: provider, Defaults: cfg.Query})
	return &testEnv{app: NewApp(cfg.Server, h, nil, nil)}
}

func TestModelStatus(t *testing.T) {
	e := newModelsApp(t, &stubOllama{}, "ollama")
	resp, body := e.do(t, http.MethodGet, "/api/v1/models/status", "")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}
	for _, want := range []string{`"connected":true`, `"provider":"ollama"`, `"name":"gemma"`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %s in %s", want, body)
		}
	}

	down := newModelsApp(t, &stubOllama{pingErr: errors.New("connection refused")}, "ollama")
	resp, body = down.do(t, http.MethodGet, "/api/v1/models/status", "")
	if resp.StatusCode != 200 || !strings.Contains(string(body), `"connected":false`) || !strings.Contains(string(body), "connection refused") {
		t.Fatalf("down status = %d %s", resp.StatusCode, body)
	}

	openai := newModelsApp(t, &stubBackend{}, "")
	_, body = openai.do(t, http.MethodGet, "/api/v1/models/status", "")
	if !strings.Contains(string(body), `"provider":"openai"`) || !strings.Contains(string(body), `"connected":true`) {
		t.Fatalf("openai status = %s", body)
	}
}

func TestModelPullStreamsProgress(t *testing.T) {
	e := newModelsApp(t, &stubOllama{}, "ollama")
	resp, body := e.do(t, http.MethodPost, "/api/v1/models/pull", `{"name":"llama3:8b"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("pull = %d %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get(fiber.HeaderContentType); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 || !strings.Contains(lines[1], `"completed":50`) || lines[2] != `{"status":"success"}` {
		t.Fatalf("lines = %q", lines)
	}

	failing := newModelsApp(t, &stubOllama{pullErr: errors.New("disk full")}, "ollama")
	_, body = failing.do(t, http.MethodPost, "/api/v1/models/pull", `{"name":"llama3:8b"}`)
	lines = strings.Split(strings.TrimSpace(string(body)), "\n")
	if last := lines[len(lines)-1]; last != `{"error":"disk full"}` {
		t.Fatalf("last line = %q", last)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/v1/models/pull", `{}`)
	if resp.StatusCode != 400 {
		t.Fatalf("pull without name = %d", resp.StatusCode)
	}
}

func TestModelDelete(t *testing.T) {
	o := &stubOllama{}
	e := newModelsApp(t, o, "ollama")

	resp, body := e.do(t, http.MethodDelete, "/api/v1/models/library/llama3:8b", "")
	if resp.StatusCode != 200 || string(body) != `{"message":"Model library/llama3:8b deleted","success":true}` {
		t.Fatalf("delete = %d %s", resp.StatusCode, body)
	}
	if len(o.deleted) != 1 || o.deleted[0] != "library/llama3:8b" {
		t.Fatalf("deleted = %v", o.deleted)
	}

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/models/ghost", "")
	if resp.StatusCode != 404 {
		t.Fatalf("missing model = %d", resp.StatusCode)
	}
}

func TestModelManagementNeedsOllama(t *testing.T) {
	e := newModelsApp(t, &stubBackend{}, "openai")
	tests := []struct {
		method, path, body, want string
	}{
		{http.MethodPost, "/api/v1/models/pull", `{"name":"gemma"}`, "Model pulling is only available with Ollama provider"},
		{http.MethodDelete, "/api/v1/models/gemma", "", "Model deletion is only available with Ollama provider"},
	}
	for _, tt := range tests {
		resp, body := e.do(t, tt.method, tt.path, tt.body)
		if resp.StatusCode != 400 || !strings.Contains(string(body), tt.want) {
			t.Errorf("%s %s = %d %s", tt.method, tt.path, resp.StatusCode, body)
		}
	}
}
