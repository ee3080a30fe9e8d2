package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.History.MaxTurns != 10 || cfg.History.Backend != "memory" {
		t.Errorf("history = %+v", cfg.History)
	}
	if cfg.Lock.TTL != 2*time.Minute {
		t.Errorf("lock.ttl = %v", cfg.Lock.TTL)
	}
	d := cfg.Query.Defaults()
	if d.TopK != 5 || d.MaxTokens != 512 || d.UseChatHistory {
		t.Errorf("query defaults = %+v", d)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ragchat.yaml")
	body := `
server:
  addr: ":9000"
history:
  backend: postgres
  max_turns: 4
query:
  top_k: 8
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RAGCHAT_LOCK_BACKEND", "redis")
	t.Setenv("RAGCHAT_QUERY_TEMPERATURE", "0.1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.History.Backend != "postgres" || cfg.History.MaxTurns != 4 {
		t.Errorf("file values not applied: %+v %+v", cfg.Server, cfg.History)
	}
	if cfg.Lock.Backend != "redis" {
		t.Errorf("env override not applied: lock.backend = %q", cfg.Lock.Backend)
	}
	if cfg.Query.TopK != 8 || cfg.Query.Temperature != 0.1 {
		t.Errorf("query = %+v", cfg.Query)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"RAGCHAT_VECTOR_STORE_BACKEND": "sqlite",
		"RAGCHAT_HISTORY_BACKEND":      "files",
		"RAGCHAT_LOCK_BACKEND":         "etcd",
		"RAGCHAT_CHUNKING_OVERLAP":     "500",
		"RAGCHAT_QUERY_TOP_K":          "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(key, val)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestWriteOmitsSecrets(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RAGCHAT_REDIS_PASSWORD", "hunter2")
	t.Setenv("RAGCHAT_POSTGRES_DSN", "postgres://u:secret@db/x")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := cfg.Write(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "hunter2") || strings.Contains(out, "secret") {
		t.Fatalf("secrets leaked:\n%s", out)
	}
	if !strings.Contains(out, "max_turns: 10") {
		t.Fatalf("expected history section in output:\n%s", out)
	}
}
