package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %s", cfg.Addr)
	}
	if cfg.WSPath != "/ws" {
		t.Fatalf("expected default ws path /ws, got %s", cfg.WSPath)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("expected default token ttl 24h, got %s", cfg.TokenTTL)
	}
	if cfg.HistoryLimit != 50 {
		t.Fatalf("expected default history limit 50, got %d", cfg.HistoryLimit)
	}
	if cfg.DBPath == "" {
		t.Fatalf("expected a default db path")
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("WIRECHAT_ADDR", ":9999")
	t.Setenv("WIRECHAT_WS_PATH", "/chat")
	t.Setenv("WIRECHAT_DB_PATH", "/tmp/test.db")
	t.Setenv("WIRECHAT_TOKEN_TTL", "1h")
	t.Setenv("WIRECHAT_HISTORY_LIMIT", "10")
	t.Setenv("WIRECHAT_MAX_FILE_SIZE", "1024")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.WSPath != "/chat" || cfg.DBPath != "/tmp/test.db" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.TokenTTL != time.Hour || cfg.HistoryLimit != 10 || cfg.MaxFileSize != 1024 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadClientConfigFromEnv(t *testing.T) {
	t.Setenv("WIRECHAT_SERVER", "ws://example.test/ws")
	t.Setenv("WIRECHAT_USER", "alice")
	t.Setenv("WIRECHAT_ROOM", "lobby")

	cfg, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.ServerURL != "ws://example.test/ws" || cfg.Username != "alice" || cfg.Room != "lobby" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestDefaultDBPath(t *testing.T) {
	t.Setenv("WIRECHAT_DATA_DIR", "/srv/wirechat")
	path := DefaultDBPath()
	if !strings.HasPrefix(path, "/srv/wirechat") || !strings.HasSuffix(path, "wirechat.db") {
		t.Fatalf("unexpected path: %s", path)
	}
}

func TestNormalizeWSPath(t *testing.T) {
	cases := map[string]string{
		"":     "/ws",
		"ws":   "/ws",
		"/ws":  "/ws",
		"chat": "/chat",
	}
	for input, want := range cases {
		if got := NormalizeWSPath(input); got != want {
			t.Fatalf("NormalizeWSPath(%q) = %q, want %q", input, got, want)
		}
	}
}
