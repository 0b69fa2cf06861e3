package app

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func TestRunServerServesAndStops(t *testing.T) {
	cfg := ServerConfig{
		Addr:      "127.0.0.1:0",
		WSPath:    "/ws",
		DBPath:    filepath.Join(t.TempDir(), "test.db"),
		JWTSecret: "test-secret",
	}

	handle, err := RunServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}

	resp, err := http.Get("http://" + handle.Addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRunServerRequiresSecret(t *testing.T) {
	_, err := RunServer(context.Background(), ServerConfig{Addr: "127.0.0.1:0"})
	if err == nil {
		t.Fatalf("expected error without a jwt secret")
	}
}
