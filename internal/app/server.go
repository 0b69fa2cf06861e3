package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "wirechat/internal"
	"wirechat/internal/storage"
)

// ServerHandle lets a caller shut the server down and wait for it to
// finish. Addr carries the actual bound address, useful when Addr was :0.
type ServerHandle struct {
	Addr string

	httpSrv *http.Server
	store   *storage.Store
	done    chan struct{}
	runErr  error
}

// Stop initiates a graceful shutdown.
func (h *ServerHandle) Stop(ctx context.Context) error {
	err := h.httpSrv.Shutdown(ctx)
	<-h.done
	if closeErr := h.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Wait blocks until the serve loop exits and returns its error, if any.
func (h *ServerHandle) Wait() error {
	<-h.done
	if h.runErr != nil && !errors.Is(h.runErr, http.ErrServerClosed) {
		return h.runErr
	}
	return nil
}

// RunServer opens storage, wires the HTTP and WebSocket surface, and
// starts listening. It returns once the listener is bound; the serve loop
// runs in the background until Stop is called.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("WIRECHAT_JWT_SECRET is required")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.UploadDir != "" {
		if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
			return nil, fmt.Errorf("create upload dir: %w", err)
		}
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	srv := intrnl.NewServer(store, cfg.JWTSecret, intrnl.ServerOptions{
		TokenTTL:     cfg.TokenTTL,
		HistoryLimit: cfg.HistoryLimit,
		TypingTTL:    cfg.TypingTTL,
		UploadDir:    cfg.UploadDir,
		MaxFileSize:  cfg.MaxFileSize,
	})

	mux := http.NewServeMux()
	registerHandlers(mux, srv, NormalizeWSPath(cfg.WSPath))

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	handle := &ServerHandle{
		Addr: ln.Addr().String(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		store: store,
		done:  make(chan struct{}),
	}

	log.Printf("wirechat server listening on %s (ws path %s)", handle.Addr, NormalizeWSPath(cfg.WSPath))
	go func() {
		handle.runErr = handle.httpSrv.Serve(ln)
		close(handle.done)
	}()
	return handle, nil
}

func registerHandlers(mux *http.ServeMux, srv *intrnl.Server, wsPath string) {
	mux.HandleFunc(wsPath, srv.ServeWS)
	mux.HandleFunc("/signup", srv.HandleSignup)
	mux.HandleFunc("/login", srv.HandleLogin)
	mux.HandleFunc("/history", srv.HandleHistory)
	mux.HandleFunc("/healthz", srv.HandleHealthz)
	mux.Handle("/metrics", srv.MetricsHandler())
	mux.HandleFunc("/api/upload", srv.HandleAttachmentUpload)
	mux.HandleFunc("/api/attachments/", srv.HandleAttachmentDownload)
}
