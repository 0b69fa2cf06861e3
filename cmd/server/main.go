package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wirechat/internal/app"
)

func main() {
	cfg, err := app.LoadServerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	addr := flag.String("addr", cfg.Addr, "server listen address")
	wsPath := flag.String("ws-path", cfg.WSPath, "websocket endpoint path")
	dbPath := flag.String("db", cfg.DBPath, "path to the sqlite database file")
	uploadDir := flag.String("uploads", cfg.UploadDir, "directory for attachment files (empty disables uploads)")
	flag.Parse()

	cfg.Addr = *addr
	cfg.WSPath = *wsPath
	cfg.DBPath = *dbPath
	cfg.UploadDir = *uploadDir

	ctx := context.Background()
	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		log.Fatalf("server error: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := handle.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}
