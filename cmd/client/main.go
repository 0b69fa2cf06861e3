package main

import (
	"flag"
	"fmt"
	"os"

	"wirechat/internal/app"
)

func main() {
	cfg, err := app.LoadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	serverURL := flag.String("server", cfg.ServerURL, "WebSocket URL (e.g., ws://localhost:8080/ws)")
	username := flag.String("user", cfg.Username, "account username")
	password := flag.String("password", cfg.Password, "account password")
	flag.Parse()

	cfg.ServerURL = *serverURL
	cfg.Username = *username
	cfg.Password = *password

	// an optional positional argument names the room to join on startup
	if args := flag.Args(); len(args) >= 1 {
		cfg.Room = args[0]
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
