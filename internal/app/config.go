package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerConfig defines how the HTTP/WebSocket backend should run. Values
// come from the environment; cmd/server layers flags on top.
type ServerConfig struct {
	Addr         string        `env:"WIRECHAT_ADDR" envDefault:":8080"`
	WSPath       string        `env:"WIRECHAT_WS_PATH" envDefault:"/ws"`
	DBPath       string        `env:"WIRECHAT_DB_PATH"`
	JWTSecret    string        `env:"WIRECHAT_JWT_SECRET"`
	TokenTTL     time.Duration `env:"WIRECHAT_TOKEN_TTL" envDefault:"24h"`
	HistoryLimit int           `env:"WIRECHAT_HISTORY_LIMIT" envDefault:"50"`
	TypingTTL    time.Duration `env:"WIRECHAT_TYPING_TTL" envDefault:"4s"`
	UploadDir    string        `env:"WIRECHAT_UPLOAD_DIR"`
	MaxFileSize  int64         `env:"WIRECHAT_MAX_FILE_SIZE" envDefault:"10485760"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string `env:"WIRECHAT_SERVER" envDefault:"ws://localhost:8080/ws"`
	Username  string `env:"WIRECHAT_USER"`
	Password  string `env:"WIRECHAT_PASSWORD"`
	Room      string `env:"WIRECHAT_ROOM"`
}

// LoadServerConfig reads ServerConfig from the environment.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	return cfg, nil
}

// LoadClientConfig reads ClientConfig from the environment.
func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("WIRECHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "wirechat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "wirechat", "wirechat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Wirechat", "wirechat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Wirechat", "wirechat.db")
		}
		return filepath.Join(home, ".local", "share", "wirechat", "wirechat.db")
	}
	return filepath.Join(".", ".wirechat", "wirechat.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
