// Package config loads the client configuration from a JSON file with
// environment overrides. Rooms receive their settings explicitly at
// construction; nothing in here is consulted as ambient global state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ServerConfig identifies the room to connect to.
type ServerConfig struct {
	// Address is the websocket URL of the chat service.
	Address string `json:"address"`
	// Room is the room name to join.
	Room string `json:"room"`
	// Nick is the default nickname. Empty means the session pauses
	// awaiting a nick on first connect.
	Nick string `json:"nick,omitempty"`
	// Password unlocks private rooms.
	Password string `json:"password,omitempty"`
}

// BackoffConfig tunes the reconnect delay curve. The curve doubles
// from Initial up to Max; the exact shape is a tunable, not an
// invariant.
type BackoffConfig struct {
	InitialSeconds int `json:"initial_seconds"`
	MaxSeconds     int `json:"max_seconds"`
}

// Initial returns the first reconnect delay.
func (b BackoffConfig) Initial() time.Duration {
	return time.Duration(b.InitialSeconds) * time.Second
}

// Max returns the delay ceiling.
func (b BackoffConfig) Max() time.Duration {
	return time.Duration(b.MaxSeconds) * time.Second
}

// HistoryConfig tunes history backfill and rehydration.
type HistoryConfig struct {
	// PageSize is how many messages one log request asks for.
	PageSize int `json:"page_size"`
	// HydrateLimit caps how many stored messages are loaded into the
	// tree when a room opens.
	HydrateLimit int `json:"hydrate_limit"`
}

// LoggingConfig controls the debug log file.
type LoggingConfig struct {
	Path  string `json:"path,omitempty"`
	Level string `json:"level,omitempty"`
}

// Config is the full client configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Backoff BackoffConfig `json:"backoff"`
	History HistoryConfig `json:"history"`
	Logging LoggingConfig `json:"logging"`
	// DBPath locates the shared message database.
	DBPath string `json:"db_path,omitempty"`
	// ReplyTimeoutSeconds bounds how long a command may stay
	// unanswered before it fails as timed out.
	ReplyTimeoutSeconds int `json:"reply_timeout_seconds,omitempty"`
}

// ReplyTimeout returns the pending-command timeout.
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.ReplyTimeoutSeconds) * time.Second
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backoff: BackoffConfig{
			InitialSeconds: 2,
			MaxSeconds:     60,
		},
		History: HistoryConfig{
			PageSize:     100,
			HydrateLimit: 500,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		DBPath:              defaultDBPath(),
		ReplyTimeoutSeconds: 30,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "parley.db"
	}
	return filepath.Join(home, ".local", "share", "parley", "parley.db")
}

// Load reads the config file at path, layered over defaults and under
// environment overrides. A missing file is not an error; defaults and
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.Backoff.InitialSeconds <= 0 {
		cfg.Backoff.InitialSeconds = 2
	}
	if cfg.Backoff.MaxSeconds < cfg.Backoff.InitialSeconds {
		cfg.Backoff.MaxSeconds = 60
	}
	if cfg.History.PageSize <= 0 {
		cfg.History.PageSize = 100
	}
	if cfg.History.HydrateLimit <= 0 {
		cfg.History.HydrateLimit = 500
	}
	if cfg.ReplyTimeoutSeconds <= 0 {
		cfg.ReplyTimeoutSeconds = 30
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PARLEY_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("PARLEY_ROOM"); v != "" {
		cfg.Server.Room = v
	}
	if v := os.Getenv("PARLEY_NICK"); v != "" {
		cfg.Server.Nick = v
	}
	if v := os.Getenv("PARLEY_PASSWORD"); v != "" {
		cfg.Server.Password = v
	}
	if v := os.Getenv("PARLEY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PARLEY_LOG_PATH"); v != "" {
		cfg.Logging.Path = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PARLEY_REPLY_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReplyTimeoutSeconds = n
		}
	}
}
