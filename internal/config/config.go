// Package config loads jagc configuration from the environment.
//
// jagc is configured entirely via env vars — there is no config file.
// Secrets (the Telegram bot token) therefore never touch the workspace.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Runner selects the agent backend driving thread sessions.
type Runner string

const (
	RunnerPi   Runner = "pi"   // external pi coding-agent subprocess
	RunnerEcho Runner = "echo" // in-process echo backend (dev/tests)
)

// Config is the resolved jagc configuration.
type Config struct {
	WorkspaceDir string
	DatabasePath string
	Runner       Runner
	Host         string
	Port         int
	LogLevel     string

	TelegramBotToken       string
	TelegramAllowedUserIDs []string // canonical decimal ids, deduplicated
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		WorkspaceDir: "~/.jagc",
		Runner:       RunnerPi,
		Host:         "127.0.0.1",
		Port:         31415,
		LogLevel:     "info",
	}
}

// Load builds the configuration from the process environment.
func Load() (*Config, error) {
	cfg := Default()

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WORKSPACE_DIR", &cfg.WorkspaceDir)
	envStr("DATABASE_PATH", &cfg.DatabasePath)
	envStr("HOST", &cfg.Host)
	envStr("LOG_LEVEL", &cfg.LogLevel)
	envStr("TELEGRAM_BOT_TOKEN", &cfg.TelegramBotToken)

	if v := os.Getenv("RUNNER"); v != "" {
		cfg.Runner = Runner(v)
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = port
	}

	ws, err := ExpandPath(cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("resolve WORKSPACE_DIR: %w", err)
	}
	cfg.WorkspaceDir = ws

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.WorkspaceDir, "jagc.sqlite")
	} else {
		db, err := ExpandPath(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("resolve DATABASE_PATH: %w", err)
		}
		if !filepath.IsAbs(db) {
			db = filepath.Join(cfg.WorkspaceDir, db)
		}
		cfg.DatabasePath = db
	}

	switch cfg.Runner {
	case RunnerPi, RunnerEcho:
	default:
		return nil, fmt.Errorf("invalid RUNNER %q (expected pi or echo)", cfg.Runner)
	}

	switch cfg.LogLevel {
	case "fatal", "error", "warn", "info", "debug", "trace", "silent":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL %q", cfg.LogLevel)
	}

	if v := os.Getenv("TELEGRAM_ALLOWED_USER_IDS"); v != "" {
		ids, err := ParseAllowedUserIDs(v)
		if err != nil {
			return nil, err
		}
		cfg.TelegramAllowedUserIDs = ids
	}

	return cfg, nil
}

// ParseAllowedUserIDs parses a comma-separated allowlist of numeric Telegram
// user ids. Each entry is canonicalized through a big-integer parse so that
// leading zeros collapse ("00101" and "101" are the same user); duplicates
// are removed preserving first occurrence. Any non-decimal entry is an error.
func ParseAllowedUserIDs(raw string) ([]string, error) {
	var ids []string
	seen := make(map[string]struct{})

	for _, part := range strings.Split(raw, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		n, ok := new(big.Int).SetString(entry, 10)
		if !ok {
			return nil, fmt.Errorf("invalid TELEGRAM_ALLOWED_USER_IDS entry %q: not a decimal integer", entry)
		}
		canonical := n.String()
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		ids = append(ids, canonical)
	}

	return ids, nil
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
