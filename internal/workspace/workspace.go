// Package workspace bootstraps the jagc workspace directory.
//
// The workspace (default ~/.jagc, mode 0700) holds the sqlite store,
// session files under .sessions/, runner-owned auth.json and models.json,
// and seeded SYSTEM.md / AGENTS.md / .gitignore defaults.
package workspace

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*
var templateFS embed.FS

const (
	SessionsDir   = ".sessions"
	SystemFile    = "SYSTEM.md"
	AgentsFile    = "AGENTS.md"
	GitignoreFile = ".gitignore"
)

// seedFiles maps embedded template names to their workspace file names.
// The gitignore template carries no leading dot so go:embed picks it up.
var seedFiles = []struct{ src, dst string }{
	{SystemFile, SystemFile},
	{AgentsFile, AgentsFile},
	{"gitignore", GitignoreFile},
}

// Ensure creates the workspace directory tree and seeds default files.
// Existing files are never overwritten; auth.json and models.json are owned
// by the runner and are not touched here. Returns the files created.
func Ensure(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	// MkdirAll does not tighten an existing directory.
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("chmod workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, SessionsDir), 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	var created []string
	for _, seed := range seedFiles {
		ok, err := seedTemplate(dir, seed.src, seed.dst)
		if err != nil {
			slog.Warn("workspace: failed to seed file", "file", seed.dst, "error", err)
			continue
		}
		if ok {
			created = append(created, seed.dst)
		}
	}
	return created, nil
}

// SessionFilePath returns the session file location for a session id.
func SessionFilePath(dir, sessionID string) string {
	return filepath.Join(dir, SessionsDir, sessionID+".jsonl")
}

// seedTemplate writes an embedded template if the file doesn't exist yet.
// Returns true if the file was created.
func seedTemplate(dir, src, name string) (bool, error) {
	dst := filepath.Join(dir, name)

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile("templates/" + src)
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
