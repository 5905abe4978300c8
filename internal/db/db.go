package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".copydesk"
	defaultDBName = "copydesk.db"
)

// Pragmas applied on every connection. busy_timeout covers the CLI and the
// webhook dispatcher touching the same file.
var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", path, err)
	}
	return path, nil
}

// Open opens the workspace SQLite database, creating the workspace directory
// if needed.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	var dsn strings.Builder
	fmt.Fprintf(&dsn, "file:%s?cache=shared", Path(cfg.Workspace))
	for _, p := range pragmas {
		fmt.Fprintf(&dsn, "&_pragma=%s", p)
	}
	conn, err := sql.Open("sqlite", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}
