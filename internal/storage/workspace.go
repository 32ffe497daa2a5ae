package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is a scratch directory owned by a single job. Callers must
// Remove it on every exit path, typically with defer right after creation.
type Workspace struct {
	baseDir string
	dir     string
}

// NewWorkspace creates a fresh directory for runID under baseDir
func NewWorkspace(baseDir, runID string) (*Workspace, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}

	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	dir, err := os.MkdirTemp(baseDir, "thumb-"+runID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	return &Workspace{baseDir: baseDir, dir: dir}, nil
}

// Dir returns the workspace directory
func (w *Workspace) Dir() string {
	return w.dir
}

// Path resolves name inside the workspace
func (w *Workspace) Path(name string) (string, error) {
	path := filepath.Join(w.dir, name)

	// Security: prevent directory traversal
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid name %q: path traversal detected", name)
	}

	return path, nil
}

// Remove deletes the workspace and everything in it. It is safe to call more than once.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("failed to remove job directory %s: %w", w.dir, err)
	}
	return nil
}
