package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/reposter/internal/common"
)

var errInvalidJobID = errors.New("invalid job id")

// Workspace hands out per-job scratch directories where the repost worker
// keeps its downloaded media.
type Workspace struct {
	baseDir string
}

// NewWorkspace creates a workspace rooted at baseDir/work.
func NewWorkspace(baseDir string) *Workspace {
	return &Workspace{baseDir: filepath.Join(baseDir, common.WorkDirName)}
}

// Root returns the directory holding all job directories.
func (w *Workspace) Root() string {
	return w.baseDir
}

// Prepare creates an empty directory for jobID and returns its absolute path
// and a cleanup func that removes it with everything the worker left behind.
// The caller should always invoke cleanup once the worker has exited.
func (w *Workspace) Prepare(jobID string) (string, func() error, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || strings.HasPrefix(jobID, ".") {
		return "", nil, fmt.Errorf("%w: %q", errInvalidJobID, jobID)
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("ensure work dir: %w", err)
	}

	dir, err := filepath.Abs(filepath.Join(w.baseDir, jobID))
	if err != nil {
		return "", nil, fmt.Errorf("resolve job dir: %w", err)
	}
	// A leftover directory from a crashed run is discarded.
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, fmt.Errorf("clear job dir: %w", err)
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("create job dir: %w", err)
	}

	cleanup := func() error {
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}
