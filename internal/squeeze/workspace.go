package squeeze

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logpkg "github.com/local/webcapture/internal/logger"
)

const workspacePrefix = "squeeze-"

// Workspace is the scratch area of one run: the materialized source, the
// split and compressed chunk directories and the merged output.
type Workspace struct {
	root          string
	splitDir      string
	compressedDir string
}

// NewWorkspace creates a fresh, uniquely named workspace under parent.
func NewWorkspace(parent string) (*Workspace, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	if err := EnsureDir(parent); err != nil {
		return nil, err
	}
	root, err := os.MkdirTemp(parent, workspacePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{
		root:          root,
		splitDir:      filepath.Join(root, "split"),
		compressedDir: filepath.Join(root, "compressed"),
	}, nil
}

func (w *Workspace) Root() string          { return w.root }
func (w *Workspace) SplitDir() string      { return w.splitDir }
func (w *Workspace) CompressedDir() string { return w.compressedDir }
func (w *Workspace) SourcePath() string    { return filepath.Join(w.root, "source.pdf") }
func (w *Workspace) OutputPath() string    { return filepath.Join(w.root, "merged.pdf") }

// SplitPath is where the split artifact for r lives.
func (w *Workspace) SplitPath(r PageRange) string {
	return filepath.Join(w.splitDir, ChunkName(r))
}

// CompressedPath maps a split artifact to its compressed counterpart, keeping
// the base name.
func (w *Workspace) CompressedPath(splitPath string) string {
	return filepath.Join(w.compressedDir, filepath.Base(splitPath))
}

// Ensure creates both chunk directories. It is idempotent.
func (w *Workspace) Ensure() error {
	if err := EnsureDir(w.splitDir); err != nil {
		return err
	}
	return EnsureDir(w.compressedDir)
}

// Release deletes the workspace and everything in it.
func (w *Workspace) Release() error {
	return os.RemoveAll(w.root)
}

// EnsureDir creates path if absent. Concurrent callers racing on the same
// path all succeed.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", path, err)
	}
	return nil
}

// SweepStale removes workspaces under parent older than maxAge. Runs release
// their own workspace, so anything left here belongs to a crashed process.
func SweepStale(parent string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workspacePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		path := filepath.Join(parent, e.Name())
		if err := os.RemoveAll(path); err != nil {
			clog := logpkg.Component("squeeze")
			clog.Warn().Err(err).Str("path", path).Msg("failed to remove stale workspace")
			continue
		}
		removed++
	}
	return removed, nil
}
