package oracle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"panosearch/internal/fsutil"
)

// Workspace is the scratch area of one search. Every oracle call gets its
// own project directory inside it, so concurrent attempts never share one.
type Workspace struct {
	root string
	keep bool

	mu     sync.Mutex
	closed bool
}

// NewWorkspace creates a uniquely named directory under parent.
func NewWorkspace(parent string, keep bool) (*Workspace, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	root := filepath.Join(parent, "panosearch_"+uuid.NewString())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{root: root, keep: keep}, nil
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// ProjectDir creates a fresh directory for one oracle call.
func (w *Workspace) ProjectDir(project string) (string, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return "", fmt.Errorf("workspace %s is closed", w.root)
	}
	return os.MkdirTemp(w.root, sanitize(project)+"_")
}

// Contains reports whether path lies inside the workspace.
func (w *Workspace) Contains(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// Release removes the project directory holding artifact.
func (w *Workspace) Release(artifact string) error {
	if !w.Contains(artifact) {
		return nil
	}
	dir := filepath.Dir(artifact)
	if dir == w.root {
		return os.Remove(artifact)
	}
	return os.RemoveAll(dir)
}

// Close removes the workspace unless it was created with keep.
func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.keep {
		return nil
	}
	return os.RemoveAll(w.root)
}

// stageImages copies images into dir, keeping their order. Name clashes
// between different source directories get an index prefix.
func stageImages(images []string, dir string) ([]string, error) {
	staged := make([]string, 0, len(images))
	used := make(map[string]struct{}, len(images))
	for i, img := range images {
		name := filepath.Base(img)
		if _, clash := used[strings.ToLower(name)]; clash {
			name = fmt.Sprintf("%03d_%s", i, name)
		}
		used[strings.ToLower(name)] = struct{}{}

		dest := filepath.Join(dir, name)
		if err := fsutil.CopyFile(img, dest); err != nil {
			removeAll(staged)
			return nil, fmt.Errorf("stage %s: %w", img, err)
		}
		staged = append(staged, dest)
	}
	return staged, nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

func sanitize(name string) string {
	if name == "" {
		return "project"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
