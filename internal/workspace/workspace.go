// Package workspace resolves the root directory a bundle is built from.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

// ErrNotDirectory is returned when the workspace path is not a directory.
var ErrNotDirectory = errors.New("workspace path is not a directory")

// Workspace is a resolved workspace root.
type Workspace struct {
	// Root is the absolute, cleaned workspace directory.
	Root string

	// GitRoot is true when Root is the top of a git working tree.
	GitRoot bool

	// Branch is the checked out branch, empty when detached or unknown.
	Branch string
}

// Resolve validates path and returns its workspace. With detectGit set, a
// path inside a git working tree resolves to the top of that tree.
func Resolve(path string, detectGit bool) (*Workspace, error) {
	if path == "" {
		return nil, errors.New("workspace path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}

	ws := &Workspace{Root: abs}
	if !detectGit {
		return ws, nil
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return ws, nil
		}
		return nil, fmt.Errorf("opening git repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		// Bare repositories have no working tree to bundle.
		return ws, nil
	}
	ws.Root = filepath.Clean(wt.Filesystem.Root())
	ws.GitRoot = true

	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		ws.Branch = head.Name().Short()
	}
	return ws, nil
}
