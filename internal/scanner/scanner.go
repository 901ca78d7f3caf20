// Package scanner walks a workspace, layering the ignore files it finds on
// the way down, and reports the files that survive exclusion.
//
// Traversal uses an explicit work stack. Each directory derives its filter
// once from the filter it was entered with plus its own ignore files, and
// every child sees that same derived filter. Sibling directories never see
// each other's rules.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	"github.com/fyrsmithlabs/codebundle/internal/ignore"
	"github.com/fyrsmithlabs/codebundle/internal/progress"
)

// ErrNotDirectory is returned when the scan root is not a directory.
var ErrNotDirectory = errors.New("not a directory")

// DefaultSkipDirs are directory names never descended into, whatever the
// ignore rules say.
var DefaultSkipDirs = []string{".git"}

// WalkFunc is called for every eligible file with its full path.
// Returning an error stops the walk.
type WalkFunc func(path string) error

// Result is the outcome of a scan.
type Result struct {
	// Count is the number of eligible files below the root.
	Count int

	// Filter is the filter derived for the root directory. It is
	// informational; callers processing siblings must keep using the
	// filter they passed in.
	Filter *ignore.Filter
}

// Scanner traverses a filesystem. A Scanner holds no per-scan state and may
// run concurrent scans.
type Scanner struct {
	fs             billy.Filesystem
	ignoreFiles    []string
	skipDirs       map[string]struct{}
	followSymlinks bool
	accept         func(name string) bool
	reporter       progress.Reporter
	metrics        *Metrics
	logger         *zap.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithIgnoreFiles sets the recognized ignore file names.
func WithIgnoreFiles(names ...string) Option {
	return func(s *Scanner) {
		if len(names) > 0 {
			s.ignoreFiles = append([]string(nil), names...)
		}
	}
}

// WithSkipDirs replaces the directory names that are never descended into.
// Passing no names disables skipping.
func WithSkipDirs(names ...string) Option {
	return func(s *Scanner) { s.skipDirs = nameSet(names) }
}

// WithFollowSymlinks makes the scanner descend into symlinked directories.
// Directory cycles are detected by canonical path and skipped.
func WithFollowSymlinks(follow bool) Option {
	return func(s *Scanner) { s.followSymlinks = follow }
}

// WithAccept restricts counted files to those whose base name fn accepts.
func WithAccept(fn func(name string) bool) Option {
	return func(s *Scanner) { s.accept = fn }
}

// WithReporter sets the progress reporter notified for each eligible file.
func WithReporter(r progress.Reporter) Option {
	return func(s *Scanner) { s.reporter = progress.OrNop(r) }
}

// WithMetrics records scan metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a scanner over fsys.
func New(fsys billy.Filesystem, opts ...Option) *Scanner {
	s := &Scanner{
		fs:          fsys,
		ignoreFiles: ignore.DefaultFilenames,
		skipDirs:    nameSet(DefaultSkipDirs),
		accept:      func(string) bool { return true },
		reporter:    progress.Nop(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.accept == nil {
		s.accept = func(string) bool { return true }
	}
	return s
}

// Scan counts the eligible files below folderPath, starting from filter.
// filter is never modified.
func (s *Scanner) Scan(ctx context.Context, folderPath string, filter *ignore.Filter) (*Result, error) {
	start := time.Now()
	count := 0
	rootFilter, err := s.walk(ctx, folderPath, filter, func(string) error {
		count++
		return nil
	})
	s.metrics.scanned(count, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("scan complete",
		zap.String("path", folderPath),
		zap.Int("files", count),
		zap.Int("rules", rootFilter.Len()),
		zap.Duration("duration", time.Since(start)),
	)
	return &Result{Count: count, Filter: rootFilter}, nil
}

// Walk calls fn for every eligible file below folderPath. Files of a
// directory are visited before its subdirectories, both in name order.
func (s *Scanner) Walk(ctx context.Context, folderPath string, filter *ignore.Filter, fn WalkFunc) error {
	_, err := s.walk(ctx, folderPath, filter, fn)
	return err
}

type frame struct {
	dir    string
	filter *ignore.Filter
}

func (s *Scanner) walk(ctx context.Context, root string, filter *ignore.Filter, fn WalkFunc) (*ignore.Filter, error) {
	root = filepath.Clean(root)
	info, err := s.fs.Stat(root)
	if err != nil {
		return nil, bundle.NewFileSystemError("stat", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scanning %s: %w", root, ErrNotDirectory)
	}
	if filter == nil {
		filter = ignore.NewFilter()
	}

	var rootFilter *ignore.Filter
	visited := make(map[string]struct{})
	stack := []frame{{dir: root, filter: filter}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		canon, err := s.canonical(top.dir)
		if err != nil {
			return nil, bundle.NewFileSystemError("resolve", top.dir, err)
		}
		if _, seen := visited[canon]; seen {
			s.metrics.cycle()
			s.logger.Debug("skipping already visited directory",
				zap.String("path", top.dir),
				zap.String("canonical", canon),
			)
			continue
		}
		visited[canon] = struct{}{}

		entries, err := s.fs.ReadDir(canon)
		if err != nil {
			return nil, bundle.NewFileSystemError("list", top.dir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		derived, err := s.deriveFilter(canon, top.dir, entries, top.filter)
		if err != nil {
			return nil, err
		}
		if rootFilter == nil {
			rootFilter = derived
		}

		var dirs []string
		for _, entry := range entries {
			p := filepath.Join(top.dir, entry.Name())
			isDir := s.isDir(filepath.Join(canon, entry.Name()), entry)
			if isDir && s.skipped(entry.Name()) {
				s.logger.Debug("skipping directory", zap.String("path", p))
				continue
			}
			if derived.Excludes(p, isDir) {
				continue
			}
			if isDir {
				dirs = append(dirs, p)
				continue
			}
			if !s.accept(entry.Name()) {
				continue
			}
			s.reporter.Discovered(1)
			if err := fn(p); err != nil {
				return nil, err
			}
		}
		for i := len(dirs) - 1; i >= 0; i-- {
			stack = append(stack, frame{dir: dirs[i], filter: derived})
		}
	}
	return rootFilter, nil
}

// deriveFilter reads the ignore files present in one directory listing and
// returns parent extended with their rules. Rules are anchored to the logical
// directory path. Without ignore files parent itself is returned.
func (s *Scanner) deriveFilter(canon, dir string, entries []os.FileInfo, parent *ignore.Filter) (*ignore.Filter, error) {
	var rules []*ignore.Rule
	for _, entry := range entries {
		if entry.IsDir() || !s.isIgnoreFile(entry.Name()) {
			continue
		}
		r, err := ignore.ReadRuleAt(s.fs, filepath.Join(canon, entry.Name()), dir)
		if err != nil {
			return nil, bundle.NewFileSystemError("read", filepath.Join(dir, entry.Name()), err)
		}
		s.logger.Debug("ignore file loaded",
			zap.String("base", r.BasePath()),
			zap.Int("patterns", len(r.Patterns())),
		)
		rules = append(rules, r)
	}
	if len(rules) == 0 {
		return parent, nil
	}
	derived := parent.Copy()
	for _, r := range rules {
		derived.AddRule(r)
	}
	s.metrics.rules(len(rules))
	return derived, nil
}

func (s *Scanner) skipped(name string) bool {
	_, ok := s.skipDirs[name]
	return ok
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func (s *Scanner) isIgnoreFile(name string) bool {
	for _, n := range s.ignoreFiles {
		if n == name {
			return true
		}
	}
	return false
}

// isDir classifies an entry. Symlinks count as files unless the scanner
// follows them, in which case the link target decides.
func (s *Scanner) isDir(physical string, entry os.FileInfo) bool {
	if entry.Mode()&os.ModeSymlink == 0 {
		return entry.IsDir()
	}
	if !s.followSymlinks {
		return false
	}
	target, err := s.fs.Stat(physical)
	if err != nil {
		s.logger.Debug("dangling symlink", zap.String("path", physical), zap.Error(err))
		return false
	}
	return target.IsDir()
}
