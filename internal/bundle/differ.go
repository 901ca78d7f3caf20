// Package bundle classifies workspace files against the last confirmed
// manifest and persists manifests between sessions.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/codebundle/internal/hashing"
	"github.com/fyrsmithlabs/codebundle/internal/progress"
)

const defaultWorkers = 4

// Differ compares current file contents with a manifest. It keeps no state
// between calls, so Diff is safe to call concurrently for distinct paths.
type Differ struct {
	fs       billy.Filesystem
	hasher   *hashing.Hasher
	workers  int
	textOnly bool
	reporter progress.Reporter
	logger   *zap.Logger
}

// DifferOption configures a Differ.
type DifferOption func(*Differ)

// WithDiffWorkers bounds the parallelism of DiffWorkspace.
func WithDiffWorkers(n int) DifferOption {
	return func(d *Differ) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithTextOnly makes the differ treat files that are not valid UTF-8 as
// ineligible: unknown ones fail with *EncodingError and known ones are
// reported as deleted.
func WithTextOnly(textOnly bool) DifferOption {
	return func(d *Differ) { d.textOnly = textOnly }
}

// WithDiffReporter counts every file DiffWorkspace reads.
func WithDiffReporter(r progress.Reporter) DifferOption {
	return func(d *Differ) {
		d.reporter = progress.OrNop(r)
	}
}

// WithDiffLogger sets the logger.
func WithDiffLogger(l *zap.Logger) DifferOption {
	return func(d *Differ) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDiffer reads files through fsys. A nil hasher selects SHA256.
func NewDiffer(fsys billy.Filesystem, hasher *hashing.Hasher, opts ...DifferOption) *Differ {
	if hasher == nil {
		hasher = hashing.Default()
	}
	d := &Differ{
		fs:       fsys,
		hasher:   hasher,
		workers:  defaultWorkers,
		reporter: progress.Nop(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Diff classifies filePath against manifest.
//
// A read failure for a path the manifest knows is reported as deleted. A read
// failure for an unknown path returns a *FileSystemError; there is nothing to
// reconcile, so callers usually ignore it. With WithTextOnly, content that
// is not valid UTF-8 is handled the same way but fails with *EncodingError.
func (d *Differ) Diff(filePath, workspaceRoot string, manifest Manifest) (*FileChangeRecord, error) {
	rel, err := RelativePath(filePath, workspaceRoot)
	if err != nil {
		return nil, err
	}

	prev, known := manifest[rel]

	content, err := util.ReadFile(d.fs, filePath)
	if err != nil {
		if known {
			return &FileChangeRecord{Path: rel, Status: StatusDeleted}, nil
		}
		return nil, NewFileSystemError("read", filePath, err)
	}
	if d.textOnly && !utf8.Valid(content) {
		if known {
			return &FileChangeRecord{Path: rel, Status: StatusDeleted}, nil
		}
		return nil, &EncodingError{Path: filePath}
	}

	rec := &FileChangeRecord{Path: rel, Hash: d.hasher.Hash(content)}
	switch {
	case !known:
		rec.Status = StatusCreated
	case prev == rec.Hash:
		rec.Status = StatusSame
	default:
		rec.Status = StatusModified
	}
	return rec, nil
}

// DiffWorkspace diffs every file in files concurrently and then reports each
// manifest entry that was not among them as deleted. Unknown files that
// cannot be read, or that are not text under WithTextOnly, are skipped.
// Records are sorted by path.
func (d *Differ) DiffWorkspace(ctx context.Context, files []string, workspaceRoot string, manifest Manifest) ([]FileChangeRecord, error) {
	results := make([]*FileChangeRecord, len(files))
	var binary atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := d.Diff(f, workspaceRoot, manifest)
			d.reporter.Processed(1)
			if err != nil {
				if errors.Is(err, ErrFileSystem) {
					d.logger.Debug("skipping unreadable file", zap.String("path", f), zap.Error(err))
					return nil
				}
				if errors.Is(err, ErrEncoding) {
					binary.Add(1)
					d.logger.Debug("skipping non-text file", zap.String("path", f))
					return nil
				}
				return err
			}
			results[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("diffing workspace: %w", err)
	}
	if n := binary.Load(); n > 0 {
		d.logger.Info("skipped non-text files", zap.Int64("count", n))
	}

	seen := make(map[string]struct{}, len(results))
	records := make([]FileChangeRecord, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		seen[r.Path] = struct{}{}
		records = append(records, *r)
	}
	for p := range manifest {
		if _, ok := seen[p]; !ok {
			records = append(records, FileChangeRecord{Path: p, Status: StatusDeleted})
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}

// Summary counts records per status.
type Summary map[Status]int

// Summarize counts records per status.
func Summarize(records []FileChangeRecord) Summary {
	s := Summary{}
	for _, r := range records {
		s[r.Status]++
	}
	return s
}
