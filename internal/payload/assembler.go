package payload

import (
	"context"
	"fmt"
	"path/filepath"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	"github.com/fyrsmithlabs/codebundle/internal/hashing"
	"github.com/fyrsmithlabs/codebundle/internal/progress"
)

// Assembler reads missing files into payload items.
type Assembler struct {
	fs       billy.Filesystem
	hasher   *hashing.Hasher
	workers  int
	reporter progress.Reporter
	metrics  *Metrics
	logger   *zap.Logger
}

// AssemblerConfig configures an Assembler. Zero values select defaults.
type AssemblerConfig struct {
	Hasher   *hashing.Hasher
	Workers  int
	Reporter progress.Reporter
	Metrics  *Metrics
	Logger   *zap.Logger
}

// NewAssembler creates an assembler that reads through fsys.
func NewAssembler(fsys billy.Filesystem, cfg AssemblerConfig) *Assembler {
	if cfg.Hasher == nil {
		cfg.Hasher = hashing.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Assembler{
		fs:       fsys,
		hasher:   cfg.Hasher,
		workers:  cfg.Workers,
		reporter: progress.OrNop(cfg.Reporter),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Assemble reads, hashes and wraps each workspace-relative path. Reads run
// in parallel but the result keeps the order of relPaths. Any read or
// encoding failure fails the whole call.
func (a *Assembler) Assemble(ctx context.Context, relPaths []string, workspaceRoot string) ([]Item, error) {
	items := make([]Item, len(relPaths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, rel := range relPaths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			it, err := a.read(rel, workspaceRoot)
			if err != nil {
				return err
			}
			items[i] = it
			a.reporter.Processed(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.metrics.assemblyFailed()
		a.logger.Warn("payload assembly failed", zap.Int("files", len(relPaths)), zap.Error(err))
		return nil, fmt.Errorf("assembling payload: %w", err)
	}

	a.metrics.assembled(len(items))
	return items, nil
}

func (a *Assembler) read(rel, workspaceRoot string) (Item, error) {
	full := filepath.Join(workspaceRoot, filepath.FromSlash(rel))
	content, err := util.ReadFile(a.fs, full)
	if err != nil {
		return Item{}, bundle.NewFileSystemError("read", full, err)
	}
	if !utf8.Valid(content) {
		return Item{}, &bundle.EncodingError{Path: full}
	}
	return Item{
		Hash:    a.hasher.Hash(content),
		Path:    full,
		Content: string(content),
	}, nil
}
