// Package service runs bundling cycles: resolve a workspace, scan it, diff
// it against the stored manifest, assemble the changed files, size the
// payload, upload it and commit the new manifest.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	"github.com/fyrsmithlabs/codebundle/internal/hashing"
	"github.com/fyrsmithlabs/codebundle/internal/ignore"
	"github.com/fyrsmithlabs/codebundle/internal/logging"
	"github.com/fyrsmithlabs/codebundle/internal/payload"
	"github.com/fyrsmithlabs/codebundle/internal/progress"
	"github.com/fyrsmithlabs/codebundle/internal/scanner"
	"github.com/fyrsmithlabs/codebundle/internal/workspace"
)

// TracerName is the instrumentation scope of service spans.
const TracerName = "github.com/fyrsmithlabs/codebundle/internal/service"

// ErrNoTransport is returned when an upload is requested without a backend.
var ErrNoTransport = errors.New("no backend transport configured")

// Config holds the knobs of a bundling cycle.
type Config struct {
	IgnoreFiles []string

	// SkipDirs are directory names never descended into. Nil selects
	// scanner.DefaultSkipDirs.
	SkipDirs       []string
	FollowSymlinks bool
	DetectGitRoot  bool
	Workers        int
	MaxBytes       int64
}

// Service runs one bundling cycle at a time.
type Service struct {
	fs        billy.Filesystem
	store     bundle.Store
	hasher    *hashing.Hasher
	chunker   *payload.Chunker
	transport payload.Transport
	cfg       Config

	counter      *progress.Counter
	reporter     progress.Reporter
	nats         *nats.Conn
	natsSubject  string
	interval     time.Duration
	scanMetrics  *scanner.Metrics
	assemblyMets *payload.Metrics
	tracer       trace.Tracer
	logger       *zap.Logger

	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithTransport sets the backend uploads go to.
func WithTransport(t payload.Transport) Option {
	return func(s *Service) { s.transport = t }
}

// WithHasher overrides the default SHA-256 hasher.
func WithHasher(h *hashing.Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

// WithReporter adds a reporter that receives every cycle's progress.
func WithReporter(r progress.Reporter) Option {
	return func(s *Service) { s.reporter = r }
}

// WithNATSProgress publishes per-scan progress to {subject}.{scan_id}.
func WithNATSProgress(nc *nats.Conn, subject string, interval time.Duration) Option {
	return func(s *Service) {
		s.nats = nc
		s.natsSubject = subject
		s.interval = interval
	}
}

// WithMetrics records scanner and payload metrics.
func WithMetrics(sm *scanner.Metrics, pm *payload.Metrics) Option {
	return func(s *Service) {
		s.scanMetrics = sm
		s.assemblyMets = pm
	}
}

// WithTracer sets the tracer cycle spans are started from.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a service reading files through fsys and keeping manifests
// in store.
func New(fsys billy.Filesystem, store bundle.Store, cfg Config, opts ...Option) (*Service, error) {
	if fsys == nil {
		return nil, errors.New("filesystem is required")
	}
	if store == nil {
		return nil, errors.New("manifest store is required")
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = payload.DefaultMaxBytes
	}
	if len(cfg.IgnoreFiles) == 0 {
		cfg.IgnoreFiles = ignore.DefaultFilenames
	}
	chunker, err := payload.NewChunker(cfg.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid payload ceiling: %w", err)
	}

	s := &Service{
		fs:       fsys,
		store:    store,
		hasher:   hashing.Default(),
		chunker:  chunker,
		cfg:      cfg,
		counter:  progress.NewCounter(),
		interval: time.Second,
		tracer:   noop.NewTracerProvider().Tracer(TracerName),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.chunker.WithMetrics(s.assemblyMets)
	return s, nil
}

// Progress returns the counters of the current or last cycle.
func (s *Service) Progress() progress.Snapshot {
	return s.counter.Snapshot()
}

// Scan counts the eligible files of the workspace containing req.Path.
func (s *Service) Scan(ctx context.Context, req Request) (_ *ScanResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "service.Scan")
	defer func() { endSpan(span, err) }()

	ctx, c, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer c.finish()

	res, err := c.scanner.Scan(ctx, c.ws.Root, nil)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", c.ws.Root, err)
	}

	out := &ScanResult{
		ScanID:    c.id,
		Workspace: c.ws.Root,
		Branch:    c.ws.Branch,
		Files:     res.Count,
		Rules:     res.Filter.Len(),
		Duration:  time.Since(c.started),
	}
	span.SetAttributes(attribute.Int("scan.files", out.Files))
	c.logger.Info("scan complete", zap.Int("files", out.Files), zap.Duration("duration", out.Duration))
	return out, nil
}

// Changes diffs the workspace against its stored manifest. Nothing is
// uploaded or saved.
func (s *Service) Changes(ctx context.Context, req Request) (_ *ChangesResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "service.Changes")
	defer func() { endSpan(span, err) }()

	ctx, c, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer c.finish()

	return s.changes(ctx, c)
}

// Payload diffs the workspace, assembles every created or modified file and
// sizes the result. Unless req.DryRun is set a non-empty payload is uploaded
// and the stored manifest is replaced by the post-upload state.
func (s *Service) Payload(ctx context.Context, req Request) (_ *PayloadResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !req.DryRun && s.transport == nil {
		return nil, ErrNoTransport
	}

	ctx, span := s.tracer.Start(ctx, "service.Payload", trace.WithAttributes(
		attribute.Bool("payload.dry_run", req.DryRun),
	))
	defer func() { endSpan(span, err) }()

	ctx, c, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer c.finish()

	ch, err := s.changes(ctx, c)
	if err != nil {
		return nil, err
	}

	items, err := s.assemble(ctx, c, bundle.ChangedPaths(ch.Records))
	if err != nil {
		return nil, err
	}

	batch, err := s.size(ctx, c, items)
	if err != nil {
		return nil, err
	}

	out := &PayloadResult{
		ScanID:    c.id,
		Workspace: c.ws.Root,
		BundleID:  req.BundleID,
		Files:     batch.Len(),
		Summary:   ch.Summary,
		Batch:     batch,
	}
	if out.BundleID == "" {
		out.BundleID = c.id
	}
	if chunks, ok := batch.(payload.Chunked); ok {
		out.Chunked = true
		out.Chunks = len(chunks)
	}

	if !req.DryRun {
		if batch.Len() > 0 {
			if err := s.upload(ctx, out.BundleID, batch); err != nil {
				return nil, err
			}
			out.Uploaded = true
		}
		if err := s.store.Save(ctx, c.ws.Root, bundle.Apply(ch.manifest, ch.Records)); err != nil {
			return nil, fmt.Errorf("saving manifest: %w", err)
		}
	}

	out.Duration = time.Since(c.started)
	span.SetAttributes(
		attribute.String("bundle.id", out.BundleID),
		attribute.Int("payload.files", out.Files),
		attribute.Int("payload.chunks", out.Chunks),
	)
	c.logger.Info("payload complete",
		zap.String("bundle_id", out.BundleID),
		zap.Int("files", out.Files),
		zap.Bool("chunked", out.Chunked),
		zap.Int("chunks", out.Chunks),
		zap.Bool("uploaded", out.Uploaded),
	)
	return out, nil
}

// Replay uploads a previously built batch under bundleID. No workspace is
// read and no manifest is touched.
func (s *Service) Replay(ctx context.Context, bundleID string, batch payload.Batch) (err error) {
	if s.transport == nil {
		return ErrNoTransport
	}
	if bundleID == "" {
		return errors.New("bundle id cannot be empty")
	}
	if batch == nil || batch.Len() == 0 {
		return errors.New("nothing to replay")
	}

	ctx, span := s.tracer.Start(ctx, "service.Replay", trace.WithAttributes(
		attribute.String("bundle.id", bundleID),
		attribute.Int("payload.files", batch.Len()),
	))
	defer func() { endSpan(span, err) }()

	if err := s.upload(ctx, bundleID, batch); err != nil {
		return err
	}
	s.logger.Info("payload replayed",
		append(logging.ContextFields(ctx),
			zap.String("bundle_id", bundleID),
			zap.Int("files", batch.Len()),
		)...,
	)
	return nil
}

func (s *Service) changes(ctx context.Context, c *cycle) (*ChangesResult, error) {
	files, err := s.walk(ctx, c)
	if err != nil {
		return nil, err
	}
	return s.diff(ctx, c, files)
}

func (s *Service) diff(ctx context.Context, c *cycle, files []string) (_ *ChangesResult, err error) {
	ctx, span := s.tracer.Start(ctx, "bundle.Diff", trace.WithAttributes(attribute.Int("diff.files", len(files))))
	defer func() { endSpan(span, err) }()

	manifest, err := s.store.Load(ctx, c.ws.Root)
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}

	differ := bundle.NewDiffer(s.fs, s.hasher,
		bundle.WithDiffWorkers(s.cfg.Workers),
		bundle.WithTextOnly(true),
		bundle.WithDiffReporter(c.reporter),
		bundle.WithDiffLogger(c.logger),
	)
	records, err := differ.DiffWorkspace(ctx, files, c.ws.Root, manifest)
	if err != nil {
		return nil, err
	}

	out := &ChangesResult{
		ScanID:    c.id,
		Workspace: c.ws.Root,
		Records:   records,
		Summary:   bundle.Summarize(records),
		Duration:  time.Since(c.started),
		manifest:  manifest,
	}
	span.SetAttributes(
		attribute.Int("diff.created", out.Summary[bundle.StatusCreated]),
		attribute.Int("diff.modified", out.Summary[bundle.StatusModified]),
		attribute.Int("diff.deleted", out.Summary[bundle.StatusDeleted]),
	)
	c.logger.Info("diff complete",
		zap.Int("files", len(files)),
		zap.Int("created", out.Summary[bundle.StatusCreated]),
		zap.Int("modified", out.Summary[bundle.StatusModified]),
		zap.Int("deleted", out.Summary[bundle.StatusDeleted]),
	)
	return out, nil
}

func (s *Service) walk(ctx context.Context, c *cycle) (_ []string, err error) {
	ctx, span := s.tracer.Start(ctx, "scanner.Walk")
	defer func() { endSpan(span, err) }()

	var files []string
	err = c.scanner.Walk(ctx, c.ws.Root, nil, func(p string) error {
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", c.ws.Root, err)
	}
	span.SetAttributes(attribute.Int("scan.files", len(files)))
	return files, nil
}

func (s *Service) assemble(ctx context.Context, c *cycle, paths []string) (_ []payload.Item, err error) {
	ctx, span := s.tracer.Start(ctx, "payload.Assemble", trace.WithAttributes(attribute.Int("assemble.files", len(paths))))
	defer func() { endSpan(span, err) }()

	assembler := payload.NewAssembler(s.fs, payload.AssemblerConfig{
		Hasher:  s.hasher,
		Workers: s.cfg.Workers,
		Metrics: s.assemblyMets,
		Logger:  c.logger,
	})
	return assembler.Assemble(ctx, paths, c.ws.Root)
}

func (s *Service) size(ctx context.Context, c *cycle, items []payload.Item) (_ payload.Batch, err error) {
	_, span := s.tracer.Start(ctx, "payload.Size", trace.WithAttributes(
		attribute.Int("payload.items", len(items)),
		attribute.Int64("payload.max_bytes", s.chunker.MaxBytes()),
	))
	defer func() { endSpan(span, err) }()

	batch, err := s.chunker.SizePayload(items)
	if err != nil {
		return nil, err
	}
	_, chunked := batch.(payload.Chunked)
	c.logger.Debug("payload sized",
		zap.Int("items", len(items)),
		zap.Bool("chunked", chunked),
		zap.Int64("max_bytes", s.chunker.MaxBytes()),
	)
	return batch, nil
}

func (s *Service) upload(ctx context.Context, bundleID string, batch payload.Batch) (err error) {
	ctx, span := s.tracer.Start(ctx, "payload.Upload", trace.WithAttributes(attribute.String("bundle.id", bundleID)))
	defer func() { endSpan(span, err) }()

	if err := payload.Upload(ctx, s.transport, bundleID, batch); err != nil {
		return fmt.Errorf("uploading bundle %s: %w", bundleID, err)
	}
	return nil
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// cycle is the per-call state shared by the scan, diff and payload steps.
type cycle struct {
	id       string
	ws       *workspace.Workspace
	scanner  *scanner.Scanner
	reporter progress.Reporter
	nats     *progress.NATSReporter
	logger   *zap.Logger
	started  time.Time
}

// begin resolves the workspace and returns ctx carrying the scan ID and
// workspace root. The cycle logger carries the same fields plus the trace
// and span IDs of the span in ctx.
func (s *Service) begin(ctx context.Context, req Request) (context.Context, *cycle, error) {
	ws, err := workspace.Resolve(req.Path, s.cfg.DetectGitRoot)
	if err != nil {
		return ctx, nil, err
	}

	c := &cycle{
		id:      uuid.NewString(),
		ws:      ws,
		started: time.Now(),
	}
	ctx = logging.WithScanID(ctx, c.id)
	ctx = logging.WithWorkspace(ctx, ws.Root)
	c.logger = s.logger.With(logging.ContextFields(ctx)...)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("scan.id", c.id),
		attribute.String("workspace", ws.Root),
	)

	s.counter.Reset()
	reporters := []progress.Reporter{progress.NewLogReporter(s.counter, c.logger, s.interval)}
	if s.reporter != nil {
		reporters = append(reporters, s.reporter)
	}
	if s.nats != nil {
		nr, err := progress.NewNATSReporter(s.nats, s.natsSubject, c.id, s.interval, c.logger)
		if err != nil {
			return ctx, nil, err
		}
		c.nats = nr
		reporters = append(reporters, nr)
	}
	c.reporter = progress.Multi(reporters...)

	opts := []scanner.Option{
		scanner.WithIgnoreFiles(s.cfg.IgnoreFiles...),
		scanner.WithFollowSymlinks(s.cfg.FollowSymlinks),
		scanner.WithReporter(c.reporter),
		scanner.WithMetrics(s.scanMetrics),
		scanner.WithLogger(c.logger),
	}
	if s.cfg.SkipDirs != nil {
		opts = append(opts, scanner.WithSkipDirs(s.cfg.SkipDirs...))
	}
	if req.Supported != nil {
		supported := bundle.NormalizeSupportedFiles(*req.Supported)
		opts = append(opts, scanner.WithAccept(supported.Accept))
	}
	c.scanner = scanner.New(s.fs, opts...)
	return ctx, c, nil
}

func (c *cycle) finish() {
	if c.nats == nil {
		return
	}
	if err := c.nats.Flush(); err != nil {
		c.logger.Warn("failed to flush progress", zap.Error(err))
	}
}
