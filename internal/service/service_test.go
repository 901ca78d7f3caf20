package service

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	"github.com/fyrsmithlabs/codebundle/internal/logging"
	"github.com/fyrsmithlabs/codebundle/internal/payload"
	"github.com/fyrsmithlabs/codebundle/internal/progress"
	"github.com/fyrsmithlabs/codebundle/internal/telemetry"
)

type recordingTransport struct {
	mu      sync.Mutex
	status  int
	bundles []string
	uploads [][]payload.Item
}

func (r *recordingTransport) Upload(_ context.Context, bundleID string, items []payload.Item) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles = append(r.bundles, bundleID)
	r.uploads = append(r.uploads, items)
	if r.status == 0 {
		return http.StatusOK, nil
	}
	return r.status, nil
}

func (r *recordingTransport) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.uploads {
		for _, it := range u {
			out = append(out, it.Path)
		}
	}
	return out
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

type fixture struct {
	root  string
	store *bundle.FileStore
	tr    *recordingTransport
	svc   *Service
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".gitignore":     "build/\n*.log\n",
		"main.go":        "package main\n",
		"pkg/util.go":    "package pkg\n",
		"pkg/util.py":    "print('x')\n",
		"build/out.go":   "package build\n",
		"debug.log":      "noise\n",
		"docs/README.md": "# docs\n",
	})

	fsys := osfs.New("/")
	store, err := bundle.NewFileStore(fsys, filepath.Join(t.TempDir(), "manifests"))
	require.NoError(t, err)

	tr := &recordingTransport{}
	opts = append([]Option{WithTransport(tr)}, opts...)
	svc, err := New(fsys, store, cfg, opts...)
	require.NoError(t, err)
	return &fixture{root: root, store: store, tr: tr, svc: svc}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, Config{})
	assert.Error(t, err)
	_, err = New(osfs.New("/"), nil, Config{})
	assert.Error(t, err)
}

func TestScan(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.svc.Scan(context.Background(), Request{Path: f.root})
	require.NoError(t, err)

	// .gitignore, main.go, pkg/util.go, pkg/util.py, docs/README.md
	assert.Equal(t, 5, res.Files)
	assert.Equal(t, 1, res.Rules)
	assert.Equal(t, f.root, res.Workspace)
	assert.NotEmpty(t, res.ScanID)
	assert.Equal(t, int64(5), f.svc.Progress().Total)
}

func TestScan_SupportedFiles(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.svc.Scan(context.Background(), Request{
		Path:      f.root,
		Supported: &bundle.SupportedFiles{Extensions: []string{".go"}, ConfigFiles: []string{"/.gitignore"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Files)
}

func TestScan_NotADirectory(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.Scan(context.Background(), Request{Path: filepath.Join(f.root, "main.go")})
	assert.Error(t, err)
}

func TestPayload_UploadCycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.svc.Payload(ctx, Request{Path: f.root, BundleID: "b1"})
	require.NoError(t, err)
	assert.True(t, first.Uploaded)
	assert.False(t, first.Chunked)
	assert.Equal(t, 5, first.Files)
	assert.Equal(t, 5, first.Summary[bundle.StatusCreated])
	assert.ElementsMatch(t, []string{
		filepath.Join(f.root, ".gitignore"),
		filepath.Join(f.root, "docs", "README.md"),
		filepath.Join(f.root, "main.go"),
		filepath.Join(f.root, "pkg", "util.go"),
		filepath.Join(f.root, "pkg", "util.py"),
	}, f.tr.paths())
	assert.Equal(t, []string{"b1"}, f.tr.bundles)

	stored, err := f.store.Load(ctx, f.root)
	require.NoError(t, err)
	assert.Len(t, stored, 5)
	assert.Contains(t, stored, "pkg/util.go")

	// Nothing changed: no upload, manifest unchanged.
	second, err := f.svc.Payload(ctx, Request{Path: f.root})
	require.NoError(t, err)
	assert.False(t, second.Uploaded)
	assert.Equal(t, 0, second.Files)
	assert.Equal(t, 5, second.Summary[bundle.StatusSame])
	assert.Len(t, f.tr.uploads, 1)

	// One edit and one delete.
	writeTree(t, f.root, map[string]string{"main.go": "package main\n\nfunc main() {}\n"})
	require.NoError(t, os.Remove(filepath.Join(f.root, "pkg", "util.py")))

	changes, err := f.svc.Changes(ctx, Request{Path: f.root})
	require.NoError(t, err)
	assert.Equal(t, 1, changes.Summary[bundle.StatusModified])
	assert.Equal(t, 1, changes.Summary[bundle.StatusDeleted])

	third, err := f.svc.Payload(ctx, Request{Path: f.root})
	require.NoError(t, err)
	assert.True(t, third.Uploaded)
	assert.Equal(t, 1, third.Files)
	require.Len(t, f.tr.uploads, 2)
	assert.Equal(t, filepath.Join(f.root, "main.go"), f.tr.uploads[1][0].Path)
	assert.Equal(t, third.ScanID, third.BundleID, "bundle id defaults to the scan id")

	stored, err = f.store.Load(ctx, f.root)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
	assert.NotContains(t, stored, "pkg/util.py")
}

func TestPayload_DryRun(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.svc.Payload(ctx, Request{Path: f.root, DryRun: true})
	require.NoError(t, err)
	assert.False(t, res.Uploaded)
	assert.Equal(t, 5, res.Batch.Len())
	assert.Empty(t, f.tr.uploads)

	stored, err := f.store.Load(ctx, f.root)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestPayload_UploadFailureKeepsManifest(t *testing.T) {
	f := newFixture(t, Config{})
	f.tr.status = http.StatusBadGateway
	ctx := context.Background()

	_, err := f.svc.Payload(ctx, Request{Path: f.root})
	var se *payload.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)

	stored, err := f.store.Load(ctx, f.root)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestPayload_Chunked(t *testing.T) {
	f := newFixture(t, Config{MaxBytes: 200})

	res, err := f.svc.Payload(context.Background(), Request{Path: f.root})
	require.NoError(t, err)
	assert.True(t, res.Chunked)
	assert.Greater(t, res.Chunks, 1)
	assert.Len(t, f.tr.uploads, res.Chunks)
	assert.Len(t, f.tr.paths(), 5)
}

func TestPayload_NoTransport(t *testing.T) {
	fsys := osfs.New("/")
	store, err := bundle.NewFileStore(fsys, t.TempDir())
	require.NoError(t, err)
	svc, err := New(fsys, store, Config{})
	require.NoError(t, err)

	_, err = svc.Payload(context.Background(), Request{Path: t.TempDir()})
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestWithReporter(t *testing.T) {
	counter := progress.NewCounter()
	f := newFixture(t, Config{}, WithReporter(counter))

	_, err := f.svc.Changes(context.Background(), Request{Path: f.root})
	require.NoError(t, err)

	snap := counter.Snapshot()
	assert.Equal(t, int64(5), snap.Total)
	assert.Equal(t, int64(5), snap.Processed)
}

func TestWithNATSProgress(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("codebundle.progress.*")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	f := newFixture(t, Config{}, WithNATSProgress(nc, "codebundle.progress", time.Hour))
	res, err := f.svc.Scan(context.Background(), Request{Path: f.root})
	require.NoError(t, err)

	var last progress.Event
	for {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(msg.Data, &last))
		if last.Total == int64(res.Files) {
			break
		}
	}
	assert.Equal(t, res.ScanID, last.ScanID)
}

func TestWithLogger(t *testing.T) {
	tl := logging.NewTestLogger()
	f := newFixture(t, Config{}, WithLogger(tl.Underlying()))

	res, err := f.svc.Scan(context.Background(), Request{Path: f.root})
	require.NoError(t, err)

	tl.AssertLogged(t, zapcore.InfoLevel, "scan complete")
	tl.AssertScanCorrelation(t, "scan complete")
	tl.AssertField(t, "scan complete", zap.String("scan.id", res.ScanID))
	tl.AssertField(t, "scan complete", zap.Int("files", 5))
	tl.AssertNoSecrets(t)
}

func TestScan_GitRepositorySkipsGitDir(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":     "package main\n\nfunc main() {}\n",
		"pkg/util.go": "package pkg\n",
	})

	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	fsys := osfs.New("/")
	store, err := bundle.NewFileStore(fsys, t.TempDir())
	require.NoError(t, err)
	svc, err := New(fsys, store, Config{DetectGitRoot: true})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := svc.Scan(ctx, Request{Path: filepath.Join(root, "pkg")})
	require.NoError(t, err)
	assert.Equal(t, root, res.Workspace)
	assert.Equal(t, 2, res.Files)

	out, err := svc.Payload(ctx, Request{Path: root, DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 2, out.Batch.Len())
	for _, it := range out.Batch.(payload.Unchunked) {
		assert.NotContains(t, it.Path, string(filepath.Separator)+".git"+string(filepath.Separator))
	}
}

func TestPayload_SkipsBinaryFiles(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "logo.png"), []byte{0x89, 'P', 'N', 'G', 0xff, 0xfe}, 0o644))
	tl := logging.NewTestLogger()
	f.svc.logger = tl.Underlying()
	ctx := context.Background()

	res, err := f.svc.Payload(ctx, Request{Path: f.root, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Batch.Len())
	for _, it := range res.Batch.(payload.Unchunked) {
		assert.NotEqual(t, filepath.Join(f.root, "logo.png"), it.Path)
	}
	tl.AssertLogged(t, zapcore.InfoLevel, "skipped non-text files")

	_, err = f.svc.Payload(ctx, Request{Path: f.root})
	require.NoError(t, err)
	stored, err := f.store.Load(ctx, f.root)
	require.NoError(t, err)
	assert.NotContains(t, stored, "logo.png")
}

func TestPayload_BinaryReplacingKnownFileIsDeleted(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.Payload(ctx, Request{Path: f.root})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "docs", "README.md"), []byte{0xff, 0xfe, 0x00}, 0o644))
	changes, err := f.svc.Changes(ctx, Request{Path: f.root})
	require.NoError(t, err)
	assert.Equal(t, 1, changes.Summary[bundle.StatusDeleted])
	assert.Equal(t, 4, changes.Summary[bundle.StatusSame])
}

func TestConfig_SkipDirs(t *testing.T) {
	f := newFixture(t, Config{SkipDirs: []string{"docs"}})

	res, err := f.svc.Scan(context.Background(), Request{Path: f.root})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Files)
}

func TestWithTracer(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	tl := logging.NewTestLogger()
	f := newFixture(t, Config{MaxBytes: 200}, WithTracer(tel.Tracer(TracerName)), WithLogger(tl.Underlying()))

	res, err := f.svc.Payload(context.Background(), Request{Path: f.root, BundleID: "b1"})
	require.NoError(t, err)
	require.True(t, res.Chunked)

	for _, name := range []string{"service.Payload", "scanner.Walk", "bundle.Diff", "payload.Assemble", "payload.Size", "payload.Upload"} {
		tel.AssertSpanExists(t, name)
	}
	root := tel.SpanByName("service.Payload")
	tel.AssertSpanAttribute(t, "service.Payload", "scan.id", res.ScanID)
	tel.AssertSpanAttribute(t, "service.Payload", "bundle.id", "b1")
	tel.AssertSpanAttribute(t, "bundle.Diff", "diff.created", int64(5))
	tel.AssertSpanAttribute(t, "payload.Size", "payload.max_bytes", int64(200))

	for _, name := range []string{"scanner.Walk", "bundle.Diff", "payload.Assemble", "payload.Size", "payload.Upload"} {
		span := tel.SpanByName(name)
		assert.Equal(t, root.SpanContext().SpanID(), span.Parent().SpanID(), name)
	}
	upload := tel.SpanByName("payload.Upload")
	chunks := tel.SpansByName("payload.UploadChunk")
	assert.Len(t, chunks, res.Chunks)
	for _, c := range chunks {
		assert.Equal(t, upload.SpanContext().SpanID(), c.Parent().SpanID())
	}

	tl.AssertField(t, "payload complete", zap.String("trace_id", root.SpanContext().TraceID().String()))
	tl.AssertField(t, "payload complete", zap.String("span_id", root.SpanContext().SpanID().String()))
}

func TestWithTracer_RecordsErrors(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	f := newFixture(t, Config{}, WithTracer(tel.Tracer(TracerName)))
	f.tr.status = http.StatusBadGateway

	_, err := f.svc.Payload(context.Background(), Request{Path: f.root})
	require.Error(t, err)

	assert.Equal(t, codes.Error, tel.SpanByName("service.Payload").Status().Code)
	assert.Equal(t, codes.Error, tel.SpanByName("payload.Upload").Status().Code)
	assert.Equal(t, codes.Unset, tel.SpanByName("bundle.Diff").Status().Code)
}

func TestReplay(t *testing.T) {
	f := newFixture(t, Config{MaxBytes: 200})
	ctx := context.Background()

	built, err := f.svc.Payload(ctx, Request{Path: f.root, DryRun: true})
	require.NoError(t, err)
	data, err := payload.Encode(built.Batch)
	require.NoError(t, err)
	batch, err := payload.Decode(data)
	require.NoError(t, err)

	require.NoError(t, f.svc.Replay(ctx, "replayed", batch))
	assert.Len(t, f.tr.uploads, built.Chunks)
	assert.ElementsMatch(t, []string{"replayed"}, uniq(f.tr.bundles))
	assert.Len(t, f.tr.paths(), 5)

	stored, err := f.store.Load(ctx, f.root)
	require.NoError(t, err)
	assert.Empty(t, stored, "replay leaves the manifest alone")

	assert.Error(t, f.svc.Replay(ctx, "", batch))
	assert.Error(t, f.svc.Replay(ctx, "b", payload.Unchunked{}))

	svc, err := New(osfs.New("/"), f.store, Config{})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Replay(ctx, "b", batch), ErrNoTransport)
}

func uniq(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
