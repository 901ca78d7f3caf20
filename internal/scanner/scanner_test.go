package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	"github.com/fyrsmithlabs/codebundle/internal/ignore"
	"github.com/fyrsmithlabs/codebundle/internal/progress"
)

func writeTree(t *testing.T, fsys billy.Filesystem, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, util.WriteFile(fsys, name, []byte(content), 0o644))
	}
}

func sampleTree(t *testing.T) billy.Filesystem {
	t.Helper()
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{
		"/ws/.gitignore":          "# build output\n*.log\nbuild/\n\n   \n",
		"/ws/a.txt":               "a",
		"/ws/b.log":               "b",
		"/ws/build/out.txt":       "out",
		"/ws/src/.dcignore":       "gen/\n",
		"/ws/src/main.go":         "package main",
		"/ws/src/keep.go":         "package main",
		"/ws/src/gen/x.go":        "package gen",
		"/ws/src/nested/c.log":    "c",
		"/ws/src/nested/d.txt":    "d",
		"/ws/docs/readme.md":      "# docs",
		"/ws/docs/deep/notes.txt": "notes",
	})
	return fsys
}

func walkPaths(t *testing.T, s *Scanner, root string, filter *ignore.Filter) []string {
	t.Helper()
	var paths []string
	require.NoError(t, s.Walk(context.Background(), root, filter, func(p string) error {
		paths = append(paths, p)
		return nil
	}))
	return paths
}

func TestScan_Count(t *testing.T) {
	s := New(sampleTree(t))

	res, err := s.Scan(context.Background(), "/ws", nil)
	require.NoError(t, err)

	// .gitignore, a.txt, docs/readme.md, docs/deep/notes.txt,
	// src/.dcignore, src/keep.go, src/main.go, src/nested/d.txt
	assert.Equal(t, 8, res.Count)
}

func TestWalk_Order(t *testing.T) {
	s := New(sampleTree(t))

	assert.Equal(t, []string{
		"/ws/.gitignore",
		"/ws/a.txt",
		"/ws/docs/readme.md",
		"/ws/docs/deep/notes.txt",
		"/ws/src/.dcignore",
		"/ws/src/keep.go",
		"/ws/src/main.go",
		"/ws/src/nested/d.txt",
	}, walkPaths(t, s, "/ws", nil))
}

func TestScan_RepeatedScansAreStable(t *testing.T) {
	s := New(sampleTree(t))
	start := ignore.NewFilter()

	first, err := s.Scan(context.Background(), "/ws", start)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.Scan(context.Background(), "/ws", start)
		require.NoError(t, err)
		assert.Equal(t, first.Count, again.Count)
	}
	assert.Equal(t, 0, start.Len(), "the starting filter is never modified")
}

func TestScan_AncestorRulesApplyToDescendants(t *testing.T) {
	s := New(sampleTree(t))

	paths := walkPaths(t, s, "/ws", nil)
	assert.NotContains(t, paths, "/ws/b.log")
	assert.NotContains(t, paths, "/ws/src/nested/c.log")

	// Scanning a subtree alone does not see the ancestor's rules.
	sub, err := s.Scan(context.Background(), "/ws/src/nested", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Count)

	// Passing the ancestor's filter down restores them.
	root, err := s.Scan(context.Background(), "/ws", nil)
	require.NoError(t, err)
	sub, err = s.Scan(context.Background(), "/ws/src/nested", root.Filter)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Count)
}

func TestScan_StartingFilterApplies(t *testing.T) {
	s := New(sampleTree(t))
	start := ignore.NewFilter(ignore.ParseRule([]string{"docs/"}, "/ws"))

	res, err := s.Scan(context.Background(), "/ws", start)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Count)
	assert.Equal(t, 1, start.Len())
	assert.Equal(t, 2, res.Filter.Len())
}

func TestScan_SiblingsAreIsolated(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{
		"/ws/a/.gitignore": "*.txt\n",
		"/ws/a/x.txt":      "x",
		"/ws/b/y.txt":      "y",
		"/ws/c/z.txt":      "z",
	})
	s := New(fsys)

	assert.Equal(t, []string{
		"/ws/a/.gitignore",
		"/ws/b/y.txt",
		"/ws/c/z.txt",
	}, walkPaths(t, s, "/ws", nil))
}

func TestScan_NoIgnoreFilesReturnsSameFilter(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{
		"/ws/a.txt":     "a",
		"/ws/sub/b.txt": "b",
	})
	s := New(fsys)
	start := ignore.NewFilter()

	res, err := s.Scan(context.Background(), "/ws", start)
	require.NoError(t, err)
	assert.Same(t, start, res.Filter)
	assert.Equal(t, 2, res.Count)
}

func TestScan_RootFilterIncludesRootRules(t *testing.T) {
	s := New(sampleTree(t))
	start := ignore.NewFilter()

	res, err := s.Scan(context.Background(), "/ws", start)
	require.NoError(t, err)
	assert.NotSame(t, start, res.Filter)
	assert.Equal(t, 1, res.Filter.Len())
	assert.True(t, res.Filter.Excludes("/ws/other/trace.log", false))
}

// countingFS counts how often each ignore file is opened.
type countingFS struct {
	billy.Filesystem
	mu    sync.Mutex
	opens map[string]int
}

func (c *countingFS) Open(name string) (billy.File, error) {
	if ignore.IsIgnoreFile(name) {
		c.mu.Lock()
		c.opens[name]++
		c.mu.Unlock()
	}
	return c.Filesystem.Open(name)
}

func TestScan_IgnoreFilesReadOncePerDirectory(t *testing.T) {
	fsys := &countingFS{Filesystem: sampleTree(t), opens: map[string]int{}}
	writeTree(t, fsys.Filesystem, map[string]string{
		"/ws/src/one.go":   "1",
		"/ws/src/two.go":   "2",
		"/ws/src/three.go": "3",
	})
	s := New(fsys)

	_, err := s.Scan(context.Background(), "/ws", nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{
		"/ws/.gitignore":    1,
		"/ws/src/.dcignore": 1,
	}, fsys.opens)
}

func TestScan_CustomIgnoreFileNames(t *testing.T) {
	s := New(sampleTree(t), WithIgnoreFiles(".dcignore"))

	paths := walkPaths(t, s, "/ws", nil)
	assert.Contains(t, paths, "/ws/b.log")
	assert.NotContains(t, paths, "/ws/src/gen/x.go")
}

func TestScan_SkipsGitDirectory(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{
		"/ws/main.go":                 "package main",
		"/ws/.git/HEAD":               "ref: refs/heads/main\n",
		"/ws/.git/index":              "DIRC\x00\x00\x00\x02",
		"/ws/.git/objects/ab/cdef":    "blob",
		"/ws/sub/.git/config":         "[core]\n",
		"/ws/sub/lib.go":              "package sub",
		"/ws/vendor/.gitkeep":         "",
		"/ws/node_modules/x/index.js": "module.exports = 1",
	})

	paths := walkPaths(t, New(fsys), "/ws", nil)
	assert.Equal(t, []string{
		"/ws/main.go",
		"/ws/node_modules/x/index.js",
		"/ws/sub/lib.go",
		"/ws/vendor/.gitkeep",
	}, paths)

	s := New(fsys, WithSkipDirs(".git", "node_modules"))
	assert.NotContains(t, walkPaths(t, s, "/ws", nil), "/ws/node_modules/x/index.js")

	s = New(fsys, WithSkipDirs())
	assert.Contains(t, walkPaths(t, s, "/ws", nil), "/ws/.git/HEAD")
}

func TestScan_SkipDirsOnlyMatchDirectories(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{
		"/ws/.git":    "gitdir: ../.git/modules/ws\n",
		"/ws/main.go": "package main",
	})

	res, err := New(fsys).Scan(context.Background(), "/ws", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
}

func TestScan_Accept(t *testing.T) {
	supported := &bundle.SupportedFiles{Extensions: []string{".go"}}
	s := New(sampleTree(t), WithAccept(supported.Accept))

	assert.Equal(t, []string{"/ws/src/keep.go", "/ws/src/main.go"}, walkPaths(t, s, "/ws", nil))
}

func TestScan_ReportsDiscoveredFiles(t *testing.T) {
	counter := progress.NewCounter()
	s := New(sampleTree(t), WithReporter(counter))

	res, err := s.Scan(context.Background(), "/ws", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(res.Count), counter.Snapshot().Total)
}

func TestScan_Errors(t *testing.T) {
	fsys := sampleTree(t)
	s := New(fsys)

	_, err := s.Scan(context.Background(), "/missing", nil)
	assert.ErrorIs(t, err, bundle.ErrFileSystem)

	_, err = s.Scan(context.Background(), "/ws/a.txt", nil)
	assert.ErrorIs(t, err, ErrNotDirectory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Scan(ctx, "/ws", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalk_CallbackErrorStops(t *testing.T) {
	s := New(sampleTree(t))
	stop := assert.AnError
	calls := 0

	err := s.Walk(context.Background(), "/ws", nil, func(string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestScan_SymlinksAreFilesByDefault(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{"/ws/real/f.txt": "f"})
	require.NoError(t, fsys.Symlink("/ws", "/ws/real/back"))

	res, err := New(fsys).Scan(context.Background(), "/ws", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
}

func TestScan_FollowSymlinksDetectsCycles(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{
		"/ws/real/f.txt":   "f",
		"/shared/lib.go":   "package lib",
		"/shared/more.txt": "more",
	})
	require.NoError(t, fsys.Symlink("/ws", "/ws/real/back"))
	require.NoError(t, fsys.Symlink("/shared", "/ws/vendor"))

	s := New(fsys, WithFollowSymlinks(true), WithMetrics(nil))
	paths := walkPaths(t, s, "/ws", nil)

	assert.Equal(t, []string{
		"/ws/real/f.txt",
		"/ws/vendor/lib.go",
		"/ws/vendor/more.txt",
	}, paths)
}

func TestScan_FollowSymlinksAppliesRulesToLogicalPaths(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{
		"/ws/.gitignore":   "vendor/*.txt\n",
		"/shared/lib.go":   "package lib",
		"/shared/more.txt": "more",
	})
	require.NoError(t, fsys.Symlink("/shared", "/ws/vendor"))

	s := New(fsys, WithFollowSymlinks(true))
	assert.Equal(t, []string{"/ws/.gitignore", "/ws/vendor/lib.go"}, walkPaths(t, s, "/ws", nil))
}

func TestScan_OSSymlinkCycle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "f.txt"), []byte("f"), 0o644))
	if err := os.Symlink(filepath.Join(dir, "a"), filepath.Join(dir, "a", "b", "up")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	s := New(osfs.New("/"), WithFollowSymlinks(true))
	res, err := s.Scan(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	res, err = New(osfs.New("/")).Scan(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
}

func TestCanonical(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{"/data/x/file": "f"})
	require.NoError(t, fsys.Symlink("/data", "/link"))
	require.NoError(t, fsys.Symlink("/link/x", "/chain"))
	require.NoError(t, fsys.Symlink("/self", "/self"))

	s := New(fsys, WithFollowSymlinks(true))

	got, err := s.canonical("/chain")
	require.NoError(t, err)
	assert.Equal(t, "/data/x", got)

	got, err = s.canonical("/link/x/../x")
	require.NoError(t, err)
	assert.Equal(t, "/data/x", got)

	_, err = s.canonical("/self")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "symbolic links"))
}
