package bundle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/codebundle/internal/hashing"
	"github.com/fyrsmithlabs/codebundle/internal/progress"
)

const root = "/ws"

func writeFiles(t *testing.T, files map[string]string) *Differ {
	t.Helper()
	fs := memfs.New()
	for p, content := range files {
		require.NoError(t, util.WriteFile(fs, p, []byte(content), 0o644))
	}
	return NewDiffer(fs, hashing.Default())
}

func TestDiff_Scenarios(t *testing.T) {
	h := hashing.Default()
	h1 := h.Hash([]byte("one"))
	manifest := Manifest{"a.txt": h1}

	tests := []struct {
		name       string
		files      map[string]string
		path       string
		wantStatus Status
		wantHash   string
	}{
		{
			name:       "same",
			files:      map[string]string{"/ws/a.txt": "one"},
			path:       "/ws/a.txt",
			wantStatus: StatusSame,
			wantHash:   h1,
		},
		{
			name:       "modified",
			files:      map[string]string{"/ws/a.txt": "two"},
			path:       "/ws/a.txt",
			wantStatus: StatusModified,
			wantHash:   h.Hash([]byte("two")),
		},
		{
			name:       "created",
			files:      map[string]string{"/ws/a.txt": "one", "/ws/b.txt": "bee"},
			path:       "/ws/b.txt",
			wantStatus: StatusCreated,
			wantHash:   h.Hash([]byte("bee")),
		},
		{
			name:       "deleted",
			files:      map[string]string{},
			path:       "/ws/a.txt",
			wantStatus: StatusDeleted,
			wantHash:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := writeFiles(t, tt.files)
			rec, err := d.Diff(tt.path, root, manifest)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, tt.wantHash, rec.Hash)
		})
	}
}

func TestDiff_UnknownUnreadableIsFileSystemError(t *testing.T) {
	d := writeFiles(t, nil)

	rec, err := d.Diff("/ws/ghost.txt", root, Manifest{"a.txt": "x"})
	assert.Nil(t, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileSystem)

	var fsErr *FileSystemError
	require.True(t, errors.As(err, &fsErr))
	assert.Equal(t, "read", fsErr.Op)
	assert.Equal(t, "/ws/ghost.txt", fsErr.Path)
}

func TestDiff_NestedRelativePath(t *testing.T) {
	d := writeFiles(t, map[string]string{"/ws/src/pkg/main.go": "package main"})

	rec, err := d.Diff("/ws/src/pkg/main.go", "/ws/", nil)
	require.NoError(t, err)
	assert.Equal(t, "src/pkg/main.go", rec.Path)
	assert.Equal(t, StatusCreated, rec.Status)
}

func TestDiff_OutsideWorkspace(t *testing.T) {
	d := writeFiles(t, map[string]string{"/other/a.txt": "x"})

	_, err := d.Diff("/other/a.txt", root, nil)
	assert.ErrorIs(t, err, ErrOutsideWorkspace)

	_, err = d.Diff("/ws", root, nil)
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestDiff_IdempotentAndManifestUntouched(t *testing.T) {
	d := writeFiles(t, map[string]string{"/ws/a.txt": "v2"})
	manifest := Manifest{"a.txt": "old"}

	first, err := d.Diff("/ws/a.txt", root, manifest)
	require.NoError(t, err)
	second, err := d.Diff("/ws/a.txt", root, manifest)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, Manifest{"a.txt": "old"}, manifest)
}

func TestDiff_Concurrent(t *testing.T) {
	files := map[string]string{}
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		files["/ws/"+n+".txt"] = n
	}
	d := writeFiles(t, files)

	var wg sync.WaitGroup
	for p := range files {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := d.Diff(p, root, Manifest{})
			assert.NoError(t, err)
			assert.Equal(t, StatusCreated, rec.Status)
		}()
	}
	wg.Wait()
}

func TestDiffWorkspace(t *testing.T) {
	h := hashing.Default()
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/ws/same.txt", []byte("same"), 0o644))
	require.NoError(t, util.WriteFile(fs, "/ws/mod.txt", []byte("new"), 0o644))
	require.NoError(t, util.WriteFile(fs, "/ws/new.txt", []byte("fresh"), 0o644))

	counter := progress.NewCounter()
	d := NewDiffer(fs, h, WithDiffWorkers(2), WithDiffReporter(counter))

	manifest := Manifest{
		"same.txt": h.Hash([]byte("same")),
		"mod.txt":  h.Hash([]byte("old")),
		"gone.txt": h.Hash([]byte("gone")),
	}
	files := []string{"/ws/same.txt", "/ws/mod.txt", "/ws/new.txt", "/ws/vanished.txt"}

	records, err := d.DiffWorkspace(context.Background(), files, root, manifest)
	require.NoError(t, err)

	got := map[string]Status{}
	var paths []string
	for _, r := range records {
		got[r.Path] = r.Status
		paths = append(paths, r.Path)
	}
	assert.Equal(t, map[string]Status{
		"same.txt": StatusSame,
		"mod.txt":  StatusModified,
		"new.txt":  StatusCreated,
		"gone.txt": StatusDeleted,
	}, got)
	assert.Equal(t, []string{"gone.txt", "mod.txt", "new.txt", "same.txt"}, paths)
	assert.Equal(t, int64(4), counter.Snapshot().Processed)

	assert.Equal(t, Summary{StatusSame: 1, StatusModified: 1, StatusCreated: 1, StatusDeleted: 1}, Summarize(records))
	assert.Equal(t, []string{"mod.txt", "new.txt"}, ChangedPaths(records))
}

func TestDiffWorkspace_PropagatesOutsideWorkspace(t *testing.T) {
	d := writeFiles(t, map[string]string{"/elsewhere/a.txt": "x"})

	_, err := d.DiffWorkspace(context.Background(), []string{"/elsewhere/a.txt"}, root, nil)
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestDiffWorkspace_Cancelled(t *testing.T) {
	d := writeFiles(t, map[string]string{"/ws/a.txt": "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.DiffWorkspace(ctx, []string{"/ws/a.txt"}, root, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiff_TextOnly(t *testing.T) {
	h := hashing.Default()
	fs := memfs.New()
	png := []byte{0x89, 'P', 'N', 'G', 0xff, 0xfe}
	require.NoError(t, util.WriteFile(fs, "/ws/logo.png", png, 0o644))
	require.NoError(t, util.WriteFile(fs, "/ws/old.png", png, 0o644))

	rec, err := NewDiffer(fs, h).Diff("/ws/logo.png", root, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, rec.Status)

	d := NewDiffer(fs, h, WithTextOnly(true))
	rec, err = d.Diff("/ws/logo.png", root, nil)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrEncoding)
	var encErr *EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "/ws/logo.png", encErr.Path)

	rec, err = d.Diff("/ws/old.png", root, Manifest{"old.png": "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, rec.Status)
}

func TestDiffWorkspace_SkipsNonTextFiles(t *testing.T) {
	h := hashing.Default()
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/ws/main.go", []byte("package main"), 0o644))
	require.NoError(t, util.WriteFile(fs, "/ws/logo.png", []byte{0x89, 'P', 'N', 'G', 0xff, 0xfe}, 0o644))

	core, logs := observer.New(zap.DebugLevel)
	d := NewDiffer(fs, h, WithTextOnly(true), WithDiffLogger(zap.New(core)))

	records, err := d.DiffWorkspace(context.Background(), []string{"/ws/logo.png", "/ws/main.go"}, root, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, ChangedPaths(records))

	skipped := logs.FilterMessage("skipping non-text file").All()
	require.Len(t, skipped, 1)
	assert.Equal(t, "/ws/logo.png", skipped[0].ContextMap()["path"])
	assert.Equal(t, 1, logs.FilterMessage("skipped non-text files").Len())
}
