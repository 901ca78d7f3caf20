package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codebundle/internal/hashing"
)

// Store loads and persists the manifest of a workspace across sessions.
type Store interface {
	Load(ctx context.Context, workspace string) (Manifest, error)
	Save(ctx context.Context, workspace string, m Manifest) error
}

// storedManifest is the on-disk form of a manifest. Documents written
// before Algorithm was recorded hold SHA256 digests.
type storedManifest struct {
	Workspace string    `json:"workspace"`
	Algorithm string    `json:"algorithm,omitempty"`
	Files     Manifest  `json:"files"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore keeps one JSON document per workspace under dir.
type FileStore struct {
	fs        billy.Filesystem
	dir       string
	algorithm hashing.Algorithm
	logger    *zap.Logger
	mu        sync.Mutex
}

// StoreOption configures a FileStore.
type StoreOption func(*FileStore)

// WithStoreAlgorithm records alg as the algorithm of saved digests. Stored
// manifests hashed with another algorithm load as empty.
func WithStoreAlgorithm(alg hashing.Algorithm) StoreOption {
	return func(s *FileStore) {
		if alg != "" {
			s.algorithm = alg
		}
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewFileStore creates a store rooted at dir on fsys.
func NewFileStore(fsys billy.Filesystem, dir string, opts ...StoreOption) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("manifest directory cannot be empty")
	}
	if err := fsys.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating manifest directory %s: %w", dir, err)
	}
	s := &FileStore{
		fs:        fsys,
		dir:       dir,
		algorithm: hashing.SHA256,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Load returns the stored manifest, or an empty one when none was saved yet
// or it was hashed with a different algorithm. In the latter case every
// file is reported as created on the next diff.
func (s *FileStore) Load(ctx context.Context, workspace string) (Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := util.ReadFile(s.fs, s.pathFor(workspace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, nil
		}
		return nil, NewFileSystemError("read", s.pathFor(workspace), err)
	}

	var stored storedManifest
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decoding manifest for %s: %w", workspace, err)
	}
	alg := hashing.Algorithm(stored.Algorithm)
	if alg == "" {
		alg = hashing.SHA256
	}
	if alg != s.algorithm {
		s.logger.Warn("discarding manifest hashed with another algorithm",
			zap.String("workspace", workspace),
			zap.String("stored", string(alg)),
			zap.String("configured", string(s.algorithm)),
			zap.Int("files", len(stored.Files)),
		)
		return Manifest{}, nil
	}
	if stored.Files == nil {
		stored.Files = Manifest{}
	}
	return stored.Files, nil
}

// Save writes m atomically: a temp file is written then renamed into place.
func (s *FileStore) Save(ctx context.Context, workspace string, m Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(storedManifest{
		Workspace: workspace,
		Algorithm: string(s.algorithm),
		Files:     m,
		UpdatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.pathFor(workspace)
	tmp := target + ".tmp"
	if err := util.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return NewFileSystemError("write", tmp, err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return NewFileSystemError("rename", target, err)
	}
	return nil
}

func (s *FileStore) pathFor(workspace string) string {
	key := hashing.Default().Hash([]byte(filepath.Clean(workspace)))
	return filepath.Join(s.dir, key+".json")
}
