package bundle

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Manifest maps workspace-relative, slash-separated file paths to content
// hashes. It is the last state the backend confirmed. The caller owns it;
// nothing in this package mutates a manifest it is handed.
type Manifest map[string]string

// Clone returns an independent copy of m.
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Status classifies a file against the manifest.
type Status string

const (
	StatusSame     Status = "same"
	StatusModified Status = "modified"
	StatusCreated  Status = "created"
	StatusDeleted  Status = "deleted"
)

// FileChangeRecord is the outcome of diffing one file.
type FileChangeRecord struct {
	Path   string `json:"filePath"`
	Hash   string `json:"fileHash"` // empty when deleted
	Status Status `json:"status"`
}

// Changed reports whether the record needs to be uploaded.
func (r FileChangeRecord) Changed() bool {
	return r.Status == StatusCreated || r.Status == StatusModified
}

// Apply folds records into a copy of m: created and modified entries take
// their new hash, deleted entries are removed.
func Apply(m Manifest, records []FileChangeRecord) Manifest {
	out := m.Clone()
	for _, r := range records {
		switch r.Status {
		case StatusCreated, StatusModified, StatusSame:
			out[r.Path] = r.Hash
		case StatusDeleted:
			delete(out, r.Path)
		}
	}
	return out
}

// ChangedPaths returns the paths of created and modified records, in order.
func ChangedPaths(records []FileChangeRecord) []string {
	var out []string
	for _, r := range records {
		if r.Changed() {
			out = append(out, r.Path)
		}
	}
	return out
}

// SupportedFiles is the server-provided list of files the backend analyzes.
type SupportedFiles struct {
	ConfigFiles []string `json:"configFiles"`
	Extensions  []string `json:"extensions"`
}

// NormalizeSupportedFiles strips the leading "/" the backend prefixes config
// file names with.
func NormalizeSupportedFiles(s SupportedFiles) SupportedFiles {
	if s.ConfigFiles == nil {
		return s
	}
	cfg := make([]string, len(s.ConfigFiles))
	for i, name := range s.ConfigFiles {
		cfg[i] = strings.TrimPrefix(name, "/")
	}
	s.ConfigFiles = cfg
	return s
}

// Accept reports whether the file's base name is a listed config file or
// carries a listed extension.
func (s *SupportedFiles) Accept(name string) bool {
	if s == nil {
		return true
	}
	base := path.Base(filepath.ToSlash(name))
	for _, c := range s.ConfigFiles {
		if c == base {
			return true
		}
	}
	ext := path.Ext(base)
	if ext == "" {
		return false
	}
	for _, e := range s.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// RelativePath strips workspaceRoot from filePath and returns the result
// slash-separated without a leading separator.
func RelativePath(filePath, workspaceRoot string) (string, error) {
	rel, err := filepath.Rel(workspaceRoot, filePath)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, filePath)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, filePath)
	}
	return rel, nil
}
