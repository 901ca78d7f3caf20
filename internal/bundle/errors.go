package bundle

import (
	"errors"
	"fmt"
)

// Error kinds. Oversized payloads are never an error; they are chunked.
var (
	ErrFileSystem = errors.New("file system error")
	ErrEncoding   = errors.New("encoding error")
)

// ErrOutsideWorkspace is returned when a path does not live under the workspace root.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// FileSystemError reports a failed read, list or stat.
type FileSystemError struct {
	Op   string // "read", "list", "stat"
	Path string
	Err  error
}

// Error implements the error interface
func (e *FileSystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap allows errors.Is and errors.As to reach the underlying error.
func (e *FileSystemError) Unwrap() error {
	return e.Err
}

// Is matches ErrFileSystem.
func (e *FileSystemError) Is(target error) bool {
	return target == ErrFileSystem
}

// NewFileSystemError wraps err for path.
func NewFileSystemError(op, path string, err error) *FileSystemError {
	return &FileSystemError{Op: op, Path: path, Err: err}
}

// EncodingError reports content that cannot be carried as UTF-8 text.
type EncodingError struct {
	Path string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s: content is not valid UTF-8", e.Path)
}

// Is matches ErrEncoding.
func (e *EncodingError) Is(target error) bool {
	return target == ErrEncoding
}
