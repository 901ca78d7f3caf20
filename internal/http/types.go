package http

import (
	"github.com/fyrsmithlabs/codebundle/internal/bundle"
)

// BundleRequest is the request body for the scan, changes and payload routes.
type BundleRequest struct {
	Path      string                 `json:"path"`
	Supported *bundle.SupportedFiles `json:"supported,omitempty"`
	BundleID  string                 `json:"bundle_id,omitempty"`
	DryRun    bool                   `json:"dry_run,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ProgressResponse is the response body for GET /api/v1/progress.
type ProgressResponse struct {
	Processed int64   `json:"processed"`
	Total     int64   `json:"total"`
	Percent   float64 `json:"percent"`
}

// ErrorResponse is the body of every failed request. Action and Kind tell
// the client how to recover.
type ErrorResponse struct {
	Error  string `json:"error"`
	Action string `json:"action,omitempty"`
	Kind   string `json:"kind,omitempty"`
}
