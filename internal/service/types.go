package service

import (
	"time"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	"github.com/fyrsmithlabs/codebundle/internal/payload"
)

// Request identifies the workspace a cycle runs against.
type Request struct {
	// Path is any directory inside the workspace.
	Path string `json:"path"`

	// Supported restricts eligible files. Nil accepts every file.
	Supported *bundle.SupportedFiles `json:"supported,omitempty"`

	// BundleID names the remote bundle. Defaults to the scan ID.
	BundleID string `json:"bundle_id,omitempty"`

	// DryRun assembles and sizes the payload without uploading it or
	// updating the stored manifest.
	DryRun bool `json:"dry_run,omitempty"`
}

// ScanResult reports how many eligible files a workspace holds.
type ScanResult struct {
	ScanID    string        `json:"scan_id"`
	Workspace string        `json:"workspace"`
	Branch    string        `json:"branch,omitempty"`
	Files     int           `json:"files"`
	Rules     int           `json:"rules"`
	Duration  time.Duration `json:"duration"`
}

// ChangesResult holds the diff of a workspace against its stored manifest.
type ChangesResult struct {
	ScanID    string                    `json:"scan_id"`
	Workspace string                    `json:"workspace"`
	Records   []bundle.FileChangeRecord `json:"records"`
	Summary   bundle.Summary            `json:"summary"`
	Duration  time.Duration             `json:"duration"`

	manifest bundle.Manifest
}

// PayloadResult describes the payload built (and possibly uploaded) for
// the changed files.
type PayloadResult struct {
	ScanID    string         `json:"scan_id"`
	Workspace string         `json:"workspace"`
	BundleID  string         `json:"bundle_id"`
	Files     int            `json:"files"`
	Chunked   bool           `json:"chunked"`
	Chunks    int            `json:"chunks"`
	Uploaded  bool           `json:"uploaded"`
	Summary   bundle.Summary `json:"summary"`
	Duration  time.Duration  `json:"duration"`

	// Batch is the sized payload.
	Batch payload.Batch `json:"-"`
}
