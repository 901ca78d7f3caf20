package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	"github.com/fyrsmithlabs/codebundle/internal/logging"
	"github.com/fyrsmithlabs/codebundle/internal/service"
)

// requestFlags are shared by scan, changes and payload.
type requestFlags struct {
	extensions  []string
	configFiles []string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.extensions, "ext", nil, "only include files with these extensions (e.g. .go,.py)")
	cmd.Flags().StringSliceVar(&f.configFiles, "config-file", nil, "also include files with these exact names")
}

func (f *requestFlags) request(path string) service.Request {
	req := service.Request{Path: path}
	if len(f.extensions) > 0 || len(f.configFiles) > 0 {
		exts := make([]string, len(f.extensions))
		for i, e := range f.extensions {
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			exts[i] = e
		}
		req.Supported = &bundle.SupportedFiles{Extensions: exts, ConfigFiles: f.configFiles}
	}
	return req
}

func newScanCmd(flags *globalFlags) *cobra.Command {
	rf := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "scan [path]",
		Short: "Count the eligible files of a workspace",
		Long: `Walk the workspace honoring ignore files and count the files that
would be bundled.

Examples:
  codebundle scan
  codebundle scan ~/src/project --ext .go,.ts`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.Scan(cmd.Context(), rf.request(workspaceArg(args)))
			if err != nil {
				return err
			}
			ctx := logging.WithWorkspace(logging.WithScanID(cmd.Context(), res.ScanID), res.Workspace)
			a.info(ctx, "scan finished", zap.Int("files", res.Files))

			return a.print(cmd, res, func() {
				cmd.Printf("%s: %d files (%d ignore rules at root) in %s\n",
					res.Workspace, res.Files, res.Rules, res.Duration.Round(time.Millisecond))
			})
		},
	}
	rf.register(cmd)
	return cmd
}
