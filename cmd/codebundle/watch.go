package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	"github.com/fyrsmithlabs/codebundle/internal/ignore"
	"github.com/fyrsmithlabs/codebundle/internal/service"
	"github.com/fyrsmithlabs/codebundle/internal/watch"
	"github.com/fyrsmithlabs/codebundle/internal/workspace"
)

func newWatchCmd(flags *globalFlags) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Watch a workspace and report pending changes",
		Long: `Watch the workspace for file changes. After each burst of changes the
workspace is diffed against the last uploaded manifest and the pending
change counts are printed. Editing an ignore file is reported as a
bundle-changing event.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ws, err := workspace.Resolve(workspaceArg(args), a.cfg.Scan.DetectGitRoot)
			if err != nil {
				return err
			}
			filter, err := rootFilter(a.fs, ws.Root, a.cfg.Scan.IgnoreFiles)
			if err != nil {
				return err
			}

			zl := a.log.Underlying()
			w, err := watch.New(ws.Root, filter, zl)
			if err != nil {
				return err
			}
			defer w.Stop()

			ctx := cmd.Context()
			if err := w.Start(ctx); err != nil {
				return err
			}
			cmd.Printf("watching %s\n", ws.Root)

			return watchLoop(ctx, w.Events(), debounce, func(ctx context.Context, rescan bool) {
				res, err := a.svc.Changes(ctx, service.Request{Path: ws.Root})
				if err != nil {
					zl.Warn("diff failed", zap.Error(err))
					return
				}
				prefix := "changes"
				if rescan {
					prefix = "ignore rules changed"
				}
				cmd.Printf("%s: created %d, modified %d, deleted %d\n", prefix,
					res.Summary[bundle.StatusCreated],
					res.Summary[bundle.StatusModified],
					res.Summary[bundle.StatusDeleted])
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before diffing")
	return cmd
}

// watchLoop calls onBurst once events have been quiet for debounce.
// rescan is true when any event in the burst was bundle-changing.
func watchLoop(ctx context.Context, events <-chan watch.Event, debounce time.Duration, onBurst func(ctx context.Context, rescan bool)) error {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
		rescan  bool
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			pending = true
			rescan = rescan || ev.BundleChanging
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C
		case <-timerC:
			if pending {
				onBurst(ctx, rescan)
			}
			pending, rescan = false, false
			timerC = nil
		}
	}
}

// rootFilter builds the filter of the ignore files directly in root.
func rootFilter(fsys billy.Filesystem, root string, names []string) (*ignore.Filter, error) {
	filter := ignore.NewFilter()
	for _, name := range names {
		r, err := ignore.ReadRule(fsys, filepath.Join(root, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		filter.AddRule(r)
	}
	return filter, nil
}
