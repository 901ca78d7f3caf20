package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codebundle/internal/payload"
	"github.com/fyrsmithlabs/codebundle/internal/recovery"
	"github.com/fyrsmithlabs/codebundle/internal/service"
)

func newPayloadCmd(flags *globalFlags) *cobra.Command {
	rf := &requestFlags{}
	var (
		dryRun      bool
		bundleID    string
		noRecover   bool
		maxRestarts int
		output      string
		input       string
	)
	cmd := &cobra.Command{
		Use:   "payload [path]",
		Short: "Build and upload the payload of changed files",
		Long: `Diff the workspace against the last uploaded manifest, read every
created or modified file and upload them to the configured backend. Payloads
above payload.max_bytes are split into chunks of at most half that size.

Upload failures are classified: authorization and missing-bundle responses
resume after a short delay, unreachable or failing backends are retried after
a longer one, and anything else asks whether to restart.

Examples:
  codebundle payload --dry-run --json
  codebundle payload ~/src/project --bundle-id my-bundle
  codebundle payload --dry-run --output payload.json
  codebundle payload --input payload.json --bundle-id my-bundle`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			req := rf.request(workspaceArg(args))
			req.DryRun = dryRun
			req.BundleID = bundleID

			run := func(ctx context.Context) (*service.PayloadResult, error) {
				return a.svc.Payload(ctx, req)
			}
			if input != "" {
				if dryRun {
					return fmt.Errorf("--input cannot be combined with --dry-run")
				}
				if bundleID == "" {
					return fmt.Errorf("--input requires --bundle-id")
				}
				batch, err := readEnvelope(input)
				if err != nil {
					return err
				}
				run = func(ctx context.Context) (*service.PayloadResult, error) {
					return replay(ctx, a.svc, bundleID, batch)
				}
			}
			if noRecover || dryRun {
				res, err := run(cmd.Context())
				if err != nil {
					return err
				}
				if err := writeEnvelope(output, res); err != nil {
					return err
				}
				return printPayload(cmd, a, res)
			}

			ui := &terminalUI{out: cmd.ErrOrStderr(), in: bufio.NewReader(cmd.InOrStdin()), logger: a.log.Underlying()}
			handler, err := recovery.NewHandler(recovery.Config{
				BackendHost:    a.cfg.BackendHost(),
				ReconnectDelay: a.cfg.Recovery.ReconnectDelay.Duration(),
				ResumeDelay:    a.cfg.Recovery.ResumeDelay.Duration(),
			}, ui, ui, ui, recovery.WithErrorReporter(ui), recovery.WithLogger(a.log.Underlying()))
			if err != nil {
				return err
			}

			res, err := runWithRecovery(cmd.Context(), handler, ui, maxRestarts, req, run)
			if err != nil {
				return err
			}
			if err := writeEnvelope(output, res); err != nil {
				return err
			}
			return printPayload(cmd, a, res)
		},
	}
	rf.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "build and size the payload without uploading")
	cmd.Flags().StringVar(&bundleID, "bundle-id", "", "remote bundle id (default: the scan id)")
	cmd.Flags().BoolVar(&noRecover, "no-recover", false, "fail immediately instead of running failure recovery")
	cmd.Flags().IntVar(&maxRestarts, "max-restarts", 3, "maximum restarts triggered by failure recovery")
	cmd.Flags().StringVarP(&output, "output", "o", "", "also write the payload envelope to this file")
	cmd.Flags().StringVarP(&input, "input", "i", "", "upload a previously written payload envelope instead of scanning")
	return cmd
}

// readEnvelope loads a payload envelope written by --output.
func readEnvelope(path string) (payload.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	batch, err := payload.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("reading payload %s: %w", path, err)
	}
	return batch, nil
}

func replay(ctx context.Context, svc *service.Service, bundleID string, batch payload.Batch) (*service.PayloadResult, error) {
	if err := svc.Replay(ctx, bundleID, batch); err != nil {
		return nil, err
	}
	res := &service.PayloadResult{
		BundleID: bundleID,
		Files:    batch.Len(),
		Uploaded: true,
		Batch:    batch,
	}
	if chunks, ok := batch.(payload.Chunked); ok {
		res.Chunked = true
		res.Chunks = len(chunks)
	}
	return res, nil
}

// runWithRecovery runs fn and hands each failure to h. A restart requested
// by the handler re-runs fn until maxRestarts is exhausted.
func runWithRecovery(
	ctx context.Context,
	h *recovery.Handler,
	ui *terminalUI,
	maxRestarts int,
	req service.Request,
	fn func(context.Context) (*service.PayloadResult, error),
) (*service.PayloadResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		ui.restart = false
		if _, herr := h.Handle(ctx, err, recovery.Details{
			Message:  "payload upload failed",
			Endpoint: req.Path,
			BundleID: req.BundleID,
		}); herr != nil {
			return nil, fmt.Errorf("%w (recovery: %v)", err, herr)
		}
		if !ui.restart || attempt >= maxRestarts {
			return nil, err
		}
	}
}

// writeEnvelope writes the batch in its wire form: the items, or the list
// of chunks, under a "chunks" flag.
func writeEnvelope(path string, res *service.PayloadResult) error {
	if path == "" {
		return nil
	}
	batch := res.Batch
	if batch == nil {
		batch = payload.Unchunked{}
	}
	data, err := payload.Encode(batch)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

func printPayload(cmd *cobra.Command, a *app, res *service.PayloadResult) error {
	return a.print(cmd, res, func() {
		shape := "unchunked"
		if res.Chunked {
			shape = fmt.Sprintf("%d chunks", res.Chunks)
		}
		state := "dry run"
		if res.Uploaded {
			state = "uploaded"
		} else if res.Files == 0 {
			state = "nothing to upload"
		}
		cmd.Printf("bundle %s: %d files, %s, %s\n", res.BundleID, res.Files, shape, state)
	})
}

// terminalUI implements the recovery collaborators on a terminal.
type terminalUI struct {
	out     io.Writer
	in      *bufio.Reader
	logger  *zap.Logger
	restart bool
}

func (u *terminalUI) Notify(_ context.Context, msg string) {
	fmt.Fprintln(u.out, msg)
}

// Prompt shows msg and treats "y" or "yes" as pressing the button. EOF
// means the button was not pressed.
func (u *terminalUI) Prompt(_ context.Context, msg, button string) (bool, error) {
	fmt.Fprintf(u.out, "%s\n%s? [y/N] ", msg, button)
	line, err := u.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func (u *terminalUI) Restart(context.Context) error {
	u.restart = true
	return nil
}

// Resume has nothing to re-enable in the CLI; the failure is reported to
// the caller.
func (u *terminalUI) Resume(context.Context) error {
	return nil
}

func (u *terminalUI) ReportError(_ context.Context, r recovery.Report) error {
	u.logger.Warn("bundle failure",
		zap.String("type", r.Type),
		zap.String("message", r.Message),
		zap.String("path", r.Endpoint),
		zap.String("bundle_id", r.BundleID),
		zap.String("trace", r.Trace),
	)
	return nil
}
