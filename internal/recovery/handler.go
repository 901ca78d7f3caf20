package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultReconnectDelay is the wait before re-running the top-level
	// command after a lost connection or server failure.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultResumeDelay is the wait before resuming after an auth or
	// not-found response.
	DefaultResumeDelay = time.Second
)

// User-facing texts.
const (
	MsgNoConnection = "Connection to the analysis server was lost. Reconnecting shortly."
	MsgGeneral      = "Something went wrong while analysing the workspace."
	ButtonRestart   = "Restart"
)

// Notifier is the notification and prompt layer.
type Notifier interface {
	// Notify shows msg without waiting for the user.
	Notify(ctx context.Context, msg string)
	// Prompt shows msg with one button and reports whether it was pressed.
	Prompt(ctx context.Context, msg, button string) (bool, error)
}

// Restarter re-runs the top-level command.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Resumer re-enables analysis actions.
type Resumer interface {
	Resume(ctx context.Context) error
}

// ErrorReporter forwards failures to the backend's error log.
type ErrorReporter interface {
	ReportError(ctx context.Context, r Report) error
}

// Report describes one failure sent to an ErrorReporter.
type Report struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Endpoint string `json:"path,omitempty"`
	BundleID string `json:"bundleId,omitempty"`
	Trace    string `json:"errorTrace"`
}

// Details adds context to a handled failure.
type Details struct {
	Message  string
	Endpoint string
	BundleID string
}

// Config configures a Handler.
type Config struct {
	BackendHost    string
	ReconnectDelay time.Duration
	ResumeDelay    time.Duration
}

// Handler carries out the action Classify picks.
type Handler struct {
	cfg       Config
	notifier  Notifier
	restarter Restarter
	resumer   Resumer
	reporter  ErrorReporter
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithErrorReporter forwards every handled failure to r first.
func WithErrorReporter(r ErrorReporter) Option {
	return func(h *Handler) { h.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates a handler. Zero delays select the defaults.
func NewHandler(cfg Config, n Notifier, restarter Restarter, resumer Resumer, opts ...Option) (*Handler, error) {
	if n == nil || restarter == nil || resumer == nil {
		return nil, errors.New("notifier, restarter and resumer are required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = DefaultResumeDelay
	}
	h := &Handler{
		cfg:       cfg,
		notifier:  n,
		restarter: restarter,
		resumer:   resumer,
		logger:    zap.NewNop(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle classifies err and runs the matching recovery. It blocks for the
// configured delay and returns early with ctx's error when ctx ends.
func (h *Handler) Handle(ctx context.Context, err error, d Details) (Classification, error) {
	c := Classify(err, h.cfg.BackendHost)
	h.logger.Info("handling failure",
		zap.Stringer("action", c.Action),
		zap.String("kind", string(c.Kind)),
		zap.Int("status_code", c.StatusCode),
		zap.Error(err),
	)

	if h.reporter != nil {
		if rerr := h.reporter.ReportError(ctx, newReport(err, c, d)); rerr != nil {
			h.logger.Warn("error report failed", zap.Error(rerr))
		}
	}

	switch c.Action {
	case ActionResume:
		if err := h.sleep(ctx, h.cfg.ResumeDelay); err != nil {
			return c, err
		}
		return c, h.resumer.Resume(ctx)

	case ActionReconnect:
		h.notifier.Notify(ctx, MsgNoConnection)
		if err := h.sleep(ctx, h.cfg.ReconnectDelay); err != nil {
			return c, err
		}
		return c, h.restarter.Restart(ctx)

	default:
		msg := MsgGeneral
		if c.Kind == KindSystem && err != nil {
			msg = err.Error()
		}
		pressed, perr := h.notifier.Prompt(ctx, msg, ButtonRestart)
		if perr != nil {
			return c, fmt.Errorf("prompting for restart: %w", perr)
		}
		if !pressed {
			return c, nil
		}
		return c, h.restarter.Restart(ctx)
	}
}

func newReport(err error, c Classification, d Details) Report {
	typ := string(c.Kind)
	if c.StatusCode != 0 {
		typ = fmt.Sprintf("%d %s", c.StatusCode, c.Kind)
	}
	msg := d.Message
	if msg == "" {
		msg = "undefined error"
	}
	trace := ""
	if err != nil {
		trace = err.Error()
	}
	return Report{
		Type:     typ,
		Message:  msg,
		Endpoint: d.Endpoint,
		BundleID: d.BundleID,
		Trace:    trace,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
