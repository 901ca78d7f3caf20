package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	"github.com/fyrsmithlabs/codebundle/internal/config"
	"github.com/fyrsmithlabs/codebundle/internal/hashing"
	"github.com/fyrsmithlabs/codebundle/internal/logging"
	"github.com/fyrsmithlabs/codebundle/internal/payload"
	"github.com/fyrsmithlabs/codebundle/internal/scanner"
	"github.com/fyrsmithlabs/codebundle/internal/service"
	"github.com/fyrsmithlabs/codebundle/internal/telemetry"
)

// app holds the wiring shared by the subcommands.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	fs     billy.Filesystem
	svc    *service.Service
	tel    *telemetry.Telemetry
	nc     *nats.Conn
	json   bool
	closed bool
}

func newApp(flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}

	logCfg, err := logging.FromSettings(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &app{cfg: cfg, log: logger, fs: osfs.New("/"), json: flags.jsonOutput}
	a.tel, err = telemetry.New(context.Background(), telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating telemetry: %w", err)
	}
	svc, err := a.newService()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

func (a *app) newService() (*service.Service, error) {
	zl := a.log.Underlying()

	hasher, err := hashing.New(hashing.Algorithm(a.cfg.Hashing.Algorithm))
	if err != nil {
		return nil, err
	}
	store, err := bundle.NewFileStore(a.fs, a.cfg.Manifest.Dir,
		bundle.WithStoreAlgorithm(hasher.Algorithm()),
		bundle.WithStoreLogger(zl),
	)
	if err != nil {
		return nil, err
	}

	opts := []service.Option{
		service.WithHasher(hasher),
		service.WithMetrics(scanner.NewMetrics(), payload.NewMetrics()),
		service.WithTracer(a.tel.Tracer(service.TracerName)),
		service.WithLogger(zl),
	}

	if a.cfg.Backend.URL != "" {
		tr, err := payload.NewHTTPTransport(payload.HTTPConfig{
			BaseURL:       a.cfg.Backend.URL,
			Authorization: a.cfg.Backend.Token.Header(),
			Timeout:       a.cfg.Backend.Timeout.Duration(),
			Logger:        zl,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, service.WithTransport(tr))
	}

	if a.cfg.Progress.NATSURL != "" {
		nc, err := nats.Connect(a.cfg.Progress.NATSURL, nats.Name("codebundle"))
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		a.nc = nc
		opts = append(opts, service.WithNATSProgress(nc, a.cfg.Progress.Subject, a.cfg.Progress.Interval.Duration()))
	}

	return service.New(a.fs, store, service.Config{
		IgnoreFiles:    a.cfg.Scan.IgnoreFiles,
		SkipDirs:       a.cfg.Scan.SkipDirs,
		FollowSymlinks: a.cfg.Scan.FollowSymlinks,
		DetectGitRoot:  a.cfg.Scan.DetectGitRoot,
		Workers:        a.cfg.Payload.Workers,
		MaxBytes:       a.cfg.Payload.MaxBytes,
	}, opts...)
}

// Close releases connections and flushes pending spans and the logger.
func (a *app) Close() {
	if a.closed {
		return
	}
	a.closed = true
	if a.nc != nil {
		a.nc.Close()
	}
	if err := a.tel.Shutdown(context.Background()); err != nil {
		a.log.Underlying().Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = a.log.Sync()
}

// print writes v as indented JSON when --json is set, otherwise calls human.
func (a *app) print(cmd *cobra.Command, v interface{}, human func()) error {
	if !a.json {
		human()
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) info(ctx context.Context, msg string, fields ...zap.Field) {
	a.log.Info(ctx, msg, fields...)
}
