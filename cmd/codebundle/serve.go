package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/codebundle/internal/http"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the bundling operations over HTTP:

  GET  /health
  GET  /metrics
  POST /api/v1/scan
  POST /api/v1/changes
  POST /api/v1/payload
  GET  /api/v1/progress`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := &httpserver.Config{
				Host:        a.cfg.Server.Host,
				Port:        a.cfg.Server.Port,
				Version:     version,
				BackendHost: a.cfg.BackendHost(),
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			zl := a.log.Underlying()
			server, err := httpserver.NewServer(a.svc, zl, cfg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err, ok := <-errCh:
				if ok {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				zl.Warn("shutdown incomplete", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.http_port)")
	return cmd
}
