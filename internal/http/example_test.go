package http_test

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	httpserver "github.com/fyrsmithlabs/codebundle/internal/http"
	"github.com/fyrsmithlabs/codebundle/internal/service"
)

// ExampleServer demonstrates how to wire the HTTP server to a bundling service.
func ExampleServer() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	fsys := osfs.New("/")
	store, err := bundle.NewFileStore(fsys, "/tmp/codebundle-manifests")
	if err != nil {
		panic(err)
	}

	svc, err := service.New(fsys, store, service.Config{DetectGitRoot: true}, service.WithLogger(logger))
	if err != nil {
		panic(err)
	}

	server, err := httpserver.NewServer(svc, logger, &httpserver.Config{Host: "localhost", Port: 9191})
	if err != nil {
		panic(err)
	}

	go func() {
		if err := server.Start(); err != nil {
			fmt.Printf("server stopped: %v\n", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
