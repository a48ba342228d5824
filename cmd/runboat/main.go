package main

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sbidoul/runboat/internal/adapter/github"
	httpadapter "github.com/sbidoul/runboat/internal/adapter/http"
	"github.com/sbidoul/runboat/internal/adapter/kubernetes"
	"github.com/sbidoul/runboat/internal/adapter/loki"
	"github.com/sbidoul/runboat/internal/bus"
	"github.com/sbidoul/runboat/internal/config"
	"github.com/sbidoul/runboat/internal/controller"
	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/index"
	"github.com/sbidoul/runboat/internal/port"
	"github.com/sbidoul/runboat/internal/service"
	"github.com/sbidoul/runboat/internal/telemetry"
	"github.com/sbidoul/runboat/kubefiles"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	shutdownTracing, err := telemetry.Setup(cfg.Trace)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		return 1
	}

	matcher, err := cfg.Matcher()
	if err != nil {
		slog.Error("invalid repo rules", "error", err)
		return 1
	}

	cs, dyn, err := kubernetes.NewClients(cfg.KubeconfigPath)
	if err != nil {
		slog.Error("failed to create kubernetes client", "error", err)
		return 1
	}
	var defaultKubefiles fs.FS = kubefiles.FS
	if cfg.DefaultKubefilesPath != "" {
		defaultKubefiles = os.DirFS(cfg.DefaultKubefilesPath)
	}
	gateway := kubernetes.NewGateway(cs, dyn, cfg.BuildNamespace, defaultKubefiles)

	idx := index.New()
	eventBus := bus.New()
	idx.AddListener(func(event index.Event, build *domain.Build) {
		eventBus.Publish(event, build)
	})

	var logQuerier port.LogQuerier
	if cfg.LokiURL != "" {
		logQuerier = loki.NewClient(cfg.LokiURL)
	}
	var forge port.Forge
	if cfg.GithubToken != "" {
		forge = github.NewClient(cfg.GithubToken)
	}

	svc := service.NewBuildService(cfg, matcher, gateway, idx, forge, logQuerier)
	ctrl := controller.New(cfg, gateway, svc, idx)

	handler := httpadapter.NewRouter(
		httpadapter.NewBuildHandler(svc, forge),
		httpadapter.NewWebhookHandler(svc, cfg.GithubWebhookSecret),
		httpadapter.NewEventsHandler(svc, eventBus),
		cfg.APIAdminUser,
		cfg.APIAdminPassword,
	)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controllerDone := make(chan struct{})
	go func() {
		defer close(controllerDone)
		ctrl.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		slog.Error("server error", "error", err)
		stop()
		<-controllerDone
		return 1
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	eventBus.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	<-controllerDone
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("tracing shutdown error", "error", err)
	}
	return 0
}
