package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dclient "github.com/docker/docker/client"
	"github.com/spf13/viper"

	"github.com/arkforge/gputaskd/internal/app"
	"github.com/arkforge/gputaskd/internal/catalog"
	"github.com/arkforge/gputaskd/internal/config"
	"github.com/arkforge/gputaskd/internal/gpu"
	"github.com/arkforge/gputaskd/internal/httpapi"
	"github.com/arkforge/gputaskd/internal/logging"
	"github.com/arkforge/gputaskd/internal/modelcache"
	"github.com/arkforge/gputaskd/internal/runtime"
	"github.com/arkforge/gputaskd/internal/session"
)

func runServer(v *viper.Viper, logLevel string, logColor bool) error {
	if err := logging.Configure(logLevel, logColor); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	log := logging.New("gputaskd")

	cfg := config.Load(v)
	log.WithField("config", cfg.String()).Info("starting gputaskd")

	dockerCl, err := dclient.NewClientWithOpts(dclient.WithAPIVersionNegotiation(), dclient.FromEnv)
	if err != nil {
		return fmt.Errorf("creating docker client: %w", err)
	}

	allocator, err := gpu.New(cfg.GpuDeviceIDs, cfg.GpuDeviceDifficulty, gpu.NilTelemetryProvider{}, nil, logging.New("gpu"))
	if err != nil {
		return fmt.Errorf("building gpu allocator: %w", err)
	}

	var fetcher modelcache.Fetcher
	if cfg.FileServiceURL != "" {
		fetcher = modelcache.NewHTTPFetcher(cfg.FileServiceURL, cfg.FileServiceInternalKey)
	}
	cache := modelcache.New(cfg.ModelCacheDir, cfg.AutoFetchModels, fetcher)

	cat := catalog.New(cfg.CatalogDir, cfg.DefaultTaskTimeout, cfg.MaxTaskTimeout)
	rt := runtime.New(dockerCl, cfg.AllowedDockerImages, logging.New("runtime"))

	registry := session.NewRegistry(
		allocator, rt, cfg.SessionQueueMaxSize,
		time.Duration(cfg.SessionIdleTimeout)*time.Second,
		time.Duration(cfg.SessionMaxLifetime)*time.Second,
		logging.New("session"),
	)

	reaper, err := session.NewReaper(registry, time.Duration(cfg.MonitorInterval)*time.Second, logging.New("reaper"))
	if err != nil {
		return fmt.Errorf("building reaper: %w", err)
	}

	orchestrator := app.New(cat, allocator, cache, rt, registry, reaper, logging.New("app"))
	e := httpapi.New(orchestrator, cfg.InternalAPIKey, logging.New("http"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go allocator.RunTelemetryLoop(ctx, time.Duration(cfg.GpuTelemetryInterval)*time.Second)
	reaper.Start()

	serveErr := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down gputaskd")
	}

	cancel()
	if err := reaper.Shutdown(); err != nil {
		log.WithError(err).Warn("reaper shutdown returned an error")
	}
	registry.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return e.Shutdown(shutdownCtx)
}
