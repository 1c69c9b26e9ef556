// Command bundle-cache serves offline language bundles: it downloads
// per-language content archives, caches them locally, exposes pages and
// images over HTTP, and periodically checks upstream for newer content.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/bundle-cache/server"
	"github.com/wolfeidau/bundle-cache/settings"
	"github.com/wolfeidau/bundle-cache/telemetry"
	"github.com/wolfeidau/bundle-cache/upstream"
)

var cli struct {
	Address     string   `help:"Address to listen on." default:":8080"`
	InstallRoot string   `help:"Root directory for local bundle storage." default:"./data" type:"path"`
	ArchiveURL  string   `help:"Upstream archive endpoint base URL." default:"${archive_url}"`
	CommitsURL  string   `help:"Upstream change-count endpoint base URL." default:"${commits_url}"`
	Languages   []string `help:"Languages to provision at startup." short:"l"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTLP_ENDPOINT"`
	LogLevel     string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat    string `help:"Log format." enum:"text,json" default:"text"`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("bundle-cache"),
		kong.Description("Offline language bundle cache and synchronization engine."),
		kong.Vars{
			"archive_url": upstream.DefaultArchiveBaseURL,
			"commits_url": upstream.DefaultCommitsBaseURL,
		},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "bundle-cache",
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownMetrics(flushCtx)
	}()

	if err := os.MkdirAll(cli.InstallRoot, 0755); err != nil {
		return fmt.Errorf("creating install root: %w", err)
	}

	store, err := settings.Open(filepath.Join(cli.InstallRoot, "settings.db"),
		settings.WithLogger(logger.With("component", "settings")),
	)
	if err != nil {
		return fmt.Errorf("opening settings: %w", err)
	}
	defer func() { _ = store.Close() }()

	srv, err := server.New(server.Config{
		Address:        cli.Address,
		InstallRoot:    cli.InstallRoot,
		ArchiveBaseURL: cli.ArchiveURL,
		CommitsBaseURL: cli.CommitsURL,
		Settings:       store,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Provision requested languages before serving so first reads hit
	// installed bundles. A failed language is logged and skipped.
	for _, lang := range cli.Languages {
		if !store.DownloadEnabled(lang) {
			logger.Info("skipping disabled language", "lang", lang)
			continue
		}
		if _, err := srv.Registry().Ensure(ctx, lang, nil); err != nil {
			logger.Error("failed to provision language", "lang", lang, "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Periodic update checks at the frequency chosen in settings.
	go func() {
		interval := store.CheckFrequency()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		logger.Info("update check loop started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts := srv.Oracle().CheckAll(ctx)
				logger.Info("update sweep complete", "languages", len(counts))
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started", "address", srv.Address())

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
