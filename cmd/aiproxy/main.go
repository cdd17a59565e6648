// Package main is the entry point for the AI worker proxy.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aiproxy/config"
	"aiproxy/internal/app"
	"aiproxy/internal/logging"
	"aiproxy/internal/providers"
	"aiproxy/internal/providers/anthropic"
	"aiproxy/internal/providers/gemini"
	"aiproxy/internal/providers/groq"
	"aiproxy/internal/providers/nvidia"
	"aiproxy/internal/providers/ollama"
	"aiproxy/internal/providers/openai"
	"aiproxy/internal/providers/xai"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file (default: "+config.DefaultConfigPath+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logging is not configured yet
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging)

	slog.Info("starting aiproxy", "config", *configPath, "providers", len(cfg.Providers), "aliases", len(cfg.Models))

	factory := providers.NewProviderFactory()
	factory.Add(openai.Registration)
	factory.Add(anthropic.Registration)
	factory.Add(gemini.Registration)
	factory.Add(groq.Registration)
	factory.Add(xai.Registration)
	factory.Add(nvidia.Registration)
	factory.Add(ollama.Registration)

	application, err := app.New(context.Background(), app.Config{
		AppConfig: cfg,
		Factory:   factory,
	})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	// SIGHUP reloads providers and aliases; SIGINT/SIGTERM shut down
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		for sig := range signals {
			if sig == syscall.SIGHUP {
				reload(application, *configPath)
				continue
			}

			slog.Info("shutting down server...", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := application.Shutdown(ctx); err != nil {
				slog.Error("shutdown error", "error", err)
			}
			cancel()
			return
		}
	}()

	if err := application.Start(":" + cfg.Server.Port); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	// Start returns as soon as the listener closes; wait for the dispatch log to flush.
	<-stopped
}

func reload(application *app.App, path string) {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}
	if err := application.Reload(cfg); err != nil {
		slog.Error("config reload failed", "error", err)
	}
}
