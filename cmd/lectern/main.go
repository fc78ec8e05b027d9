// Command lectern is the main entry point for the Lectern transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/lectern/internal/app"
	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt/openai"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt/soniox"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lectern: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lectern: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("lectern starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Registerer:     reg,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	providers := config.NewRegistry()
	registerBuiltinProviders(providers)
	provider, err := providers.Create(cfg.Provider)
	if err != nil {
		slog.Error("failed to build provider", "err", err, "registered", providers.Names())
		return 1
	}
	slog.Info("provider created", "name", cfg.Provider.Name, "model", cfg.Provider.Model)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, provider,
		app.WithMetrics(metrics),
		app.WithGatherer(reg),
		app.WithLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), application.ShutdownTimeout())
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// Lectern into reg. Every factory resolves its key through the entry's
// credential chain on each request.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("soniox", func(entry config.ProviderEntry) (asyncstt.Provider, error) {
		var opts []soniox.Option
		if entry.BaseURL != "" {
			opts = append(opts, soniox.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, soniox.WithModel(entry.Model))
		}
		if v, ok := config.OptBool(entry.Options, "language_identification"); ok {
			opts = append(opts, soniox.WithLanguageIdentification(v))
		}
		return soniox.New(entry.Credentials(), opts...)
	})

	// OpenAI transcribes synchronously; the adapter emulates remote jobs in
	// memory, so jobs interrupted by a restart fail on resume.
	reg.Register("openai", func(entry config.ProviderEntry) (asyncstt.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.Credentials(), entry.Model, opts...)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}
