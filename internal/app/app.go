// Package app wires all Lectern subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API and runs the background maintenance
// (startup resumption, retention sweep), and Shutdown tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithNotifySender, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/lectern/internal/api"
	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/events"
	"github.com/MrWong99/lectern/internal/health"
	"github.com/MrWong99/lectern/internal/job"
	"github.com/MrWong99/lectern/internal/notify"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/orchestrator"
	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/internal/secret"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
)

const (
	defaultListenAddr      = ":8080"
	defaultShutdownTimeout = 15 * time.Second
	defaultSweepInterval   = time.Hour
	readHeaderTimeout      = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	store    job.Store
	provider *resilience.GuardedProvider
	bus      *events.Bus
	orch     *orchestrator.Orchestrator
	notifier *notify.Notifier
	health   *health.Handler
	server   *http.Server

	// Injected or defaulted collaborators.
	sender     notify.Sender
	metrics    *observe.Metrics
	gatherer   prometheus.Gatherer
	level      *slog.LevelVar
	listener   net.Listener
	orchOpts   []orchestrator.Option
	readyAddr  chan string
	notifyDone <-chan struct{}

	// background tracks startup resumption and the sweep loop.
	background sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a job store instead of creating one from config.
func WithStore(s job.Store) Option {
	return func(a *App) { a.store = s }
}

// WithNotifySender injects the notification sender instead of creating a
// Discord webhook from config.
func WithNotifySender(s notify.Sender) Option {
	return func(a *App) { a.sender = s }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry scraped on /metrics. Default: the default
// Prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLevelVar hands the app the level of the process logger so config
// reloads can change it.
func WithLevelVar(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithOrchestratorOptions passes extra options to the orchestrator.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(a *App) { a.orchOpts = append(a.orchOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. provider comes from
// main.go (built via the config registry).
func New(ctx context.Context, cfg *config.Config, provider asyncstt.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: provider must not be nil")
	}
	a := &App{cfg: cfg, readyAddr: make(chan string, 1)}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	var checks []health.Checker
	if err := a.initStore(ctx, &checks); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Provider guard ────────────────────────────────────────────────
	a.provider = resilience.NewGuardedProvider(provider, resilience.CircuitBreakerConfig{
		Name:         cfg.Provider.Name,
		MaxFailures:  cfg.Provider.CircuitBreaker.MaxFailures,
		ResetTimeout: cfg.Provider.CircuitBreaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("provider circuit breaker changed state", "provider", name, "from", from, "to", to)
		},
	})
	if w, ok := provider.(interface{ Wait() }); ok {
		a.closers = append(a.closers, func() error { w.Wait(); return nil })
	}

	// ── 3. Event bus + orchestrator ──────────────────────────────────────
	a.bus = events.New()
	creds := cfg.Provider.Credentials()
	orchOpts := append([]orchestrator.Option{
		orchestrator.WithCredentials(creds),
		orchestrator.WithEventBus(a.bus),
		orchestrator.WithMetrics(a.metrics),
	}, a.orchOpts...)
	orch, err := orchestrator.New(a.store, a.provider, OrchestratorConfig(cfg), orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}
	a.orch = orch

	// ── 4. Notifications ─────────────────────────────────────────────────
	if err := a.initNotify(); err != nil {
		return nil, fmt.Errorf("app: init notify: %w", err)
	}

	// ── 5. Health ────────────────────────────────────────────────────────
	checks = append(checks,
		health.Checker{Name: "provider_credentials", Check: func(ctx context.Context) error {
			if !secret.Configured(ctx, creds) {
				return orchestrator.ErrNotConfigured
			}
			return nil
		}},
		health.Checker{Name: "provider_circuit", Check: func(context.Context) error {
			if s := a.provider.Breaker().State(); s == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		}},
	)
	a.health = health.New(checks)

	// ── 6. HTTP API ──────────────────────────────────────────────────────
	if root := cfg.Server.MediaRoot; root != "" {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("app: media root: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("app: media root %s is not a directory", root)
		}
	}
	srv, err := api.New(api.Config{
		Orchestrator:   a.orch,
		Store:          a.store,
		Bus:            a.bus,
		Health:         a.health,
		Gatherer:       a.gatherer,
		Metrics:        a.metrics,
		MediaRoot:      cfg.Server.MediaRoot,
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init api: %w", err)
	}
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if a.server.Addr == "" {
		a.server.Addr = defaultListenAddr
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens PostgreSQL when a DSN is configured, falling back to the
// in-memory store, and puts the read cache in front of it.
func (a *App) initStore(ctx context.Context, checks *[]health.Checker) error {
	if a.store == nil {
		if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
			pg, err := job.OpenPostgres(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = pg
			a.closers = append(a.closers, func() error {
				pg.Close()
				return nil
			})
			slog.Info("using postgres job store")
		} else {
			a.store = job.NewMemStore()
			slog.Warn("using in-memory job store; jobs are lost on restart")
		}
	}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		*checks = append(*checks, health.Checker{Name: "store", Check: p.Ping})
	}
	a.store = job.NewCache(a.store)
	return nil
}

// initNotify builds the notifier when a sender is injected or a webhook is
// configured.
func (a *App) initNotify() error {
	if a.sender == nil {
		url := a.cfg.Notify.DiscordWebhookURL
		if url == "" {
			return nil
		}
		var opts []notify.DiscordOption
		if a.cfg.Notify.Username != "" {
			opts = append(opts, notify.WithUsername(a.cfg.Notify.Username))
		}
		hook, err := notify.NewDiscordWebhook(url, opts...)
		if err != nil {
			return err
		}
		a.sender = hook
	}
	a.notifier = notify.New(a.sender)
	return nil
}

// OrchestratorConfig derives the orchestrator tuning from cfg.
func OrchestratorConfig(cfg *config.Config) orchestrator.Config {
	t := cfg.Transcription
	return orchestrator.Config{
		PollInterval: t.PollInterval,
		PollTimeout:  t.PollTimeout,
		MaxRetries:   t.MaxRetries,
		Backoff: resilience.Backoff{
			Initial:    t.Backoff.Initial,
			Multiplier: t.Backoff.Multiplier,
			Max:        t.Backoff.Max,
			JitterMin:  t.Backoff.JitterMin,
			JitterMax:  t.Backoff.JitterMax,
		},
		MaxConcurrentResumes: t.MaxConcurrentResumes,
		LanguageHints:        t.LanguageHints,
		SpeakerDiarization:   t.SpeakerDiarization,
		Context:              t.Context,
		MaxSegmentDuration:   time.Duration(cfg.Segmentation.MaxSegmentMs) * time.Millisecond,
		ProviderName:         cfg.Provider.Name,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the job orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Addr blocks until the server is listening and returns its address, or
// returns "" when ctx is done first.
func (a *App) Addr(ctx context.Context) string {
	select {
	case addr := <-a.readyAddr:
		a.readyAddr <- addr
		return addr
	case <-ctx.Done():
		return ""
	}
}

// ApplyConfig applies the hot-reloadable part of a changed config. It is
// the config watcher's callback.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TranscriptionChanged || d.SegmentationChanged {
		a.orch.SetConfig(OrchestratorConfig(next))
		slog.Info("transcription settings reloaded")
	}
	a.cfgMu.Lock()
	a.cfg = next
	a.cfgMu.Unlock()
}

func (a *App) config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and blocks until ctx is cancelled or the server
// fails. Active jobs left over from a previous run are resumed in the
// background. When ctx is done, Run returns context.Canceled (or the
// underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	if a.notifier != nil {
		// Detached from ctx so events published during shutdown still go
		// out; closing the bus in Shutdown ends it.
		a.notifyDone = a.notifier.Start(context.WithoutCancel(ctx), a.bus)
	}

	a.background.Add(1)
	go func() {
		defer a.background.Done()
		a.resumeActive(ctx)
	}()

	if a.config().Transcription.Retention > 0 {
		a.background.Add(1)
		go func() {
			defer a.background.Done()
			a.sweepLoop(ctx)
		}()
	}

	// The listener already accepts connections; Serve picks them up.
	a.readyAddr <- ln.Addr().String()

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := a.config().Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("app running", "addr", ln.Addr().String())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-serveErr:
		if !ok {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// resumeActive re-enters every job that was in flight when the previous
// process stopped.
func (a *App) resumeActive(ctx context.Context) {
	start := time.Now()
	err := a.orch.ResumeAll(ctx)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		slog.Warn("some interrupted jobs could not be resumed", "err", err, "elapsed", time.Since(start))
	default:
		slog.Info("interrupted jobs resumed", "elapsed", time.Since(start))
	}
}

// sweepLoop periodically deletes completed jobs past the retention window.
func (a *App) sweepLoop(ctx context.Context) {
	interval := a.config().Transcription.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retention := a.config().Transcription.Retention
			if retention <= 0 {
				continue
			}
			n, err := a.orch.Sweep(ctx, retention)
			if err != nil {
				slog.Warn("retention sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("removed expired jobs", "count", n, "retention", retention)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// ShutdownTimeout returns the configured graceful shutdown budget.
func (a *App) ShutdownTimeout() time.Duration {
	if d := a.config().Server.ShutdownTimeout; d > 0 {
		return d
	}
	return defaultShutdownTimeout
}

// Shutdown stops accepting requests, stops background job work, and then
// closes the remaining subsystems. Jobs keep their last durable state and are
// resumed on the next start. If ctx expires first, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}

		// Background drivers stop once their contexts are canceled.
		a.orch.Close()
		a.background.Wait()

		a.bus.Close()
		if a.notifyDone != nil {
			select {
			case <-a.notifyDone:
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
				return
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
