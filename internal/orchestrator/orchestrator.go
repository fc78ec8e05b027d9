// Package orchestrator drives transcription jobs through their lifecycle.
//
// A job moves queued → downloading → uploading → processing → completed. Any
// non-terminal job can fail; only a queued job can be canceled; a failed job
// returns to queued when it is retried. Every transition is written to the
// [job.Store] before the next step starts, so a restarted process can pick up
// any job from its last durable state with [Orchestrator.ResumeAll].
//
// At most one goroutine drives a given job at a time. Independent jobs run
// fully in parallel and never wait on each other.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/lectern/internal/events"
	"github.com/MrWong99/lectern/internal/job"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/internal/secret"
	"github.com/MrWong99/lectern/internal/segment"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
)

var (
	// ErrNotConfigured is returned when no provider credential is available.
	// It is not retryable until the configuration changes.
	ErrNotConfigured = errors.New("orchestrator: transcription provider is not configured")

	// ErrPollTimeout is returned when the remote job does not finish within
	// the poll timeout.
	ErrPollTimeout = errors.New("orchestrator: transcription polling timed out")

	// ErrRetryLimit is returned by Retry once a job has used all its retries.
	ErrRetryLimit = errors.New("orchestrator: retry limit reached")

	// ErrNoRemoteJob is returned when a job was interrupted before its remote
	// transcription existed, so there is nothing to poll.
	ErrNoRemoteJob = errors.New("orchestrator: job has no remote transcription")

	// ErrJobBusy is returned when another goroutine is already driving the job.
	ErrJobBusy = errors.New("orchestrator: job is already running")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("orchestrator: invalid request")
)

// ProviderError is a failure reported by the provider for a remote job.
type ProviderError struct {
	JobID   string
	Message string
}

func (e *ProviderError) Error() string {
	return "orchestrator: provider reported failure: " + e.Message
}

// Config holds the tunable parameters of the orchestrator. The zero value of
// every field selects its default.
type Config struct {
	// PollInterval is the delay between remote status checks. Default: 2s.
	PollInterval time.Duration

	// PollTimeout bounds how long one poll loop waits. Default: 1h.
	PollTimeout time.Duration

	// MaxRetries caps how many times a failed job may be retried. Default: 3.
	MaxRetries int

	// Backoff computes the delay before a retry.
	Backoff resilience.Backoff

	// MaxConcurrentResumes bounds ResumeAll's parallelism. Default: 4.
	MaxConcurrentResumes int

	// LanguageHints and SpeakerDiarization are sent with every new remote
	// job unless the request overrides the hints.
	LanguageHints      []string
	SpeakerDiarization bool

	// Context is default recognition context, used when the request has none.
	Context string

	// MaxSegmentDuration caps built segments. Default: segment.DefaultMaxDuration.
	MaxSegmentDuration time.Duration

	// ProviderName labels provider metrics.
	ProviderName string
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		PollInterval:         2 * time.Second,
		PollTimeout:          time.Hour,
		MaxRetries:           3,
		Backoff:              resilience.DefaultBackoff(),
		MaxConcurrentResumes: 4,
		MaxSegmentDuration:   segment.DefaultMaxDuration,
		ProviderName:         "unknown",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxConcurrentResumes <= 0 {
		c.MaxConcurrentResumes = d.MaxConcurrentResumes
	}
	if c.MaxSegmentDuration <= 0 {
		c.MaxSegmentDuration = d.MaxSegmentDuration
	}
	if c.ProviderName == "" {
		c.ProviderName = d.ProviderName
	}
	return c
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithCredentials sets the credential source checked before a job is
// created. Without one, every request is treated as configured.
func WithCredentials(src secret.Source) Option {
	return func(o *Orchestrator) {
		o.creds = src
	}
}

// WithEventBus publishes every durable transition on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithMetrics records metrics into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep overrides how the orchestrator waits between polls and before
// retries. fn must return ctx.Err() when ctx ends first.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// Orchestrator runs transcription jobs. It is safe for concurrent use.
type Orchestrator struct {
	store    job.Store
	provider asyncstt.Provider
	creds    secret.Source
	bus      *events.Bus
	metrics  *observe.Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	cfgMu sync.RWMutex
	cfg   Config

	activeMu sync.Mutex
	active   map[string]context.CancelFunc

	// base parents background work started by Submit; Close cancels it.
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates an Orchestrator over store and provider.
func New(store job.Store, provider asyncstt.Provider, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: store must not be nil")
	}
	if provider == nil {
		return nil, errors.New("orchestrator: provider must not be nil")
	}
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:  store,
		now:    time.Now,
		sleep:  resilience.Sleep,
		cfg:    cfg.withDefaults(),
		active: make(map[string]context.CancelFunc),
		base:   base,
		stop:   stop,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.provider = &meteredProvider{next: provider, metrics: o.metrics, name: o.cfg.ProviderName, now: o.now}
	return o, nil
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// SetConfig replaces the tunable configuration. Running poll loops pick up the
// new values on their next start.
func (o *Orchestrator) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	o.cfgMu.Lock()
	o.cfg = cfg
	o.cfgMu.Unlock()
}

// Configured reports whether a provider credential is currently available.
func (o *Orchestrator) Configured(ctx context.Context) bool {
	return o.creds == nil || secret.Configured(ctx, o.creds)
}

// Active returns the ids of jobs currently being driven.
func (o *Orchestrator) Active() []string {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// acquire claims jobID for the calling driver. The returned context is
// canceled by [Orchestrator.Delete]; release must be called when done.
func (o *Orchestrator) acquire(ctx context.Context, jobID string) (context.Context, func(), error) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if _, busy := o.active[jobID]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobBusy, jobID)
	}
	ctx, cancel := context.WithCancel(ctx)
	o.active[jobID] = cancel
	o.metrics.ActiveJobs.Add(ctx, 1)
	return ctx, func() {
		o.activeMu.Lock()
		delete(o.active, jobID)
		o.activeMu.Unlock()
		o.metrics.ActiveJobs.Add(context.WithoutCancel(ctx), -1)
		cancel()
	}, nil
}

// loadJob loads a job and maps a missing row to [job.ErrJobNotFound].
func (o *Orchestrator) loadJob(ctx context.Context, id string) (*job.Job, error) {
	j, err := o.store.LoadJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load job: %w", err)
	}
	if j == nil {
		return nil, fmt.Errorf("%w: %s", job.ErrJobNotFound, id)
	}
	return j, nil
}

// Close cancels background work started by Submit and waits for it. Jobs
// keep their last durable state and can be resumed later.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// Wait blocks until all background work started by Submit has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
