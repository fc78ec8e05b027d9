package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/lectern/internal/notify"
)

// ValidProviderNames lists the provider names that ship with Lectern.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"soniox", "openai"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected. An empty document yields the zero Config, which
// fails validation because no provider is selected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name, may be a typo or third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.APIKey == "" && cfg.Provider.APIKeyEnv == "" {
		slog.Warn("provider has neither api_key nor api_key_env; transcription requests will be rejected until a key is available")
	}
	if cfg.Provider.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("provider.circuit_breaker.max_failures %d must not be negative", cfg.Provider.CircuitBreaker.MaxFailures))
	}
	if cfg.Provider.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider.circuit_breaker.reset_timeout %s must not be negative", cfg.Provider.CircuitBreaker.ResetTimeout))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; jobs are kept in memory and lost on restart")
	}

	// Transcription
	errs = append(errs, validateTranscription(&cfg.Transcription)...)

	// Segmentation
	if cfg.Segmentation.MaxSegmentMs < 0 {
		errs = append(errs, fmt.Errorf("segmentation.max_segment_ms %d must not be negative", cfg.Segmentation.MaxSegmentMs))
	}

	// Notify
	if u := cfg.Notify.DiscordWebhookURL; u != "" {
		if _, _, err := notify.ParseWebhookURL(u); err != nil {
			errs = append(errs, fmt.Errorf("notify.discord_webhook_url: %w", err))
		}
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f must be between 0 and 1", *r))
	}

	return errors.Join(errs...)
}

func validateTranscription(t *TranscriptionConfig) []error {
	var errs []error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"poll_interval", t.PollInterval},
		{"poll_timeout", t.PollTimeout},
		{"retention", t.Retention},
		{"sweep_interval", t.SweepInterval},
		{"backoff.initial", t.Backoff.Initial},
		{"backoff.max", t.Backoff.Max},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("transcription.%s %s must not be negative", d.name, d.d))
		}
	}
	if t.PollInterval > 0 && t.PollTimeout > 0 && t.PollInterval > t.PollTimeout {
		errs = append(errs, fmt.Errorf("transcription.poll_interval %s exceeds poll_timeout %s", t.PollInterval, t.PollTimeout))
	}
	if t.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_retries %d must not be negative", t.MaxRetries))
	}
	if t.MaxConcurrentResumes < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_concurrent_resumes %d must not be negative", t.MaxConcurrentResumes))
	}
	if b := t.Backoff; b.Multiplier != 0 && b.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("transcription.backoff.multiplier %.2f must be at least 1", b.Multiplier))
	}
	if b := t.Backoff; b.JitterMin < 0 || b.JitterMax < 0 || (b.JitterMax > 0 && b.JitterMin > b.JitterMax) {
		errs = append(errs, fmt.Errorf("transcription.backoff jitter range [%.2f, %.2f] is invalid", b.JitterMin, b.JitterMax))
	}
	for i, h := range t.LanguageHints {
		if h == "" {
			errs = append(errs, fmt.Errorf("transcription.language_hints[%d] is empty", i))
		}
	}
	return errs
}
