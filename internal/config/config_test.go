package config_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
	"github.com/MrWong99/lectern/pkg/provider/asyncstt/mock"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  media_root: /srv/audio
  allowed_origins: ["app.example.com"]
  shutdown_timeout: 20s
provider:
  name: soniox
  api_key_env: SONIOX_API_KEY
  model: stt-async-preview
  options:
    language_identification: true
  circuit_breaker:
    max_failures: 3
    reset_timeout: 1m
store:
  postgres_dsn: "postgres://localhost/lectern"
transcription:
  poll_interval: 3s
  poll_timeout: 30m
  max_retries: 5
  backoff:
    initial: 2s
    multiplier: 2
    max: 2m
    jitter_min: 0.8
    jitter_max: 1.2
  max_concurrent_resumes: 8
  language_hints: [en, de]
  speaker_diarization: true
  context: "Moby Dick, Ishmael, Queequeg"
  retention: 720h
  sweep_interval: 30m
segmentation:
  max_segment_ms: 15000
notify:
  discord_webhook_url: "https://discord.com/api/webhooks/123/abc"
  username: Lectern
telemetry:
  service_name: lectern-test
  trace_sample_ratio: 0.1
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug || cfg.Server.MediaRoot != "/srv/audio" {
		t.Errorf("server: %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 20*time.Second {
		t.Errorf("shutdown_timeout: got %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Provider.Name != "soniox" || cfg.Provider.APIKeyEnv != "SONIOX_API_KEY" || cfg.Provider.Model != "stt-async-preview" {
		t.Errorf("provider: %+v", cfg.Provider)
	}
	if v, ok := config.OptBool(cfg.Provider.Options, "language_identification"); !ok || !v {
		t.Errorf("options.language_identification: got %v, %v", v, ok)
	}
	if cfg.Provider.CircuitBreaker.MaxFailures != 3 || cfg.Provider.CircuitBreaker.ResetTimeout != time.Minute {
		t.Errorf("circuit_breaker: %+v", cfg.Provider.CircuitBreaker)
	}

	tr := cfg.Transcription
	if tr.PollInterval != 3*time.Second || tr.PollTimeout != 30*time.Minute || tr.MaxRetries != 5 {
		t.Errorf("transcription polling: %+v", tr)
	}
	if tr.Backoff.Initial != 2*time.Second || tr.Backoff.Multiplier != 2 || tr.Backoff.Max != 2*time.Minute {
		t.Errorf("backoff: %+v", tr.Backoff)
	}
	if len(tr.LanguageHints) != 2 || tr.LanguageHints[1] != "de" || !tr.SpeakerDiarization {
		t.Errorf("hints/diarization: %+v", tr)
	}
	if tr.Retention != 30*24*time.Hour || tr.SweepInterval != 30*time.Minute {
		t.Errorf("retention/sweep: %s/%s", tr.Retention, tr.SweepInterval)
	}
	if cfg.Segmentation.MaxSegmentMs != 15000 {
		t.Errorf("max_segment_ms: got %d", cfg.Segmentation.MaxSegmentMs)
	}
	if cfg.Notify.Username != "Lectern" || cfg.Telemetry.ServiceName != "lectern-test" {
		t.Errorf("notify/telemetry: %+v %+v", cfg.Notify, cfg.Telemetry)
	}
	if r := cfg.Telemetry.TraceSampleRatio; r == nil || *r != 0.1 {
		t.Errorf("trace_sample_ratio: got %v", r)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("provider:\n  name: soniox\n  colour: blue\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "colour") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "provider.name is required") {
		t.Errorf("expected missing provider error, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lectern.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.Name != "soniox" {
		t.Errorf("provider: got %q", cfg.Provider.Name)
	}

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v, want os.ErrNotExist", err)
	}
}

func TestLogLevel_Slog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Slog(); got != tt.want {
			t.Errorf("LogLevel(%q).Slog() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestProviderEntry_Credentials(t *testing.T) {
	t.Setenv("LECTERN_TEST_KEY", "from-env")
	ctx := context.Background()

	key, ok, err := config.ProviderEntry{APIKey: "literal", APIKeyEnv: "LECTERN_TEST_KEY"}.Credentials().APIKey(ctx)
	if err != nil || !ok || key != "literal" {
		t.Errorf("literal key: got %q, %v, %v", key, ok, err)
	}
	key, ok, err = config.ProviderEntry{APIKeyEnv: "LECTERN_TEST_KEY"}.Credentials().APIKey(ctx)
	if err != nil || !ok || key != "from-env" {
		t.Errorf("env key: got %q, %v, %v", key, ok, err)
	}
	if _, ok, _ := (config.ProviderEntry{}).Credentials().APIKey(ctx); ok {
		t.Error("empty entry should not be configured")
	}
}

// ─── registry ────────────────────────────────────────────────────────────────

func TestRegistry_Create(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.Register("mock", func(e config.ProviderEntry) (asyncstt.Provider, error) {
		got = e
		return &mock.Provider{}, nil
	})
	reg.Register("broken", func(config.ProviderEntry) (asyncstt.Provider, error) {
		return nil, errors.New("no key")
	})

	p, err := reg.Create(config.ProviderEntry{Name: "mock", Model: "m1"})
	if err != nil || p == nil {
		t.Fatalf("Create: %v, %v", p, err)
	}
	if got.Model != "m1" {
		t.Errorf("factory got entry %+v", got)
	}

	if _, err := reg.Create(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unregistered: got %v", err)
	}
	if _, err := reg.Create(config.ProviderEntry{Name: "broken"}); err == nil || !strings.Contains(err.Error(), "no key") {
		t.Errorf("factory error: got %v", err)
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "broken" || names[1] != "mock" {
		t.Errorf("Names() = %v", names)
	}
}

func TestOptString(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"org": "acme", "n": 3}
	if got := config.OptString(opts, "org"); got != "acme" {
		t.Errorf("org: got %q", got)
	}
	if got := config.OptString(opts, "n"); got != "" {
		t.Errorf("non-string: got %q", got)
	}
	if got := config.OptString(nil, "org"); got != "" {
		t.Errorf("nil map: got %q", got)
	}
}
