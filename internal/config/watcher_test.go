package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lectern/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
provider:
  name: soniox
  api_key_env: SONIOX_API_KEY
transcription:
  poll_interval: 2s
`

const watcherUpdatedYAML = `
server:
  log_level: debug
provider:
  name: soniox
  api_key_env: SONIOX_API_KEY
transcription:
  poll_interval: 5s
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// writeConfig writes content and pushes the mtime forward so the change is
// visible even on filesystems with coarse timestamps.
func writeConfig(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	mtime := time.Now().Add(age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

type changeRecorder struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	ch    chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{ch: make(chan struct{}, 8)}
}

func (r *changeRecorder) onChange(_, _ *config.Config, d config.ConfigDiff) {
	r.mu.Lock()
	r.diffs = append(r.diffs, d)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watcherValidYAML, -time.Hour)

	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v", cfg)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watcherInvalidYAML, -time.Hour)

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watcherValidYAML, -time.Hour)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, watcherUpdatedYAML, 0)

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called")
	}
	rec.mu.Lock()
	d := rec.diffs[0]
	rec.mu.Unlock()
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug || !d.TranscriptionChanged {
		t.Errorf("diff = %+v", d)
	}
	if got := w.Current().Transcription.PollInterval; got != 5*time.Second {
		t.Errorf("Current poll_interval = %s", got)
	}
}

func TestWatcher_KeepsConfigOnInvalidChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watcherValidYAML, -time.Hour)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, watcherInvalidYAML, 0)
	time.Sleep(150 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("onChange called %d times for invalid config", rec.count())
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("config replaced by invalid revision: %+v", w.Current().Server)
	}

	// A fixed file is picked up again.
	writeConfig(t, path, watcherUpdatedYAML, time.Minute)
	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called after the file was fixed")
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current log level = %s, want debug", w.Current().Server.LogLevel)
	}
}

func TestWatcher_IgnoresCosmeticEdits(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watcherValidYAML, -time.Hour)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "# reformatted\n"+watcherValidYAML, 0)
	time.Sleep(150 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("onChange called %d times for a comment-only edit", rec.count())
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watcherValidYAML, -time.Hour)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}
