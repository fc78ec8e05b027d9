package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalFile_Resolve(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.flac")
	if err := os.WriteFile(path, []byte("fLaC"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, release, err := LocalFile(path).Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	release()
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("release removed a local file: %v", err)
	}

	if _, _, err := LocalFile(dir).Resolve(context.Background()); !errors.Is(err, ErrDownload) {
		t.Errorf("directory: error = %v, want ErrDownload", err)
	}
	if _, _, err := LocalFile(filepath.Join(dir, "missing")).Resolve(context.Background()); !errors.Is(err, ErrDownload) {
		t.Errorf("missing: error = %v, want ErrDownload", err)
	}
}

func TestRemoteFile_Resolve(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer storage-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/books/ch1.m4a" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("m4a audio bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := RemoteFile{
		URL:    srv.URL + "/books/ch1.m4a",
		Header: http.Header{"Authorization": {"Bearer storage-token"}},
		Client: srv.Client(),
		Dir:    dir,
	}
	path, release, err := src.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.HasSuffix(path, ".m4a") || filepath.Dir(path) != dir {
		t.Errorf("temp path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "m4a audio bytes" {
		t.Fatalf("downloaded = %q, %v", data, err)
	}
	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("temp file not removed: %v", err)
	}
}

func TestRemoteFile_Errors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, _, err := RemoteFile{URL: srv.URL + "/x.mp3", Client: srv.Client(), Dir: dir}.Resolve(context.Background())
	if !errors.Is(err, ErrDownload) || !strings.Contains(err.Error(), "403") {
		t.Errorf("error = %v, want ErrDownload with status", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}

	if _, _, err := (RemoteFile{URL: "://bad"}).Resolve(context.Background()); !errors.Is(err, ErrDownload) {
		t.Errorf("bad url: error = %v, want ErrDownload", err)
	}
}
