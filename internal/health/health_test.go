package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func ok(context.Context) error { return nil }

func decode(t *testing.T, rec *httptest.ResponseRecorder) Report {
	t.Helper()
	var body Report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "store", Check: ok},
				{Name: "provider", Check: ok},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"store": "ok", "provider": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "store", Check: func(context.Context) error { return errors.New("connection refused") }},
				{Name: "provider", Check: ok},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "fail: connection refused", "provider": "ok"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "store", Check: func(context.Context) error { return errors.New("timeout") }},
				{Name: "provider", Check: func(context.Context) error { return errors.New("no api key configured") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "fail: timeout", "provider": "fail: no api key configured"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			New(tt.checkers).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decode(t, rec)
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("check %s = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestRun_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	var running, peak atomic.Int32
	slow := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	h := New([]Checker{{Name: "a", Check: slow}, {Name: "b", Check: slow}, {Name: "c", Check: slow}})

	if rep := h.Run(context.Background()); !rep.OK() {
		t.Fatalf("report = %+v", rep)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want checks to overlap", peak.Load())
	}
}

func TestRun_CheckTimeout(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "hang", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}, WithCheckTimeout(10*time.Millisecond))

	rep := h.Run(context.Background())
	if rep.OK() || rep.Checks["hang"] != "fail: "+context.DeadlineExceeded.Error() {
		t.Errorf("report = %+v", rep)
	}
}

func TestReadyz_RespectsRequestCancellation(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New([]Checker{{Name: "test", Check: ok}}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: code = %d", path, rec.Code)
		}
	}
}
