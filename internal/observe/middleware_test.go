package observe

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// apiMux is a small stand-in for the job API routes.
func apiMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"` + r.PathValue("id") + `"}`))
	})
	mux.HandleFunc("POST /v1/transcriptions", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "store down", http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	useRecorder(t)
	m, _ := newTestMetrics(t)

	var inside string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inside = CorrelationID(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))

	if len(inside) != 32 {
		t.Fatalf("handler saw correlation id %q", inside)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inside {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inside)
	}
	if !strings.Contains(rec.Header().Get("traceparent"), inside) {
		t.Errorf("traceparent = %q, want it to carry %s", rec.Header().Get("traceparent"), inside)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	useRecorder(t)
	m, _ := newTestMetrics(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inside string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inside = CorrelationID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/j1/retry", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if inside != traceID {
		t.Errorf("handler trace id = %q, want %q", inside, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_RouteAndStatusLabels(t *testing.T) {
	exp := useRecorder(t)
	m, reader := newTestMetrics(t)
	h := Middleware(m)(apiMux())

	for _, id := range []string{"a", "b", "missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/transcriptions", nil))

	met := findMetric(collect(t, reader), "lectern.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])

	type key struct{ path, class string }
	counts := map[key]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value(attribute.Key("path"))
		class, _ := dp.Attributes.Value(attribute.Key("status_class"))
		counts[key{path.AsString(), class.AsString()}] += dp.Count
	}
	want := map[key]uint64{
		{"GET /v1/jobs/{id}", "2xx"}:       2,
		{"GET /v1/jobs/{id}", "4xx"}:       1,
		{"POST /v1/transcriptions", "5xx"}: 1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("count[%v] = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}
	if len(counts) != len(want) {
		t.Errorf("unexpected label sets: %v", counts)
	}

	spans := exp.GetSpans()
	if len(spans) != 4 || spans[0].Name != "HTTP GET /v1/jobs/{id}" {
		t.Fatalf("spans = %d, first name %q", len(spans), spans[0].Name)
	}
	var status int64
	for _, kv := range spans[2].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status code = %d, want 404", status)
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	useRecorder(t)
	m, _ := newTestMetrics(t)
	buf := captureLogs(t, slog.LevelInfo)
	h := Middleware(m)(apiMux())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("probe request logged at info: %s", buf)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/jobs/a", nil))
	if out := buf.String(); !strings.Contains(out, "level=INFO") || !strings.Contains(out, "route=\"GET /v1/jobs/{id}\"") {
		t.Errorf("job request log = %s", out)
	}
	buf.Reset()

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/transcriptions", nil))
	if out := buf.String(); !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=500") {
		t.Errorf("server error log = %s", out)
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 202: "2xx", 409: "4xx", 503: "5xx", 0: "unknown", 700: "unknown"}
	for code, want := range tests {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

// hijackRecorder is a ResponseRecorder that also implements http.Hijacker.
type hijackRecorder struct {
	*httptest.ResponseRecorder
}

func (hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) { return nil, nil, nil }

func TestMiddleware_KeepsHijackerForWebsocket(t *testing.T) {
	useRecorder(t)
	m, _ := newTestMetrics(t)
	var ok bool
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, ok = w.(http.Hijacker)
	}))
	h.ServeHTTP(hijackRecorder{httptest.NewRecorder()}, httptest.NewRequest(http.MethodGet, "/v1/jobs/j1/events", nil))
	if !ok {
		t.Error("wrapped writer lost http.Hijacker")
	}
}
