package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestProviderConfig_Sampler(t *testing.T) {
	half, none := 0.5, 0.0
	tests := []struct {
		name  string
		ratio *float64
		want  string
	}{
		{"unset", nil, "AlwaysOnSampler"},
		{"ratio", &half, "TraceIDRatioBased{0.5}"},
		{"zero", &none, "TraceIDRatioBased{0}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := ProviderConfig{SampleRatio: tt.ratio}.Sampler().Description()
			if !strings.HasPrefix(desc, "ParentBased{root:"+tt.want) {
				t.Errorf("Description() = %q, want root %s", desc, tt.want)
			}
		})
	}
}

func TestProviderConfig_ZeroRatioKeepsSampledParent(t *testing.T) {
	none := 0.0
	s := ProviderConfig{SampleRatio: &none}.Sampler()

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9},
		SpanID:     trace.SpanID{0x01},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	res := s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: trace.ContextWithRemoteSpanContext(context.Background(), parent),
		TraceID:       parent.TraceID(),
		Name:          "HTTP GET /v1/jobs/{id}",
	})
	if res.Decision != sdktrace.RecordAndSample {
		t.Errorf("decision = %v, want RecordAndSample", res.Decision)
	}

	res = s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0x01},
		Name:          "poll",
	})
	if res.Decision != sdktrace.Drop {
		t.Errorf("root decision = %v, want Drop", res.Decision)
	}
}

func TestInitProvider_RejectsBadRatio(t *testing.T) {
	bad := 1.5
	_, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: &bad})
	if err == nil || !strings.Contains(err.Error(), "sample ratio") {
		t.Errorf("err = %v, want sample ratio error", err)
	}
}

func TestInitProvider_InstallsGlobals(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.JobsStarted.Add(context.Background(), 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "lectern_jobs") {
			found = true
		}
	}
	if !found {
		t.Error("no lectern_jobs metric family in the registry")
	}

	ctx, span := StartSpan(context.Background(), "probe")
	if !span.SpanContext().IsSampled() || CorrelationID(ctx) == "" {
		t.Error("default provider did not sample a root span")
	}
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
