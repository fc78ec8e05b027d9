package observe

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestRecordJobOutcome_DurationByStatus(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordJobOutcome(ctx, "completed", 95)
	m.RecordJobOutcome(ctx, "completed", 130)
	m.RecordJobOutcome(ctx, "canceled", 2)

	met := findMetric(collect(t, reader), "lectern.job.duration")
	if met == nil {
		t.Fatal("job duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("job duration is %T, want histogram", met.Data)
	}
	got := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value("status")
		got[v.AsString()] += dp.Count
	}
	if got["completed"] != 2 || got["canceled"] != 1 {
		t.Errorf("samples by status = %v", got)
	}
}

// sumByAttr returns the value of the sum data point whose attribute key has
// value want, and whether it was found.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, want string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == want {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestRecordProviderCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderCall(ctx, "soniox", "check_status", 0.05, nil)
	m.RecordProviderCall(ctx, "soniox", "check_status", 0.07, nil)
	m.RecordProviderCall(ctx, "soniox", "upload", 3.2, errors.New("reset"))

	rm := collect(t, reader)
	if v, ok := sumByAttr(t, rm, "lectern.provider.requests", "status", "ok"); !ok || v != 2 {
		t.Errorf("ok requests = (%d, %v), want 2", v, ok)
	}
	if v, ok := sumByAttr(t, rm, "lectern.provider.errors", "op", "upload"); !ok || v != 1 {
		t.Errorf("upload errors = (%d, %v), want 1", v, ok)
	}
	hist := findMetric(rm, "lectern.provider.duration").Data.(metricdata.Histogram[float64])
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("duration samples = %d, want 3", total)
	}
}

func TestRecordJobOutcome(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.JobsStarted.Add(ctx, 3)
	m.RecordJobOutcome(ctx, "completed", 120)
	m.RecordJobOutcome(ctx, "failed", 3)
	m.RecordJobOutcome(ctx, "failed", 4)
	m.Retries.Add(ctx, 1)

	rm := collect(t, reader)
	counters := []struct {
		name string
		want int64
	}{
		{"lectern.jobs.started", 3},
		{"lectern.jobs.completed", 1},
		{"lectern.jobs.failed", 2},
		{"lectern.jobs.retries", 1},
	}
	for _, tc := range counters {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		sum := met.Data.(metricdata.Sum[int64])
		if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != tc.want {
			t.Errorf("%s = %+v, want %d", tc.name, sum.DataPoints, tc.want)
		}
	}
}

func TestRecordPoll(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPoll(ctx, "processing")
	m.RecordPoll(ctx, "processing")
	m.RecordPoll(ctx, "completed")

	rm := collect(t, reader)
	if v, ok := sumByAttr(t, rm, "lectern.jobs.polls", "remote_status", "processing"); !ok || v != 2 {
		t.Errorf("processing polls = (%d, %v), want 2", v, ok)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveJobs.Add(ctx, 1)
	m.ActiveJobs.Add(ctx, 1)
	m.ActiveJobs.Add(ctx, -1)
	m.SegmentsPerTranscript.Record(ctx, 240)

	rm := collect(t, reader)
	met := findMetric(rm, "lectern.jobs.active")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("active jobs has no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
	if findMetric(rm, "lectern.transcript.segments") == nil {
		t.Error("segments histogram not found")
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if a, b := DefaultMetrics(), DefaultMetrics(); a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
