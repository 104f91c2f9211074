package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pricesync/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// readCounterValue reads the current value of a Counter for assertions in tests.
func readCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Counter.Write() error = %v", err)
	}
	if m.GetCounter() == nil {
		t.Fatalf("metric did not contain Counter value")
	}
	return m.GetCounter().GetValue()
}

func readGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Gauge.Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func readSummaryCount(t *testing.T, v *prometheus.SummaryVec, labels ...string) uint64 {
	t.Helper()

	m := &dto.Metric{}
	metric, ok := v.WithLabelValues(labels...).(prometheus.Metric)
	if !ok {
		t.Fatalf("SummaryVec.WithLabelValues(...) does not implement prometheus.Metric")
	}
	if err := metric.Write(m); err != nil {
		t.Fatalf("Summary.Write() error = %v", err)
	}
	return m.GetSummary().GetSampleCount()
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		jobName     string
		gatewayURL  string
		wantErr     bool
		wantJobName string
	}{
		{name: "explicit_job", jobName: "nightly", gatewayURL: "http://gw:9091", wantJobName: "nightly"},
		{name: "default_job", gatewayURL: "http://gw:9091", wantJobName: "pricesync"},
		{name: "missing_url", jobName: "x", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, err := NewBackend(tt.jobName, tt.gatewayURL)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewBackend() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackend() error = %v", err)
			}
			if b.jobName != tt.wantJobName {
				t.Fatalf("jobName = %q, want %q", b.jobName, tt.wantJobName)
			}
		})
	}
}

func TestBackend_RoutesMetrics(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("job", "http://gw:9091")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}

	b.IncCounter(metrics.BatchesTotal, 2, nil)
	b.IncCounter(metrics.RecordsTotal, 10, metrics.Labels{"kind": "committed"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "merge_price", "status": "success"})
	b.IncCounter("unknown_metric", 1, nil)
	b.ObserveHistogram(metrics.StepDuration, 0.25, metrics.Labels{"step": "merge_price", "status": "success"})
	b.SetGauge(metrics.CheckpointOffset, 5000, nil)

	if got := readCounterValue(t, b.batchCounter); got != 2 {
		t.Fatalf("batches = %v, want 2", got)
	}
	if got := readCounterValue(t, b.recordCounter.WithLabelValues("committed")); got != 10 {
		t.Fatalf("records = %v, want 10", got)
	}
	if got := readCounterValue(t, b.stepCounter.WithLabelValues("merge_price", "success")); got != 1 {
		t.Fatalf("steps = %v, want 1", got)
	}
	if got := readSummaryCount(t, b.stepDuration, "merge_price", "success"); got != 1 {
		t.Fatalf("summary count = %v, want 1", got)
	}
	if got := readGaugeValue(t, b.offsetGauge); got != 5000 {
		t.Fatalf("offset = %v, want 5000", got)
	}
}

// TestFlush verifies that Flush pushes the registry to the configured
// Pushgateway URL.
func TestFlush(t *testing.T) {
	t.Parallel()

	type pushRequestInfo struct {
		method  string
		path    string
		bodyLen int
	}
	reqCh := make(chan pushRequestInfo, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, _ := io.ReadAll(r.Body)
		reqCh <- pushRequestInfo{method: r.Method, path: r.URL.Path, bodyLen: len(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b, err := NewBackend("ingest-job", server.URL)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	b.IncCounter(metrics.BatchesTotal, 1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	var got pushRequestInfo
	select {
	case got = <-reqCh:
	default:
		t.Fatalf("Flush() did not result in any HTTP request to the Pushgateway")
	}
	if got.method != http.MethodPut {
		t.Fatalf("method = %q, want PUT", got.method)
	}
	if !strings.Contains(got.path, "ingest-job") {
		t.Fatalf("path = %q, want job name in path", got.path)
	}
	if got.bodyLen == 0 {
		t.Fatalf("Push request body length = 0, want > 0")
	}
}
