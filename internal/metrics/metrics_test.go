package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeBackend is a simple in-memory Backend implementation for tests.
type fakeBackend struct {
	mu sync.Mutex

	callsCounters   []counterCall
	callsHistograms []histCall
	callsGauges     []counterCall
	flushCount      int
}

type counterCall struct {
	name   string
	delta  float64
	labels Labels
}

type histCall struct {
	name   string
	value  float64
	labels Labels
}

func (f *fakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callsCounters = append(f.callsCounters, counterCall{name, delta, labels})
}

func (f *fakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callsHistograms = append(f.callsHistograms, histCall{name, value, labels})
}

func (f *fakeBackend) SetGauge(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callsGauges = append(f.callsGauges, counterCall{name, value, labels})
}

func (f *fakeBackend) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCount++
	return nil
}

func install(t *testing.T) *fakeBackend {
	t.Helper()
	orig := current()
	t.Cleanup(func() { SetBackend(orig) })
	fb := &fakeBackend{}
	SetBackend(fb)
	return fb
}

func TestRecordStep_SuccessAndFailure(t *testing.T) {
	fb := install(t)

	RecordStep("jobA", "merge_store", nil, 2*time.Second)
	RecordStep("jobB", "staging", errors.New("boom"), 1500*time.Millisecond)

	if len(fb.callsCounters) != 2 {
		t.Fatalf("expected 2 counter calls, got %d", len(fb.callsCounters))
	}
	if len(fb.callsHistograms) != 2 {
		t.Fatalf("expected 2 histogram calls, got %d", len(fb.callsHistograms))
	}

	cc0 := fb.callsCounters[0]
	if cc0.name != StepTotal || cc0.delta != 1 {
		t.Fatalf("counter[0] = %#v; want name=%s, delta=1", cc0, StepTotal)
	}
	if got := cc0.labels["status"]; got != "success" {
		t.Fatalf("counter[0].labels[status]=%q; want success", got)
	}
	if got := fb.callsCounters[1].labels["status"]; got != "failure" {
		t.Fatalf("counter[1].labels[status]=%q; want failure", got)
	}
	if got := fb.callsHistograms[1].value; got != 1.5 {
		t.Fatalf("histogram[1].value=%v; want 1.5", got)
	}
}

func TestRecordRow_IgnoresNonPositive(t *testing.T) {
	fb := install(t)

	RecordRow("job", "committed", 0)
	RecordRow("job", "committed", -3)
	RecordRow("job", "committed", 5)

	if len(fb.callsCounters) != 1 {
		t.Fatalf("counter calls = %d, want 1", len(fb.callsCounters))
	}
	c := fb.callsCounters[0]
	if c.name != RecordsTotal || c.delta != 5 || c.labels["kind"] != "committed" {
		t.Fatalf("unexpected counter call %#v", c)
	}
}

func TestRecordBatchesAndOffset(t *testing.T) {
	fb := install(t)

	RecordBatches("job", 1)
	RecordBatches("job", 0)
	RecordOffset("job", 42)

	if len(fb.callsCounters) != 1 || fb.callsCounters[0].name != BatchesTotal {
		t.Fatalf("batch counter calls = %#v", fb.callsCounters)
	}
	if len(fb.callsGauges) != 1 || fb.callsGauges[0].delta != 42 || fb.callsGauges[0].name != CheckpointOffset {
		t.Fatalf("gauge calls = %#v", fb.callsGauges)
	}
}

func TestSetBackend_NilKeepsCurrent(t *testing.T) {
	fb := install(t)
	SetBackend(nil)
	if err := Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if fb.flushCount != 1 {
		t.Fatalf("flushCount = %d, want 1", fb.flushCount)
	}
}
