package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/dataview/pkg/telemetry"
)

type counterSample struct {
	name  string
	value int64
	attrs map[string]string
}

// recordingTelemetry keeps every counter increment; everything else is a no-op.
type recordingTelemetry struct {
	telemetry.Telemetry

	mu       sync.Mutex
	counters []counterSample
}

func newRecordingTelemetry() *recordingTelemetry {
	return &recordingTelemetry{Telemetry: telemetry.NewNoop()}
}

func (r *recordingTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	sample := counterSample{name: name, value: value, attrs: make(map[string]string, len(attrs))}
	for _, kv := range attrs {
		sample.attrs[string(kv.Key)] = kv.Value.Emit()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = append(r.counters, sample)
}

func (r *recordingTelemetry) samples(name string) []counterSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []counterSample
	for _, s := range r.counters {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

func TestMutationMetrics(t *testing.T) {
	tel := newRecordingTelemetry()
	m := newTestManager(WithMetrics(NewMetrics(tel)))
	rec := &recorder{}

	mustAdd(t, m, updateOp(1, rec, nil))
	panicking := updateOp(2, rec, nil)
	panicking.Mutation = func(context.Context) (any, error) { panic("nil map") }
	mustAdd(t, m, panicking)
	mustAdd(t, m, updateOp(3, rec, nil))

	if _, err := m.Commit(context.Background(), false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got := tel.samples("dataview.transaction.mutation.count")
	if len(got) != 3 {
		t.Fatalf("Expected 3 mutation samples, got %d", len(got))
	}

	want := []struct{ outcome, errorType string }{
		{telemetry.StatusSuccess, ""},
		{telemetry.StatusError, "panic"},
		{telemetry.StatusSkipped, ""},
	}
	for i, w := range want {
		if got[i].attrs[telemetry.AttrOutcome] != w.outcome {
			t.Errorf("Sample %d: expected outcome %s, got %s", i, w.outcome, got[i].attrs[telemetry.AttrOutcome])
		}
		if got[i].attrs[telemetry.AttrErrorType] != w.errorType {
			t.Errorf("Sample %d: expected error type %q, got %q", i, w.errorType, got[i].attrs[telemetry.AttrErrorType])
		}
		if got[i].attrs[telemetry.AttrComponent] != telemetry.ComponentTransaction {
			t.Errorf("Sample %d: unexpected component %q", i, got[i].attrs[telemetry.AttrComponent])
		}
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrMutationPanic, "panic"},
		{errRecoveredPanic, "panic"},
		{context.DeadlineExceeded, "context"},
		{ErrTransactionExecuting, "executing"},
		{ErrCannotCommit, "state"},
		{errors.New("409 conflict"), "mutation"},
	}
	for _, tt := range tests {
		if got := errorType(tt.err); got != tt.want {
			t.Errorf("errorType(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestRegistryMetrics(t *testing.T) {
	tel := newRecordingTelemetry()
	r := newTestRegistry()
	r.SetTelemetry(tel)

	r.Register("healthy", &stubStager{staged: true})
	r.Register("panicking", &stubStager{staged: true, panics: true})
	r.CommitAll(context.Background())

	got := tel.samples("dataview.registry.commit.count")
	if len(got) != 2 {
		t.Fatalf("Expected 2 commit samples, got %d", len(got))
	}
	if got[0].attrs[telemetry.AttrView] != "healthy" || got[0].attrs[telemetry.AttrOutcome] != telemetry.StatusSuccess {
		t.Errorf("Unexpected sample %+v", got[0])
	}
	if got[1].attrs[telemetry.AttrOutcome] != telemetry.StatusError || got[1].attrs[telemetry.AttrErrorType] != "panic" {
		t.Errorf("Unexpected sample %+v", got[1])
	}
	for _, s := range got {
		if s.attrs[telemetry.AttrComponent] != telemetry.ComponentRegistry {
			t.Errorf("Unexpected component %q", s.attrs[telemetry.AttrComponent])
		}
	}

	r.Unregister("panicking")
	r.Register("staged", &stubStager{staged: true})
	if n := r.CancelAll(); n != 1 {
		t.Fatalf("Expected 1 cancellation, got %d", n)
	}
	cancels := tel.samples("dataview.registry.cancel.count")
	if len(cancels) != 1 || cancels[0].value != 1 {
		t.Errorf("Unexpected cancel samples %+v", cancels)
	}
}
