// Package activity receives the audit trail emitted by transaction managers
// when activity emission is enabled. The managers only decide whether to emit;
// where the records end up is up to the Sink.
package activity

import (
	"context"
	"sync"
	"time"
)

// Kind distinguishes per-operation records from per-transaction outcomes.
type Kind string

const (
	KindOperation   Kind = "operation"
	KindTransaction Kind = "transaction"
	KindRollback    Kind = "rollback"
)

// Activity is one audit record.
type Activity struct {
	Kind          Kind
	Source        string
	TransactionID string
	OperationID   string
	OperationType string
	Trigger       string
	EntityType    string
	EntityID      string
	Label         string
	Status        string
	Error         string
	ChangedFields []string
	Duration      time.Duration
	Timestamp     time.Time
}

// Sink accepts activities. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, a Activity) error
}

// MemorySink keeps activities in memory, mostly for tests and the console.
type MemorySink struct {
	mu    sync.Mutex
	items []Activity
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends a to the sink.
func (s *MemorySink) Emit(ctx context.Context, a Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ChangedFields = append([]string(nil), a.ChangedFields...)
	s.items = append(s.items, a)
	return nil
}

// Activities returns a copy of everything emitted so far.
func (s *MemorySink) Activities() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Activity, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of emitted activities.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type discardSink struct{}

func (discardSink) Emit(context.Context, Activity) error { return nil }

// Discard returns a Sink that drops every activity.
func Discard() Sink {
	return discardSink{}
}
