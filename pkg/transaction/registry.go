package transaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/dataview/pkg/common/log"
	"github.com/KevoDB/dataview/pkg/telemetry"
)

// errRecoveredPanic wraps a panic raised by a registered manager
var errRecoveredPanic = errors.New("panic")

// Stager is the type-erased view of a Manager the registry works with.
type Stager interface {
	Name() string
	CanCommit() bool
	HasOperations() bool
	Summary() Summary
	CommitPending(ctx context.Context) error
	Cancel() error
}

// CommitOutcome reports what CommitAll did with one manager.
type CommitOutcome struct {
	ID  string
	Err error
}

// Registry maps view identifiers to the managers currently mounted, so a
// global "pending changes" bar can address all of them. Entries live exactly
// as long as their view is mounted: Register on mount, Unregister on teardown.
type Registry struct {
	mu        sync.RWMutex
	ids       []string
	managers  map[string]Stager
	listeners map[uint64]func()
	nextID    uint64
	logger    log.Logger
	tel       telemetry.Telemetry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		managers:  make(map[string]Stager),
		listeners: make(map[uint64]func()),
		logger:    log.Component(telemetry.ComponentRegistry),
		tel:       telemetry.NewNoop(),
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// SetLogger replaces the registry's logger.
func (r *Registry) SetLogger(logger log.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// SetTelemetry records CommitAll and CancelAll outcomes to tel.
func (r *Registry) SetTelemetry(tel telemetry.Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tel = tel
}

// Register adds m under id. The first registration of an id wins; later ones
// are ignored and return false.
func (r *Registry) Register(id string, m Stager) bool {
	r.mu.Lock()
	if _, exists := r.managers[id]; exists {
		r.mu.Unlock()
		return false
	}
	r.managers[id] = m
	r.ids = append(r.ids, id)
	r.mu.Unlock()

	r.notify()
	return true
}

// Unregister removes id. It reports whether id was registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	if _, exists := r.managers[id]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.managers, id)
	for i, v := range r.ids {
		if v == id {
			r.ids = append(r.ids[:i:i], r.ids[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.notify()
	return true
}

// Get returns the manager registered under id.
func (r *Registry) Get(id string) (Stager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[id]
	return m, ok
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.ids...)
}

// Managers returns the registered managers in registration order.
func (r *Registry) Managers() []Stager {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stager, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.managers[id])
	}
	return out
}

// Len returns the number of registered managers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// CombinedSummary sums the summaries of every registered manager. Entity
// labels are concatenated, so a label staged by two views appears twice.
func (r *Registry) CombinedSummary() Summary {
	var total Summary
	for _, m := range r.Managers() {
		total = total.Add(m.Summary())
	}
	return total
}

// HasOperations reports whether any registered manager has staged operations.
func (r *Registry) HasOperations() bool {
	for _, m := range r.Managers() {
		if m.HasOperations() {
			return true
		}
	}
	return false
}

// CommitAll force-commits, one after another, every manager that can commit.
// A manager that fails or panics is logged and skipped so the others still
// run; its error is only reported in the returned outcomes.
func (r *Registry) CommitAll(ctx context.Context) []CommitOutcome {
	ids := r.IDs()
	var outcomes []CommitOutcome

	for _, id := range ids {
		m, ok := r.Get(id)
		if !ok || !m.CanCommit() {
			continue
		}
		err := guard(func() error { return m.CommitPending(ctx) })
		if err != nil {
			r.log().Warn("Commit of %s failed: %v", id, err)
		}
		r.recordCommit(ctx, id, err)
		outcomes = append(outcomes, CommitOutcome{ID: id, Err: err})
	}

	r.notify()
	return outcomes
}

// CancelAll cancels every manager that has staged operations. Failures are
// logged and do not stop the iteration.
func (r *Registry) CancelAll() int {
	cancelled := 0
	for _, id := range r.IDs() {
		m, ok := r.Get(id)
		if !ok || !m.HasOperations() {
			continue
		}
		if err := guard(m.Cancel); err != nil {
			r.log().Warn("Cancel of %s failed: %v", id, err)
			continue
		}
		cancelled++
	}

	if cancelled > 0 {
		r.instruments().RecordCounter(context.Background(), "dataview.registry.cancel.count", int64(cancelled),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentRegistry))
	}
	r.notify()
	return cancelled
}

func (r *Registry) recordCommit(ctx context.Context, id string, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRegistry),
		attribute.String(telemetry.AttrView, id),
		attribute.String(telemetry.AttrOutcome, outcomeOf(err)),
	}
	if err != nil {
		attrs = append(attrs, attribute.String(telemetry.AttrErrorType, errorType(err)))
	}
	r.instruments().RecordCounter(ctx, "dataview.registry.commit.count", 1, attrs...)
}

// AddListener registers fn to run after every registry change and after
// CommitAll and CancelAll. Call the returned function to remove it.
func (r *Registry) AddListener(fn func()) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) notify() {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		if err := guard(func() error { fn(); return nil }); err != nil {
			r.log().Error("Registry listener failed: %v", err)
		}
	}
}

func (r *Registry) log() log.Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logger
}

func (r *Registry) instruments() telemetry.Telemetry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tel
}

// guard runs fn, turning a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errRecoveredPanic, p)
		}
	}()
	return fn()
}
