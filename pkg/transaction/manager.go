package transaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/dataview/pkg/activity"
	"github.com/KevoDB/dataview/pkg/common/log"
	"github.com/KevoDB/dataview/pkg/stats"
)

// DefaultOperationCost is the per-operation estimate used by EstimateDuration.
const DefaultOperationCost = 150 * time.Millisecond

// Manager owns at most one active transaction for a data view and executes
// its operations as a unit. It is safe for concurrent use; mutations run on
// the goroutine that calls Commit, with the manager lock released.
type Manager[K comparable, T any] struct {
	name     string
	defaults Config

	mu      sync.Mutex
	current *Transaction[K, T]

	// version is bumped on every change to the staged operations
	version atomic.Uint64

	events    *eventBus[K, T]
	scheduler *scheduler
	merge     MergeFunc[T]

	logger        log.Logger
	stats         stats.Collector
	metrics       Metrics
	activities    activity.Sink
	now           func() time.Time
	newID         func() string
	operationCost time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	name          string
	defaults      Config
	logger        log.Logger
	stats         stats.Collector
	metrics       Metrics
	activities    activity.Sink
	now           func() time.Time
	newID         func() string
	operationCost time.Duration
}

// WithName names the manager in logs and activity records.
func WithName(name string) ManagerOption {
	return func(o *managerOptions) { o.name = name }
}

// WithDefaults sets the Config every new transaction starts from.
func WithDefaults(cfg Config) ManagerOption {
	return func(o *managerOptions) { o.defaults = cfg }
}

// WithLogger sets the manager's logger.
func WithLogger(logger log.Logger) ManagerOption {
	return func(o *managerOptions) { o.logger = logger }
}

// WithStats sets the statistics collector.
func WithStats(collector stats.Collector) ManagerOption {
	return func(o *managerOptions) { o.stats = collector }
}

// WithMetrics sets the telemetry metrics.
func WithMetrics(metrics Metrics) ManagerOption {
	return func(o *managerOptions) { o.metrics = metrics }
}

// WithActivitySink sets where activities go when a transaction emits them.
func WithActivitySink(sink activity.Sink) ManagerOption {
	return func(o *managerOptions) { o.activities = sink }
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) { o.now = now }
}

// WithIDGenerator overrides the UUID generator used for transaction and operation IDs.
func WithIDGenerator(newID func() string) ManagerOption {
	return func(o *managerOptions) { o.newID = newID }
}

// WithOperationCost sets the per-operation cost used by EstimateDuration.
func WithOperationCost(d time.Duration) ManagerOption {
	return func(o *managerOptions) { o.operationCost = d }
}

// NewManager creates a transaction manager.
func NewManager[K comparable, T any](opts ...ManagerOption) *Manager[K, T] {
	o := managerOptions{
		name:          "default",
		defaults:      DefaultConfig(),
		metrics:       NewNoopMetrics(),
		activities:    activity.Discard(),
		now:           time.Now,
		newID:         uuid.NewString,
		operationCost: DefaultOperationCost,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Component("transaction")
	}

	m := &Manager[K, T]{
		name:          o.name,
		defaults:      o.defaults,
		events:        newEventBus[K, T](),
		merge:         ShallowMerge[T],
		logger:        o.logger.WithField("manager", o.name),
		stats:         o.stats,
		metrics:       o.metrics,
		activities:    o.activities,
		now:           o.now,
		newID:         o.newID,
		operationCost: o.operationCost,
	}
	m.scheduler = newScheduler(m.autoCommit)
	return m
}

// SetMerge replaces the merge used by PendingData. Call it before staging.
func (m *Manager[K, T]) SetMerge(fn MergeFunc[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merge = fn
}

// Name returns the manager's name.
func (m *Manager[K, T]) Name() string {
	return m.name
}

// Defaults returns the Config new transactions start from.
func (m *Manager[K, T]) Defaults() Config {
	return m.defaults
}

// Begin starts a transaction, merging opts over the manager defaults. While a
// transaction is active its ID is returned unchanged and opts are ignored.
func (m *Manager[K, T]) Begin(opts ...ConfigOption) string {
	m.mu.Lock()
	if m.current != nil {
		id := m.current.ID
		m.mu.Unlock()
		return id
	}
	tx := m.beginLocked(opts)
	snap := tx.Snapshot()
	m.mu.Unlock()

	m.started(snap)
	return snap.ID
}

func (m *Manager[K, T]) beginLocked(opts []ConfigOption) *Transaction[K, T] {
	tx := &Transaction[K, T]{
		ID:        m.newID(),
		Status:    StatusPending,
		Config:    m.defaults.merge(opts),
		CreatedAt: m.now(),
	}
	m.current = tx
	return tx
}

func (m *Manager[K, T]) started(snap *Transaction[K, T]) {
	if m.stats != nil {
		m.stats.TrackOperation(stats.OpTxBegin)
	}
	m.logger.Debug("Started transaction %s", snap.ID)
	m.fire(Event[K, T]{Type: EventTransactionStart, Transaction: snap})
}

// AddOperation stages op, beginning a transaction if none is active, and
// returns the new operation ID. ID and Timestamp of op are assigned here.
//
// If the transaction's config calls for it, AddOperation commits before
// returning; failures of that commit reach EventTransactionError listeners
// and do not fail the add.
func (m *Manager[K, T]) AddOperation(ctx context.Context, op Operation[K, T]) (string, error) {
	if !op.Type.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	if !op.Trigger.Valid() {
		return "", fmt.Errorf("%w: unknown trigger %q", ErrInvalidOperation, op.Trigger)
	}
	if op.Mutation == nil {
		return "", fmt.Errorf("%w: operation has no mutation", ErrInvalidOperation)
	}

	m.mu.Lock()
	var startSnap *Transaction[K, T]
	if m.current == nil {
		startSnap = m.beginLocked(nil).Snapshot()
	} else if m.current.Status == StatusExecuting {
		id := m.current.ID
		m.mu.Unlock()
		return "", fmt.Errorf("%w: cannot stage into %s", ErrTransactionExecuting, id)
	}

	tx := m.current
	staged := op.clone()
	staged.ID = m.newID()
	staged.Timestamp = m.now()
	tx.Operations = append(tx.Operations, staged)
	m.version.Add(1)

	// A reviewing transaction waits for an explicit Commit
	decision := commitNone
	if tx.Status == StatusPending {
		decision = tx.Config.autoCommitDecision(len(tx.Operations))
	}
	timeout := tx.Config.Timeout
	txID := tx.ID
	added := staged.clone()
	m.mu.Unlock()

	if startSnap != nil {
		m.started(startSnap)
	}
	if m.stats != nil {
		m.stats.TrackOperation(stats.OpStage)
	}
	m.metrics.RecordStaged(ctx, added.Type, added.Trigger, false)
	m.logger.Debug("Staged %s %v as %s in %s", added.Type, added.EntityID, added.ID, txID)
	m.fire(Event[K, T]{Type: EventOperationAdded, Operation: added})

	m.scheduler.apply(ctx, decision, txID, timeout)
	return added.ID, nil
}

// RemoveOperation unstages the operation with the given ID. It returns false,
// without firing any event, when the ID is unknown or the transaction is no
// longer staging (including while it executes).
func (m *Manager[K, T]) RemoveOperation(operationID string) bool {
	m.mu.Lock()
	tx := m.current
	if tx == nil || !tx.Status.Staging() {
		m.mu.Unlock()
		return false
	}

	idx := -1
	for i, op := range tx.Operations {
		if op.ID == operationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}

	removed := tx.Operations[idx].clone()
	tx.Operations = append(tx.Operations[:idx:idx], tx.Operations[idx+1:]...)
	m.version.Add(1)
	m.mu.Unlock()

	if m.stats != nil {
		m.stats.TrackOperation(stats.OpUnstage)
	}
	m.metrics.RecordStaged(context.Background(), removed.Type, removed.Trigger, true)
	m.fire(Event[K, T]{Type: EventOperationRemoved, Operation: removed})
	return true
}

// Review moves a pending transaction to reviewing, e.g. while a confirmation
// dialog is open. Reviewing transactions still accept changes but are never
// committed automatically: the armed timer is stopped, and neither Timeout,
// AutoCommit nor MaxPendingOperations applies to later adds.
func (m *Manager[K, T]) Review() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNoTransaction
	}
	switch m.current.Status {
	case StatusPending:
		m.current.Status = StatusReviewing
		m.scheduler.stop()
		return nil
	case StatusReviewing:
		return nil
	default:
		return fmt.Errorf("%w: cannot review %s transaction", ErrInvalidState, m.current.Status)
	}
}

// Commit executes the staged operations in insertion order.
//
// Without AllowPartialSuccess the first failing mutation halts the batch:
// the remaining operations are reported as Skipped and the transaction ends
// failed. Already-executed mutations are not undone; see Rollback. With
// AllowPartialSuccess every operation is attempted and the transaction ends
// completed whatever the individual outcomes.
//
// Mutation failures are reported through the results, never through the
// returned error, which is reserved for misuse: no transaction
// (ErrNoTransaction), a commit already running (ErrTransactionExecuting), or
// a non-forced commit of an empty transaction (ErrCannotCommit).
//
// Once started, a commit runs to completion; ctx is only handed to the
// mutations.
func (m *Manager[K, T]) Commit(ctx context.Context, force bool) ([]Result[K, T], error) {
	m.mu.Lock()
	tx := m.current
	if tx == nil {
		m.mu.Unlock()
		return nil, ErrNoTransaction
	}
	if tx.Status == StatusExecuting {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: commit of %s already in progress", ErrTransactionExecuting, tx.ID)
	}
	if !force && len(tx.Operations) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has no operations", ErrCannotCommit, tx.ID)
	}

	tx.Status = StatusExecuting
	tx.ExecutedAt = m.now()
	ops := append([]*Operation[K, T](nil), tx.Operations...)
	cfg := tx.Config
	m.scheduler.stop()
	m.mu.Unlock()

	m.logger.Info("Committing transaction %s with %d operations", tx.ID, len(ops))
	start := time.Now()
	spanCtx, endSpan := m.metrics.StartCommitSpan(ctx, tx.ID, len(ops))
	results, halted, firstErr := m.execute(spanCtx, tx.ID, ops, cfg)
	endSpan()

	m.mu.Lock()
	tx.Results = results
	if halted {
		tx.Status = StatusFailed
	} else {
		tx.Status = StatusCompleted
	}
	tx.CompletedAt = m.now()
	if m.current == tx {
		m.current = nil
	}
	m.version.Add(1)
	snap := tx.Snapshot()
	m.mu.Unlock()

	m.metrics.RecordCommit(ctx, time.Since(start), snap.Status, len(ops), cfg.AllowPartialSuccess)
	m.emitTransactionActivity(ctx, snap, firstErr)

	if halted {
		if m.stats != nil {
			m.stats.TrackOperation(stats.OpTxFail)
		}
		m.logger.Warn("Transaction %s failed: %v", snap.ID, firstErr)
		m.fire(Event[K, T]{Type: EventTransactionError, Transaction: snap, Results: snap.Results, Err: firstErr})
	} else {
		if m.stats != nil {
			m.stats.TrackOperation(stats.OpTxCommit)
		}
		m.logger.Info("Transaction %s completed, %d of %d operations failed",
			snap.ID, len(Failed(results)), len(results))
		m.fire(Event[K, T]{Type: EventTransactionComplete, Transaction: snap, Results: snap.Results})
	}

	return results, nil
}

// execute runs ops in order. halted reports an all-or-nothing stop; firstErr
// is the first mutation error seen.
func (m *Manager[K, T]) execute(ctx context.Context, txID string, ops []*Operation[K, T], cfg Config) (results []Result[K, T], halted bool, firstErr error) {
	results = make([]Result[K, T], 0, len(ops))

	for i, op := range ops {
		start := time.Now()
		value, err := invoke(ctx, op.Mutation)
		duration := time.Since(start)

		r := Result[K, T]{
			Success:   err == nil,
			Operation: op,
			Value:     value,
			Err:       err,
			Duration:  duration,
		}
		results = append(results, r)

		if err != nil && firstErr == nil {
			firstErr = err
		}
		if m.stats != nil {
			m.stats.TrackOperationWithLatency(stats.OpMutation, duration)
			if err != nil {
				m.stats.TrackError("mutation_failed")
			}
		}
		m.metrics.RecordMutation(ctx, op.Type, duration, err)
		if cfg.EmitActivities {
			m.emitOperationActivity(ctx, txID, r)
		}
		m.fire(Event[K, T]{Type: EventOperationComplete, Operation: op, Result: &r})

		if err != nil && !cfg.AllowPartialSuccess {
			for _, rest := range ops[i+1:] {
				m.metrics.RecordSkipped(ctx, rest.Type)
				results = append(results, Result[K, T]{
					Operation: rest,
					Err:       ErrOperationSkipped,
					Skipped:   true,
				})
			}
			return results, true, firstErr
		}
	}

	return results, false, firstErr
}

func invoke(ctx context.Context, fn MutationFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMutationPanic, r)
		}
	}()
	return fn(ctx)
}

// Rollback runs the Compensate functions of the successful operations of a
// failed transaction, newest first, and marks it rolledback when every
// compensation succeeds. tx is typically the snapshot delivered with
// EventTransactionError; it is updated in place. Operations without a
// Compensate function are left as they are.
//
// Compensations that succeed are marked on tx.Results, so retrying an
// incomplete rollback only runs the ones that failed.
func (m *Manager[K, T]) Rollback(ctx context.Context, tx *Transaction[K, T]) ([]Result[K, T], error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}
	if tx.Status != StatusFailed {
		return nil, fmt.Errorf("%w: cannot roll back %s transaction", ErrInvalidState, tx.Status)
	}

	var results []Result[K, T]
	var firstErr error
	for i := len(tx.Results) - 1; i >= 0; i-- {
		r := tx.Results[i]
		if !r.Success || r.Compensated || r.Operation.Compensate == nil {
			continue
		}

		start := time.Now()
		value, err := invoke(ctx, r.Operation.Compensate)
		duration := time.Since(start)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err == nil {
			tx.Results[i].Compensated = true
		}
		if m.stats != nil {
			m.stats.TrackOperationWithLatency(stats.OpCompensate, duration)
		}
		results = append(results, Result[K, T]{
			Success:   err == nil,
			Operation: r.Operation,
			Value:     value,
			Err:       err,
			Duration:  duration,
		})
	}

	if firstErr == nil {
		tx.Status = StatusRolledBack
		if m.stats != nil {
			m.stats.TrackOperation(stats.OpTxRollback)
		}
		m.logger.Info("Rolled back transaction %s (%d compensations)", tx.ID, len(results))
	} else {
		m.logger.Warn("Rollback of transaction %s incomplete: %v", tx.ID, firstErr)
	}

	if tx.Config.EmitActivities {
		a := m.baseActivity(tx.ID)
		a.Kind = activity.KindRollback
		a.Status = tx.Status.String()
		if firstErr != nil {
			a.Error = firstErr.Error()
		}
		m.emit(ctx, a)
	}

	m.fire(Event[K, T]{Type: EventRollbackComplete, Transaction: tx.Snapshot(), Results: results, Err: firstErr})
	return results, nil
}

// Cancel discards a pending or reviewing transaction without running any mutation.
func (m *Manager[K, T]) Cancel() error {
	m.mu.Lock()
	tx := m.current
	if tx == nil {
		m.mu.Unlock()
		return ErrNoTransaction
	}
	if !tx.Status.Staging() {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel %s transaction", ErrInvalidState, tx.Status)
	}

	tx.Status = StatusCancelled
	m.current = nil
	m.scheduler.stop()
	m.version.Add(1)
	snap := tx.Snapshot()
	m.mu.Unlock()

	if m.stats != nil {
		m.stats.TrackOperation(stats.OpTxCancel)
	}
	m.metrics.RecordCancel(context.Background(), len(snap.Operations))
	m.emitTransactionActivity(context.Background(), snap, nil)
	m.logger.Info("Cancelled transaction %s with %d operations", snap.ID, len(snap.Operations))
	m.fire(Event[K, T]{Type: EventTransactionCancelled, Transaction: snap})
	return nil
}

// Clear drops the active transaction without running mutations or firing events.
func (m *Manager[K, T]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Status == StatusExecuting {
		// The running commit still owns its transaction; only detach it
		m.logger.Warn("Clearing manager while transaction %s is executing", m.current.ID)
	}
	m.current = nil
	m.scheduler.stop()
	m.version.Add(1)
}

// Transaction returns a snapshot of the active transaction.
func (m *Manager[K, T]) Transaction() (*Transaction[K, T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, false
	}
	return m.current.Snapshot(), true
}

// Operations returns copies of the staged operations in insertion order.
func (m *Manager[K, T]) Operations() []Operation[K, T] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	out := make([]Operation[K, T], len(m.current.Operations))
	for i, op := range m.current.Operations {
		out[i] = *op.clone()
	}
	return out
}

// HasOperations reports whether anything is staged.
func (m *Manager[K, T]) HasOperations() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && len(m.current.Operations) > 0
}

// CanCommit reports whether a transaction is staging at least one operation.
func (m *Manager[K, T]) CanCommit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Status.Staging() && len(m.current.Operations) > 0
}

// Summary aggregates the staged operations.
func (m *Manager[K, T]) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Summary{}
	}
	return summarize(m.current.Operations)
}

// EstimateDuration is a progress-bar hint: a fixed cost per staged operation.
func (m *Manager[K, T]) EstimateDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return 0
	}
	return time.Duration(len(m.current.Operations)) * m.operationCost
}

// PendingStatesVersion increases whenever the staged operations change.
// Renderers use it to invalidate anything derived from the operations.
func (m *Manager[K, T]) PendingStatesVersion() uint64 {
	return m.version.Load()
}

// PendingData accumulates the staged payloads for id in insertion order, so a
// new edit can build on earlier, uncommitted ones. A create restarts the
// accumulation, an update is merged on top, and a delete discards it.
// changed lists every field touched by the accumulated updates.
func (m *Manager[K, T]) PendingData(id K) (data T, changed []string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return data, nil, false
	}

	seen := make(map[string]struct{})
	for _, op := range m.current.Operations {
		if op.EntityID != id {
			continue
		}
		switch op.Type {
		case OpCreate:
			data, ok = op.Entity, true
		case OpUpdate:
			if ok {
				data = m.merge(data, op.Entity, op.ChangedFields)
			} else {
				data, ok = op.Entity, true
			}
		case OpDelete:
			var zero T
			data, ok = zero, false
			changed, seen = nil, make(map[string]struct{})
			continue
		}
		for _, f := range op.ChangedFields {
			if _, dup := seen[f]; !dup {
				seen[f] = struct{}{}
				changed = append(changed, f)
			}
		}
	}
	return data, changed, ok
}

// On registers listener for event and returns its subscription.
func (m *Manager[K, T]) On(event EventType, listener Listener[K, T]) Subscription {
	return m.events.on(event, listener)
}

// Off removes the listener registered under sub. It reports whether one was removed.
func (m *Manager[K, T]) Off(sub Subscription) bool {
	return m.events.off(sub)
}

// CommitPending force-commits the active transaction. It is the entry point
// the registry uses; results reach the manager's listeners.
func (m *Manager[K, T]) CommitPending(ctx context.Context) error {
	_, err := m.Commit(ctx, true)
	return err
}

// autoCommit is invoked by the scheduler for transaction txID.
func (m *Manager[K, T]) autoCommit(ctx context.Context, txID string) {
	m.mu.Lock()
	tx := m.current
	due := tx != nil && tx.ID == txID && tx.Status.Staging() && len(tx.Operations) > 0
	m.mu.Unlock()
	if !due {
		return
	}

	if _, err := m.Commit(ctx, false); err != nil {
		m.autoCommitFailed(txID, err)
	}
}

// autoCommitFailed reports an implicit commit that never started. The event
// carries the active transaction when there still is one.
func (m *Manager[K, T]) autoCommitFailed(txID string, err error) {
	m.logger.Warn("Auto-commit of %s failed: %v", txID, err)

	ev := Event[K, T]{Type: EventTransactionError, Err: err}
	if snap, ok := m.Transaction(); ok {
		ev.Transaction = snap
	}
	m.fire(ev)
}

func (m *Manager[K, T]) fire(ev Event[K, T]) {
	for _, err := range m.events.emit(ev) {
		m.logger.Error("%v", err)
	}
}

func (m *Manager[K, T]) baseActivity(txID string) activity.Activity {
	return activity.Activity{
		Source:        m.name,
		TransactionID: txID,
		Timestamp:     m.now(),
	}
}

func (m *Manager[K, T]) emitOperationActivity(ctx context.Context, txID string, r Result[K, T]) {
	a := m.baseActivity(txID)
	a.Kind = activity.KindOperation
	a.OperationID = r.Operation.ID
	a.OperationType = string(r.Operation.Type)
	a.Trigger = string(r.Operation.Trigger)
	a.EntityType = r.Operation.EntityType
	a.EntityID = fmt.Sprint(r.Operation.EntityID)
	a.Label = r.Operation.Label
	a.ChangedFields = r.Operation.ChangedFields
	a.Duration = r.Duration
	a.Status = "success"
	if r.Err != nil {
		a.Status = "failed"
		a.Error = r.Err.Error()
	}
	m.emit(ctx, a)
}

func (m *Manager[K, T]) emitTransactionActivity(ctx context.Context, tx *Transaction[K, T], err error) {
	if !tx.Config.EmitActivities {
		return
	}
	a := m.baseActivity(tx.ID)
	a.Kind = activity.KindTransaction
	a.Status = tx.Status.String()
	a.Label = summarize(tx.Operations).String()
	if !tx.ExecutedAt.IsZero() && !tx.CompletedAt.IsZero() {
		a.Duration = tx.CompletedAt.Sub(tx.ExecutedAt)
	}
	if err != nil {
		a.Error = err.Error()
	}
	m.emit(ctx, a)
}

func (m *Manager[K, T]) emit(ctx context.Context, a activity.Activity) {
	if err := m.activities.Emit(ctx, a); err != nil {
		m.logger.Warn("Failed to emit activity for %s: %v", a.TransactionID, err)
	}
}
