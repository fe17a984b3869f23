// Package dataview binds a data source to a transaction manager so edits
// are staged, displayed with pending markers, and committed as a batch.
package dataview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/dataview/pkg/common/log"
	"github.com/KevoDB/dataview/pkg/overlay"
	"github.com/KevoDB/dataview/pkg/telemetry"
	"github.com/KevoDB/dataview/pkg/transaction"
)

// ErrAlreadyMounted is returned by Mount when the view ID is already registered
var ErrAlreadyMounted = errors.New("view already mounted")

// View is one data view: base rows from a Source with staged edits on top.
type View[K comparable, T any] struct {
	id        string
	source    Source[K, T]
	key       func(T) K
	manager   *transaction.Manager[K, T]
	projector overlay.Projector[K, T]
	registry  *transaction.Registry
	logger    log.Logger
	tel       telemetry.Telemetry

	mu      sync.Mutex
	cache   []T
	valid   bool
	mounted bool
	subs    []transaction.Subscription
}

// Option configures a View.
type Option func(*options)

type options struct {
	registry    *transaction.Registry
	logger      log.Logger
	tel         telemetry.Telemetry
	keepDeleted bool
	manager     []transaction.ManagerOption
}

// WithRegistry mounts the view into r instead of the default registry.
func WithRegistry(r *transaction.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the view's logger. The manager gets it too unless
// WithManagerOptions overrides it.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTelemetry records view refreshes.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// WithKeepDeleted keeps deleted rows in Rows, marked overlay.StateDeleted.
func WithKeepDeleted(keep bool) Option {
	return func(o *options) { o.keepDeleted = keep }
}

// WithManagerOptions passes options through to the view's manager.
func WithManagerOptions(opts ...transaction.ManagerOption) Option {
	return func(o *options) { o.manager = append(o.manager, opts...) }
}

// New creates a view named id over source. key extracts an item's primary key.
func New[K comparable, T any](id string, source Source[K, T], key func(T) K, opts ...Option) *View[K, T] {
	o := options{
		registry: transaction.DefaultRegistry(),
		tel:      telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Component(telemetry.ComponentDataView)
	}
	logger := o.logger.WithField("view", id)

	mopts := append([]transaction.ManagerOption{
		transaction.WithName(id),
		transaction.WithLogger(logger),
	}, o.manager...)

	projector := overlay.NewProjector(key)
	projector.KeepDeleted = o.keepDeleted

	v := &View[K, T]{
		id:        id,
		source:    source,
		key:       key,
		manager:   transaction.NewManager[K, T](mopts...),
		projector: projector,
		registry:  o.registry,
		logger:    logger,
		tel:       o.tel,
	}

	// Committed or compensated writes make the cached base rows stale
	for _, ev := range []transaction.EventType{
		transaction.EventTransactionComplete,
		transaction.EventTransactionError,
		transaction.EventRollbackComplete,
	} {
		v.subs = append(v.subs, v.manager.On(ev, func(transaction.Event[K, T]) { v.invalidate() }))
	}
	return v
}

// ID returns the view ID.
func (v *View[K, T]) ID() string {
	return v.id
}

// Manager returns the view's transaction manager.
func (v *View[K, T]) Manager() *transaction.Manager[K, T] {
	return v.manager
}

// Mount registers the view's manager under its ID.
func (v *View[K, T]) Mount() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.mounted {
		return nil
	}
	if !v.registry.Register(v.id, v.manager) {
		return fmt.Errorf("%w: %s", ErrAlreadyMounted, v.id)
	}
	v.mounted = true
	v.logger.Debug("Mounted view")
	return nil
}

// Unmount removes the view from the registry and discards anything staged.
func (v *View[K, T]) Unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	v.mu.Unlock()

	v.registry.Unregister(v.id)
	if v.manager.HasOperations() {
		v.logger.Warn("Unmounting with %d staged operations", v.manager.Summary().Total)
	}
	v.manager.Clear()
}

// StageCreate stages the creation of item.
func (v *View[K, T]) StageCreate(ctx context.Context, item T, label string) (string, error) {
	id := v.key(item)
	return v.manager.AddOperation(ctx, transaction.Operation[K, T]{
		Type:     transaction.OpCreate,
		Trigger:  transaction.TriggerRowAction,
		Entity:   item,
		EntityID: id,
		Label:    label,
		Mutation: func(ctx context.Context) (any, error) {
			return v.source.Create(ctx, item)
		},
		Compensate: func(ctx context.Context) (any, error) {
			return nil, v.source.Delete(ctx, id)
		},
	})
}

// StageUpdate stages patch for id. fields names the patched fields.
func (v *View[K, T]) StageUpdate(ctx context.Context, id K, patch T, fields []string, label string) (string, error) {
	return v.stageUpdate(ctx, id, patch, fields, transaction.TriggerUserEdit, label)
}

func (v *View[K, T]) stageUpdate(ctx context.Context, id K, patch T, fields []string, trigger transaction.Trigger, label string) (string, error) {
	original, err := v.original(ctx, id)
	if err != nil {
		return "", err
	}

	op := transaction.Operation[K, T]{
		Type:          transaction.OpUpdate,
		Trigger:       trigger,
		Entity:        patch,
		EntityID:      id,
		OriginalData:  original,
		ChangedFields: fields,
		Label:         label,
		Mutation: func(ctx context.Context) (any, error) {
			return v.source.Update(ctx, id, patch, fields)
		},
	}
	if original != nil {
		restore := *original
		op.Compensate = func(ctx context.Context) (any, error) {
			return v.source.Update(ctx, id, restore, fields)
		}
	}
	return v.manager.AddOperation(ctx, op)
}

// StageDelete stages the deletion of id.
func (v *View[K, T]) StageDelete(ctx context.Context, id K, label string) (string, error) {
	original, err := v.original(ctx, id)
	if err != nil {
		return "", err
	}

	op := transaction.Operation[K, T]{
		Type:         transaction.OpDelete,
		Trigger:      transaction.TriggerRowAction,
		EntityID:     id,
		OriginalData: original,
		Label:        label,
		Mutation: func(ctx context.Context) (any, error) {
			return nil, v.source.Delete(ctx, id)
		},
	}
	if original != nil {
		restore := *original
		op.Entity = restore
		op.Compensate = func(ctx context.Context) (any, error) {
			return v.source.Create(ctx, restore)
		}
	}
	return v.manager.AddOperation(ctx, op)
}

// StageBulkUpdate stages patch for every id as a bulk action. Each staged
// entity builds on the id's uncommitted edits, so the row shows the
// accumulated state. It stops at the first id that cannot be staged.
func (v *View[K, T]) StageBulkUpdate(ctx context.Context, ids []K, patch T, fields []string, label string) ([]string, error) {
	staged := make([]string, 0, len(ids))
	for _, id := range ids {
		entity, all := patch, fields
		if data, changed, ok := v.manager.PendingData(id); ok {
			entity = transaction.ShallowMerge(data, patch, fields)
			all = union(changed, fields)
		}

		opID, err := v.stageUpdate(ctx, id, entity, all, transaction.TriggerBulkAction, label)
		if err != nil {
			return staged, fmt.Errorf("staging %v: %w", id, err)
		}
		staged = append(staged, opID)
	}
	return staged, nil
}

// Rows returns the base rows with the staged operations projected on top.
func (v *View[K, T]) Rows(ctx context.Context) ([]overlay.Row[K, T], error) {
	base, err := v.base(ctx)
	if err != nil {
		return nil, err
	}
	return v.projector.Project(base, v.manager.Operations()), nil
}

// Items is Rows without pending markers or deleted rows.
func (v *View[K, T]) Items(ctx context.Context) ([]T, error) {
	base, err := v.base(ctx)
	if err != nil {
		return nil, err
	}
	return v.projector.Items(base, v.manager.Operations()), nil
}

// Refresh reloads the base rows from the source.
func (v *View[K, T]) Refresh(ctx context.Context) error {
	start := time.Now()
	items, err := v.source.List(ctx)
	telemetry.RecordDuration(ctx, v.tel, "dataview.view.refresh.duration", start,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentDataView),
		attribute.String(telemetry.AttrView, v.id),
		attribute.Bool(telemetry.AttrSuccess, err == nil))
	if err != nil {
		return fmt.Errorf("refreshing view %s: %w", v.id, err)
	}

	v.mu.Lock()
	v.cache, v.valid = items, true
	v.mu.Unlock()
	return nil
}

func (v *View[K, T]) base(ctx context.Context) ([]T, error) {
	v.mu.Lock()
	if v.valid {
		base := v.cache
		v.mu.Unlock()
		return base, nil
	}
	v.mu.Unlock()

	if err := v.Refresh(ctx); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cache, nil
}

func (v *View[K, T]) invalidate() {
	v.mu.Lock()
	v.valid = false
	v.mu.Unlock()
}

// original returns the base row for id, or nil when it is not in the source.
func (v *View[K, T]) original(ctx context.Context, id K) (*T, error) {
	base, err := v.base(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range base {
		if v.key(item) == id {
			c := item
			return &c, nil
		}
	}
	return nil, nil
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, f := range b {
		found := false
		for _, g := range out {
			if g == f {
				found = true
				break
			}
		}
		if !found {
			out = append(out, f)
		}
	}
	return out
}
