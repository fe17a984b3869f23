package transaction

import (
	"context"
	"fmt"
	"time"
)

// OperationType is the kind of change an operation stages.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Trigger records which UI gesture produced an operation.
type Trigger string

const (
	TriggerUserEdit   Trigger = "user-edit"
	TriggerBulkAction Trigger = "bulk-action"
	TriggerRowAction  Trigger = "row-action"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerUserEdit, TriggerBulkAction, TriggerRowAction:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction.
//
//	pending -> reviewing -> executing -> completed | failed
//	failed -> rolledback
//	pending | reviewing -> cancelled
type Status int

const (
	StatusPending Status = iota
	StatusReviewing
	StatusExecuting
	StatusCompleted
	StatusFailed
	StatusRolledBack
	StatusCancelled
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReviewing:
		return "reviewing"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusRolledBack:
		return "rolledback"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal reports whether no further transitions are driven by the manager.
// A failed transaction is terminal even though Rollback may later move it to rolledback.
func (s Status) IsTerminal() bool {
	return s >= StatusCompleted
}

// Staging reports whether operations may still be added or removed.
func (s Status) Staging() bool {
	return s == StatusPending || s == StatusReviewing
}

// MutationFunc performs the real side effect of an operation, typically a
// network call. The context is the one handed to Commit.
type MutationFunc func(ctx context.Context) (any, error)

// Operation is one staged create, update or delete.
type Operation[K comparable, T any] struct {
	ID            string
	Type          OperationType
	Trigger       Trigger
	Entity        T
	EntityID      K
	EntityType    string
	OriginalData  *T
	ChangedFields []string
	Label         string
	Timestamp     time.Time

	// Mutation is invoked at most once, at commit time.
	Mutation MutationFunc

	// Compensate optionally undoes a successful Mutation. Only Rollback calls it.
	Compensate MutationFunc
}

func (op *Operation[K, T]) clone() *Operation[K, T] {
	c := *op
	c.ChangedFields = append([]string(nil), op.ChangedFields...)
	return &c
}

// Result is the outcome of one operation during commit or rollback.
type Result[K comparable, T any] struct {
	Success   bool
	Operation *Operation[K, T]
	Value     any
	Err       error
	Duration  time.Duration

	// Skipped is set for operations never attempted because an earlier one
	// failed under all-or-nothing semantics. Err is ErrOperationSkipped.
	Skipped bool

	// Compensated is set once Rollback has undone this operation.
	Compensated bool
}

// Transaction is a batch of staged operations committed or cancelled as a unit.
type Transaction[K comparable, T any] struct {
	ID          string
	Operations  []*Operation[K, T]
	Status      Status
	Results     []Result[K, T]
	Config      Config
	CreatedAt   time.Time
	ExecutedAt  time.Time
	CompletedAt time.Time
}

// Snapshot returns a copy that shares no mutable state with t.
func (t *Transaction[K, T]) Snapshot() *Transaction[K, T] {
	c := *t
	c.Operations = make([]*Operation[K, T], len(t.Operations))
	for i, op := range t.Operations {
		c.Operations[i] = op.clone()
	}
	c.Results = append([]Result[K, T](nil), t.Results...)
	return &c
}

// Failed returns the results that did not succeed and were attempted.
func Failed[K comparable, T any](results []Result[K, T]) []Result[K, T] {
	var out []Result[K, T]
	for _, r := range results {
		if !r.Success && !r.Skipped {
			out = append(out, r)
		}
	}
	return out
}
