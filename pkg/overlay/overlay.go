// Package overlay projects staged operations onto a data set for display.
//
// A projection is a pure function of the base rows and the operations: base
// data is never modified and nothing is cached. Renderers that want to avoid
// recomputing should key any cache on the manager's PendingStatesVersion.
package overlay

import (
	"fmt"

	"github.com/KevoDB/dataview/pkg/transaction"
)

// State is the pending-change marker of a row.
type State int

const (
	StateNone State = iota
	StateAdded
	StateEdited
	StateDeleted
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateAdded:
		return "added"
	case StateEdited:
		return "edited"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Row is one projected row.
type Row[K comparable, T any] struct {
	Key           K
	Item          T
	State         State
	ChangedFields []string
}

// Projector folds operations onto base rows.
type Projector[K comparable, T any] struct {
	// Key extracts the primary key of a base row.
	Key func(T) K

	// Merge applies an update payload. Nil means transaction.ShallowMerge.
	Merge transaction.MergeFunc[T]

	// KeepDeleted keeps deleted rows in the projection, marked StateDeleted,
	// instead of dropping them.
	KeepDeleted bool
}

// NewProjector returns a projector keyed by key.
func NewProjector[K comparable, T any](key func(T) K) Projector[K, T] {
	return Projector[K, T]{Key: key}
}

type patch[T any] struct {
	entity T
	fields []string
}

// pending is the folded state of every operation on one key.
type pending[T any] struct {
	state State
	// item is the payload of an added row
	item T
	// patches are the updates to apply, in order, on top of the base row
	patches []patch[T]
	changed []string
}

func (p *pending[T]) touch(fields []string) {
	for _, f := range fields {
		dup := false
		for _, c := range p.changed {
			if c == f {
				dup = true
				break
			}
		}
		if !dup {
			p.changed = append(p.changed, f)
		}
	}
}

// fold walks ops in order and returns the per-key result plus the keys in
// first-staged order. The last operation on a key decides its state:
//
//   - create marks the key added with the create's payload
//   - update after a pending create stays added, with the update merged in
//   - update otherwise marks the key edited; after a delete the earlier
//     patches are dropped and the row reappears edited
//   - delete marks the key deleted
func (p Projector[K, T]) fold(ops []transaction.Operation[K, T]) (map[K]*pending[T], []K) {
	merge := p.merge()
	byKey := make(map[K]*pending[T])
	var order []K

	for _, op := range ops {
		e, ok := byKey[op.EntityID]
		if !ok {
			e = &pending[T]{}
			byKey[op.EntityID] = e
			order = append(order, op.EntityID)
		}

		switch op.Type {
		case transaction.OpCreate:
			*e = pending[T]{state: StateAdded, item: op.Entity}
			e.touch(op.ChangedFields)
		case transaction.OpUpdate:
			switch e.state {
			case StateAdded:
				e.item = merge(e.item, op.Entity, op.ChangedFields)
			case StateDeleted:
				*e = pending[T]{state: StateEdited}
				fallthrough
			default:
				e.state = StateEdited
				e.patches = append(e.patches, patch[T]{entity: op.Entity, fields: op.ChangedFields})
			}
			e.touch(op.ChangedFields)
		case transaction.OpDelete:
			*e = pending[T]{state: StateDeleted}
		}
	}

	return byKey, order
}

func (p Projector[K, T]) merge() transaction.MergeFunc[T] {
	if p.Merge != nil {
		return p.Merge
	}
	return transaction.ShallowMerge[T]
}

// States returns the marker of every key touched by ops.
func (p Projector[K, T]) States(ops []transaction.Operation[K, T]) map[K]State {
	byKey, _ := p.fold(ops)
	out := make(map[K]State, len(byKey))
	for k, e := range byKey {
		out[k] = e.state
	}
	return out
}

// Project returns what a grid should show: base rows in their order with
// edits merged and deletes removed (or marked, with KeepDeleted), followed
// by added rows that are not in base, in the order they were first staged.
// An added key already present in base is shown once, in place, with the
// staged payload. Updates to keys that are neither in base nor added are
// ignored.
func (p Projector[K, T]) Project(base []T, ops []transaction.Operation[K, T]) []Row[K, T] {
	byKey, order := p.fold(ops)
	merge := p.merge()

	rows := make([]Row[K, T], 0, len(base)+len(order))
	inBase := make(map[K]struct{}, len(base))

	for _, item := range base {
		key := p.Key(item)
		inBase[key] = struct{}{}

		e, ok := byKey[key]
		if !ok {
			rows = append(rows, Row[K, T]{Key: key, Item: item})
			continue
		}

		switch e.state {
		case StateAdded:
			rows = append(rows, Row[K, T]{Key: key, Item: e.item, State: StateAdded, ChangedFields: e.changed})
		case StateEdited:
			merged := item
			for _, pt := range e.patches {
				merged = merge(merged, pt.entity, pt.fields)
			}
			rows = append(rows, Row[K, T]{Key: key, Item: merged, State: StateEdited, ChangedFields: e.changed})
		case StateDeleted:
			if p.KeepDeleted {
				rows = append(rows, Row[K, T]{Key: key, Item: item, State: StateDeleted})
			}
		default:
			rows = append(rows, Row[K, T]{Key: key, Item: item})
		}
	}

	for _, key := range order {
		if _, ok := inBase[key]; ok {
			continue
		}
		if e := byKey[key]; e.state == StateAdded {
			rows = append(rows, Row[K, T]{Key: key, Item: e.item, State: StateAdded, ChangedFields: e.changed})
		}
	}

	return rows
}

// Items is Project without the markers. Deleted rows are always dropped.
func (p Projector[K, T]) Items(base []T, ops []transaction.Operation[K, T]) []T {
	rows := p.Project(base, ops)
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		if r.State != StateDeleted {
			out = append(out, r.Item)
		}
	}
	return out
}
