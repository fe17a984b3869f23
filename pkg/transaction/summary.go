package transaction

import (
	"fmt"
	"strings"
)

// Summary aggregates staged operations for "3 updates, 1 delete pending" banners.
type Summary struct {
	Total int

	Creates int
	Updates int
	Deletes int

	UserEdits   int
	BulkActions int
	RowActions  int

	// Entities lists the entity-type labels touched. Within one manager each
	// label appears once, in first-staged order.
	Entities []string
}

func summarize[K comparable, T any](ops []*Operation[K, T]) Summary {
	var s Summary
	seen := make(map[string]struct{})

	for _, op := range ops {
		s.Total++

		switch op.Type {
		case OpCreate:
			s.Creates++
		case OpUpdate:
			s.Updates++
		case OpDelete:
			s.Deletes++
		}

		switch op.Trigger {
		case TriggerUserEdit:
			s.UserEdits++
		case TriggerBulkAction:
			s.BulkActions++
		case TriggerRowAction:
			s.RowActions++
		}

		if op.EntityType == "" {
			continue
		}
		if _, ok := seen[op.EntityType]; !ok {
			seen[op.EntityType] = struct{}{}
			s.Entities = append(s.Entities, op.EntityType)
		}
	}

	return s
}

// Add sums two summaries. Entities are concatenated without deduplication,
// since two views may legitimately touch the same entity type.
func (s Summary) Add(o Summary) Summary {
	return Summary{
		Total:       s.Total + o.Total,
		Creates:     s.Creates + o.Creates,
		Updates:     s.Updates + o.Updates,
		Deletes:     s.Deletes + o.Deletes,
		UserEdits:   s.UserEdits + o.UserEdits,
		BulkActions: s.BulkActions + o.BulkActions,
		RowActions:  s.RowActions + o.RowActions,
		Entities:    append(append([]string(nil), s.Entities...), o.Entities...),
	}
}

// IsEmpty reports whether nothing is staged.
func (s Summary) IsEmpty() bool {
	return s.Total == 0
}

// String renders the summary as a short banner, e.g. "1 create, 3 updates pending".
func (s Summary) String() string {
	if s.IsEmpty() {
		return "no pending changes"
	}

	var parts []string
	for _, c := range []struct {
		n    int
		noun string
	}{
		{s.Creates, "create"},
		{s.Updates, "update"},
		{s.Deletes, "delete"},
	} {
		switch {
		case c.n == 1:
			parts = append(parts, "1 "+c.noun)
		case c.n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", c.n, c.noun))
		}
	}

	return strings.Join(parts, ", ") + " pending"
}
