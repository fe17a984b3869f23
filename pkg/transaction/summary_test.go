package transaction

import (
	"reflect"
	"testing"
)

func TestSummarize(t *testing.T) {
	ops := []*Operation[int, item]{
		{Type: OpCreate, Trigger: TriggerRowAction, EntityType: "order"},
		{Type: OpUpdate, Trigger: TriggerUserEdit, EntityType: "order"},
		{Type: OpUpdate, Trigger: TriggerBulkAction, EntityType: "customer"},
		{Type: OpDelete, Trigger: TriggerRowAction},
	}

	s := summarize(ops)
	want := Summary{
		Total:       4,
		Creates:     1,
		Updates:     2,
		Deletes:     1,
		UserEdits:   1,
		BulkActions: 1,
		RowActions:  2,
		Entities:    []string{"order", "customer"},
	}
	if !reflect.DeepEqual(s, want) {
		t.Errorf("Expected %+v, got %+v", want, s)
	}
}

func TestSummaryString(t *testing.T) {
	tests := []struct {
		summary Summary
		want    string
	}{
		{Summary{}, "no pending changes"},
		{Summary{Total: 1, Deletes: 1}, "1 delete pending"},
		{Summary{Total: 4, Creates: 1, Updates: 3}, "1 create, 3 updates pending"},
		{Summary{Total: 5, Creates: 2, Updates: 1, Deletes: 2}, "2 creates, 1 update, 2 deletes pending"},
	}

	for _, tt := range tests {
		if got := tt.summary.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}

func TestSummaryAdd(t *testing.T) {
	a := Summary{Total: 1, Creates: 1, Entities: []string{"order"}}
	b := Summary{Total: 2, Updates: 2, Entities: []string{"order", "invoice"}}

	sum := a.Add(b)
	if sum.Total != 3 || sum.Creates != 1 || sum.Updates != 2 {
		t.Errorf("Unexpected sum %+v", sum)
	}
	if !reflect.DeepEqual(sum.Entities, []string{"order", "order", "invoice"}) {
		t.Errorf("Unexpected entities %v", sum.Entities)
	}
	if len(a.Entities) != 1 {
		t.Error("Add must not modify its receiver")
	}
}
