package transaction

import (
	"reflect"
	"testing"
)

type customer struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email_address"`
	Tier  int    `json:"tier"`
	notes string
}

func TestShallowMergeStruct(t *testing.T) {
	base := customer{ID: 1, Name: "Ada", Email: "ada@example.com", Tier: 2, notes: "vip"}

	t.Run("named fields", func(t *testing.T) {
		got := ShallowMerge(base, customer{Name: "Grace", Tier: 0}, []string{"name", "Tier"})
		want := customer{ID: 1, Name: "Grace", Email: "ada@example.com", Tier: 0, notes: "vip"}
		if got != want {
			t.Errorf("Expected %+v, got %+v", want, got)
		}
	})

	t.Run("json tag", func(t *testing.T) {
		got := ShallowMerge(base, customer{Email: "g@example.com"}, []string{"email_address"})
		if got.Email != "g@example.com" || got.Name != "Ada" {
			t.Errorf("Unexpected merge %+v", got)
		}
	})

	t.Run("non-zero fields", func(t *testing.T) {
		got := ShallowMerge(base, customer{Tier: 3}, nil)
		if got.Tier != 3 || got.Name != "Ada" || got.ID != 1 {
			t.Errorf("Unexpected merge %+v", got)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		if got := ShallowMerge(base, customer{Name: "x"}, []string{"missing"}); got != base {
			t.Errorf("Unknown fields must be ignored, got %+v", got)
		}
	})
}

func TestShallowMergePointer(t *testing.T) {
	base := &customer{ID: 1, Name: "Ada"}
	got := ShallowMerge(base, &customer{Name: "Grace"}, []string{"Name"})

	if got == base {
		t.Fatal("Expected a new value, not the base pointer")
	}
	if base.Name != "Ada" {
		t.Error("Base must not be modified")
	}
	if got.Name != "Grace" || got.ID != 1 {
		t.Errorf("Unexpected merge %+v", got)
	}

	if ShallowMerge[*customer](nil, got, nil) != got {
		t.Error("A nil base is replaced by the patch")
	}
	if ShallowMerge(base, (*customer)(nil), nil) != base {
		t.Error("A nil patch keeps the base")
	}
}

func TestShallowMergeMap(t *testing.T) {
	base := map[string]any{"id": 1, "name": "Ada", "tier": 2}
	patch := map[string]any{"name": "Grace", "tier": 5}

	got := ShallowMerge(base, patch, []string{"name"})
	want := map[string]any{"id": 1, "name": "Grace", "tier": 2}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if base["name"] != "Ada" {
		t.Error("Base map must not be modified")
	}

	all := ShallowMerge(base, patch, nil)
	if all["tier"] != 5 || all["name"] != "Grace" {
		t.Errorf("Without fields every patch key applies, got %v", all)
	}
}

func TestShallowMergeScalar(t *testing.T) {
	if got := ShallowMerge(1, 2, nil); got != 2 {
		t.Errorf("Scalars are replaced, got %d", got)
	}
}
