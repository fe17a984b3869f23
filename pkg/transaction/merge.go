package transaction

import (
	"reflect"
	"strings"
)

// MergeFunc shallow-merges patch onto base. fields names the fields the patch
// carries; an empty list means "every field set in patch".
type MergeFunc[T any] func(base, patch T, fields []string) T

// ShallowMerge is the default MergeFunc. It handles string-keyed maps,
// structs and pointers to structs, and never modifies base. For structs,
// fields match by Go name or json tag, case-insensitively; without a field
// list every non-zero patch field is copied. Any other type is replaced by patch.
func ShallowMerge[T any](base, patch T, fields []string) T {
	bv := reflect.ValueOf(&base).Elem()
	pv := reflect.ValueOf(&patch).Elem()

	switch bv.Kind() {
	case reflect.Map:
		if bv.Type().Key().Kind() != reflect.String {
			return patch
		}
		out := reflect.MakeMapWithSize(bv.Type(), bv.Len()+pv.Len())
		iter := bv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		if len(fields) == 0 {
			iter = pv.MapRange()
			for iter.Next() {
				out.SetMapIndex(iter.Key(), iter.Value())
			}
		} else {
			for _, f := range fields {
				key := reflect.ValueOf(f).Convert(bv.Type().Key())
				if v := pv.MapIndex(key); v.IsValid() {
					out.SetMapIndex(key, v)
				}
			}
		}
		return out.Interface().(T)

	case reflect.Struct:
		out := reflect.New(bv.Type()).Elem()
		out.Set(bv)
		mergeStruct(out, pv, fields)
		return out.Interface().(T)

	case reflect.Ptr:
		if bv.Type().Elem().Kind() != reflect.Struct || bv.IsNil() {
			return patch
		}
		if pv.IsNil() {
			return base
		}
		out := reflect.New(bv.Type().Elem())
		out.Elem().Set(bv.Elem())
		mergeStruct(out.Elem(), pv.Elem(), fields)
		return out.Interface().(T)

	default:
		return patch
	}
}

func mergeStruct(dst, patch reflect.Value, fields []string) {
	t := dst.Type()

	if len(fields) == 0 {
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if pf := patch.Field(i); !pf.IsZero() {
				dst.Field(i).Set(pf)
			}
		}
		return
	}

	for _, name := range fields {
		if i, ok := structFieldIndex(t, name); ok {
			dst.Field(i).Set(patch.Field(i))
		}
	}
}

func structFieldIndex(t reflect.Type, name string) (int, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if strings.EqualFold(f.Name, name) {
			return i, true
		}
		if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag != "" && strings.EqualFold(tag, name) {
			return i, true
		}
	}
	return 0, false
}
