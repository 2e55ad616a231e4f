package engine

import (
	"reflect"
	"sync"
)

// WireNamer lets a message type declare its own wire-type name. Types that
// do not implement it go on the wire under their short type name.
type WireNamer interface {
	WireTypeName() string
}

var wireNamerType = reflect.TypeOf((*WireNamer)(nil)).Elem()

// typeResolver memoizes the application-type to wire-type-name mapping.
// Entries are add-only; once a type resolves to a name it never remaps.
type typeResolver struct {
	names sync.Map // reflect.Type -> string
}

func newTypeResolver() *typeResolver {
	return &typeResolver{}
}

// resolve returns the wire-type name for t. Concurrent first lookups may
// both compute the name; computing is pure, so the race is harmless and
// LoadOrStore keeps the mapping monotone.
func (r *typeResolver) resolve(t reflect.Type) string {
	if name, ok := r.names.Load(t); ok {
		return name.(string)
	}
	name, _ := r.names.LoadOrStore(t, wireTypeName(t))
	return name.(string)
}

// resolveValue resolves the dynamic type of v.
func (r *typeResolver) resolveValue(v any) string {
	return r.resolve(reflect.TypeOf(v))
}

func wireTypeName(t reflect.Type) string {
	if t.Implements(wireNamerType) {
		return reflect.New(t).Elem().Interface().(WireNamer).WireTypeName()
	}
	if t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(wireNamerType) {
		return reflect.New(t).Interface().(WireNamer).WireTypeName()
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
