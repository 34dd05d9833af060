package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/SMG3zx/spacetimedb-sdk-go/schema"
)

var (
	ErrUnknownTable   = errors.New("unknown table")
	ErrUnknownReducer = errors.New("unknown reducer")
)

// LookupError reports a registry miss for a table or reducer name.
type LookupError struct {
	Name string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Name)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Registry maps table names to table bindings and reducer names to argument
// decoders. It is built once from a bindings set and never mutated.
type Registry struct {
	tables   map[string]schema.TableBinding
	reducers map[string]schema.ReducerBinding
}

func NewRegistry(bindings ...schema.Binding) (*Registry, error) {
	r := &Registry{
		tables:   map[string]schema.TableBinding{},
		reducers: map[string]schema.ReducerBinding{},
	}
	for i, b := range bindings {
		if isNil(b) {
			return nil, fmt.Errorf("binding %d is nil", i)
		}
		switch entry := b.(type) {
		case schema.TableBinding:
			name := entry.TableName()
			if name == "" {
				return nil, fmt.Errorf("binding %q: empty table name", entry.BindingName())
			}
			if _, dup := r.tables[name]; dup {
				return nil, fmt.Errorf("duplicate table binding %q", name)
			}
			r.tables[name] = entry
		case schema.ReducerBinding:
			name := entry.ReducerName()
			if name == "" {
				return nil, fmt.Errorf("binding %q: empty reducer name", entry.BindingName())
			}
			if _, dup := r.reducers[name]; dup {
				return nil, fmt.Errorf("duplicate reducer binding %q", name)
			}
			r.reducers[name] = entry
		default:
			return nil, fmt.Errorf("binding %q is neither a table nor a reducer", b.BindingName())
		}
	}
	return r, nil
}

// isNil also catches typed nil pointers, whose methods would dereference nil.
func isNil(b schema.Binding) bool {
	if b == nil {
		return true
	}
	v := reflect.ValueOf(b)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// MustNewRegistry is NewRegistry for static bindings sets.
func MustNewRegistry(bindings ...schema.Binding) *Registry {
	r, err := NewRegistry(bindings...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Table(name string) (schema.TableBinding, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tables[name]
	return t, ok
}

func (r *Registry) Reducer(name string) (schema.ReducerBinding, bool) {
	if r == nil {
		return nil, false
	}
	red, ok := r.reducers[name]
	return red, ok
}

func (r *Registry) HasTable(name string) bool {
	_, ok := r.Table(name)
	return ok
}

// TableNames returns registered table names in sorted order.
func (r *Registry) TableNames() []string {
	if r == nil {
		return nil
	}
	names := maps.Keys(r.tables)
	slices.Sort(names)
	return names
}

// ReducerNames returns registered reducer names in sorted order.
func (r *Registry) ReducerNames() []string {
	if r == nil {
		return nil
	}
	names := maps.Keys(r.reducers)
	slices.Sort(names)
	return names
}

// Decode decodes a wire row for table. Malformed data is returned as a
// *schema.DecodeError.
func (r *Registry) Decode(table string, raw json.RawMessage) (any, error) {
	t, ok := r.Table(table)
	if !ok {
		return nil, &LookupError{Name: table, Err: ErrUnknownTable}
	}
	return t.DecodeRow(raw)
}

func (r *Registry) DecodeReducerArgs(reducer string, raw json.RawMessage) (any, error) {
	red, ok := r.Reducer(reducer)
	if !ok {
		return nil, &LookupError{Name: reducer, Err: ErrUnknownReducer}
	}
	return red.DecodeArgs(raw)
}
