// Package schema describes generated table and reducer bindings and the wire
// codecs they use.
//
// A bindings set is a static list of Binding values. Entries that implement
// TableBinding are tables; entries that implement ReducerBinding decode the
// arguments of a reducer. The cache registry scans the list once at startup.
package schema

import (
	"encoding/json"
	"fmt"
)

// Binding is one entry of a generated bindings set.
type Binding interface {
	BindingName() string
}

// TableBinding is the capability that marks a binding as a table definition.
type TableBinding interface {
	Binding
	TableName() string
	// PrimaryKey returns the declared primary-key field name, or "" when the
	// table has none.
	PrimaryKey() string
	DecodeRow(raw json.RawMessage) (any, error)
	PrimaryKeyValue(row any) (string, error)
}

// ReducerBinding decodes the arguments of one reducer.
type ReducerBinding interface {
	Binding
	ReducerName() string
	DecodeArgs(raw json.RawMessage) (any, error)
}

// RowReader is the read side of a table cache.
type RowReader interface {
	Get(table, key string) (any, bool)
	Values(table string) []any
}

// DecodeError reports malformed row or argument data.
type DecodeError struct {
	Name  string
	Field int
	Err   error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Field < 0 {
		return fmt.Sprintf("decode %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("decode %s field %d: %v", e.Name, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
