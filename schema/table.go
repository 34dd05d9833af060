package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Table is a generated table definition for rows of type T.
type Table[T any] struct {
	Name            string
	PrimaryKeyField string

	Decode func(fields []json.RawMessage) (T, error)
	Encode func(row T) []any
	// Key returns the string form of the primary-key field. Nil when the
	// table declares no primary key.
	Key func(row T) string
}

func (t *Table[T]) BindingName() string { return t.Name }
func (t *Table[T]) TableName() string   { return t.Name }

func (t *Table[T]) PrimaryKey() string {
	if t.Key == nil {
		return ""
	}
	return t.PrimaryKeyField
}

func (t *Table[T]) DecodeRow(raw json.RawMessage) (any, error) {
	return t.DecodeTyped(raw)
}

// DecodeTyped decodes one wire row.
func (t *Table[T]) DecodeTyped(raw json.RawMessage) (T, error) {
	var zero T
	if t.Decode == nil {
		return zero, &DecodeError{Name: t.Name, Field: -1, Err: errors.New("table has no decoder")}
	}
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return zero, &DecodeError{Name: t.Name, Field: -1, Err: err}
	}
	row, err := t.Decode(fields)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			if decodeErr.Name == "" {
				decodeErr.Name = t.Name
			}
			return zero, decodeErr
		}
		return zero, &DecodeError{Name: t.Name, Field: -1, Err: err}
	}
	return row, nil
}

// EncodeRow produces the wire field sequence for row.
func (t *Table[T]) EncodeRow(row T) ([]byte, error) {
	if t.Encode == nil {
		return nil, fmt.Errorf("table %s has no encoder", t.Name)
	}
	return json.Marshal(t.Encode(row))
}

func (t *Table[T]) PrimaryKeyValue(row any) (string, error) {
	if t.Key == nil {
		return "", fmt.Errorf("table %s has no primary key", t.Name)
	}
	typed, ok := row.(T)
	if !ok {
		return "", fmt.Errorf("table %s: unexpected row type %T", t.Name, row)
	}
	return t.Key(typed), nil
}

// Iter returns every cached row of the table.
func (t *Table[T]) Iter(r RowReader) []T {
	values := r.Values(t.Name)
	out := make([]T, 0, len(values))
	for _, v := range values {
		if typed, ok := v.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// Find returns the row cached under the given wire key.
func (t *Table[T]) Find(r RowReader, key string) (T, bool) {
	var zero T
	v, ok := r.Get(t.Name, key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

func (t *Table[T]) Filter(r RowReader, keep func(T) bool) []T {
	var out []T
	for _, row := range t.Iter(r) {
		if keep(row) {
			out = append(out, row)
		}
	}
	return out
}

// FindByPrimaryKey scans the cache for the row whose primary key equals pk.
func (t *Table[T]) FindByPrimaryKey(r RowReader, pk string) (T, bool) {
	var zero T
	if t.Key == nil {
		return zero, false
	}
	for _, row := range t.Iter(r) {
		if t.Key(row) == pk {
			return row, true
		}
	}
	return zero, false
}

// Reducer is a generated reducer definition with arguments of type A.
type Reducer[A any] struct {
	Name   string
	Decode func(args []json.RawMessage) (A, error)
	Encode func(args A) []any
}

func (r *Reducer[A]) BindingName() string { return r.Name + "_reducer" }
func (r *Reducer[A]) ReducerName() string { return r.Name }

func (r *Reducer[A]) DecodeArgs(raw json.RawMessage) (any, error) {
	if r.Decode == nil {
		return nil, &DecodeError{Name: r.Name, Field: -1, Err: errors.New("reducer has no decoder")}
	}
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Name: r.Name, Field: -1, Err: err}
	}
	args, err := r.Decode(fields)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			if decodeErr.Name == "" {
				decodeErr.Name = r.Name
			}
			return nil, decodeErr
		}
		return nil, &DecodeError{Name: r.Name, Field: -1, Err: err}
	}
	return args, nil
}

// EncodeArgs returns the positional argument list sent in a call message.
func (r *Reducer[A]) EncodeArgs(args A) []any {
	if r.Encode == nil {
		return nil
	}
	return r.Encode(args)
}
