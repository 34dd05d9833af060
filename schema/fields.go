package schema

import (
	"encoding/json"
	"fmt"

	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

// Sum-type tags used for optional values: {"0": value} is some, {"1": []} is none.
const (
	optionSomeTag = "0"
	optionNoneTag = "1"
)

// RequireFields checks that a wire row carries at least n fields.
func RequireFields(fields []json.RawMessage, n int) error {
	if len(fields) < n {
		return &DecodeError{Field: -1, Err: fmt.Errorf("want %d fields, got %d", n, len(fields))}
	}
	return nil
}

// DecodeField unmarshals field i of a wire row.
func DecodeField[T any](fields []json.RawMessage, i int) (T, error) {
	var out T
	if i < 0 || i >= len(fields) {
		return out, &DecodeError{Field: i, Err: fmt.Errorf("missing field (row has %d)", len(fields))}
	}
	if err := json.Unmarshal(fields[i], &out); err != nil {
		return out, &DecodeError{Field: i, Err: err}
	}
	return out, nil
}

// DecodeIdentity accepts either a bare hex string or the product form ["hex"].
func DecodeIdentity(fields []json.RawMessage, i int) (types.Identity, error) {
	if i < 0 || i >= len(fields) {
		return types.Identity{}, &DecodeError{Field: i, Err: fmt.Errorf("missing field (row has %d)", len(fields))}
	}
	var hexString string
	if err := json.Unmarshal(fields[i], &hexString); err != nil {
		var product []string
		if err := json.Unmarshal(fields[i], &product); err != nil || len(product) != 1 {
			return types.Identity{}, &DecodeError{Field: i, Err: fmt.Errorf("identity: unexpected shape %s", fields[i])}
		}
		hexString = product[0]
	}
	id, err := types.ParseIdentity(hexString)
	if err != nil {
		return types.Identity{}, &DecodeError{Field: i, Err: err}
	}
	return id, nil
}

// DecodeOption decodes an optional value. JSON null is treated as none.
func DecodeOption[T any](fields []json.RawMessage, i int) (*T, error) {
	if i < 0 || i >= len(fields) {
		return nil, &DecodeError{Field: i, Err: fmt.Errorf("missing field (row has %d)", len(fields))}
	}
	if string(fields[i]) == "null" {
		return nil, nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(fields[i], &tagged); err != nil {
		return nil, &DecodeError{Field: i, Err: fmt.Errorf("option: %w", err)}
	}
	if raw, ok := tagged[optionSomeTag]; ok {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &DecodeError{Field: i, Err: fmt.Errorf("option value: %w", err)}
		}
		return &v, nil
	}
	if _, ok := tagged[optionNoneTag]; ok {
		return nil, nil
	}
	return nil, &DecodeError{Field: i, Err: fmt.Errorf("option: unknown tag in %s", fields[i])}
}

func EncodeIdentity(id types.Identity) any {
	return []string{id.String()}
}

func EncodeOption[T any](v *T) any {
	if v == nil {
		return map[string]any{optionNoneTag: []any{}}
	}
	return map[string]any{optionSomeTag: *v}
}
