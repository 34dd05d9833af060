package transporttest

import (
	"encoding/json"
	"fmt"
)

// Op is one row operation in a test frame.
type Op struct {
	Op    string `json:"op"`
	RowPK string `json:"row_pk"`
	Row   any    `json:"row,omitempty"`
}

func Insert(key string, row ...any) Op {
	return Op{Op: "insert", RowPK: key, Row: row}
}

func Delete(key string) Op {
	return Op{Op: "delete", RowPK: key}
}

// TableUpdate groups the ops of one table.
type TableUpdate struct {
	TableName          string `json:"table_name"`
	TableRowOperations []Op   `json:"table_row_operations"`
}

func Table(name string, ops ...Op) TableUpdate {
	if ops == nil {
		ops = []Op{}
	}
	return TableUpdate{TableName: name, TableRowOperations: ops}
}

func IdentityFrame(identityHex, token string) []byte {
	return mustMarshal(map[string]any{
		"IdentityToken": map[string]string{"identity": identityHex, "token": token},
	})
}

func SubscriptionFrame(tables ...TableUpdate) []byte {
	return mustMarshal(map[string]any{
		"SubscriptionUpdate": map[string]any{"table_updates": nonNil(tables)},
	})
}

// Reducer describes the event half of a transaction frame.
type Reducer struct {
	Caller  string
	Name    string
	Status  string
	Message string
	Args    []any
}

func TransactionFrame(reducer Reducer, tables ...TableUpdate) []byte {
	args := reducer.Args
	if args == nil {
		args = []any{}
	}
	// The server sends reducer args as a JSON string holding the array.
	encodedArgs := string(mustMarshal(args))
	status := reducer.Status
	if status == "" {
		status = "committed"
	}
	return mustMarshal(map[string]any{
		"TransactionUpdate": map[string]any{
			"event": map[string]any{
				"caller_identity": reducer.Caller,
				"status":          status,
				"message":         reducer.Message,
				"function_call": map[string]any{
					"reducer": reducer.Name,
					"args":    encodedArgs,
				},
			},
			"subscription_update": map[string]any{"table_updates": nonNil(tables)},
		},
	})
}

func nonNil(tables []TableUpdate) []TableUpdate {
	if tables == nil {
		return []TableUpdate{}
	}
	return tables
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("transporttest: marshal frame: %v", err))
	}
	return b
}
