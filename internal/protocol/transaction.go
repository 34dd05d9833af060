package protocol

import "encoding/json"

type RowOpKind string

const (
	RowOpInsert RowOpKind = "insert"
	RowOpDelete RowOpKind = "delete"
)

// RowOperation is one raw insert or delete within a table update. RowPK is
// the wire-level row key and Row the encoded field sequence (inserts only).
type RowOperation struct {
	Op    RowOpKind       `json:"op"`
	RowPK string          `json:"row_pk"`
	Row   json.RawMessage `json:"row,omitempty"`
}

type TableUpdate struct {
	TableName          string         `json:"table_name"`
	TableRowOperations []RowOperation `json:"table_row_operations"`
}

type SubscriptionUpdate struct {
	TableUpdates []TableUpdate `json:"table_updates"`
}

type FunctionCall struct {
	Reducer string `json:"reducer"`
	// Args is normalized to a JSON array by the decoder.
	Args json.RawMessage `json:"args"`
}

type TransactionEvent struct {
	CallerIdentity string       `json:"caller_identity"`
	Status         string       `json:"status"`
	Message        string       `json:"message"`
	FunctionCall   FunctionCall `json:"function_call"`
}

type TransactionUpdate struct {
	Event              TransactionEvent   `json:"event"`
	SubscriptionUpdate SubscriptionUpdate `json:"subscription_update"`
}

type IdentityToken struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}
