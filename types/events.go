package types

import "encoding/json"

// RowOp is the logical operation a row event represents.
type RowOp string

const (
	RowOpInsert RowOp = "insert"
	RowOpUpdate RowOp = "update"
	RowOpDelete RowOp = "delete"
)

// RowEvent is one reconciled change to a cached table.
//
// For updates Key and OldKey may differ when the wire key is not the
// primary key (for example a row hash).
type RowEvent struct {
	Table    string
	Op       RowOp
	Key      string
	OldKey   string
	OldValue any
	NewValue any
}

// ReducerStatus is the outcome the server reports for a reducer call.
type ReducerStatus string

const (
	ReducerStatusCommitted   ReducerStatus = "committed"
	ReducerStatusFailed      ReducerStatus = "failed"
	ReducerStatusOutOfEnergy ReducerStatus = "out_of_energy"
)

// ReducerEvent describes the reducer call that produced a transaction.
type ReducerEvent struct {
	CallerIdentity Identity
	ReducerName    string
	Status         ReducerStatus
	Message        string

	// Args holds the decoded reducer arguments. It is only set for committed
	// calls whose reducer has a registered decoder.
	Args    any
	RawArgs json.RawMessage
}

func (e *ReducerEvent) Committed() bool {
	return e != nil && e.Status == ReducerStatusCommitted
}

// TransactionEvent is delivered to generic event callbacks after all row
// changes of a transaction have been applied to the cache.
type TransactionEvent struct {
	Reducer *ReducerEvent
	Rows    []RowEvent
}
