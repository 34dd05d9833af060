// Package reconcile turns the raw inserts and deletes of one message into
// logical row events.
//
// A row that changed in place arrives as a delete of its old representation
// and an insert of its new one. For tables with a primary key those two
// operations are merged into a single update. Old values always come from the
// cache as it was before the message, so callers must reconcile every table of
// a message before applying any mutation.
package reconcile

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/SMG3zx/spacetimedb-sdk-go/cache"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

type OpKind int

const (
	Insert OpKind = iota + 1
	Delete
)

func (k OpKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Op is one raw row operation. Row is the decoded row for inserts.
type Op struct {
	Kind OpKind
	Key  string
	Row  any
}

// Input is the per-table reconciliation request.
type Input struct {
	Table string
	Ops   []Op
	// PrimaryKey extracts the primary-key value of a row. Nil when the table
	// declares no primary key.
	PrimaryKey func(row any) (string, error)
	// Lookup reads the cache state from before the message.
	Lookup func(key string) (any, bool)
}

// Inconsistency reports two operations of the same kind for one primary key.
// The last one seen is kept.
type Inconsistency struct {
	Table      string
	PrimaryKey string
	Kind       OpKind
	Kept       string
	Dropped    string
}

func (i Inconsistency) Error() string {
	return fmt.Sprintf("duplicate %s for primary key %s:%s (kept row key %q, dropped %q)", i.Kind, i.Table, i.PrimaryKey, i.Kept, i.Dropped)
}

// Result is the outcome of reconciling one table.
type Result struct {
	Events []types.RowEvent
	// Issues holds same-kind duplicates and rows whose primary key could not
	// be read. Neither stops reconciliation.
	Issues []error
}

type pending struct {
	insert *Op
	delete *Op
	old    any
}

// Table reconciles the operations of one table.
func Table(in Input) Result {
	var res Result
	if in.PrimaryKey == nil {
		for _, op := range in.Ops {
			if ev, ok := pureEvent(in, op); ok {
				res.Events = append(res.Events, ev)
			}
		}
		return res
	}

	order := make([]string, 0, len(in.Ops))
	byPK := make(map[string]*pending, len(in.Ops))

	for i := range in.Ops {
		op := in.Ops[i]

		var (
			pkRow any
			old   any
		)
		switch op.Kind {
		case Insert:
			pkRow = op.Row
		case Delete:
			value, ok := lookup(in, op.Key)
			if !ok {
				glog.V(1).Infof("[reconcile] %s: delete of absent key %q ignored", in.Table, op.Key)
				continue
			}
			old = value
			pkRow = value
		default:
			res.Issues = append(res.Issues, fmt.Errorf("%s: unknown op kind %v for key %q", in.Table, op.Kind, op.Key))
			continue
		}

		pk, err := in.PrimaryKey(pkRow)
		if err != nil {
			res.Issues = append(res.Issues, fmt.Errorf("%s: primary key of row %q: %w", in.Table, op.Key, err))
			continue
		}

		entry, seen := byPK[pk]
		if !seen {
			entry = &pending{}
			byPK[pk] = entry
			order = append(order, pk)
		}

		switch op.Kind {
		case Insert:
			if entry.insert != nil {
				issue := Inconsistency{Table: in.Table, PrimaryKey: pk, Kind: Insert, Kept: op.Key, Dropped: entry.insert.Key}
				glog.Warningf("[reconcile] %v", issue)
				res.Issues = append(res.Issues, issue)
			}
			entry.insert = &op
		case Delete:
			if entry.delete != nil {
				issue := Inconsistency{Table: in.Table, PrimaryKey: pk, Kind: Delete, Kept: op.Key, Dropped: entry.delete.Key}
				glog.Warningf("[reconcile] %v", issue)
				res.Issues = append(res.Issues, issue)
			}
			entry.delete = &op
			entry.old = old
		}
	}

	for _, pk := range order {
		entry := byPK[pk]
		switch {
		case entry.insert != nil && entry.delete != nil:
			res.Events = append(res.Events, types.RowEvent{
				Table:    in.Table,
				Op:       types.RowOpUpdate,
				Key:      entry.insert.Key,
				OldKey:   entry.delete.Key,
				OldValue: entry.old,
				NewValue: entry.insert.Row,
			})
		case entry.insert != nil:
			ev, _ := pureEvent(in, *entry.insert)
			res.Events = append(res.Events, ev)
		case entry.delete != nil:
			res.Events = append(res.Events, types.RowEvent{
				Table:    in.Table,
				Op:       types.RowOpDelete,
				Key:      entry.delete.Key,
				OldKey:   entry.delete.Key,
				OldValue: entry.old,
			})
		}
	}
	return res
}

func pureEvent(in Input, op Op) (types.RowEvent, bool) {
	switch op.Kind {
	case Insert:
		old, _ := lookup(in, op.Key)
		return types.RowEvent{
			Table:    in.Table,
			Op:       types.RowOpInsert,
			Key:      op.Key,
			OldValue: old,
			NewValue: op.Row,
		}, true
	case Delete:
		old, ok := lookup(in, op.Key)
		if !ok {
			glog.V(1).Infof("[reconcile] %s: delete of absent key %q ignored", in.Table, op.Key)
			return types.RowEvent{}, false
		}
		return types.RowEvent{
			Table:    in.Table,
			Op:       types.RowOpDelete,
			Key:      op.Key,
			OldKey:   op.Key,
			OldValue: old,
		}, true
	default:
		return types.RowEvent{}, false
	}
}

func lookup(in Input, key string) (any, bool) {
	if in.Lookup == nil {
		return nil, false
	}
	return in.Lookup(key)
}

// Mutations converts reconciled events into one cache batch. Every removal
// runs before any write so an update never deletes a key another event of
// the same message just wrote.
func Mutations(events []types.RowEvent) []cache.Mutation {
	var deletes, sets []cache.Mutation
	for _, ev := range events {
		switch ev.Op {
		case types.RowOpInsert:
			sets = append(sets, cache.Mutation{Kind: cache.MutationSet, Table: ev.Table, Key: ev.Key, Row: ev.NewValue})
		case types.RowOpUpdate:
			if ev.OldKey != ev.Key {
				deletes = append(deletes, cache.Mutation{Kind: cache.MutationDelete, Table: ev.Table, Key: ev.OldKey})
			}
			sets = append(sets, cache.Mutation{Kind: cache.MutationSet, Table: ev.Table, Key: ev.Key, Row: ev.NewValue})
		case types.RowOpDelete:
			deletes = append(deletes, cache.Mutation{Kind: cache.MutationDelete, Table: ev.Table, Key: ev.Key})
		}
	}
	return append(deletes, sets...)
}
