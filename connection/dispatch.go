package connection

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/SMG3zx/spacetimedb-sdk-go/cache"
	"github.com/SMG3zx/spacetimedb-sdk-go/events"
	"github.com/SMG3zx/spacetimedb-sdk-go/internal/protocol"
	"github.com/SMG3zx/spacetimedb-sdk-go/internal/reconcile"
	"github.com/SMG3zx/spacetimedb-sdk-go/subscription"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

func (c *Connection) processMessage(item inbound) error {
	var errs []error
	if c.onMessage != nil {
		if err := events.Invoke("message", func() { c.onMessage(item.raw) }); err != nil {
			errs = append(errs, wrapError(ErrorCallbackFailed, "message", err))
		}
	}

	message := item.message
	glog.V(2).Infof("[connection %s] processing %s", c.connectionID, message.Kind)

	switch message.Kind {
	case protocol.MessageKindIdentityToken:
		errs = append(errs, c.processIdentity(*message.IdentityToken))
	case protocol.MessageKindSubscriptionUpdate, protocol.MessageKindTransactionUpdate:
		if _, ok := c.Identity(); !ok {
			c.fail(NewError(ErrorProtocolDecode, "process_message", fmt.Sprintf("%s received before IdentityToken", message.Kind)))
			break
		}
		errs = append(errs, c.processUpdate(message))
	}
	return errors.Join(errs...)
}

func (c *Connection) processIdentity(payload protocol.IdentityToken) error {
	if _, ok := c.Identity(); ok {
		c.fail(NewError(ErrorProtocolDecode, "process_identity", "IdentityToken received twice"))
		return nil
	}
	identity, err := payload.ParsedIdentity()
	if err != nil {
		c.fail(wrapError(ErrorProtocolDecode, "process_identity", err))
		return nil
	}

	token := payload.Token
	c.token.Store(&token)
	c.identity.Store(&identity)
	c.transition(StateActive, StateConnected)

	var errs []error
	for _, cb := range c.identityCallbacks.Snapshot() {
		if err := events.Invoke("identity", func() { cb(token, identity) }); err != nil {
			errs = append(errs, wrapError(ErrorCallbackFailed, "identity", err))
		}
	}
	return errors.Join(errs...)
}

type tableOps struct {
	name string
	ops  []protocol.RowOperation
}

// groupTableUpdates merges updates for the same table, keeping the order in
// which tables first appear.
func groupTableUpdates(updates []protocol.TableUpdate) []tableOps {
	var out []tableOps
	index := map[string]int{}
	for _, update := range updates {
		i, ok := index[update.TableName]
		if !ok {
			i = len(out)
			index[update.TableName] = i
			out = append(out, tableOps{name: update.TableName})
		}
		out[i].ops = append(out[i].ops, update.TableRowOperations...)
	}
	return out
}

func (c *Connection) processUpdate(message protocol.ServerMessage) error {
	var errs []error

	var reducerEvent *types.ReducerEvent
	if tx := message.TransactionUpdate; tx != nil {
		var err error
		reducerEvent, err = c.reducerEvent(tx.Event)
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Every table is reconciled against the cache as it was before this
	// message; nothing is written until all tables are done.
	var rowEvents []types.RowEvent
	for _, table := range groupTableUpdates(message.TableUpdates()) {
		tableEvents, tableErrs := c.reconcileTable(table)
		rowEvents = append(rowEvents, tableEvents...)
		errs = append(errs, tableErrs...)
	}

	if err := c.store.Apply(reconcile.Mutations(rowEvents)); err != nil {
		errs = append(errs, wrapError(ErrorUnknownTable, "apply", err))
		return errors.Join(errs...)
	}

	var applied subscription.Request
	if message.Kind == protocol.MessageKindSubscriptionUpdate {
		var ok bool
		if applied, ok = c.subscriptions.Applied(); !ok {
			glog.V(1).Infof("[connection %s] subscription update without a pending subscribe", c.connectionID)
		}
	}

	var rowReducer *types.ReducerEvent
	if message.Kind == protocol.MessageKindTransactionUpdate {
		rowReducer = reducerEvent
	}
	for _, ev := range rowEvents {
		for _, cb := range c.rowCallbacks.Snapshot(ev.Table) {
			if err := events.Invoke("row_update", func() { cb(ev.Op, ev.OldValue, ev.NewValue, rowReducer) }); err != nil {
				errs = append(errs, wrapError(ErrorCallbackFailed, "row_update:"+ev.Table, err))
			}
		}
	}

	switch message.Kind {
	case protocol.MessageKindSubscriptionUpdate:
		for _, cb := range c.subscriptionAppliedCallbacks.Snapshot() {
			if err := events.Invoke("subscription_applied", func() { cb() }); err != nil {
				errs = append(errs, wrapError(ErrorCallbackFailed, "subscription_applied", err))
			}
		}
		for _, cb := range c.subscriptionRequestCallbacks.Snapshot() {
			if err := events.Invoke("subscription_applied", func() { cb(applied) }); err != nil {
				errs = append(errs, wrapError(ErrorCallbackFailed, "subscription_applied", err))
			}
		}
	case protocol.MessageKindTransactionUpdate:
		tx := &types.TransactionEvent{Reducer: reducerEvent, Rows: rowEvents}
		for _, cb := range c.transactionCallbacks.Snapshot() {
			if err := events.Invoke("transaction", func() { cb(tx) }); err != nil {
				errs = append(errs, wrapError(ErrorCallbackFailed, "transaction", err))
			}
		}
		for _, cb := range c.reducerCallbacks.Snapshot(reducerEvent.ReducerName) {
			if err := events.Invoke("reducer", func() { cb(reducerEvent) }); err != nil {
				errs = append(errs, wrapError(ErrorCallbackFailed, "reducer:"+reducerEvent.ReducerName, err))
			}
		}
	}

	return errors.Join(errs...)
}

// reconcileTable decodes and reconciles one table. Unknown tables and rows
// that fail to decode are reported and skipped.
func (c *Connection) reconcileTable(table tableOps) ([]types.RowEvent, []error) {
	binding, ok := c.registry.Table(table.name)
	if !ok {
		return nil, []error{wrapError(ErrorUnknownTable, "apply", &cache.LookupError{Name: table.name, Err: cache.ErrUnknownTable})}
	}

	var errs []error
	ops := make([]reconcile.Op, 0, len(table.ops))
	for _, raw := range table.ops {
		switch raw.Op {
		case protocol.RowOpInsert:
			row, err := binding.DecodeRow(raw.Row)
			if err != nil {
				errs = append(errs, wrapError(ErrorProtocolDecode, "decode_row:"+table.name, err))
				continue
			}
			ops = append(ops, reconcile.Op{Kind: reconcile.Insert, Key: raw.RowPK, Row: row})
		case protocol.RowOpDelete:
			ops = append(ops, reconcile.Op{Kind: reconcile.Delete, Key: raw.RowPK})
		}
	}

	input := reconcile.Input{
		Table: table.name,
		Ops:   ops,
		Lookup: func(key string) (any, bool) {
			return c.store.Get(table.name, key)
		},
	}
	if binding.PrimaryKey() != "" {
		input.PrimaryKey = binding.PrimaryKeyValue
	}

	res := reconcile.Table(input)
	for _, issue := range res.Issues {
		var inconsistency reconcile.Inconsistency
		if errors.As(issue, &inconsistency) {
			// Already logged; last-seen wins.
			continue
		}
		errs = append(errs, wrapError(ErrorProtocolDecode, "reconcile:"+table.name, issue))
	}
	return res.Events, errs
}

func (c *Connection) reducerEvent(ev protocol.TransactionEvent) (*types.ReducerEvent, error) {
	out := &types.ReducerEvent{
		ReducerName: ev.FunctionCall.Reducer,
		Status:      types.ReducerStatus(ev.Status),
		Message:     ev.Message,
		RawArgs:     ev.FunctionCall.Args,
	}

	var errs []error
	if ev.CallerIdentity != "" {
		caller, err := types.ParseIdentity(ev.CallerIdentity)
		if err != nil {
			errs = append(errs, wrapError(ErrorProtocolDecode, "caller_identity", err))
		} else {
			out.CallerIdentity = caller
		}
	}

	if out.Committed() {
		args, err := c.registry.DecodeReducerArgs(out.ReducerName, out.RawArgs)
		switch {
		case errors.Is(err, cache.ErrUnknownReducer):
			if len(c.reducerCallbacks.Snapshot(out.ReducerName)) > 0 {
				errs = append(errs, wrapError(ErrorUnknownReducer, "reducer_args", err))
			} else {
				glog.V(1).Infof("[connection %s] no decoder for reducer %q", c.connectionID, out.ReducerName)
			}
		case err != nil:
			errs = append(errs, wrapError(ErrorProtocolDecode, "reducer_args:"+out.ReducerName, err))
		default:
			out.Args = args
		}
	}
	return out, errors.Join(errs...)
}

func (c *Connection) dispatchConnect() error {
	var errs []error
	for _, cb := range c.connectCallbacks.Snapshot() {
		if err := events.Invoke("connect", func() { cb() }); err != nil {
			errs = append(errs, wrapError(ErrorCallbackFailed, "connect", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Connection) dispatchDisconnect(cause error) error {
	var errs []error
	for _, cb := range c.disconnectCallbacks.Snapshot() {
		if err := events.Invoke("disconnect", func() { cb(cause) }); err != nil {
			errs = append(errs, wrapError(ErrorCallbackFailed, "disconnect", err))
		}
	}
	return errors.Join(errs...)
}
