package connection

import (
	"github.com/SMG3zx/spacetimedb-sdk-go/events"
)

// OnIdentity registers a callback for the identity assignment.
func (c *Connection) OnIdentity(cb events.IdentityCallback) events.ID {
	return c.identityCallbacks.Add(cb)
}

// OnConnect registers a callback for the transport opening. The identity is
// not known yet at that point.
func (c *Connection) OnConnect(cb events.ConnectCallback) events.ID {
	return c.connectCallbacks.Add(cb)
}

// OnDisconnect callbacks run once when the connection closes. err is nil
// after a requested close.
func (c *Connection) OnDisconnect(cb events.DisconnectCallback) events.ID {
	return c.disconnectCallbacks.Add(cb)
}

// OnRowUpdate registers a callback for reconciled changes to table. Callbacks
// of one table run in registration order.
func (c *Connection) OnRowUpdate(table string, cb events.RowUpdateCallback) events.ID {
	return c.rowCallbacks.Add(table, cb)
}

func (c *Connection) OnSubscriptionApplied(cb events.SubscriptionAppliedCallback) events.ID {
	return c.subscriptionAppliedCallbacks.Add(cb)
}

// OnSubscriptionRequestApplied is OnSubscriptionApplied with the request the
// update answered. It runs after the OnSubscriptionApplied callbacks.
func (c *Connection) OnSubscriptionRequestApplied(cb events.SubscriptionRequestCallback) events.ID {
	return c.subscriptionRequestCallbacks.Add(cb)
}

// OnTransaction registers a callback for every committed or failed
// transaction, regardless of reducer.
func (c *Connection) OnTransaction(cb events.TransactionCallback) events.ID {
	return c.transactionCallbacks.Add(cb)
}

// OnReducer registers a callback for transactions produced by reducer. It
// runs after the OnTransaction callbacks.
func (c *Connection) OnReducer(reducer string, cb events.ReducerCallback) events.ID {
	return c.reducerCallbacks.Add(reducer, cb)
}

// RemoveCallback unregisters a callback by handle. Removal during dispatch
// takes effect from the next message.
func (c *Connection) RemoveCallback(id events.ID) bool {
	return c.identityCallbacks.Remove(id) ||
		c.connectCallbacks.Remove(id) ||
		c.disconnectCallbacks.Remove(id) ||
		c.subscriptionAppliedCallbacks.Remove(id) ||
		c.subscriptionRequestCallbacks.Remove(id) ||
		c.transactionCallbacks.Remove(id) ||
		c.rowCallbacks.Remove(id) ||
		c.reducerCallbacks.Remove(id)
}
