package events

import (
	"github.com/SMG3zx/spacetimedb-sdk-go/subscription"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

type IdentityCallback func(token string, identity types.Identity)
type ConnectCallback func()
type DisconnectCallback func(err error)

// RowUpdateCallback receives one reconciled row change. reducer is nil unless
// the change came from a transaction.
type RowUpdateCallback func(op types.RowOp, oldValue, newValue any, reducer *types.ReducerEvent)

type SubscriptionAppliedCallback func()

// SubscriptionRequestCallback receives the subscribe request a subscription
// update answered. req.ID is zero for an update nobody asked for.
type SubscriptionRequestCallback func(req subscription.Request)
type TransactionCallback func(event *types.TransactionEvent)
type ReducerCallback func(event *types.ReducerEvent)
