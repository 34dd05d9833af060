package connection

import (
	"github.com/SMG3zx/spacetimedb-sdk-go/internal/protocol"
	"github.com/SMG3zx/spacetimedb-sdk-go/subscription"
)

// Subscribe replaces the subscribed query set. The initial rows arrive as a
// subscription update; see OnSubscriptionApplied.
func (c *Connection) Subscribe(queryStrings []string) error {
	_, err := c.SubscribeRequest(queryStrings, nil)
	return err
}

// SubscribeRequest is Subscribe for callers that wait for their own answer.
// tracked, when set, runs after the request is recorded and before it is
// written, so it always runs before the matching subscription update.
func (c *Connection) SubscribeRequest(queryStrings []string, tracked func(subscription.Request)) (subscription.Request, error) {
	if err := subscription.ValidateQueries(queryStrings); err != nil {
		return subscription.Request{}, wrapError(ErrorInvalidArgument, "subscribe", err)
	}

	req := c.subscriptions.Sent(queryStrings)
	if tracked != nil {
		tracked(req)
	}
	if err := c.sendClientMessage("subscribe", protocol.NewSubscribe(queryStrings)); err != nil {
		c.subscriptions.Forget(req.ID)
		return subscription.Request{}, err
	}
	return req, nil
}

// Subscriptions returns the query set the server last applied.
func (c *Connection) Subscriptions() []string {
	return c.subscriptions.Active()
}

// PendingSubscriptions returns the number of subscribe requests the server
// has not answered yet.
func (c *Connection) PendingSubscriptions() int {
	return c.subscriptions.Pending()
}
