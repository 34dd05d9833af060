package connection

import (
	"github.com/golang/glog"

	"github.com/SMG3zx/spacetimedb-sdk-go/internal/protocol"
	"github.com/SMG3zx/spacetimedb-sdk-go/schema"
)

// CallReducer sends a reducer call. The outcome arrives later as a
// transaction; see OnReducer.
func (c *Connection) CallReducer(reducer string, args ...any) error {
	if reducer == "" {
		return newInvalidArgument("call_reducer", "reducer name is required")
	}
	return c.sendClientMessage("call_reducer", protocol.NewCall(reducer, args))
}

// Call sends a typed reducer call using the reducer's generated encoder.
func Call[A any](c *Connection, reducer *schema.Reducer[A], args A) error {
	if reducer == nil {
		return newInvalidArgument("call_reducer", "reducer is required")
	}
	return c.CallReducer(reducer.Name, reducer.EncodeArgs(args)...)
}

func (c *Connection) sendClientMessage(op string, message protocol.ClientMessage) error {
	switch c.State() {
	case StateConnected, StateActive:
	case StateClosing, StateClosed:
		return c.closedError(op)
	default:
		return NewError(ErrorConnectionClosed, op, "connection is not open")
	}
	t := c.currentTransport()
	if t == nil {
		return NewError(ErrorConnectionClosed, op, "connection is not open")
	}

	encoded, err := c.messageEncoder(message)
	if err != nil {
		return wrapError(ErrorEncodeFailed, op, err)
	}
	if err := t.Send(encoded); err != nil {
		if isCoded(err) {
			return err
		}
		return wrapError(ErrorSendFailed, op, err)
	}
	glog.V(2).Infof("[connection %s] sent %s (%d bytes)", c.connectionID, message.Kind(), len(encoded))
	return nil
}
