package connection

import "fmt"

// State is the lifecycle position of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	// StateConnected means the transport is open but no identity has been
	// assigned yet.
	StateConnected
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// transition moves from one of the given states to next. It reports false
// when the current state is not in from.
func (c *Connection) transition(next State, from ...State) bool {
	for {
		cur := c.State()
		allowed := false
		for _, s := range from {
			if s == cur {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			logTransition(c.connectionID, cur, next)
			return true
		}
	}
}
