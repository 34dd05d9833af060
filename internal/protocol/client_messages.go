package protocol

import (
	"encoding/json"
	"fmt"
)

type ClientMessageKind string

const (
	ClientMessageSubscribe ClientMessageKind = "subscribe"
	ClientMessageCall      ClientMessageKind = "call"
)

// ClientMessage is an outbound frame. Exactly one field is set.
type ClientMessage struct {
	Subscribe *Subscribe `json:"subscribe,omitempty"`
	Call      *Call      `json:"call,omitempty"`
}

type Subscribe struct {
	QueryStrings []string `json:"query_strings"`
}

type Call struct {
	Fn   string `json:"fn"`
	Args []any  `json:"args"`
}

func NewSubscribe(queries []string) ClientMessage {
	return ClientMessage{Subscribe: &Subscribe{QueryStrings: queries}}
}

func NewCall(reducer string, args []any) ClientMessage {
	if args == nil {
		args = []any{}
	}
	return ClientMessage{Call: &Call{Fn: reducer, Args: args}}
}

func (m ClientMessage) Kind() ClientMessageKind {
	switch {
	case m.Subscribe != nil:
		return ClientMessageSubscribe
	case m.Call != nil:
		return ClientMessageCall
	default:
		return ""
	}
}

type MessageEncoder func(ClientMessage) ([]byte, error)

func JSONMessageEncoder(message ClientMessage) ([]byte, error) {
	if (message.Subscribe == nil) == (message.Call == nil) {
		return nil, fmt.Errorf("client message must set exactly one of subscribe or call")
	}
	return json.Marshal(message)
}
