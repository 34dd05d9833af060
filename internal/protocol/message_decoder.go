package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// JSONMessageDecoder decodes one text frame into a ServerMessage.
//
// The frame is an object with exactly one of the keys IdentityToken,
// SubscriptionUpdate or TransactionUpdate:
//
//	{"IdentityToken": {"identity": "<hex>", "token": "..."}}
//	{"SubscriptionUpdate": {"table_updates": [...]}}
//	{"TransactionUpdate": {"event": {...}, "subscription_update": {"table_updates": [...]}}}
func JSONMessageDecoder(payload []byte) (ServerMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message envelope: %w", err)
	}
	if len(envelope) != 1 {
		keys := maps.Keys(envelope)
		slices.Sort(keys)
		return ServerMessage{}, fmt.Errorf("server message must have exactly one kind, got [%s]", strings.Join(keys, ", "))
	}

	var msg ServerMessage
	for key, body := range envelope {
		msg.Kind = MessageKind(key)
		switch msg.Kind {
		case MessageKindIdentityToken:
			var token IdentityToken
			if err := json.Unmarshal(body, &token); err != nil {
				return ServerMessage{}, fmt.Errorf("decode %s: %w", key, err)
			}
			msg.IdentityToken = &token
		case MessageKindSubscriptionUpdate:
			var update SubscriptionUpdate
			if err := json.Unmarshal(body, &update); err != nil {
				return ServerMessage{}, fmt.Errorf("decode %s: %w", key, err)
			}
			msg.SubscriptionUpdate = &update
		case MessageKindTransactionUpdate:
			var update TransactionUpdate
			if err := json.Unmarshal(body, &update); err != nil {
				return ServerMessage{}, fmt.Errorf("decode %s: %w", key, err)
			}
			args, err := normalizeArgs(update.Event.FunctionCall.Args)
			if err != nil {
				return ServerMessage{}, fmt.Errorf("decode %s reducer args: %w", key, err)
			}
			update.Event.FunctionCall.Args = args
			msg.TransactionUpdate = &update
		default:
			return ServerMessage{}, fmt.Errorf("unknown server message kind %q", key)
		}
	}

	if err := msg.Validate(); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

// normalizeArgs unwraps reducer args sent as a JSON string holding a JSON
// array. Inline arrays pass through; absent args become an empty array.
func normalizeArgs(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("[]"), nil
	}
	switch trimmed[0] {
	case '[':
		return trimmed, nil
	case '"':
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, err
		}
		innerTrimmed := strings.TrimSpace(inner)
		if innerTrimmed == "" {
			return json.RawMessage("[]"), nil
		}
		if !json.Valid([]byte(innerTrimmed)) || innerTrimmed[0] != '[' {
			return nil, fmt.Errorf("args string is not a JSON array: %q", inner)
		}
		return json.RawMessage(innerTrimmed), nil
	default:
		return nil, fmt.Errorf("unexpected args shape %s", trimmed)
	}
}
