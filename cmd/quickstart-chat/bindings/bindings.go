// Package bindings describes the quickstart chat module: the User and
// Message tables and the set_name and send_message reducers.
package bindings

import (
	"encoding/json"

	"github.com/SMG3zx/spacetimedb-sdk-go/schema"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

type User struct {
	Identity types.Identity
	Name     *string
	Online   bool
}

type Message struct {
	Sender types.Identity
	Sent   uint64
	Text   string
}

var UserTable = &schema.Table[User]{
	Name:            "User",
	PrimaryKeyField: "identity",
	Decode: func(fields []json.RawMessage) (User, error) {
		if err := schema.RequireFields(fields, 3); err != nil {
			return User{}, err
		}
		identity, err := schema.DecodeIdentity(fields, 0)
		if err != nil {
			return User{}, err
		}
		name, err := schema.DecodeOption[string](fields, 1)
		if err != nil {
			return User{}, err
		}
		online, err := schema.DecodeField[bool](fields, 2)
		if err != nil {
			return User{}, err
		}
		return User{Identity: identity, Name: name, Online: online}, nil
	},
	Encode: func(u User) []any {
		return []any{schema.EncodeIdentity(u.Identity), schema.EncodeOption(u.Name), u.Online}
	},
	Key: func(u User) string { return u.Identity.String() },
}

var MessageTable = &schema.Table[Message]{
	Name: "Message",
	Decode: func(fields []json.RawMessage) (Message, error) {
		if err := schema.RequireFields(fields, 3); err != nil {
			return Message{}, err
		}
		sender, err := schema.DecodeIdentity(fields, 0)
		if err != nil {
			return Message{}, err
		}
		sent, err := schema.DecodeField[uint64](fields, 1)
		if err != nil {
			return Message{}, err
		}
		text, err := schema.DecodeField[string](fields, 2)
		if err != nil {
			return Message{}, err
		}
		return Message{Sender: sender, Sent: sent, Text: text}, nil
	},
	Encode: func(m Message) []any {
		return []any{schema.EncodeIdentity(m.Sender), m.Sent, m.Text}
	},
}

var SetName = &schema.Reducer[string]{
	Name: "set_name",
	Decode: func(args []json.RawMessage) (string, error) {
		return schema.DecodeField[string](args, 0)
	},
	Encode: func(name string) []any { return []any{name} },
}

var SendMessage = &schema.Reducer[string]{
	Name: "send_message",
	Decode: func(args []json.RawMessage) (string, error) {
		return schema.DecodeField[string](args, 0)
	},
	Encode: func(text string) []any { return []any{text} },
}

// All returns every binding of the module for WithBindings.
func All() []schema.Binding {
	return []schema.Binding{UserTable, MessageTable, SetName, SendMessage}
}

// Queries subscribes to both tables.
var Queries = []string{"SELECT * FROM User", "SELECT * FROM Message"}
