package connection_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SMG3zx/spacetimedb-sdk-go/connection"
	"github.com/SMG3zx/spacetimedb-sdk-go/connection/transporttest"
	"github.com/SMG3zx/spacetimedb-sdk-go/schema"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

var (
	aliceHex = strings.Repeat("a1", types.IdentityLength)
	bobHex   = strings.Repeat("b2", types.IdentityLength)
)

type user struct {
	Identity types.Identity
	Name     *string
	Online   bool
}

var userTable = &schema.Table[user]{
	Name:            "User",
	PrimaryKeyField: "identity",
	Decode: func(fields []json.RawMessage) (user, error) {
		if err := schema.RequireFields(fields, 3); err != nil {
			return user{}, err
		}
		id, err := schema.DecodeIdentity(fields, 0)
		if err != nil {
			return user{}, err
		}
		name, err := schema.DecodeOption[string](fields, 1)
		if err != nil {
			return user{}, err
		}
		online, err := schema.DecodeField[bool](fields, 2)
		if err != nil {
			return user{}, err
		}
		return user{Identity: id, Name: name, Online: online}, nil
	},
	Encode: func(u user) []any {
		return []any{schema.EncodeIdentity(u.Identity), schema.EncodeOption(u.Name), u.Online}
	},
	Key: func(u user) string { return u.Identity.String() },
}

type message struct {
	Sender types.Identity
	Sent   uint64
	Text   string
}

var messageTable = &schema.Table[message]{
	Name: "Message",
	Decode: func(fields []json.RawMessage) (message, error) {
		if err := schema.RequireFields(fields, 3); err != nil {
			return message{}, err
		}
		sender, err := schema.DecodeIdentity(fields, 0)
		if err != nil {
			return message{}, err
		}
		sent, err := schema.DecodeField[uint64](fields, 1)
		if err != nil {
			return message{}, err
		}
		text, err := schema.DecodeField[string](fields, 2)
		if err != nil {
			return message{}, err
		}
		return message{Sender: sender, Sent: sent, Text: text}, nil
	},
	Encode: func(m message) []any {
		return []any{schema.EncodeIdentity(m.Sender), m.Sent, m.Text}
	},
}

var setNameReducer = &schema.Reducer[string]{
	Name: "set_name",
	Decode: func(args []json.RawMessage) (string, error) {
		return schema.DecodeField[string](args, 0)
	},
	Encode: func(name string) []any { return []any{name} },
}

var sendMessageReducer = &schema.Reducer[string]{
	Name: "send_message",
	Decode: func(args []json.RawMessage) (string, error) {
		return schema.DecodeField[string](args, 0)
	},
	Encode: func(text string) []any { return []any{text} },
}

func mustIdentity(t *testing.T, hex string) types.Identity {
	t.Helper()
	id, err := types.ParseIdentity(hex)
	require.NoError(t, err)
	return id
}

func strPtr(s string) *string { return &s }

func userRow(hex, name string, online bool) []any {
	return []any{[]string{hex}, map[string]any{"0": name}, online}
}

func messageRow(hex string, sent uint64, text string) []any {
	return []any{[]string{hex}, sent, text}
}

// newSession builds a connection over an in-memory transport. The
// connection is open but has no identity yet.
func newSession(t *testing.T, configure ...func(*connection.Builder)) (*connection.Connection, *transporttest.Transport) {
	t.Helper()
	ft := transporttest.New()
	b := connection.NewBuilder().
		WithURI("localhost:3000").
		WithDatabaseName("quickstart-chat").
		WithBindings(userTable, messageTable, setNameReducer, sendMessageReducer).
		WithTransportDialer(ft.Dialer())
	for _, fn := range configure {
		fn(b)
	}
	c, err := b.Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, ft
}

// activeSession is newSession plus an applied identity for alice.
func activeSession(t *testing.T, configure ...func(*connection.Builder)) (*connection.Connection, *transporttest.Transport) {
	t.Helper()
	c, ft := newSession(t, configure...)
	require.NoError(t, ft.Deliver(transporttest.IdentityFrame(aliceHex, "alice-token")))
	require.NoError(t, c.Update())
	require.Equal(t, connection.StateActive, c.State())
	return c, ft
}
