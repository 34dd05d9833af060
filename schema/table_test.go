package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

type user struct {
	Identity types.Identity
	Name     *string
	Online   bool
}

var userTable = &Table[user]{
	Name:            "User",
	PrimaryKeyField: "identity",
	Decode: func(fields []json.RawMessage) (user, error) {
		if err := RequireFields(fields, 3); err != nil {
			return user{}, err
		}
		id, err := DecodeIdentity(fields, 0)
		if err != nil {
			return user{}, err
		}
		name, err := DecodeOption[string](fields, 1)
		if err != nil {
			return user{}, err
		}
		online, err := DecodeField[bool](fields, 2)
		if err != nil {
			return user{}, err
		}
		return user{Identity: id, Name: name, Online: online}, nil
	},
	Encode: func(u user) []any {
		return []any{EncodeIdentity(u.Identity), EncodeOption(u.Name), u.Online}
	},
	Key: func(u user) string { return u.Identity.String() },
}

type mapReader map[string]map[string]any

func (m mapReader) Get(table, key string) (any, bool) {
	v, ok := m[table][key]
	return v, ok
}

func (m mapReader) Values(table string) []any {
	var out []any
	for _, v := range m[table] {
		out = append(out, v)
	}
	return out
}

func testIdentity(t *testing.T, b string) types.Identity {
	t.Helper()
	id, err := types.ParseIdentity(strings.Repeat(b, types.IdentityLength))
	require.NoError(t, err)
	return id
}

func TestTableRowRoundTrip(t *testing.T) {
	name := "alice"
	cases := []user{
		{Identity: testIdentity(t, "01"), Name: &name, Online: true},
		{Identity: testIdentity(t, "02"), Name: nil, Online: false},
	}

	for _, want := range cases {
		encoded, err := userTable.EncodeRow(want)
		require.NoError(t, err)

		got, err := userTable.DecodeTyped(encoded)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}

		reencoded, err := userTable.EncodeRow(got)
		require.NoError(t, err)
		assert.JSONEq(t, string(encoded), string(reencoded))
	}
}

func TestTableDecodeWireForms(t *testing.T) {
	hexID := strings.Repeat("0a", types.IdentityLength)
	row, err := userTable.DecodeRow(json.RawMessage(`[["` + hexID + `"], {"0": "bob"}, true]`))
	require.NoError(t, err)

	u := row.(user)
	assert.Equal(t, hexID, u.Identity.String())
	require.NotNil(t, u.Name)
	assert.Equal(t, "bob", *u.Name)
	assert.True(t, u.Online)

	row, err = userTable.DecodeRow(json.RawMessage(`["` + hexID + `", {"1": []}, false]`))
	require.NoError(t, err)
	assert.Nil(t, row.(user).Name)
}

func TestTableDecodeErrorsNameTheField(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		field int
	}{
		{name: "not an array", raw: `{"x":1}`, field: -1},
		{name: "too few fields", raw: `[["00"]]`, field: -1},
		{name: "bad identity", raw: `[["zz"], {"1": []}, true]`, field: 0},
		{name: "bad option tag", raw: `["` + strings.Repeat("00", types.IdentityLength) + `", {"7": 1}, true]`, field: 1},
		{name: "bad bool", raw: `["` + strings.Repeat("00", types.IdentityLength) + `", {"1": []}, "yes"]`, field: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := userTable.DecodeRow(json.RawMessage(tc.raw))
			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr), "got %v", err)
			assert.Equal(t, "User", decodeErr.Name)
			assert.Equal(t, tc.field, decodeErr.Field)
		})
	}
}

func TestTablePrimaryKey(t *testing.T) {
	u := user{Identity: testIdentity(t, "03")}
	pk, err := userTable.PrimaryKeyValue(u)
	require.NoError(t, err)
	assert.Equal(t, u.Identity.String(), pk)

	_, err = userTable.PrimaryKeyValue("not a user")
	assert.Error(t, err)

	noPK := &Table[string]{Name: "Log", PrimaryKeyField: "id"}
	assert.Equal(t, "", noPK.PrimaryKey())
	_, err = noPK.PrimaryKeyValue("x")
	assert.Error(t, err)
}

func TestTableAccessors(t *testing.T) {
	online := user{Identity: testIdentity(t, "04"), Online: true}
	offline := user{Identity: testIdentity(t, "05")}
	reader := mapReader{"User": {"k1": online, "k2": offline}}

	assert.Len(t, userTable.Iter(reader), 2)

	got, ok := userTable.Find(reader, "k1")
	require.True(t, ok)
	assert.Equal(t, online, got)

	_, ok = userTable.Find(reader, "missing")
	assert.False(t, ok)

	assert.Equal(t, []user{online}, userTable.Filter(reader, func(u user) bool { return u.Online }))

	got, ok = userTable.FindByPrimaryKey(reader, offline.Identity.String())
	require.True(t, ok)
	assert.Equal(t, offline, got)
}

func TestReducerDecodeArgs(t *testing.T) {
	setName := &Reducer[string]{
		Name: "set_name",
		Decode: func(args []json.RawMessage) (string, error) {
			return DecodeField[string](args, 0)
		},
		Encode: func(name string) []any { return []any{name} },
	}

	assert.Equal(t, "set_name_reducer", setName.BindingName())

	args, err := setName.DecodeArgs(json.RawMessage(`["Alice"]`))
	require.NoError(t, err)
	assert.Equal(t, "Alice", args)
	assert.Equal(t, []any{"Alice"}, setName.EncodeArgs("Alice"))

	_, err = setName.DecodeArgs(json.RawMessage(`[]`))
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "set_name", decodeErr.Name)
	assert.Equal(t, 0, decodeErr.Field)
}
