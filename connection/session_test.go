package connection_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMG3zx/spacetimedb-sdk-go/connection"
	"github.com/SMG3zx/spacetimedb-sdk-go/connection/transporttest"
	"github.com/SMG3zx/spacetimedb-sdk-go/internal/protocol"
	"github.com/SMG3zx/spacetimedb-sdk-go/subscription"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

type rowCall struct {
	Op      types.RowOp
	Old     any
	New     any
	Reducer *types.ReducerEvent
}

func recordRows(c *connection.Connection, table string, into *[]rowCall) {
	c.OnRowUpdate(table, func(op types.RowOp, oldValue, newValue any, reducer *types.ReducerEvent) {
		*into = append(*into, rowCall{Op: op, Old: oldValue, New: newValue, Reducer: reducer})
	})
}

func TestConnectThenIdentityActivates(t *testing.T) {
	var order []string
	var gotToken string
	var gotIdentity types.Identity

	c, ft := newSession(t, func(b *connection.Builder) {
		b.OnConnect(func(*connection.Connection) { order = append(order, "connect") })
	})
	c.OnIdentity(func(token string, identity types.Identity) {
		order = append(order, "identity")
		gotToken, gotIdentity = token, identity
	})

	assert.Equal(t, connection.StateConnected, c.State())
	_, ok := c.Identity()
	assert.False(t, ok)

	require.NoError(t, ft.Deliver(transporttest.IdentityFrame(aliceHex, "alice-token")))
	require.NoError(t, c.Update())

	assert.Equal(t, []string{"connect", "identity"}, order)
	assert.Equal(t, connection.StateActive, c.State())
	assert.True(t, c.IsActive())
	assert.Equal(t, "alice-token", gotToken)
	assert.Equal(t, mustIdentity(t, aliceHex), gotIdentity)

	id, ok := c.Identity()
	require.True(t, ok)
	assert.Equal(t, gotIdentity, id)
	assert.Equal(t, "alice-token", c.Token())
}

func TestSubscriptionInsertPopulatesCache(t *testing.T) {
	c, ft := activeSession(t)
	var rows []rowCall
	recordRows(c, "User", &rows)

	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("User", transporttest.Insert("abc", userRow(bobHex, "bob", true)...)),
	)))
	require.NoError(t, c.Update())

	want := user{Identity: mustIdentity(t, bobHex), Name: strPtr("bob"), Online: true}
	got, ok := c.Cache().Get("User", "abc")
	require.True(t, ok)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("cached row mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, rows, 1)
	assert.Equal(t, rowCall{Op: types.RowOpInsert, Old: nil, New: want, Reducer: nil}, rows[0])
}

func TestDeleteInsertOfSamePrimaryKeyIsOneUpdate(t *testing.T) {
	c, ft := activeSession(t)
	var rows []rowCall

	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("User", transporttest.Insert("x1", userRow(bobHex, "bob", true)...)),
	)))
	require.NoError(t, c.Update())
	recordRows(c, "User", &rows)

	require.NoError(t, ft.Deliver(transporttest.TransactionFrame(
		transporttest.Reducer{Caller: bobHex, Name: "set_name", Args: []any{"robert"}},
		transporttest.Table("User",
			transporttest.Delete("x1"),
			transporttest.Insert("x2", userRow(bobHex, "robert", true)...),
		),
	)))
	require.NoError(t, c.Update())

	oldRow := user{Identity: mustIdentity(t, bobHex), Name: strPtr("bob"), Online: true}
	newRow := user{Identity: mustIdentity(t, bobHex), Name: strPtr("robert"), Online: true}

	require.Len(t, rows, 1)
	assert.Equal(t, types.RowOpUpdate, rows[0].Op)
	assert.Equal(t, oldRow, rows[0].Old)
	assert.Equal(t, newRow, rows[0].New)
	require.NotNil(t, rows[0].Reducer)
	assert.Equal(t, "set_name", rows[0].Reducer.ReducerName)
	assert.Equal(t, "robert", rows[0].Reducer.Args)

	got, ok := c.Cache().Get("User", "x2")
	require.True(t, ok)
	assert.Equal(t, newRow, got)
	_, ok = c.Cache().Get("User", "x1")
	assert.False(t, ok)
}

func TestOldValueComesFromCacheBeforeMessage(t *testing.T) {
	c, ft := activeSession(t)
	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("User", transporttest.Insert("k", userRow(bobHex, "bob", true)...)),
	)))
	require.NoError(t, c.Update())

	var rows []rowCall
	recordRows(c, "User", &rows)

	// Same wire key deleted and reinserted within one message.
	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("User",
			transporttest.Insert("k", userRow(bobHex, "bob", false)...),
			transporttest.Delete("k"),
		),
	)))
	require.NoError(t, c.Update())

	require.Len(t, rows, 1)
	assert.Equal(t, types.RowOpUpdate, rows[0].Op)
	assert.Equal(t, true, rows[0].Old.(user).Online)
	assert.Equal(t, false, rows[0].New.(user).Online)

	got, ok := c.Cache().Get("User", "k")
	require.True(t, ok)
	assert.False(t, got.(user).Online)
}

func TestCallbacksSeeWholeMessageApplied(t *testing.T) {
	c, ft := activeSession(t)

	var seenMessages int
	c.OnRowUpdate("User", func(types.RowOp, any, any, *types.ReducerEvent) {
		seenMessages = c.Cache().Len("Message")
	})

	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("User", transporttest.Insert("u", userRow(bobHex, "bob", true)...)),
		transporttest.Table("Message",
			transporttest.Insert("m1", messageRow(bobHex, 1, "hi")...),
			transporttest.Insert("m2", messageRow(bobHex, 2, "there")...),
		),
	)))
	require.NoError(t, c.Update())
	assert.Equal(t, 2, seenMessages)
}

func TestDispatchOrderForTransaction(t *testing.T) {
	c, ft := activeSession(t)
	var order []string

	c.OnReducer("send_message", func(*types.ReducerEvent) { order = append(order, "reducer") })
	c.OnTransaction(func(*types.TransactionEvent) { order = append(order, "transaction") })
	c.OnRowUpdate("Message", func(types.RowOp, any, any, *types.ReducerEvent) { order = append(order, "row") })
	c.OnSubscriptionApplied(func() { order = append(order, "subscription_applied") })

	require.NoError(t, ft.Deliver(transporttest.TransactionFrame(
		transporttest.Reducer{Caller: aliceHex, Name: "send_message", Args: []any{"hi"}},
		transporttest.Table("Message", transporttest.Insert("m1", messageRow(aliceHex, 1, "hi")...)),
	)))
	require.NoError(t, c.Update())
	assert.Equal(t, []string{"row", "transaction", "reducer"}, order)

	order = nil
	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("Message", transporttest.Insert("m2", messageRow(aliceHex, 2, "again")...)),
	)))
	require.NoError(t, c.Update())
	assert.Equal(t, []string{"row", "subscription_applied"}, order)
}

func TestFailedReducerHasNoArgs(t *testing.T) {
	c, ft := activeSession(t)

	var reducerEvent *types.ReducerEvent
	var transactions int
	c.OnReducer("send_message", func(ev *types.ReducerEvent) { reducerEvent = ev })
	c.OnTransaction(func(*types.TransactionEvent) { transactions++ })

	require.NoError(t, ft.Deliver(transporttest.TransactionFrame(transporttest.Reducer{
		Caller:  aliceHex,
		Name:    "send_message",
		Status:  "failed",
		Message: "Messages must not be empty",
		Args:    []any{""},
	})))
	require.NoError(t, c.Update())

	require.NotNil(t, reducerEvent)
	assert.Equal(t, types.ReducerStatusFailed, reducerEvent.Status)
	assert.Equal(t, "Messages must not be empty", reducerEvent.Message)
	assert.Nil(t, reducerEvent.Args)
	assert.JSONEq(t, `[""]`, string(reducerEvent.RawArgs))
	assert.Equal(t, mustIdentity(t, aliceHex), reducerEvent.CallerIdentity)
	assert.Equal(t, 1, transactions)
}

func TestRowCallbacksRunInRegistrationOrder(t *testing.T) {
	c, ft := activeSession(t)
	var order []string
	c.OnRowUpdate("Message", func(types.RowOp, any, any, *types.ReducerEvent) { order = append(order, "first") })
	c.OnRowUpdate("Message", func(types.RowOp, any, any, *types.ReducerEvent) { order = append(order, "second") })

	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("Message", transporttest.Insert("m1", messageRow(bobHex, 1, "hi")...)),
	)))
	require.NoError(t, c.Update())
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestCallbackPanicDoesNotStopDelivery(t *testing.T) {
	c, ft := activeSession(t)
	var secondRan bool
	c.OnRowUpdate("Message", func(types.RowOp, any, any, *types.ReducerEvent) { panic("first callback broke") })
	c.OnRowUpdate("Message", func(types.RowOp, any, any, *types.ReducerEvent) { secondRan = true })

	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("Message", transporttest.Insert("m1", messageRow(bobHex, 1, "hi")...)),
	)))
	err := c.Update()

	require.Error(t, err)
	assert.True(t, connection.IsCode(err, connection.ErrorCallbackFailed))
	assert.ErrorContains(t, err, "first callback broke")
	assert.True(t, secondRan)
	assert.Equal(t, 1, c.Cache().Len("Message"))
	assert.Equal(t, connection.StateActive, c.State())
}

func TestRemovedCallbackStopsFiring(t *testing.T) {
	c, ft := activeSession(t)
	var calls int
	id := c.OnRowUpdate("Message", func(types.RowOp, any, any, *types.ReducerEvent) { calls++ })

	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("Message", transporttest.Insert("m1", messageRow(bobHex, 1, "hi")...)),
	)))
	require.NoError(t, c.Update())
	require.True(t, c.RemoveCallback(id))
	assert.False(t, c.RemoveCallback(id))

	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("Message", transporttest.Insert("m2", messageRow(bobHex, 2, "again")...)),
	)))
	require.NoError(t, c.Update())
	assert.Equal(t, 1, calls)
}

func TestUnknownTableAndBadRowsAreContained(t *testing.T) {
	c, ft := activeSession(t)

	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("Nope", transporttest.Insert("n1", 1, 2)),
		transporttest.Table("Message",
			transporttest.Insert("bad", "not", "a", "message"),
			transporttest.Insert("m1", messageRow(bobHex, 1, "hi")...),
		),
	)))
	err := c.Update()

	require.Error(t, err)
	assert.True(t, connection.IsCode(err, connection.ErrorUnknownTable))
	assert.True(t, connection.IsCode(err, connection.ErrorProtocolDecode))
	assert.Equal(t, 1, c.Cache().Len("Message"))
	assert.Equal(t, connection.StateActive, c.State())
}

func TestUpdateBeforeIdentityIsFatal(t *testing.T) {
	var disconnects []error
	c, ft := newSession(t, func(b *connection.Builder) {
		b.OnDisconnect(func(err error) { disconnects = append(disconnects, err) })
	})

	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame()))
	require.NoError(t, c.Update())

	assert.Equal(t, connection.StateClosed, c.State())
	assert.True(t, connection.IsCode(c.Err(), connection.ErrorProtocolDecode))
	require.Len(t, disconnects, 1)
	assert.Equal(t, c.Err(), disconnects[0])
	assert.False(t, ft.IsConnected())

	select {
	case <-c.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
}

func TestSecondIdentityIsFatal(t *testing.T) {
	c, ft := activeSession(t)
	require.NoError(t, ft.Deliver(transporttest.IdentityFrame(bobHex, "bob-token")))
	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("Message", transporttest.Insert("m1", messageRow(bobHex, 1, "hi")...)),
	)))
	require.NoError(t, c.Update())

	assert.Equal(t, connection.StateClosed, c.State())
	assert.True(t, connection.IsCode(c.Err(), connection.ErrorProtocolDecode))
	id, _ := c.Identity()
	assert.Equal(t, mustIdentity(t, aliceHex), id)
	assert.Equal(t, 0, c.Cache().Len("Message"), "messages after a fatal error are dropped")
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	c, ft := activeSession(t)
	var disconnects int
	c.OnDisconnect(func(error) { disconnects++ })

	err := ft.DeliverString(`{"Nonsense":{}}`)
	require.Error(t, err)
	require.NoError(t, c.Update())

	assert.Equal(t, connection.StateClosed, c.State())
	assert.True(t, connection.IsCode(c.Err(), connection.ErrorProtocolDecode))
	assert.Equal(t, 1, disconnects)
}

func TestTransportFailureIsTerminal(t *testing.T) {
	c, ft := activeSession(t)
	var disconnects []error
	c.OnDisconnect(func(err error) { disconnects = append(disconnects, err) })

	ft.Fail(errors.New("connection reset by peer"))
	ft.Fail(errors.New("again"))
	require.NoError(t, c.Update())

	assert.Equal(t, connection.StateClosed, c.State())
	assert.True(t, connection.IsCode(c.Err(), connection.ErrorTransportFailed))
	assert.ErrorContains(t, c.Err(), "connection reset by peer")
	require.Len(t, disconnects, 1)

	err := c.CallReducer("set_name", "x")
	assert.True(t, connection.IsCode(err, connection.ErrorTransportFailed))
}

func TestDisconnectIsNormalClose(t *testing.T) {
	c, _ := activeSession(t)
	var disconnects []error
	c.OnDisconnect(func(err error) { disconnects = append(disconnects, err) })

	require.NoError(t, c.Disconnect())
	assert.Equal(t, connection.StateClosing, c.State())
	require.NoError(t, c.Disconnect())

	require.NoError(t, c.Update())
	assert.Equal(t, connection.StateClosed, c.State())
	assert.NoError(t, c.Err())
	assert.Equal(t, []error{nil}, disconnects)

	err := c.Subscribe([]string{"SELECT * FROM User"})
	assert.True(t, connection.IsCode(err, connection.ErrorConnectionClosed))
	err = c.ProcessNext(context.Background())
	assert.True(t, connection.IsCode(err, connection.ErrorConnectionClosed))
}

func TestOutboundMessages(t *testing.T) {
	c, ft := activeSession(t)

	require.NoError(t, c.Subscribe([]string{"SELECT * FROM User", "SELECT * FROM Message"}))
	require.NoError(t, c.CallReducer("send_message", "hello"))
	require.NoError(t, connection.Call(c, setNameReducer, "alice"))

	sent := ft.Sent()
	require.Len(t, sent, 3)
	assert.JSONEq(t, `{"subscribe":{"query_strings":["SELECT * FROM User","SELECT * FROM Message"]}}`, string(sent[0]))
	assert.JSONEq(t, `{"call":{"fn":"send_message","args":["hello"]}}`, string(sent[1]))
	assert.JSONEq(t, `{"call":{"fn":"set_name","args":["alice"]}}`, string(sent[2]))

	assert.Equal(t, 1, c.PendingSubscriptions())
	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame()))
	require.NoError(t, c.Update())
	assert.Equal(t, 0, c.PendingSubscriptions())
	assert.Equal(t, []string{"SELECT * FROM User", "SELECT * FROM Message"}, c.Subscriptions())
}

func TestSubscriptionUpdatesAnswerRequestsInSendOrder(t *testing.T) {
	c, ft := activeSession(t)

	var answered []uint64
	c.OnSubscriptionRequestApplied(func(req subscription.Request) { answered = append(answered, req.ID) })

	var trackedID uint64
	first, err := c.SubscribeRequest([]string{"SELECT * FROM User"}, func(req subscription.Request) { trackedID = req.ID })
	require.NoError(t, err)
	assert.Equal(t, first.ID, trackedID)

	// A failed send forgets only its own request.
	ft.SendErr = errors.New("write: broken pipe")
	_, err = c.SubscribeRequest([]string{"SELECT * FROM Message"}, nil)
	require.Error(t, err)
	ft.SendErr = nil

	second, err := c.SubscribeRequest([]string{"SELECT * FROM User", "SELECT * FROM Message"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, c.PendingSubscriptions())

	for i := 0; i < 3; i++ {
		require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame()))
	}
	require.NoError(t, c.Update())
	assert.Equal(t, []uint64{first.ID, second.ID, 0}, answered)
	assert.Equal(t, second.Queries, c.Subscriptions())
}

func TestOutboundValidationAndSendErrors(t *testing.T) {
	c, ft := activeSession(t)

	assert.True(t, connection.IsCode(c.Subscribe(nil), connection.ErrorInvalidArgument))
	assert.True(t, connection.IsCode(c.Subscribe([]string{""}), connection.ErrorInvalidArgument))
	assert.True(t, connection.IsCode(c.CallReducer(""), connection.ErrorInvalidArgument))

	ft.SendErr = errors.New("write: broken pipe")
	err := c.Subscribe([]string{"SELECT * FROM User"})
	assert.True(t, connection.IsCode(err, connection.ErrorSendFailed))
	assert.Equal(t, 0, c.PendingSubscriptions())

	broken, _ := activeSession(t, func(b *connection.Builder) {
		b.WithMessageEncoder(func(protocol.ClientMessage) ([]byte, error) { return nil, errors.New("nope") })
	})
	assert.True(t, connection.IsCode(broken.CallReducer("set_name", "x"), connection.ErrorEncodeFailed))
}

func TestScheduledCallbacksShareTheQueue(t *testing.T) {
	c, ft := activeSession(t)
	var order []string
	c.OnRowUpdate("Message", func(types.RowOp, any, any, *types.ReducerEvent) { order = append(order, "row") })

	require.NoError(t, ft.Deliver(transporttest.SubscriptionFrame(
		transporttest.Table("Message", transporttest.Insert("m1", messageRow(bobHex, 1, "hi")...)),
	)))
	_, err := c.Schedule(time.Millisecond, func() {
		order = append(order, "scheduled")
		assert.Equal(t, 1, c.Cache().Len("Message"))
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.ProcessNext(ctx))
	require.NoError(t, c.ProcessNext(ctx))
	assert.Equal(t, []string{"row", "scheduled"}, order)
}

func TestCancelScheduled(t *testing.T) {
	c, _ := activeSession(t)
	ran := make(chan struct{}, 1)
	id, err := c.Schedule(20*time.Millisecond, func() { ran <- struct{}{} })
	require.NoError(t, err)
	assert.True(t, c.CancelScheduled(id))
	assert.False(t, c.CancelScheduled(id))

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, c.Update())
	assert.Len(t, ran, 0)
}

func TestScheduleAfterCloseFails(t *testing.T) {
	c, _ := activeSession(t)
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Update())

	_, err := c.Schedule(time.Millisecond, func() {})
	assert.True(t, connection.IsCode(err, connection.ErrorConnectionClosed))
}

func TestRunReportsErrorsAndReturnsOnClose(t *testing.T) {
	reported := make(chan error, 4)
	c, ft := activeSession(t, func(b *connection.Builder) {
		b.WithErrorHandler(func(err error) { reported <- err })
	})
	c.OnTransaction(func(*types.TransactionEvent) { panic("handler bug") })

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()

	require.NoError(t, ft.Deliver(transporttest.TransactionFrame(transporttest.Reducer{Caller: aliceHex, Name: "set_name", Args: []any{"a"}})))

	select {
	case err := <-reported:
		assert.True(t, connection.IsCode(err, connection.ErrorCallbackFailed))
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reported error")
	}

	require.NoError(t, c.Disconnect())
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Run to return")
	}
}

func TestRunHonorsContext(t *testing.T) {
	c, _ := activeSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), context.DeadlineExceeded)
}

func TestOnMessageSeesRawFrames(t *testing.T) {
	var frames []string
	c, ft := newSession(t, func(b *connection.Builder) {
		b.OnMessage(func(frame []byte) { frames = append(frames, string(frame)) })
	})
	frame := transporttest.IdentityFrame(aliceHex, "tok")
	require.NoError(t, ft.Deliver(frame))
	require.NoError(t, c.Update())

	require.Len(t, frames, 1)
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &decoded))
	assert.Contains(t, decoded, "IdentityToken")
}
