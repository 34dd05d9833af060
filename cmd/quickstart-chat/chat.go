package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	spacetimedb "github.com/SMG3zx/spacetimedb-sdk-go"
	"github.com/SMG3zx/spacetimedb-sdk-go/cmd/quickstart-chat/bindings"
	"github.com/SMG3zx/spacetimedb-sdk-go/schema"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

var (
	systemColor = color.New(color.FgYellow)
	nameColor   = color.New(color.FgCyan, color.Bold)
	errorColor  = color.New(color.FgRed)
)

// chat renders table changes as chat lines. Row and subscription handlers
// run on the connection's consumer goroutine; send runs on the input loop.
type chat struct {
	cache schema.RowReader

	mu  sync.Mutex
	out io.Writer
}

func newChat(out io.Writer, cache schema.RowReader) *chat {
	return &chat{out: out, cache: cache}
}

func (c *chat) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *chat) system(format string, args ...any) {
	c.printf("%s\n", systemColor.Sprintf(format, args...))
}

func displayName(u bindings.User) string {
	if u.Name != nil && *u.Name != "" {
		return *u.Name
	}
	return u.Identity.String()[:8]
}

func (c *chat) senderName(sender types.Identity) string {
	u, ok := bindings.UserTable.FindByPrimaryKey(c.cache, sender.String())
	if !ok {
		return "unknown"
	}
	return displayName(u)
}

func (c *chat) printMessage(m bindings.Message) {
	c.printf("%s: %s\n", nameColor.Sprint(c.senderName(m.Sender)), m.Text)
}

func (c *chat) onSubscriptionApplied() {
	c.system("SYSTEM: Connected.")
	messages := bindings.MessageTable.Iter(c.cache)
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].Sent < messages[j].Sent })
	for _, m := range messages {
		c.printMessage(m)
	}
}

// onMessageRow prints messages that arrive after the initial subscription.
func (c *chat) onMessageRow(op types.RowOp, _, newValue any, reducer *types.ReducerEvent) {
	if reducer == nil || op != types.RowOpInsert {
		return
	}
	c.printMessage(newValue.(bindings.Message))
}

func (c *chat) onUserRow(op types.RowOp, oldValue, newValue any, _ *types.ReducerEvent) {
	switch op {
	case types.RowOpInsert:
		u := newValue.(bindings.User)
		if u.Online {
			c.system("User %s connected.", displayName(u))
		}
	case types.RowOpUpdate:
		prev, next := oldValue.(bindings.User), newValue.(bindings.User)
		switch {
		case prev.Online && !next.Online:
			c.system("User %s disconnected.", displayName(next))
		case !prev.Online && next.Online:
			c.system("User %s connected.", displayName(next))
		}
		if displayName(prev) != displayName(next) {
			c.system("User %s renamed to %s.", displayName(prev), displayName(next))
		}
	}
}

// command turns one input line into a reducer call. ok is false for an
// empty line, which ends the session.
func command(line string) (reducer *schema.Reducer[string], arg string, ok bool) {
	switch {
	case line == "":
		return nil, "", false
	case strings.HasPrefix(line, "/name "):
		return bindings.SetName, strings.TrimPrefix(line, "/name "), true
	default:
		return bindings.SendMessage, line, true
	}
}

// send calls the reducer and reports a failure the server sends back.
func (c *chat) send(ctx context.Context, conn *spacetimedb.DbConnection, reducer *schema.Reducer[string], arg string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ev, err := spacetimedb.Call(ctx, conn, reducer, arg)
	if err != nil {
		c.printf("%s\n", errorColor.Sprintf("%s: %v", reducer.Name, err))
		return
	}
	c.reportResult(ev)
}

func (c *chat) reportResult(ev *types.ReducerEvent) {
	if ev == nil || ev.Committed() {
		return
	}
	switch ev.ReducerName {
	case bindings.SetName.Name:
		c.printf("%s\n", errorColor.Sprintf("Failed to set name: %s", ev.Message))
	case bindings.SendMessage.Name:
		c.printf("%s\n", errorColor.Sprintf("Failed to send message: %s", ev.Message))
	}
}
