// Command quickstart-chat is a terminal client for the quickstart chat
// module.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	spacetimedb "github.com/SMG3zx/spacetimedb-sdk-go"
	"github.com/SMG3zx/spacetimedb-sdk-go/cmd/quickstart-chat/bindings"
	"github.com/SMG3zx/spacetimedb-sdk-go/internal/protocol"
	"github.com/SMG3zx/spacetimedb-sdk-go/localconfig"
	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

type options struct {
	host    string
	db      string
	client  string
	ssl     bool
	gzip    bool
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "quickstart-chat",
		Short:         "Chat through a SpacetimeDB quickstart module",
		Long:          "Type a line to send a message, \"/name <name>\" to rename yourself, or an empty line to quit.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", getenv("SPACETIMEDB_HOST", "localhost:3000"), "server address")
	cmd.Flags().StringVar(&opts.db, "db", getenv("SPACETIMEDB_DB_NAME", "quickstart-chat"), "database name or address")
	cmd.Flags().StringVar(&opts.client, "client", "", "settings suffix, to run several clients with separate identities")
	cmd.Flags().BoolVar(&opts.ssl, "ssl", false, "use wss:// when --host has no scheme")
	cmd.Flags().BoolVar(&opts.gzip, "gzip", false, "ask the server for gzip-compressed frames")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", spacetimedb.DefaultRequestTimeout, "reducer call timeout")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	return cmd
}

func run(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	settings, err := localconfig.Load(localconfig.Options{
		Folder: ".spacetimedb-go-quickstart",
		Client: opts.client,
	})
	if err != nil {
		return err
	}

	compression := protocol.CompressionNone
	if opts.gzip {
		compression = protocol.CompressionGzip
	}

	ui := newChat(out, nil)
	conn, err := spacetimedb.NewDbConnectionBuilder().
		WithURI(opts.host).
		WithSSL(opts.ssl).
		WithDatabaseName(opts.db).
		WithCompression(compression).
		WithBindings(bindings.All()...).
		WithTokenStore(settings).
		WithRequestTimeout(opts.timeout).
		WithSubscriptions(bindings.Queries...).
		WithConnectRetry(3, time.Second).
		OnConnect(func(conn *spacetimedb.DbConnection, identity types.Identity, _ string) {
			glog.Infof("connected to %s as %s", opts.host, identity)
			ui.cache = conn.Cache()
			conn.OnSubscriptionApplied(ui.onSubscriptionApplied)
			conn.OnRowUpdate(bindings.UserTable.Name, ui.onUserRow)
			conn.OnRowUpdate(bindings.MessageTable.Name, ui.onMessageRow)
		}).
		OnDisconnect(func(_ *spacetimedb.DbConnection, err error) {
			if err != nil {
				ui.printf("%s\n", errorColor.Sprintf("SYSTEM: disconnected: %v", err))
			}
		}).
		Build(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			glog.Warningf("close: %v", err)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Raw().Done():
			return conn.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			reducer, arg, ok := command(line)
			if !ok {
				return nil
			}
			ui.send(ctx, conn, reducer, arg, opts.timeout)
		}
	}
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	err := newRootCommand().Execute()
	glog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint(err))
		os.Exit(1)
	}
}
