// Command eshet is a small command-line client for an ESHET broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tomjnixon/go-eshet/pkg/client"
	"github.com/tomjnixon/go-eshet/pkg/transport"
)

type globalFlags struct {
	server  string
	base    string
	timeout time.Duration
	verbose bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "eshet: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "eshet",
		Short: "Talk to an ESHET broker",
		Long: `eshet reads and writes states, calls actions and emits or listens
for events on an ESHET broker.

The broker address is taken from --server, or from $ESHET_SERVER, and
defaults to localhost:11236.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.server, "server", "s", "", "broker endpoint (host[:port], tcp://, ws:// or wss://)")
	pf.StringVar(&flags.base, "base", "/", "path relative paths are resolved against")
	pf.DurationVar(&flags.timeout, "timeout", 10*time.Second, "connect and request timeout")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log protocol traffic")

	rootCmd.AddCommand(
		getCmd(&flags),
		setCmd(&flags),
		callCmd(&flags),
		emitCmd(&flags),
		listenCmd(&flags),
		observeCmd(&flags),
		publishCmd(&flags),
	)

	return rootCmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: verbose,
		Level:     level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				src := a.Value.Any().(*slog.Source)
				a.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
			}
			return a
		},
	}))
}

// run connects, calls fn, and closes the client. ctx is cancelled on SIGINT
// or SIGTERM.
func (f *globalFlags) run(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := f.server
	if server == "" {
		server = transport.FromEnv()
	}

	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	c, err := client.Connect(cctx, server,
		client.WithLogger(newLogger(f.verbose)),
		client.WithBase(f.base),
		client.WithTimeouts(client.TimeoutConfig{
			ConnectTimeout: f.timeout,
			RequestTimeout: f.timeout,
		}),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}
