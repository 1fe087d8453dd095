package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tomjnixon/go-eshet/pkg/client"
	"github.com/tomjnixon/go-eshet/pkg/wire"
)

func getCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get PATH",
		Short: "Print the value of a state or property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, func(ctx context.Context, c *client.Client) error {
				v, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printState(cmd, v)
			})
		},
	}
}

func setCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set PATH VALUE",
		Short: "Ask the owner of a settable state or property to change it",
		Long:  "Set a state or property. VALUE is JSON; anything that is not valid JSON is sent as a string.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, func(ctx context.Context, c *client.Client) error {
				return c.StateSet(ctx, args[0], parseValue(args[1]))
			})
		},
	}
}

func callCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call PATH [ARG...]",
		Short: "Call an action and print its result",
		Long:  "Call an action. Each ARG is JSON; anything that is not valid JSON is sent as a string.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				callArgs = append(callArgs, parseValue(a))
			}
			return f.run(cmd, func(ctx context.Context, c *client.Client) error {
				result, err := c.ActionCall(ctx, args[0], callArgs...)
				if err != nil {
					return err
				}
				return printValue(cmd, result)
			})
		},
	}
}

func emitCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "emit PATH [VALUE]",
		Short: "Emit an event",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if len(args) == 2 {
				payload = parseValue(args[1])
			}
			return f.run(cmd, func(ctx context.Context, c *client.Client) error {
				return c.EventEmit(ctx, args[0], payload)
			})
		},
	}
}

func listenCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen PATH...",
		Short: "Print events until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, func(ctx context.Context, c *client.Client) error {
				for _, p := range args {
					path := p
					_, err := c.EventListen(ctx, path, func(_ context.Context, payload any) error {
						return printLine(cmd, path, payload)
					})
					if err != nil {
						return fmt.Errorf("listening to %s: %w", path, err)
					}
				}
				<-ctx.Done()
				return nil
			})
		},
	}
}

func observeCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "observe PATH...",
		Short: "Print the value of states as they change, until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, func(ctx context.Context, c *client.Client) error {
				for _, p := range args {
					path := p
					_, v, err := c.StateObserve(ctx, path, func(_ context.Context, v wire.StateValue) error {
						return printStateLine(cmd, path, v)
					})
					if err != nil {
						return fmt.Errorf("observing %s: %w", path, err)
					}
					if err := printStateLine(cmd, path, v); err != nil {
						return err
					}
				}
				<-ctx.Done()
				return nil
			})
		},
	}
}

func publishCmd(f *globalFlags) *cobra.Command {
	var settable bool

	cmd := &cobra.Command{
		Use:   "publish PATH [VALUE]",
		Short: "Own a state and publish a value until interrupted",
		Long: `Register a state owned by this process. Without VALUE the state is
Unknown. With --settable, set requests from other clients are accepted and
published.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			initial := wire.Unknown
			if len(args) == 2 {
				initial = wire.Known(parseValue(args[1]))
			}
			return f.run(cmd, func(ctx context.Context, c *client.Client) error {
				if !settable {
					if _, err := c.StateRegister(ctx, args[0], initial); err != nil {
						return err
					}
					<-ctx.Done()
					return nil
				}

				// A set may arrive before StateRegisterSetEvent returns.
				var st *client.State
				registered := make(chan struct{})
				st, err := c.StateRegisterSetEvent(ctx, args[0], initial, func(ctx context.Context, v any) error {
					select {
					case <-registered:
					case <-ctx.Done():
						return ctx.Err()
					}
					if err := printLine(cmd, args[0], v); err != nil {
						return err
					}
					return st.Changed(ctx, v)
				})
				if err != nil {
					return err
				}
				close(registered)
				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&settable, "settable", false, "accept set requests from other clients")

	return cmd
}
