// Command agentq runs the agent execution engine and offers operator
// subcommands against its store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/config"
)

// Version is set at build time: -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// usageError marks bad invocations; they exit 2 like flag parsing errors.
type usageError struct{ error }

func exitCode(err error) int {
	if _, ok := err.(usageError); ok {
		return 2
	}
	return 1
}

type rootOptions struct {
	home string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "agentq",
		Version:       Version,
		Short:         "Durable, lease-based execution engine for conversational agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "agentq home directory (default $AGENTQ_HOME or ~/.agentq)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.AddCommand(
		newServeCommand(opts),
		newEnqueueCommand(opts),
		newDecideCommand(opts),
		newStopCommand(opts),
		newResetCommand(opts),
		newStatusCommand(opts),
		newSweepCommand(opts),
		newDoctorCommand(opts),
	)
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	if o.home != "" {
		return config.LoadFrom(o.home)
	}
	return config.Load()
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

const commandTimeout = 30 * time.Second
