package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/sweeper"
	"github.com/basket/agentq/internal/telemetry"
)

// withRuntime opens the store for a one-shot operator command. Logs go only
// to the log file so stdout carries the command's JSON result.
func withRuntime(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, rt *runtime) (any, error)) error {
	cfg, err := opts.load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	rt, err := openRuntime(ctx, cfg, runtimeOptions{logFormat: telemetry.FormatQuiet, withRelay: true})
	if err != nil {
		return err
	}
	defer rt.Close()
	out, err := fn(ctx, rt)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// wakeRemote tells a serving process to poll now. Without Redis it polls on
// its own interval.
func wakeRemote(ctx context.Context, rt *runtime, sessionID, reason string) {
	if rt.relay == nil {
		return
	}
	if err := rt.relay.Publish(ctx, bus.WakeupEvent{SessionID: sessionID, Reason: reason}); err != nil {
		rt.logger.Warn("wakeup publish failed", "error", err)
	}
}

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	var sender string
	cmd := &cobra.Command{
		Use:   "enqueue <session-id> <message-id> <content>...",
		Short: "Queue a message for a session (idempotent on message id)",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 3 {
				return usageError{fmt.Errorf("requires a session id, a message id and content")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) (any, error) {
				msg, created, err := rt.engine.Enqueue(ctx, args[0], args[1], sender, strings.Join(args[2:], " "))
				if err != nil {
					return nil, err
				}
				if created {
					wakeRemote(ctx, rt, args[0], "enqueue")
				}
				return map[string]any{"message": msg, "created": created}, nil
			})
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "cli", "sender id recorded on the message")
	return cmd
}

func newDecideCommand(opts *rootOptions) *cobra.Command {
	var (
		payload    string
		decidedBy  string
		reason     string
		toolCallID string
	)
	cmd := &cobra.Command{
		Use:   "decide <session-id> approve|reject",
		Short: "Record an approval decision for a parked tool call",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := persistence.DecisionInput{
				Decision:   strings.ToLower(args[1]),
				ToolCallID: toolCallID,
				DecidedBy:  decidedBy,
				Reason:     reason,
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return usageError{fmt.Errorf("--payload must be valid JSON")}
				}
				in.Payload = []byte(payload)
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) (any, error) {
				st, err := rt.engine.RecordDecision(ctx, args[0], in)
				if err != nil {
					return nil, err
				}
				wakeRemote(ctx, rt, args[0], "decision")
				return st, nil
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON passed to the tool with an approval")
	cmd.Flags().StringVar(&decidedBy, "by", "cli", "reviewer recorded with the decision")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	cmd.Flags().StringVar(&toolCallID, "tool-call", "", "expected pending tool call id")
	return cmd
}

func newStopCommand(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a session now, or at its next iteration if a claim is running",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) (any, error) {
				return rt.engine.Stop(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator", "reason recorded with the stop")
	return cmd
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session-id>",
		Short: "Return an error or stopped session to pending",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) (any, error) {
				st, err := rt.engine.Reset(ctx, args[0])
				if err != nil {
					return nil, err
				}
				wakeRemote(ctx, rt, args[0], "reset")
				return st, nil
			})
		},
	}
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery pass: expired leases, stale messages, approval timeouts",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) (any, error) {
				sw, err := sweeper.New(sweeper.Config{
					Store:   rt.store,
					Logger:  rt.logger,
					Tuning:  rt.engine.Tuning,
					Metrics: rt.metrics,
				})
				if err != nil {
					return nil, err
				}
				return sw.RunOnce(ctx)
			})
		},
	}
}
