package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentq/internal/audit"
	"github.com/basket/agentq/internal/bus"
	aqotel "github.com/basket/agentq/internal/otel"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/policy"
	"github.com/basket/agentq/internal/quota"
	"github.com/basket/agentq/internal/shared"
	"github.com/basket/agentq/internal/tokenutil"
	"github.com/basket/agentq/internal/toolcall"
)

// claim is the per-claim loop state. Nothing here outlives the lease; the
// checkpoint is what survives.
type claim struct {
	e      *Engine
	lease  *persistence.Lease
	tuning Tuning
	msg    *persistence.QueuedMessage
	cp     persistence.Checkpoint
}

// ProcessClaim runs one unit of work on a leased session and leaves the lease
// released. It is exported so tests and the CLI can drive a single claim.
func (e *Engine) ProcessClaim(ctx context.Context, lease *persistence.Lease) error {
	t := e.Tuning()
	ctx, span := aqotel.StartSpan(ctx, e.tracer, "engine.claim",
		aqotel.AttrSessionID.String(lease.SessionID),
	)
	defer span.End()

	start := time.Now()
	work, err := e.store.BeginWork(ctx, lease)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin work: %w", err)
	}
	span.SetAttributes(aqotel.AttrWorkKind.String(work.Kind.String()))

	c := &claim{e: e, lease: lease, tuning: t, msg: work.Message, cp: persistence.CheckpointOf(&work.State)}
	if c.msg != nil {
		span.SetAttributes(aqotel.AttrMessageID.Int64(c.msg.ID))
	}
	e.logger.Debug("claim started",
		"session_id", lease.SessionID,
		"lease", lease.Token,
		"work", work.Kind.String(),
		"trace_id", shared.TraceID(ctx),
	)

	// Release and ParkForApproval turn a pending stop into stopped.
	var outcome string
	switch work.Kind {
	case persistence.WorkNone:
		outcome, err = "idle", e.store.Release(ctx, lease, persistence.TaskStatusCompleted)
	case persistence.WorkDeferred:
		outcome, err = "deferred", e.store.Release(ctx, lease, persistence.TaskStatusRunning)
	case persistence.WorkAwaitingDecision:
		outcome, err = "parked", e.store.ParkForApproval(ctx, lease, c.cp)
	case persistence.WorkResume:
		outcome, err = c.resume(ctx)
		if err == nil && outcome == "" {
			outcome, err = c.loop(ctx)
		}
	case persistence.WorkMessage:
		outcome, err = c.loop(ctx)
	default:
		err = fmt.Errorf("unknown work kind %d", work.Kind)
	}

	if ctx.Err() != nil && !lease.Released() {
		// Drain or a lost heartbeat. The message stays processing with the
		// last saved checkpoint; the next claim continues from there.
		outcome = "interrupted"
		if rerr := e.store.Release(context.WithoutCancel(ctx), lease, persistence.TaskStatusRunning); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}

	span.SetAttributes(aqotel.AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.metrics != nil {
		e.metrics.ClaimDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	e.logger.Info("claim finished",
		"session_id", lease.SessionID,
		"lease", lease.Token,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
		"trace_id", shared.TraceID(ctx),
	)
	return err
}

// resume applies a recorded approval decision. An empty outcome means the
// loop should continue within this claim.
func (c *claim) resume(ctx context.Context) (string, error) {
	// A stop that raced the decision keeps it unapplied for after a reset.
	stopped, err := c.stopIfRequested(ctx)
	if err != nil {
		return "", err
	}
	if stopped {
		return "stopped", nil
	}
	pending := c.cp.Context.Pending
	if pending == nil || pending.Decision == nil {
		return "", fmt.Errorf("resume %q: no decided tool call: %w", c.lease.SessionID, persistence.ErrInvalidTransition)
	}
	decision := pending.Decision
	if !decision.Approved() {
		reason := decision.Reason
		if reason == "" {
			reason = "rejected by reviewer"
		}
		c.cp.Context.Append(persistence.Turn{
			Role:       persistence.RoleTool,
			Content:    "tool call rejected: " + reason,
			MessageID:  pending.MessageID,
			ToolCallID: pending.ID,
			ToolName:   pending.Name,
			Rejected:   true,
			At:         c.e.now(),
		})
		c.cp.Context.Pending = nil
		c.cp.LoopCount++
		if err := c.e.store.SaveCheckpoint(ctx, c.lease, c.cp); err != nil {
			return "", fmt.Errorf("save rejection: %w", err)
		}
		return "", nil
	}

	call := ToolCall{ID: pending.ID, Name: pending.Name, Args: pending.Args, Approval: decision.Payload}
	if err := c.runTool(ctx, call); err != nil {
		return c.fail(ctx, err)
	}
	return "", nil
}

// loop drives model steps until the message completes, the session parks, a
// bound is hit, or a failure is recorded.
func (c *claim) loop(ctx context.Context) (string, error) {
	e := c.e
	sid := c.lease.SessionID
	for iter := 0; ; iter++ {
		if ctx.Err() != nil {
			return "interrupted", nil
		}
		stopped, err := c.stopIfRequested(ctx)
		if err != nil {
			return "", err
		}
		if stopped {
			return "stopped", nil
		}
		if iter >= c.tuning.MaxIterationsPerClaim {
			if err := e.store.SaveCheckpoint(ctx, c.lease, c.cp); err != nil {
				return "", fmt.Errorf("save checkpoint: %w", err)
			}
			return "yielded", e.store.Release(ctx, c.lease, persistence.TaskStatusRunning)
		}
		if c.cp.LoopCount >= c.tuning.MaxLoopsPerTask {
			return c.fail(ctx, Permanent(AgentError(fmt.Errorf("loop budget of %d tool iterations exhausted", c.tuning.MaxLoopsPerTask))))
		}
		if e.quota != nil {
			if err := e.quota.Reserve(ctx, sid); err != nil {
				if e.metrics != nil {
					e.metrics.QuotaRejects.Add(ctx, 1)
				}
				return c.fail(ctx, err)
			}
		}

		c.cp.Context.Trim(c.tuning.MaxConversationTurns)
		res, err := c.step(ctx, iter)
		if err != nil {
			return c.fail(ctx, err)
		}

		if res.ToolCall == nil {
			c.cp.Context.Append(persistence.Turn{Role: persistence.RoleAssistant, Content: res.Text, MessageID: c.msg.ID, At: e.now()})
			c.cp.Context.Trim(c.tuning.MaxConversationTurns)
			if err := e.store.CompleteMessage(ctx, c.lease, c.msg.ID, res.Text, c.cp); err != nil {
				return "", fmt.Errorf("complete message: %w", err)
			}
			// Release turns a stop requested during the step into stopped.
			return "processed", e.store.Release(ctx, c.lease, persistence.TaskStatusCompleted)
		}

		call := *res.ToolCall
		norm := toolcall.Normalize(toolcall.Call{ID: call.ID, Name: call.Name, Args: call.Args, Schema: call.Schema})
		call.Name, call.Args = norm.Name, norm.Args
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		c.cp.Context.Append(persistence.Turn{
			Role:       persistence.RoleAssistant,
			Content:    res.Text,
			MessageID:  c.msg.ID,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolArgs:   call.Args,
			At:         e.now(),
		})
		if err := e.validator.Validate(toolcall.Call{ID: call.ID, Name: call.Name, Args: call.Args, Schema: call.Schema}); err != nil {
			return c.fail(ctx, AgentError(err))
		}

		verdict := e.decide(sid, call)
		switch verdict {
		case policy.Deny:
			return c.fail(ctx, AgentError(fmt.Errorf("tool %q denied by policy", call.Name)))
		case policy.RequireApproval:
			c.cp.Context.Pending = &persistence.PendingToolCall{
				ID:          call.ID,
				Name:        call.Name,
				Args:        call.Args,
				MessageID:   c.msg.ID,
				RequestedAt: e.now(),
			}
			stopped, err := c.stopIfRequested(ctx)
			if err != nil {
				return "", err
			}
			if stopped {
				return "stopped", nil
			}
			if err := e.store.ParkForApproval(ctx, c.lease, c.cp); err != nil {
				return "", fmt.Errorf("park for approval: %w", err)
			}
			if e.metrics != nil {
				e.metrics.ApprovalsParked.Add(ctx, 1)
			}
			e.logger.Info("approval requested", "session_id", sid, "message_id", c.msg.ID, "tool", call.Name, "tool_call_id", call.ID)
			return "parked", nil
		default:
			if err := c.runTool(ctx, call); err != nil {
				return c.fail(ctx, err)
			}
		}
	}
}

// stopIfRequested ends the claim as stopped when a stop is pending. The
// current checkpoint, including any finished step, is kept for a reset.
func (c *claim) stopIfRequested(ctx context.Context) (bool, error) {
	stop, err := c.e.store.StopRequested(ctx, c.lease)
	if err != nil || !stop {
		return false, err
	}
	if err := c.e.store.StopInFlight(ctx, c.lease, c.cp); err != nil {
		return true, fmt.Errorf("stop in flight: %w", err)
	}
	return true, nil
}

// step calls the gateway once and accounts usage.
func (c *claim) step(ctx context.Context, iter int) (StepResult, error) {
	e := c.e
	sid := c.lease.SessionID
	ctx, span := aqotel.StartClientSpan(ctx, e.tracer, "gateway.step",
		aqotel.AttrSessionID.String(sid),
		aqotel.AttrMessageID.Int64(c.msg.ID),
		aqotel.AttrIteration.Int(iter),
	)
	defer span.End()

	start := time.Now()
	res, err := e.gateway.Step(ctx, StepInput{
		SessionID:    sid,
		MessageID:    c.msg.ID,
		Iteration:    c.cp.LoopCount,
		Conversation: c.cp.Context.Conversation,
	})
	if e.metrics != nil {
		e.metrics.GatewayDuration.Record(ctx, time.Since(start).Seconds())
		e.metrics.Iterations.Add(ctx, 1)
	}
	c.cp.Metadata.Iterations++
	c.cp.Metadata.LastStepMS = time.Since(start).Milliseconds()
	if err == nil {
		err = checkStep(res)
	}
	if err != nil && ctx.Err() == nil {
		err = blame(err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(aqotel.AttrErrorKind.String(string(KindOf(err))))
		return StepResult{}, err
	}

	usage := res.Usage
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		turns := make([]string, 0, len(c.cp.Context.Conversation))
		for _, t := range c.cp.Context.Conversation {
			turns = append(turns, t.Content)
		}
		usage.PromptTokens = tokenutil.EstimatePrompt(turns)
		out := res.Text
		if res.ToolCall != nil {
			out += res.ToolCall.Name + string(res.ToolCall.Args)
		}
		usage.CompletionTokens = tokenutil.EstimateTokens(out)
	}
	span.SetAttributes(
		aqotel.AttrTokensIn.Int(usage.PromptTokens),
		aqotel.AttrTokensOut.Int(usage.CompletionTokens),
	)
	c.cp.Metadata.PromptTokens += usage.PromptTokens
	c.cp.Metadata.CompletionTokens += usage.CompletionTokens
	c.report(ctx, quota.Usage{PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens})
	if e.metrics != nil {
		e.metrics.TokensUsed.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(attribute.String("direction", "prompt")))
		e.metrics.TokensUsed.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(attribute.String("direction", "completion")))
	}
	return res, nil
}

// runTool executes an allowed or approved call and folds the result into the
// checkpoint. The checkpoint is saved before returning so a crash after this
// point does not re-run the tool.
func (c *claim) runTool(ctx context.Context, call ToolCall) error {
	e := c.e
	sid := c.lease.SessionID
	ctx, span := aqotel.StartClientSpan(ctx, e.tracer, "gateway.tool",
		aqotel.AttrSessionID.String(sid),
		aqotel.AttrToolName.String(call.Name),
	)
	defer span.End()

	start := time.Now()
	res, err := e.gateway.ExecuteTool(ctx, sid, call)
	if e.metrics != nil {
		e.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("tool", call.Name)))
	}
	c.cp.Metadata.ToolCalls++
	c.report(ctx, quota.Usage{ToolCalls: 1})
	if err != nil {
		if e.metrics != nil {
			e.metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", call.Name)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("tool %s: %w", call.Name, blame(err))
	}

	c.cp.Context.Append(persistence.Turn{
		Role:       persistence.RoleTool,
		Content:    res.Output,
		MessageID:  c.msg.ID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		At:         e.now(),
	})
	c.cp.Context.Pending = nil
	c.cp.LoopCount++
	c.cp.MistakeCount = 0
	c.cp.Context.Trim(c.tuning.MaxConversationTurns)
	if err := e.store.SaveCheckpoint(ctx, c.lease, c.cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// fail records a failed iteration. Agent errors are folded into the
// conversation so the model sees its mistake on the retry.
func (c *claim) fail(ctx context.Context, cause error) (string, error) {
	e := c.e
	if ctx.Err() != nil {
		return "interrupted", nil
	}
	kind := KindOf(cause)
	msgText := shared.SanitizeError(cause)
	if kind == KindAgent {
		c.cp.Context.Append(persistence.Turn{Role: persistence.RoleError, Content: msgText, MessageID: c.msg.ID, At: e.now()})
		c.cp.Context.Pending = nil
		c.cp.Context.Trim(c.tuning.MaxConversationTurns)
		if e.metrics != nil {
			e.metrics.Mistakes.Add(ctx, 1)
		}
	}
	decision, err := e.store.RecordFailure(ctx, c.lease, persistence.FailureInput{
		MessageID:  c.msg.ID,
		Err:        msgText,
		Agent:      kind == KindAgent,
		Permanent:  IsPermanent(cause),
		Checkpoint: c.cp,
	}, c.tuning.FailurePolicy())
	if err != nil {
		return "", fmt.Errorf("record failure: %w", err)
	}
	e.setLastError(cause)
	e.logger.Warn("iteration failed",
		"session_id", c.lease.SessionID,
		"message_id", c.msg.ID,
		"kind", string(kind),
		"error_class", string(ClassifyError(cause)),
		"outcome", string(decision.Outcome),
		"reason_code", decision.ReasonCode,
		"attempt", decision.Attempt,
		"mistakes", decision.MistakeCount,
		"error", msgText,
	)
	if decision.Outcome == persistence.FailureOutcomeCircuitOpen {
		if e.metrics != nil {
			e.metrics.CircuitTrips.Add(ctx, 1)
		}
		e.logger.Error("circuit breaker opened; session parked in error",
			"session_id", c.lease.SessionID,
			"mistakes", decision.MistakeCount,
			"threshold", decision.Threshold,
		)
	}
	return string(decision.Outcome), nil
}

func (c *claim) report(ctx context.Context, u quota.Usage) {
	e := c.e
	if e.quota != nil {
		e.quota.Report(ctx, c.lease.SessionID, u)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicSessionUsage, bus.UsageEvent{
			SessionID:        c.lease.SessionID,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			ToolCalls:        u.ToolCalls,
		})
	}
}

// decide applies the approval policy and writes the verdict to the audit log.
func (e *Engine) decide(sessionID string, call ToolCall) policy.Decision {
	verdict := policy.Allow
	if call.NeedsApproval {
		verdict = policy.RequireApproval
	}
	version := ""
	if e.policy != nil {
		verdict = e.policy.Decide(sessionID, call.Name, call.NeedsApproval)
		version = e.policy.PolicyVersion()
	}
	audit.Record(audit.Entry{
		Action:        audit.ActionPolicy,
		SessionID:     sessionID,
		ToolName:      call.Name,
		ToolCallID:    call.ID,
		Decision:      string(verdict),
		PolicyVersion: version,
	})
	return verdict
}
