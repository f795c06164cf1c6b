package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentq/internal/bus"
)

// RequestStop asks the session to stop. A session under a lease gets a stop
// flag that the runner honors at its next iteration boundary; an idle session
// moves to stopped immediately. Stopping a stopped session is a no-op.
func (s *Store) RequestStop(ctx context.Context, sessionID, reason string) (*TaskState, error) {
	var result *TaskState
	err := s.inTx(ctx, "request stop", func(tx *sql.Tx, out *outbox) error {
		st, err := s.loadStateTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		now := s.clock()
		switch {
		case st.Status == TaskStatusStopped:
		case st.Leased():
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE agent_v2_task_states SET stop_requested = 1, updated_at = ?
				WHERE session_id = ? AND lease_token = ?;
			`), now, sessionID, st.LeaseToken); err != nil {
				return fmt.Errorf("flag stop request: %w", err)
			}
			st.StopRequested = true
			if err := s.appendEventTx(ctx, tx, sessionID, 0, "", "", "session.stop_requested", jsonPayload("reason", reason)); err != nil {
				return err
			}
		default:
			if !canTransition(st.Status, TaskStatusStopped) {
				return &TransitionError{SessionID: sessionID, From: st.Status, To: TaskStatusStopped, Op: "stop"}
			}
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE agent_v2_task_states
				SET status = ?, stop_requested = 0, updated_at = ?
				WHERE session_id = ? AND status = ? AND lease_token IS NULL;
			`), TaskStatusStopped, now, sessionID, st.Status)
			if err != nil {
				return fmt.Errorf("stop session: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("stop session %q: concurrent update: %w", sessionID, ErrInvalidTransition)
			}
			if err := s.appendEventTx(ctx, tx, sessionID, 0, st.Status, TaskStatusStopped, "session.stopped", jsonPayload("reason", reason)); err != nil {
				return err
			}
			out.add(bus.TopicSessionStopped, bus.SessionEvent{SessionID: sessionID, From: string(st.Status), To: string(TaskStatusStopped), Reason: reason})
			st.Status = TaskStatusStopped
			st.StopRequested = false
		}
		st.UpdatedAt = now
		result = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StopRequested reports whether a stop is pending for the leased session.
func (s *Store) StopRequested(ctx context.Context, lease *Lease) (bool, error) {
	var stop int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT stop_requested FROM agent_v2_task_states WHERE session_id = ? AND lease_token = ?;
	`), lease.SessionID, lease.Token).Scan(&stop)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("session %q: %w", lease.SessionID, ErrLeaseLost)
	}
	if err != nil {
		return false, fmt.Errorf("read stop flag: %w", err)
	}
	return stop != 0, nil
}

// ResetSession returns an error session, or a stopped one when allowStopped
// is set, to pending with cleared counters. An in-flight message or pending
// tool call in the checkpoint is resumed by the next claim.
func (s *Store) ResetSession(ctx context.Context, sessionID string, allowStopped bool) (*TaskState, error) {
	var result *TaskState
	err := s.inTx(ctx, "reset session", func(tx *sql.Tx, out *outbox) error {
		st, err := s.loadStateTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		switch st.Status {
		case TaskStatusError:
		case TaskStatusStopped:
			if !allowStopped {
				return fmt.Errorf("stopped sessions are terminal: %w",
					&TransitionError{SessionID: sessionID, From: st.Status, To: TaskStatusPending, Op: "reset"})
			}
		default:
			return &TransitionError{SessionID: sessionID, From: st.Status, To: TaskStatusPending, Op: "reset"}
		}
		now := s.clock()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE agent_v2_task_states
			SET status = ?, current_loop_count = 0, consecutive_mistake_count = 0,
				stop_requested = 0, updated_at = ?
			WHERE session_id = ? AND status = ? AND lease_token IS NULL;
		`), TaskStatusPending, now, sessionID, st.Status)
		if err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("reset session %q: concurrent update: %w", sessionID, ErrInvalidTransition)
		}
		if err := s.appendEventTx(ctx, tx, sessionID, 0, st.Status, TaskStatusPending, "session.reset", "{}"); err != nil {
			return err
		}
		out.add(bus.TopicSessionReset, bus.SessionEvent{SessionID: sessionID, From: string(st.Status), To: string(TaskStatusPending)})
		out.add(bus.TopicDispatcherWakeup, bus.WakeupEvent{SessionID: sessionID, Reason: "reset"})
		st.Status = TaskStatusPending
		st.CurrentLoopCount = 0
		st.ConsecutiveMistakeCount = 0
		st.StopRequested = false
		st.UpdatedAt = now
		result = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DecisionInput is an external reviewer's verdict on a pending tool call.
type DecisionInput struct {
	Decision string
	// ToolCallID, when set, must match the pending call.
	ToolCallID string
	Payload    []byte
	DecidedBy  string
	Reason     string
}

// RecordDecision stores the verdict next to the pending tool call. It does
// not run the tool; the decision becomes visible to the next claim.
func (s *Store) RecordDecision(ctx context.Context, sessionID string, in DecisionInput) (*TaskState, error) {
	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return nil, fmt.Errorf("decision must be %q or %q: %w", DecisionApprove, DecisionReject, ErrInvalidInput)
	}
	var result *TaskState
	err := s.inTx(ctx, "record decision", func(tx *sql.Tx, out *outbox) error {
		st, err := s.recordDecisionTx(ctx, tx, out, sessionID, in)
		if err != nil {
			return err
		}
		result = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) recordDecisionTx(ctx context.Context, tx *sql.Tx, out *outbox, sessionID string, in DecisionInput) (*TaskState, error) {
	st, err := s.loadStateTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	pending := st.ProcessingContext.Pending
	if pending != nil && pending.Decision != nil {
		return nil, fmt.Errorf("session %q tool call %q: %w", sessionID, pending.ID, ErrAlreadyDecided)
	}
	if st.Status != TaskStatusWaitingForApproval || pending == nil {
		return nil, fmt.Errorf("record decision: %w",
			&TransitionError{SessionID: sessionID, From: st.Status, To: TaskStatusWaitingForApproval, Op: "record decision"})
	}
	if in.ToolCallID != "" && in.ToolCallID != pending.ID {
		return nil, fmt.Errorf("tool call %q is not pending on %q: %w", in.ToolCallID, sessionID, ErrInvalidTransition)
	}

	now := s.clock()
	pending.Decision = &ApprovalDecision{
		Decision:  in.Decision,
		Payload:   in.Payload,
		DecidedBy: in.DecidedBy,
		Reason:    in.Reason,
		DecidedAt: now,
	}
	rawContext, err := encodeJSON(st.ProcessingContext)
	if err != nil {
		return nil, fmt.Errorf("encode processing context: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE agent_v2_task_states
		SET processing_context = ?, approval_state = ?, updated_at = ?
		WHERE session_id = ? AND status = ? AND approval_state = ?;
	`), rawContext, ApprovalDecided, now, sessionID, TaskStatusWaitingForApproval, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("store decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrAlreadyDecided)
	}
	if err := s.appendEventTx(ctx, tx, sessionID, pending.MessageID, "", "", "approval.decided",
		jsonPayload("decision", in.Decision, "tool_call_id", pending.ID, "decided_by", in.DecidedBy)); err != nil {
		return nil, err
	}
	out.add(bus.TopicApprovalDecided, bus.SessionEvent{SessionID: sessionID, MessageID: pending.MessageID, ToolName: pending.Name, Decision: in.Decision, Reason: in.Reason})
	out.add(bus.TopicDispatcherWakeup, bus.WakeupEvent{SessionID: sessionID, Reason: "decision"})
	st.ApprovalState = ApprovalDecided
	st.UpdatedAt = now
	return st, nil
}

// ExpireApprovals rejects gates that have waited longer than ttl and returns
// the affected sessions. A zero ttl disables expiry.
func (s *Store) ExpireApprovals(ctx context.Context, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}
	var expired []string
	err := s.inTx(ctx, "expire approvals", func(tx *sql.Tx, out *outbox) error {
		expired = nil
		cutoff := s.clock().Add(-ttl)
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT session_id FROM agent_v2_task_states
			WHERE status = ? AND approval_state = ? AND approval_requested_at <= ?;
		`), TaskStatusWaitingForApproval, ApprovalPending, cutoff)
		if err != nil {
			return fmt.Errorf("query expired approvals: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired approval: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expired approvals: %w", err)
		}

		for _, id := range ids {
			_, err := s.recordDecisionTx(ctx, tx, out, id, DecisionInput{
				Decision:  DecisionReject,
				DecidedBy: "system",
				Reason:    "timeout",
			})
			if errors.Is(err, ErrAlreadyDecided) {
				continue
			}
			if err != nil {
				return err
			}
			expired = append(expired, id)
		}
		return nil
	})
	return expired, err
}
