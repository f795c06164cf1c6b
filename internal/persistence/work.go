package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/basket/agentq/internal/bus"
)

type WorkKind int

const (
	// WorkNone means no open message is left; the session can complete.
	WorkNone WorkKind = iota
	// WorkDeferred means the head message is still backing off.
	WorkDeferred
	// WorkMessage carries a message to start or continue.
	WorkMessage
	// WorkResume carries a decided approval gate to resume.
	WorkResume
	// WorkAwaitingDecision means the pending tool call is still undecided.
	WorkAwaitingDecision
)

func (k WorkKind) String() string {
	switch k {
	case WorkNone:
		return "none"
	case WorkDeferred:
		return "deferred"
	case WorkMessage:
		return "message"
	case WorkResume:
		return "resume"
	case WorkAwaitingDecision:
		return "awaiting_decision"
	default:
		return "unknown"
	}
}

// Work is the unit handed to the loop runner for one claim.
type Work struct {
	Kind    WorkKind
	State   TaskState
	Message *QueuedMessage
	// Fresh is set when the message starts a new task in this claim.
	Fresh bool
}

// Checkpoint is the lease holder's view of the loop, written back atomically.
type Checkpoint struct {
	Context      ProcessingContext
	Metadata     ExecutionMetadata
	LoopCount    int
	MistakeCount int
}

// CheckpointOf captures the writable part of a task state.
func CheckpointOf(st *TaskState) Checkpoint {
	return Checkpoint{
		Context:      st.ProcessingContext,
		Metadata:     st.ExecutionMetadata,
		LoopCount:    st.CurrentLoopCount,
		MistakeCount: st.ConsecutiveMistakeCount,
	}
}

func (cp Checkpoint) apply(u *stateUpdate) {
	u.context = cp.Context
	u.metadata = cp.Metadata
	u.loopCount = cp.LoopCount
	u.mistakes = cp.MistakeCount
}

// BeginWork prepares the claimed session for one unit of work. A pending
// session moves to running with fresh counters. The oldest queued message
// past the watermark is marked processing and its attempt count bumped; a
// message already in flight is continued as is.
func (s *Store) BeginWork(ctx context.Context, lease *Lease) (*Work, error) {
	var work *Work
	err := s.inTx(ctx, "begin work", func(tx *sql.Tx, out *outbox) error {
		work = nil
		st, err := s.loadLeasedTx(ctx, tx, lease)
		if err != nil {
			return err
		}
		now := s.clock()
		from := st.Status
		if st.Status == TaskStatusPending {
			st.Status = TaskStatusRunning
			st.CurrentLoopCount = 0
			st.ConsecutiveMistakeCount = 0
		}
		if !canTransition(from, st.Status) || st.Status != TaskStatusRunning {
			return &TransitionError{SessionID: st.SessionID, From: from, To: TaskStatusRunning, Op: "begin work"}
		}
		st.ExecutionMetadata.Claims++
		st.ExecutionMetadata.LastClaimAt = &now
		st.ApprovalState = ApprovalNone
		st.ApprovalRequestedAt = nil

		w := &Work{}
		pc := &st.ProcessingContext
		switch {
		case pc.Pending != nil:
			msg, err := s.getMessageTx(ctx, tx, pc.Pending.MessageID)
			if err != nil {
				return err
			}
			w.Message = msg
			w.Kind = WorkAwaitingDecision
			if pc.Pending.Decision != nil {
				w.Kind = WorkResume
			}
			// An approved call whose execution failed transiently comes
			// back queued with backoff.
			if msg.Status == MessageStatusQueued {
				if msg.NotBefore.After(now) {
					w.Kind = WorkDeferred
				} else if err := s.markProcessingTx(ctx, tx, msg, now); err != nil {
					return err
				}
			}
		default:
			head, err := s.headMessageTx(ctx, tx, st.SessionID, st.LastProcessedMessageID)
			if err != nil {
				return err
			}
			switch {
			case head == nil:
				w.Kind = WorkNone
			case head.Status == MessageStatusQueued && head.NotBefore.After(now):
				w.Kind = WorkDeferred
				w.Message = head
			default:
				w.Kind = WorkMessage
				w.Message = head
				if head.Status == MessageStatusQueued {
					if err := s.markProcessingTx(ctx, tx, head, now); err != nil {
						return err
					}
				}
				if pc.InFlightMessageID != head.ID {
					w.Fresh = true
					pc.InFlightMessageID = head.ID
					st.CurrentLoopCount = 0
					pc.Append(Turn{Role: RoleUser, Content: head.Content, MessageID: head.ID, At: now})
				}
			}
		}

		u := updateFrom(st)
		if err := s.writeLeasedTx(ctx, tx, lease, from, u); err != nil {
			return err
		}
		if from != st.Status {
			if err := s.appendEventTx(ctx, tx, st.SessionID, 0, from, st.Status, "session.started", "{}"); err != nil {
				return err
			}
			out.add(bus.TopicSessionState, bus.SessionEvent{SessionID: st.SessionID, From: string(from), To: string(st.Status)})
		}
		st.UpdatedAt = now
		w.State = *st
		work = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return work, nil
}

func (s *Store) markProcessingTx(ctx context.Context, tx *sql.Tx, msg *QueuedMessage, now time.Time) error {
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE agent_v2_message_queue
		SET status = ?, processing_attempts = processing_attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?;
	`), MessageStatusProcessing, now, msg.ID, MessageStatusQueued); err != nil {
		return fmt.Errorf("mark message processing: %w", err)
	}
	msg.Status = MessageStatusProcessing
	msg.ProcessingAttempts++
	msg.UpdatedAt = now
	return s.appendEventTx(ctx, tx, msg.SessionID, msg.ID, "", "", "message.processing",
		jsonPayload("attempt", strconv.Itoa(msg.ProcessingAttempts)))
}

// SaveCheckpoint persists the loop's progress without changing status.
func (s *Store) SaveCheckpoint(ctx context.Context, lease *Lease, cp Checkpoint) error {
	return s.inTx(ctx, "checkpoint", func(tx *sql.Tx, out *outbox) error {
		st, err := s.loadLeasedTx(ctx, tx, lease)
		if err != nil {
			return err
		}
		u := updateFrom(st)
		cp.apply(&u)
		if err := s.writeLeasedTx(ctx, tx, lease, st.Status, u); err != nil {
			return err
		}
		if id := cp.Context.InFlightMessageID; id != 0 {
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE agent_v2_message_queue SET updated_at = ? WHERE id = ? AND status = ?;
			`), s.clock(), id, MessageStatusProcessing); err != nil {
				return fmt.Errorf("touch in-flight message: %w", err)
			}
		}
		return nil
	})
}

// CompleteMessage marks the in-flight message processed and advances the
// watermark in one transaction. The mistake count resets.
func (s *Store) CompleteMessage(ctx context.Context, lease *Lease, messageID int64, result string, cp Checkpoint) error {
	return s.inTx(ctx, "complete message", func(tx *sql.Tx, out *outbox) error {
		st, err := s.loadLeasedTx(ctx, tx, lease)
		if err != nil {
			return err
		}
		now := s.clock()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE agent_v2_message_queue
			SET status = ?, processed_at = ?, processing_result = ?, updated_at = ?
			WHERE id = ? AND session_id = ? AND status = ?;
		`), MessageStatusProcessed, now, result, now, messageID, lease.SessionID, MessageStatusProcessing)
		if err != nil {
			return fmt.Errorf("mark message processed: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("message %d is not processing: %w", messageID, ErrInvalidTransition)
		}
		if err := s.fail("complete.after_message"); err != nil {
			return err
		}

		u := updateFrom(st)
		cp.apply(&u)
		u.mistakes = 0
		u.watermark = messageID
		u.context.InFlightMessageID = 0
		u.context.Pending = nil
		if err := s.writeLeasedTx(ctx, tx, lease, st.Status, u); err != nil {
			return err
		}
		if err := s.appendEventTx(ctx, tx, lease.SessionID, messageID, "", "", "message.processed", "{}"); err != nil {
			return err
		}
		out.add(bus.TopicMessageProcessed, bus.SessionEvent{SessionID: lease.SessionID, MessageID: messageID})
		return nil
	})
}

// ParkForApproval stores the pending tool call, moves the session to
// waiting_for_approval and releases the lease. The in-flight message stays
// processing and the watermark does not move. When a stop was requested
// during the claim the session is stopped instead and no approval is opened.
func (s *Store) ParkForApproval(ctx context.Context, lease *Lease, cp Checkpoint) error {
	if cp.Context.Pending == nil {
		return fmt.Errorf("park for approval: no pending tool call: %w", ErrInvalidInput)
	}
	err := s.inTx(ctx, "park for approval", func(tx *sql.Tx, out *outbox) error {
		st, err := s.loadLeasedTx(ctx, tx, lease)
		if err != nil {
			return err
		}
		now := s.clock()
		u := updateFrom(st)
		cp.apply(&u)
		u.context.Pending.Decision = nil
		u.status = TaskStatusWaitingForApproval
		u.approval = ApprovalPending
		u.approvalAt = &now
		u.release = true
		stopped := honorStop(st, &u)
		if stopped {
			// The call stays in the checkpoint; a reset asks for approval again.
			u.approval = ApprovalNone
			u.approvalAt = nil
		}
		if !canTransition(st.Status, u.status) {
			return &TransitionError{SessionID: st.SessionID, From: st.Status, To: u.status, Op: "park for approval"}
		}
		if err := s.writeLeasedTx(ctx, tx, lease, st.Status, u); err != nil {
			return err
		}
		pending := cp.Context.Pending
		if stopped {
			return s.stoppedTx(ctx, tx, out, st, pending.MessageID)
		}
		if err := s.appendEventTx(ctx, tx, st.SessionID, pending.MessageID, st.Status, TaskStatusWaitingForApproval,
			"approval.requested", jsonPayload("tool", pending.Name, "tool_call_id", pending.ID)); err != nil {
			return err
		}
		out.add(bus.TopicApprovalRequested, bus.SessionEvent{
			SessionID: st.SessionID, MessageID: pending.MessageID, ToolName: pending.Name,
			From: string(st.Status), To: string(TaskStatusWaitingForApproval),
		})
		return nil
	})
	if err == nil || errors.Is(err, ErrLeaseLost) {
		lease.markReleased()
	}
	return err
}

// StopInFlight honors a stop request: the session becomes stopped and the
// lease is released. The in-flight message is left processing so a reset
// resumes it with its conversation intact.
func (s *Store) StopInFlight(ctx context.Context, lease *Lease, cp Checkpoint) error {
	err := s.inTx(ctx, "stop in flight", func(tx *sql.Tx, out *outbox) error {
		st, err := s.loadLeasedTx(ctx, tx, lease)
		if err != nil {
			return err
		}
		if !canTransition(st.Status, TaskStatusStopped) {
			return &TransitionError{SessionID: st.SessionID, From: st.Status, To: TaskStatusStopped, Op: "stop"}
		}
		u := updateFrom(st)
		cp.apply(&u)
		u.status = TaskStatusStopped
		u.release = true
		u.stopCleared = true
		if err := s.writeLeasedTx(ctx, tx, lease, st.Status, u); err != nil {
			return err
		}
		return s.stoppedTx(ctx, tx, out, st, cp.Context.InFlightMessageID)
	})
	if err == nil || errors.Is(err, ErrLeaseLost) {
		lease.markReleased()
	}
	return err
}

// honorStop redirects a lease holder's exit to stopped when a stop was
// requested during the claim, so the flag never outlives the lease. A session
// tripping into error keeps that status; reset clears it either way.
func honorStop(st *TaskState, u *stateUpdate) bool {
	if !st.StopRequested || !u.release {
		return false
	}
	u.stopCleared = true
	if u.status == TaskStatusError || !canTransition(st.Status, TaskStatusStopped) {
		return false
	}
	u.status = TaskStatusStopped
	return true
}

func (s *Store) stoppedTx(ctx context.Context, tx *sql.Tx, out *outbox, st *TaskState, messageID int64) error {
	if err := s.appendEventTx(ctx, tx, st.SessionID, messageID, st.Status, TaskStatusStopped, "session.stopped", jsonPayload("reason", "stop_requested")); err != nil {
		return err
	}
	out.add(bus.TopicSessionStopped, bus.SessionEvent{SessionID: st.SessionID, From: string(st.Status), To: string(TaskStatusStopped)})
	return nil
}

// Failure reason codes recorded on FailureDecision.
const (
	ReasonRetryTransient    = "RETRY_TRANSIENT"
	ReasonRetryAgentError   = "RETRY_AGENT_ERROR"
	ReasonFailedMaxAttempts = "FAILED_MAX_ATTEMPTS"
	ReasonFailedPermanent   = "FAILED_PERMANENT"
	ReasonCircuitOpen       = "CIRCUIT_OPEN"
)

type FailureOutcome string

const (
	// FailureOutcomeRetried requeues the message with backoff.
	FailureOutcomeRetried FailureOutcome = "retried"
	// FailureOutcomeMessageFailed gives up on the message; the session goes on.
	FailureOutcomeMessageFailed FailureOutcome = "message_failed"
	// FailureOutcomeCircuitOpen parks the session in error.
	FailureOutcomeCircuitOpen FailureOutcome = "circuit_open"
)

// FailurePolicy bounds retries and the mistake circuit breaker.
type FailurePolicy struct {
	MistakeThreshold int
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

func DefaultFailurePolicy() FailurePolicy {
	return FailurePolicy{
		MistakeThreshold: 3,
		MaxAttempts:      5,
		BackoffBase:      time.Second,
		BackoffMax:       5 * time.Minute,
	}
}

func (p FailurePolicy) normalized() FailurePolicy {
	d := DefaultFailurePolicy()
	if p.MistakeThreshold <= 0 {
		p.MistakeThreshold = d.MistakeThreshold
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	return p
}

// FailureInput describes a failed iteration of the in-flight message.
type FailureInput struct {
	MessageID int64
	Err       string
	// Agent marks failures caused by the agent itself; they count as mistakes.
	Agent bool
	// Permanent skips the retry and fails the message immediately.
	Permanent  bool
	Checkpoint Checkpoint
}

type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	ReasonCode   string         `json:"reason_code"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`
	MistakeCount int            `json:"mistake_count"`
	Threshold    int            `json:"threshold"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
	Status       TaskStatus     `json:"status"`
}

// RecordFailure applies the retry and circuit breaker policy to a failed
// iteration and releases the lease. Transient failures never count toward
// the mistake threshold; every failure counts toward MaxAttempts.
func (s *Store) RecordFailure(ctx context.Context, lease *Lease, in FailureInput, policy FailurePolicy) (FailureDecision, error) {
	policy = policy.normalized()
	var decision FailureDecision
	err := s.inTx(ctx, "record failure", func(tx *sql.Tx, out *outbox) error {
		st, err := s.loadLeasedTx(ctx, tx, lease)
		if err != nil {
			return err
		}
		msg, err := s.getMessageTx(ctx, tx, in.MessageID)
		if err != nil {
			return err
		}
		if msg.SessionID != st.SessionID || msg.Status != MessageStatusProcessing {
			return fmt.Errorf("message %d is not in flight for %q: %w", in.MessageID, st.SessionID, ErrInvalidTransition)
		}

		now := s.clock()
		mistakes := st.ConsecutiveMistakeCount
		if in.Agent {
			mistakes++
		}
		decision = FailureDecision{
			Attempt:      msg.ProcessingAttempts,
			MaxAttempts:  policy.MaxAttempts,
			MistakeCount: mistakes,
			Threshold:    policy.MistakeThreshold,
		}

		u := updateFrom(st)
		in.Checkpoint.apply(&u)
		u.mistakes = mistakes
		u.release = true
		u.metadata.Failures++
		u.metadata.LastError = in.Err

		switch {
		case in.Agent && mistakes >= policy.MistakeThreshold:
			decision.Outcome = FailureOutcomeCircuitOpen
			decision.ReasonCode = ReasonCircuitOpen
			u.status = TaskStatusError
		case in.Permanent || msg.ProcessingAttempts >= policy.MaxAttempts:
			decision.Outcome = FailureOutcomeMessageFailed
			decision.ReasonCode = ReasonFailedMaxAttempts
			if in.Permanent {
				decision.ReasonCode = ReasonFailedPermanent
			}
			u.status = TaskStatusRunning
		default:
			decision.Outcome = FailureOutcomeRetried
			decision.ReasonCode = ReasonRetryTransient
			if in.Agent {
				decision.ReasonCode = ReasonRetryAgentError
			}
			u.status = TaskStatusRunning
		}

		if decision.Outcome == FailureOutcomeRetried {
			until := now.Add(retryDelay(st.SessionID+":"+strconv.FormatInt(msg.ID, 10), msg.ProcessingAttempts, policy.BackoffBase, policy.BackoffMax))
			decision.BackoffUntil = &until
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE agent_v2_message_queue
				SET status = ?, not_before = ?, error_message = ?, updated_at = ?
				WHERE id = ? AND status = ?;
			`), MessageStatusQueued, until, in.Err, now, msg.ID, MessageStatusProcessing); err != nil {
				return fmt.Errorf("requeue failed message: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE agent_v2_message_queue
				SET status = ?, processed_at = ?, error_message = ?, updated_at = ?
				WHERE id = ? AND status = ?;
			`), MessageStatusFailed, now, in.Err, now, msg.ID, MessageStatusProcessing); err != nil {
				return fmt.Errorf("mark message failed: %w", err)
			}
			u.watermark = msg.ID
			u.context.InFlightMessageID = 0
			u.context.Pending = nil
			if u.status == TaskStatusRunning {
				open, err := s.hasOpenMessagesTx(ctx, tx, st.SessionID)
				if err != nil {
					return err
				}
				if !open {
					u.status = TaskStatusCompleted
				}
			}
		}
		stopped := honorStop(st, &u)
		decision.Status = u.status

		if !canTransition(st.Status, u.status) {
			return &TransitionError{SessionID: st.SessionID, From: st.Status, To: u.status, Op: "record failure"}
		}
		if err := s.writeLeasedTx(ctx, tx, lease, st.Status, u); err != nil {
			return err
		}
		if err := s.appendEventTx(ctx, tx, st.SessionID, msg.ID, st.Status, u.status, "message."+string(decision.Outcome),
			jsonPayload("reason_code", decision.ReasonCode, "error", in.Err)); err != nil {
			return err
		}

		ev := bus.SessionEvent{SessionID: st.SessionID, MessageID: msg.ID, From: string(st.Status), To: string(u.status), Reason: decision.ReasonCode}
		switch decision.Outcome {
		case FailureOutcomeRetried:
			out.add(bus.TopicMessageRetrying, ev)
		case FailureOutcomeMessageFailed:
			out.add(bus.TopicMessageFailed, ev)
		case FailureOutcomeCircuitOpen:
			out.add(bus.TopicMessageFailed, ev)
			out.add(bus.TopicCircuitOpen, ev)
		}
		if stopped {
			return s.stoppedTx(ctx, tx, out, st, msg.ID)
		}
		return nil
	})
	if err == nil || errors.Is(err, ErrLeaseLost) {
		lease.markReleased()
	}
	return decision, err
}

func hashString(input string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return h.Sum64()
}

// retryDelay is exponential in attempt, capped at max, with deterministic
// jitter of up to half the base delay derived from key.
func retryDelay(key string, attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	jitterMax := delay / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitter := time.Duration(hashString(key+":"+strconv.Itoa(attempt)) % uint64(jitterMax))
	delay += jitter
	if delay > max {
		delay = max
	}
	return delay
}
