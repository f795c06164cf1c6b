package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskStateColumns = `id, session_id, status, current_loop_count, consecutive_mistake_count,
	last_processed_message_id, processing_context, execution_metadata, COALESCE(lease_token, ''),
	lease_expires_at, stop_requested, approval_state, approval_requested_at, created_at, updated_at`

func scanTaskState(scanFn func(dest ...any) error, st *TaskState) error {
	var (
		rawContext  string
		rawMetadata string
		leaseExp    sql.NullTime
		approvalAt  sql.NullTime
		stop        int
	)
	if err := scanFn(
		&st.ID, &st.SessionID, &st.Status, &st.CurrentLoopCount, &st.ConsecutiveMistakeCount,
		&st.LastProcessedMessageID, &rawContext, &rawMetadata, &st.LeaseToken,
		&leaseExp, &stop, &st.ApprovalState, &approvalAt, &st.CreatedAt, &st.UpdatedAt,
	); err != nil {
		return err
	}
	st.StopRequested = stop != 0
	if leaseExp.Valid {
		t := leaseExp.Time
		st.LeaseExpiresAt = &t
	}
	if approvalAt.Valid {
		t := approvalAt.Time
		st.ApprovalRequestedAt = &t
	}
	var err error
	if st.ProcessingContext, err = decodeContext(rawContext); err != nil {
		return err
	}
	if st.ExecutionMetadata, err = decodeMetadata(rawMetadata); err != nil {
		return err
	}
	return nil
}

// GetTaskState returns the checkpoint for a session.
func (s *Store) GetTaskState(ctx context.Context, sessionID string) (*TaskState, error) {
	var st TaskState
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskStateColumns+` FROM agent_v2_task_states WHERE session_id = ?;`), sessionID)
	if err := scanTaskState(row.Scan, &st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("get task state: %w", err)
	}
	return &st, nil
}

// loadStateTx reads and, on Postgres, row-locks the session's task state.
func (s *Store) loadStateTx(ctx context.Context, tx *sql.Tx, sessionID string) (*TaskState, error) {
	var st TaskState
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+taskStateColumns+`
		FROM agent_v2_task_states WHERE session_id = ?`+s.dialect.forUpdate+`;`), sessionID)
	if err := scanTaskState(row.Scan, &st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("load task state: %w", err)
	}
	return &st, nil
}

// loadLeasedTx loads the task state and verifies the caller still holds the lease.
func (s *Store) loadLeasedTx(ctx context.Context, tx *sql.Tx, lease *Lease) (*TaskState, error) {
	if lease == nil || lease.Token == "" {
		return nil, ErrLeaseLost
	}
	st, err := s.loadStateTx(ctx, tx, lease.SessionID)
	if err != nil {
		return nil, err
	}
	if st.LeaseToken != lease.Token {
		return nil, fmt.Errorf("session %q: %w", lease.SessionID, ErrLeaseLost)
	}
	return st, nil
}

// stateUpdate is the set of checkpoint columns written by lease holders.
type stateUpdate struct {
	status      TaskStatus
	loopCount   int
	mistakes    int
	watermark   int64
	context     ProcessingContext
	metadata    ExecutionMetadata
	release     bool
	approval    string
	approvalAt  *time.Time
	stopCleared bool
}

func updateFrom(st *TaskState) stateUpdate {
	return stateUpdate{
		status:     st.Status,
		loopCount:  st.CurrentLoopCount,
		mistakes:   st.ConsecutiveMistakeCount,
		watermark:  st.LastProcessedMessageID,
		context:    st.ProcessingContext,
		metadata:   st.ExecutionMetadata,
		approval:   st.ApprovalState,
		approvalAt: st.ApprovalRequestedAt,
	}
}

// writeLeasedTx persists a checkpoint fenced by the lease token. When release
// is set the lease columns are cleared in the same statement.
func (s *Store) writeLeasedTx(ctx context.Context, tx *sql.Tx, lease *Lease, from TaskStatus, u stateUpdate) error {
	rawContext, err := encodeJSON(u.context)
	if err != nil {
		return fmt.Errorf("encode processing context: %w", err)
	}
	rawMetadata, err := encodeJSON(u.metadata)
	if err != nil {
		return fmt.Errorf("encode execution metadata: %w", err)
	}
	var approvalAt sql.NullTime
	if u.approvalAt != nil {
		approvalAt = sql.NullTime{Time: *u.approvalAt, Valid: true}
	}
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE agent_v2_task_states
		SET status = ?,
			current_loop_count = ?,
			consecutive_mistake_count = ?,
			last_processed_message_id = CASE WHEN ? > last_processed_message_id THEN ? ELSE last_processed_message_id END,
			processing_context = ?,
			execution_metadata = ?,
			approval_state = ?,
			approval_requested_at = ?,
			stop_requested = CASE WHEN ? THEN 0 ELSE stop_requested END,
			lease_token = CASE WHEN ? THEN NULL ELSE lease_token END,
			lease_expires_at = CASE WHEN ? THEN NULL ELSE lease_expires_at END,
			updated_at = ?
		WHERE session_id = ? AND lease_token = ? AND status = ?;
	`), u.status, u.loopCount, u.mistakes, u.watermark, u.watermark, rawContext, rawMetadata,
		u.approval, approvalAt, u.stopCleared, u.release, u.release, s.clock(),
		lease.SessionID, lease.Token, from)
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task state rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("session %q: %w", lease.SessionID, ErrLeaseLost)
	}
	return nil
}

// ListTaskStates returns sessions, optionally filtered by status, most recently
// updated first.
func (s *Store) ListTaskStates(ctx context.Context, status TaskStatus, limit int) ([]TaskState, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskStateColumns + ` FROM agent_v2_task_states`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list task states: %w", err)
	}
	defer rows.Close()

	var out []TaskState
	for rows.Next() {
		var st TaskState
		if err := scanTaskState(rows.Scan, &st); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListAwaitingApproval returns sessions parked on an undecided tool call,
// oldest request first.
func (s *Store) ListAwaitingApproval(ctx context.Context, limit int) ([]TaskState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskStateColumns+`
		FROM agent_v2_task_states
		WHERE status = ? AND approval_state = ?
		ORDER BY approval_requested_at ASC, id ASC LIMIT ?;`), TaskStatusWaitingForApproval, ApprovalPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list awaiting approval: %w", err)
	}
	defer rows.Close()

	var out []TaskState
	for rows.Next() {
		var st TaskState
		if err := scanTaskState(rows.Scan, &st); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of sessions per status.
func (s *Store) StatusCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM agent_v2_task_states GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ListEvents returns a session's transition log, oldest first.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT event_id, session_id, message_id, trace_id, event_type,
			COALESCE(state_from, ''), COALESCE(state_to, ''), payload_json, created_at
		FROM agent_v2_task_events
		WHERE session_id = ?
		ORDER BY event_id ASC LIMIT ?;
	`), sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.MessageID, &ev.TraceID, &ev.EventType,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
