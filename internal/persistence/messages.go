package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/agentq/internal/bus"
	"github.com/google/uuid"
)

const messageColumns = `id, session_id, message_id, sender_id, content, status, processing_attempts,
	not_before, processed_at, COALESCE(error_message, ''), COALESCE(processing_result, ''),
	created_at, updated_at`

// EnqueueInput is one inbound message from ingress.
type EnqueueInput struct {
	SessionID string
	MessageID string
	SenderID  string
	Content   string
}

func scanMessage(scanFn func(dest ...any) error, m *QueuedMessage) error {
	var processedAt sql.NullTime
	if err := scanFn(
		&m.ID, &m.SessionID, &m.MessageID, &m.SenderID, &m.Content, &m.Status, &m.ProcessingAttempts,
		&m.NotBefore, &processedAt, &m.ErrorMessage, &m.ProcessingResult,
		&m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return err
	}
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	return nil
}

// Enqueue appends a message to the session's queue. It is idempotent on
// (SessionID, MessageID): a duplicate returns the existing row and false.
// The session's task state is created lazily as pending, and a completed
// session is reopened.
func (s *Store) Enqueue(ctx context.Context, in EnqueueInput) (*QueuedMessage, bool, error) {
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.MessageID = strings.TrimSpace(in.MessageID)
	if in.SessionID == "" || in.MessageID == "" {
		return nil, false, fmt.Errorf("enqueue: session id and message id are required: %w", ErrInvalidInput)
	}

	var msg QueuedMessage
	var created bool
	err := s.inTx(ctx, "enqueue", func(tx *sql.Tx, out *outbox) error {
		created = false
		now := s.clock()

		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO agent_v2_task_states (id, session_id, status, processing_context, execution_metadata, created_at, updated_at)
			VALUES (?, ?, ?, '{}', '{}', ?, ?)
			ON CONFLICT (session_id) DO NOTHING;
		`), uuid.NewString(), in.SessionID, TaskStatusPending, now, now)
		if err != nil {
			return fmt.Errorf("ensure task state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if err := s.appendEventTx(ctx, tx, in.SessionID, 0, "", TaskStatusPending, "session.created", "{}"); err != nil {
				return err
			}
		}

		var id int64
		err = tx.QueryRowContext(ctx, s.q(`
			INSERT INTO agent_v2_message_queue (session_id, message_id, sender_id, content, status, processing_attempts, not_before, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT (session_id, message_id) DO NOTHING
			RETURNING id;
		`), in.SessionID, in.MessageID, in.SenderID, in.Content, MessageStatusQueued, now, now, now).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Duplicate logical message.
		case err != nil:
			return fmt.Errorf("insert queued message: %w", err)
		default:
			created = true
		}

		row := tx.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+`
			FROM agent_v2_message_queue WHERE session_id = ? AND message_id = ?;`), in.SessionID, in.MessageID)
		if err := scanMessage(row.Scan, &msg); err != nil {
			return fmt.Errorf("read queued message: %w", err)
		}
		if !created {
			return nil
		}

		if err := s.appendEventTx(ctx, tx, in.SessionID, msg.ID, "", "", "message.enqueued", jsonPayload("message_id", in.MessageID)); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, s.q(`
			UPDATE agent_v2_task_states SET status = ?, updated_at = ?
			WHERE session_id = ? AND status = ?;
		`), TaskStatusPending, now, in.SessionID, TaskStatusCompleted)
		if err != nil {
			return fmt.Errorf("reopen completed session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if err := s.appendEventTx(ctx, tx, in.SessionID, msg.ID, TaskStatusCompleted, TaskStatusPending, "session.reopened", "{}"); err != nil {
				return err
			}
			out.add(bus.TopicSessionState, bus.SessionEvent{SessionID: in.SessionID, From: string(TaskStatusCompleted), To: string(TaskStatusPending)})
		}
		out.add(bus.TopicMessageEnqueued, bus.SessionEvent{SessionID: in.SessionID, MessageID: msg.ID})
		out.add(bus.TopicDispatcherWakeup, bus.WakeupEvent{SessionID: in.SessionID, Reason: "enqueue"})
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &msg, created, nil
}

// GetMessage returns a queue row by its id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*QueuedMessage, error) {
	var msg QueuedMessage
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM agent_v2_message_queue WHERE id = ?;`), id)
	if err := scanMessage(row.Scan, &msg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// FindMessage looks a row up by its ingress key.
func (s *Store) FindMessage(ctx context.Context, sessionID, messageID string) (*QueuedMessage, error) {
	var msg QueuedMessage
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+`
		FROM agent_v2_message_queue WHERE session_id = ? AND message_id = ?;`), sessionID, messageID)
	if err := scanMessage(row.Scan, &msg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %q in %q: %w", messageID, sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("find message: %w", err)
	}
	return &msg, nil
}

func (s *Store) getMessageTx(ctx context.Context, tx *sql.Tx, id int64) (*QueuedMessage, error) {
	var msg QueuedMessage
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM agent_v2_message_queue WHERE id = ?;`), id)
	if err := scanMessage(row.Scan, &msg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns a session's queue rows in processing order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]QueuedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+messageColumns+`
		FROM agent_v2_message_queue WHERE session_id = ? ORDER BY id ASC LIMIT ?;`), sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var msg QueuedMessage
		if err := scanMessage(rows.Scan, &msg); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// headMessageTx returns the oldest non-terminal message past the watermark.
func (s *Store) headMessageTx(ctx context.Context, tx *sql.Tx, sessionID string, watermark int64) (*QueuedMessage, error) {
	var msg QueuedMessage
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+`
		FROM agent_v2_message_queue
		WHERE session_id = ? AND status IN (?, ?) AND id > ?
		ORDER BY id ASC LIMIT 1;`), sessionID, MessageStatusQueued, MessageStatusProcessing, watermark)
	if err := scanMessage(row.Scan, &msg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select head message: %w", err)
	}
	return &msg, nil
}

// hasOpenMessagesTx reports whether the session has queued or in-flight messages.
func (s *Store) hasOpenMessagesTx(ctx context.Context, tx *sql.Tx, sessionID string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, s.q(`
		SELECT COUNT(1) FROM agent_v2_message_queue WHERE session_id = ? AND status IN (?, ?);
	`), sessionID, MessageStatusQueued, MessageStatusProcessing).Scan(&n); err != nil {
		return false, fmt.Errorf("count open messages: %w", err)
	}
	return n > 0, nil
}

// QueueDepth counts messages by status across all sessions.
func (s *Store) QueueDepth(ctx context.Context) (map[MessageStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM agent_v2_message_queue GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()
	out := make(map[MessageStatus]int)
	for rows.Next() {
		var status MessageStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
