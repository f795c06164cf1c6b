package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/agentq/internal/bus"
)

// SweepResult counts what one recovery pass reclaimed.
type SweepResult struct {
	LeasesCleared    int64 `json:"leases_cleared"`
	SessionsStopped  int64 `json:"sessions_stopped"`
	MessagesRequeued int64 `json:"messages_requeued"`
}

// Sweep reclaims work orphaned by crashed workers. Expired leases on pending
// or running sessions are cleared, honoring a stop flag the dead worker never
// saw. Messages stuck processing past staleAfter on an unleased pending or
// running session go back to queued with their attempt count intact.
// Waiting and terminal sessions are never touched.
func (s *Store) Sweep(ctx context.Context, staleAfter time.Duration) (SweepResult, error) {
	if staleAfter <= 0 {
		staleAfter = s.LeaseDuration()
	}
	var result SweepResult
	err := s.inTx(ctx, "sweep", func(tx *sql.Tx, out *outbox) error {
		result = SweepResult{}
		now := s.clock()

		type expiredLease struct {
			sessionID string
			token     string
			status    TaskStatus
			stop      bool
		}
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT session_id, lease_token, status, stop_requested
			FROM agent_v2_task_states
			WHERE status IN (?, ?)
			  AND lease_token IS NOT NULL
			  AND lease_expires_at <= ?;
		`), TaskStatusPending, TaskStatusRunning, now)
		if err != nil {
			return fmt.Errorf("query expired leases: %w", err)
		}
		var expired []expiredLease
		for rows.Next() {
			var e expiredLease
			var stop int
			if err := rows.Scan(&e.sessionID, &e.token, &e.status, &stop); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease: %w", err)
			}
			e.stop = stop != 0
			expired = append(expired, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expired leases: %w", err)
		}

		for _, e := range expired {
			next := e.status
			if e.stop {
				next = TaskStatusStopped
			}
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE agent_v2_task_states
				SET lease_token = NULL, lease_expires_at = NULL, status = ?,
					stop_requested = 0, updated_at = ?
				WHERE session_id = ? AND lease_token = ?;
			`), next, now, e.sessionID, e.token)
			if err != nil {
				return fmt.Errorf("clear expired lease: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			result.LeasesCleared++
			if err := s.appendEventTx(ctx, tx, e.sessionID, 0, e.status, next, "session.lease_expired", jsonPayload("lease", e.token)); err != nil {
				return err
			}
			if e.stop {
				result.SessionsStopped++
				out.add(bus.TopicSessionStopped, bus.SessionEvent{SessionID: e.sessionID, From: string(e.status), To: string(next), Reason: "lease_expired"})
			}
		}

		type staleMessage struct {
			id        int64
			sessionID string
		}
		rows, err = tx.QueryContext(ctx, s.q(`
			SELECT m.id, m.session_id
			FROM agent_v2_message_queue m
			JOIN agent_v2_task_states t ON t.session_id = m.session_id
			WHERE m.status = ?
			  AND m.updated_at <= ?
			  AND t.status IN (?, ?)
			  AND t.lease_token IS NULL
			ORDER BY m.id ASC;
		`), MessageStatusProcessing, now.Add(-staleAfter), TaskStatusPending, TaskStatusRunning)
		if err != nil {
			return fmt.Errorf("query stale messages: %w", err)
		}
		var stale []staleMessage
		for rows.Next() {
			var m staleMessage
			if err := rows.Scan(&m.id, &m.sessionID); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale message: %w", err)
			}
			stale = append(stale, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stale messages: %w", err)
		}

		for _, m := range stale {
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE agent_v2_message_queue
				SET status = ?, not_before = ?, updated_at = ?
				WHERE id = ? AND status = ?;
			`), MessageStatusQueued, now, now, m.id, MessageStatusProcessing)
			if err != nil {
				return fmt.Errorf("requeue stale message: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			result.MessagesRequeued++
			if err := s.appendEventTx(ctx, tx, m.sessionID, m.id, "", "", "message.requeued", jsonPayload("reason", "stale_processing")); err != nil {
				return err
			}
		}

		if result.LeasesCleared > 0 || result.MessagesRequeued > 0 {
			out.add(bus.TopicSweeperReclaimed, bus.SweepEvent{LeasesCleared: result.LeasesCleared, MessagesRequeued: result.MessagesRequeued})
			out.add(bus.TopicDispatcherWakeup, bus.WakeupEvent{Reason: "sweep"})
		}
		return nil
	})
	return result, err
}
