package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/basket/agentq/internal/bus"
	"github.com/google/uuid"
)

// Lease is a time-bounded claim of exclusive processing rights over a session.
// Every write made on behalf of the holder is fenced by Token.
type Lease struct {
	SessionID  string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	// Status is the session status right after the claim.
	Status TaskStatus

	released atomic.Bool
}

// Released reports whether the lease has been given up.
func (l *Lease) Released() bool {
	return l.released.Load()
}

func (l *Lease) markReleased() {
	l.released.Store(true)
}

// claimableWhere selects sessions a worker may claim: unleased, and either
// running-capable with a ready head message, or parked on a decided gate.
// A head message in backoff keeps the whole session back so FIFO holds.
const claimableWhere = `
	lease_token IS NULL AND (
		(status IN ('pending', 'running', 'completed') AND EXISTS (
			SELECT 1 FROM agent_v2_message_queue h
			WHERE h.id = (
				SELECT MIN(q.id) FROM agent_v2_message_queue q
				WHERE q.session_id = agent_v2_task_states.session_id
				  AND q.status IN ('queued', 'processing')
				  AND q.id > agent_v2_task_states.last_processed_message_id
			)
			AND (h.status = 'processing' OR h.not_before <= ?)
		))
		OR (status = 'waiting_for_approval' AND approval_state = 'decided')
	)`

// TryClaim atomically leases sessionID if it is eligible. It returns nil
// without error when the session is not claimable or another worker won.
func (s *Store) TryClaim(ctx context.Context, sessionID string) (*Lease, error) {
	var lease *Lease
	err := s.inTx(ctx, "claim", func(tx *sql.Tx, out *outbox) error {
		lease = nil
		var before TaskStatus
		if err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM agent_v2_task_states WHERE session_id = ?;`), sessionID).Scan(&before); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("read claim candidate: %w", err)
		}

		now := s.clock()
		token := uuid.NewString()
		expires := now.Add(s.LeaseDuration())
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE agent_v2_task_states
			SET lease_token = ?,
				lease_expires_at = ?,
				updated_at = ?,
				status = CASE WHEN status IN ('completed', 'waiting_for_approval') THEN 'running' ELSE status END,
				approval_state = CASE WHEN status = 'waiting_for_approval' THEN '' ELSE approval_state END
			WHERE session_id = ? AND `+claimableWhere+`;
		`), token, expires, now, sessionID, now)
		if err != nil {
			return fmt.Errorf("claim session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}

		var after TaskStatus
		if err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM agent_v2_task_states WHERE session_id = ?;`), sessionID).Scan(&after); err != nil {
			return fmt.Errorf("read claimed status: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, sessionID, 0, before, after, "session.claimed", jsonPayload("lease", token)); err != nil {
			return err
		}
		lease = &Lease{SessionID: sessionID, Token: token, AcquiredAt: now, ExpiresAt: expires, Status: after}
		out.add(bus.TopicSessionClaimed, bus.SessionEvent{SessionID: sessionID, From: string(before), To: string(after)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ClaimCandidates lists claimable sessions, least recently updated first.
func (s *Store) ClaimCandidates(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 8
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT session_id FROM agent_v2_task_states
		WHERE `+claimableWhere+`
		ORDER BY updated_at ASC, id ASC
		LIMIT ?;
	`), s.clock(), limit)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClaimNext claims the first eligible candidate. Losing a race moves on to the
// next candidate; nil means there is nothing to do right now.
func (s *Store) ClaimNext(ctx context.Context, batch int) (*Lease, error) {
	candidates, err := s.ClaimCandidates(ctx, batch)
	if err != nil {
		return nil, err
	}
	for _, sessionID := range candidates {
		lease, err := s.TryClaim(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
	}
	return nil, nil
}

// Release gives up the lease and commits next as the session status. A
// request to complete is downgraded to running when messages are still open,
// so work that arrived during the claim is never stranded. Releasing twice is
// a no-op. A stop requested during the claim wins over next.
func (s *Store) Release(ctx context.Context, lease *Lease, next TaskStatus) error {
	if lease == nil || lease.Released() {
		return nil
	}
	err := s.inTx(ctx, "release", func(tx *sql.Tx, out *outbox) error {
		st, err := s.loadLeasedTx(ctx, tx, lease)
		if err != nil {
			return err
		}
		target := next
		if target == TaskStatusCompleted {
			open, err := s.hasOpenMessagesTx(ctx, tx, lease.SessionID)
			if err != nil {
				return err
			}
			if open {
				target = TaskStatusRunning
			}
		}
		if target == TaskStatusPending {
			target = TaskStatusRunning
		}
		u := updateFrom(st)
		u.status = target
		u.release = true
		stopped := honorStop(st, &u)
		if !canTransition(st.Status, u.status) {
			return &TransitionError{SessionID: lease.SessionID, From: st.Status, To: u.status, Op: "release"}
		}
		if err := s.writeLeasedTx(ctx, tx, lease, st.Status, u); err != nil {
			return err
		}
		if stopped {
			return s.stoppedTx(ctx, tx, out, st, 0)
		}
		if err := s.appendEventTx(ctx, tx, lease.SessionID, 0, st.Status, target, "session.released", jsonPayload("lease", lease.Token)); err != nil {
			return err
		}
		out.add(bus.TopicSessionReleased, bus.SessionEvent{SessionID: lease.SessionID, From: string(st.Status), To: string(target)})
		return nil
	})
	if err == nil || errors.Is(err, ErrLeaseLost) {
		lease.markReleased()
	}
	return err
}

// ExtendLease pushes the lease expiry forward. It returns false when the
// lease is no longer held.
func (s *Store) ExtendLease(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil || lease.Released() {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE agent_v2_task_states SET lease_expires_at = ?
		WHERE session_id = ? AND lease_token = ?;
	`), s.clock().Add(s.LeaseDuration()), lease.SessionID, lease.Token)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease rows affected: %w", err)
	}
	return n == 1, nil
}
