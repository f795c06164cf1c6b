package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentq/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, *persistence.FakeClock, string) {
	t.Helper()
	clock := persistence.NewFakeClock()
	dbPath := filepath.Join(t.TempDir(), "agentq.db")
	store, err := persistence.OpenWithOptions(context.Background(), persistence.Options{
		DSN: dbPath,
		Now: clock.Now,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, clock, dbPath
}

func enqueue(t *testing.T, store *persistence.Store, sessionID, messageID string) *persistence.QueuedMessage {
	t.Helper()
	msg, _, err := store.Enqueue(context.Background(), persistence.EnqueueInput{
		SessionID: sessionID,
		MessageID: messageID,
		SenderID:  "user-1",
		Content:   "content of " + messageID,
	})
	if err != nil {
		t.Fatalf("enqueue %s/%s: %v", sessionID, messageID, err)
	}
	return msg
}

func mustClaim(t *testing.T, store *persistence.Store, sessionID string) *persistence.Lease {
	t.Helper()
	lease, err := store.TryClaim(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("claim %s: %v", sessionID, err)
	}
	if lease == nil {
		t.Fatalf("expected session %s to be claimable", sessionID)
	}
	return lease
}

func mustNotClaim(t *testing.T, store *persistence.Store, sessionID string) {
	t.Helper()
	lease, err := store.TryClaim(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("claim %s: %v", sessionID, err)
	}
	if lease != nil {
		t.Fatalf("expected session %s not to be claimable", sessionID)
	}
}

func mustBegin(t *testing.T, store *persistence.Store, lease *persistence.Lease) *persistence.Work {
	t.Helper()
	work, err := store.BeginWork(context.Background(), lease)
	if err != nil {
		t.Fatalf("begin work: %v", err)
	}
	return work
}

func mustState(t *testing.T, store *persistence.Store, sessionID string) *persistence.TaskState {
	t.Helper()
	st, err := store.GetTaskState(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get task state: %v", err)
	}
	return st
}

func mustMessage(t *testing.T, store *persistence.Store, id int64) *persistence.QueuedMessage {
	t.Helper()
	msg, err := store.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	return msg
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	for _, table := range []string{"schema_migrations", "agent_v2_message_queue", "agent_v2_task_states", "agent_v2_task_events"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
	for _, index := range []string{"idx_mq_session_status_id", "idx_mq_status_updated", "idx_mq_status_not_before", "idx_ts_status_updated"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name = ?", index).Scan(&got); err != nil {
			t.Fatalf("index %s not found: %v", index, err)
		}
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, _, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "agentq.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, checksum TEXT NOT NULL, applied_at TIMESTAMP);`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_UnknownDriverRejected(t *testing.T) {
	_, err := persistence.OpenWithOptions(context.Background(), persistence.Options{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestStore_EnqueueIsIdempotent(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	in := persistence.EnqueueInput{SessionID: "s1", MessageID: "m1", SenderID: "u", Content: "hello"}
	first, created, err := store.Enqueue(ctx, in)
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	in.Content = "hello again"
	second, created, err := store.Enqueue(ctx, in)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created {
		t.Fatal("duplicate enqueue reported a new row")
	}
	if second.ID != first.ID || second.Content != "hello" {
		t.Fatalf("duplicate returned %+v, want original row %d", second, first.ID)
	}

	msgs, err := store.ListMessages(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 row, got %d", len(msgs))
	}
	st := mustState(t, store, "s1")
	if st.Status != persistence.TaskStatusPending {
		t.Fatalf("expected lazily created pending task state, got %s", st.Status)
	}
}

func TestStore_EnqueueRejectsMissingKeys(t *testing.T) {
	store, _, _ := openTestStore(t)
	_, _, err := store.Enqueue(context.Background(), persistence.EnqueueInput{SessionID: "s1"})
	if !errors.Is(err, persistence.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStore_ProcessesMessagesInOrderAndAdvancesWatermark(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	m1 := enqueue(t, store, "s1", "a")
	m2 := enqueue(t, store, "s1", "b")
	enqueue(t, store, "other", "a")

	var processed []int64
	for i := 0; i < 2; i++ {
		lease := mustClaim(t, store, "s1")
		work := mustBegin(t, store, lease)
		if work.Kind != persistence.WorkMessage || !work.Fresh {
			t.Fatalf("claim %d: expected fresh message work, got %s fresh=%v", i, work.Kind, work.Fresh)
		}
		if work.Message.ProcessingAttempts != 1 || work.Message.Status != persistence.MessageStatusProcessing {
			t.Fatalf("claim %d: message not marked processing: %+v", i, work.Message)
		}
		if work.State.Status != persistence.TaskStatusRunning {
			t.Fatalf("claim %d: expected running, got %s", i, work.State.Status)
		}
		if err := store.CompleteMessage(ctx, lease, work.Message.ID, "done", persistence.CheckpointOf(&work.State)); err != nil {
			t.Fatalf("complete message: %v", err)
		}
		st := mustState(t, store, "s1")
		if st.LastProcessedMessageID != work.Message.ID {
			t.Fatalf("watermark = %d, want %d", st.LastProcessedMessageID, work.Message.ID)
		}
		if err := store.Release(ctx, lease, persistence.TaskStatusCompleted); err != nil {
			t.Fatalf("release: %v", err)
		}
		processed = append(processed, work.Message.ID)
	}

	if processed[0] != m1.ID || processed[1] != m2.ID {
		t.Fatalf("processed order %v, want [%d %d]", processed, m1.ID, m2.ID)
	}
	st := mustState(t, store, "s1")
	if st.Status != persistence.TaskStatusCompleted || st.Leased() {
		t.Fatalf("expected completed and unleased, got %s leased=%v", st.Status, st.Leased())
	}
	mustNotClaim(t, store, "s1")
}

func TestStore_ReleaseCompletedWithOpenMessagesStaysRunning(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)
	if err := store.CompleteMessage(ctx, lease, work.Message.ID, "", persistence.CheckpointOf(&work.State)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	enqueue(t, store, "s1", "b")
	if err := store.Release(ctx, lease, persistence.TaskStatusCompleted); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := mustState(t, store, "s1").Status; got != persistence.TaskStatusRunning {
		t.Fatalf("expected running while a message is queued, got %s", got)
	}
	if err := store.Release(ctx, lease, persistence.TaskStatusCompleted); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
}

func TestStore_CompletedSessionReopensOnEnqueue(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)
	if err := store.CompleteMessage(ctx, lease, work.Message.ID, "", persistence.CheckpointOf(&work.State)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Release(ctx, lease, persistence.TaskStatusCompleted); err != nil {
		t.Fatalf("release: %v", err)
	}

	enqueue(t, store, "s1", "b")
	if got := mustState(t, store, "s1").Status; got != persistence.TaskStatusPending {
		t.Fatalf("expected completed session to reopen as pending, got %s", got)
	}
	mustClaim(t, store, "s1")
}

func TestStore_ConcurrentClaimHasSingleWinner(t *testing.T) {
	store, _, _ := openTestStore(t)
	enqueue(t, store, "race", "m1")

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := store.TryClaim(context.Background(), "race")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if lease != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestStore_ClaimCandidatesOldestFirst(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "old", "a")
	clock.Advance(time.Second)
	enqueue(t, store, "new", "a")

	ids, err := store.ClaimCandidates(ctx, 10)
	if err != nil {
		t.Fatalf("claim candidates: %v", err)
	}
	if len(ids) != 2 || ids[0] != "old" || ids[1] != "new" {
		t.Fatalf("candidates = %v, want [old new]", ids)
	}

	lease, err := store.ClaimNext(ctx, 10)
	if err != nil || lease == nil {
		t.Fatalf("claim next: lease=%v err=%v", lease, err)
	}
	if lease.SessionID != "old" {
		t.Fatalf("claimed %q, want old", lease.SessionID)
	}
	ids, err = store.ClaimCandidates(ctx, 10)
	if err != nil {
		t.Fatalf("claim candidates: %v", err)
	}
	if len(ids) != 1 || ids[0] != "new" {
		t.Fatalf("leased session still offered: %v", ids)
	}
}

func TestStore_TransientFailureRequeuesWithBackoff(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	policy := persistence.FailurePolicy{MistakeThreshold: 3, MaxAttempts: 5, BackoffBase: time.Minute, BackoffMax: time.Hour}

	msg := enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)

	dec, err := store.RecordFailure(ctx, lease, persistence.FailureInput{
		MessageID:  msg.ID,
		Err:        "gateway timeout",
		Checkpoint: persistence.CheckpointOf(&work.State),
	}, policy)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if dec.Outcome != persistence.FailureOutcomeRetried || dec.ReasonCode != persistence.ReasonRetryTransient {
		t.Fatalf("unexpected decision %+v", dec)
	}
	if dec.MistakeCount != 0 {
		t.Fatalf("transient failure counted as mistake: %d", dec.MistakeCount)
	}
	if dec.BackoffUntil == nil || dec.BackoffUntil.Before(clock.Now().Add(time.Minute)) {
		t.Fatalf("backoff until %v, want at least a minute out", dec.BackoffUntil)
	}
	if !lease.Released() {
		t.Fatal("failure should release the lease")
	}

	got := mustMessage(t, store, msg.ID)
	if got.Status != persistence.MessageStatusQueued || got.ErrorMessage != "gateway timeout" {
		t.Fatalf("message after failure: %+v", got)
	}
	if st := mustState(t, store, "s1"); st.LastProcessedMessageID != 0 {
		t.Fatalf("watermark advanced on retry: %d", st.LastProcessedMessageID)
	}

	mustNotClaim(t, store, "s1")
	clock.Advance(10 * time.Minute)
	lease = mustClaim(t, store, "s1")
	work = mustBegin(t, store, lease)
	if work.Message.ID != msg.ID || work.Message.ProcessingAttempts != 2 {
		t.Fatalf("expected retry of message %d attempt 2, got %d attempt %d", msg.ID, work.Message.ID, work.Message.ProcessingAttempts)
	}
	if work.Fresh {
		t.Fatal("retry of the in-flight message must not start a fresh task")
	}
}

func TestStore_BackoffHoldsLaterMessages(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()
	policy := persistence.FailurePolicy{MistakeThreshold: 3, MaxAttempts: 5, BackoffBase: time.Minute, BackoffMax: time.Hour}

	first := enqueue(t, store, "s1", "a")
	enqueue(t, store, "s1", "b")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)
	if _, err := store.RecordFailure(ctx, lease, persistence.FailureInput{MessageID: first.ID, Err: "x", Checkpoint: persistence.CheckpointOf(&work.State)}, policy); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	mustNotClaim(t, store, "s1")
}

func TestStore_CircuitBreakerOpensAtThreshold(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	policy := persistence.FailurePolicy{MistakeThreshold: 3, MaxAttempts: 10, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}

	msg := enqueue(t, store, "s1", "a")
	enqueue(t, store, "s1", "b")

	var dec persistence.FailureDecision
	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		lease := mustClaim(t, store, "s1")
		work := mustBegin(t, store, lease)
		var err error
		dec, err = store.RecordFailure(ctx, lease, persistence.FailureInput{
			MessageID:  work.Message.ID,
			Err:        "malformed tool call",
			Agent:      true,
			Checkpoint: persistence.CheckpointOf(&work.State),
		}, policy)
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if dec.MistakeCount != i {
			t.Fatalf("iteration %d: mistake count %d", i, dec.MistakeCount)
		}
		if i < 3 && dec.Outcome != persistence.FailureOutcomeRetried {
			t.Fatalf("iteration %d: expected retry, got %s", i, dec.Outcome)
		}
	}
	if dec.Outcome != persistence.FailureOutcomeCircuitOpen || dec.Status != persistence.TaskStatusError {
		t.Fatalf("expected circuit open, got %+v", dec)
	}

	st := mustState(t, store, "s1")
	if st.Status != persistence.TaskStatusError || st.ConsecutiveMistakeCount != 3 {
		t.Fatalf("state after circuit: %s mistakes=%d", st.Status, st.ConsecutiveMistakeCount)
	}
	if got := mustMessage(t, store, msg.ID); got.Status != persistence.MessageStatusFailed {
		t.Fatalf("tripping message should be failed, got %s", got.Status)
	}
	if st.LastProcessedMessageID != msg.ID {
		t.Fatalf("watermark %d, want %d", st.LastProcessedMessageID, msg.ID)
	}
	clock.Advance(time.Hour)
	mustNotClaim(t, store, "s1")
}

func TestStore_MaxAttemptsFailsMessageAndSessionContinues(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	policy := persistence.FailurePolicy{MistakeThreshold: 3, MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}

	msg := enqueue(t, store, "s1", "a")
	var dec persistence.FailureDecision
	for i := 0; i < 2; i++ {
		clock.Advance(time.Second)
		lease := mustClaim(t, store, "s1")
		work := mustBegin(t, store, lease)
		var err error
		dec, err = store.RecordFailure(ctx, lease, persistence.FailureInput{MessageID: msg.ID, Err: "503", Checkpoint: persistence.CheckpointOf(&work.State)}, policy)
		if err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if dec.Outcome != persistence.FailureOutcomeMessageFailed || dec.ReasonCode != persistence.ReasonFailedMaxAttempts {
		t.Fatalf("expected message failure after max attempts, got %+v", dec)
	}
	st := mustState(t, store, "s1")
	if st.Status != persistence.TaskStatusCompleted {
		t.Fatalf("expected completed session after exhausting its only message, got %s", st.Status)
	}
	if st.ConsecutiveMistakeCount != 0 {
		t.Fatalf("transient exhaustion should not count as mistakes, got %d", st.ConsecutiveMistakeCount)
	}
	if got := mustMessage(t, store, msg.ID); got.Status != persistence.MessageStatusFailed || got.ProcessedAt == nil {
		t.Fatalf("message should be failed with a timestamp: %+v", got)
	}
}

func TestStore_ApprovalGateRoundTrip(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	msg := enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)

	cp := persistence.CheckpointOf(&work.State)
	cp.Context.Pending = &persistence.PendingToolCall{ID: "call-1", Name: "deploy", MessageID: msg.ID}
	if err := store.ParkForApproval(ctx, lease, cp); err != nil {
		t.Fatalf("park: %v", err)
	}
	if !lease.Released() {
		t.Fatal("parking should release the lease")
	}

	st := mustState(t, store, "s1")
	if st.Status != persistence.TaskStatusWaitingForApproval || st.ApprovalState != persistence.ApprovalPending {
		t.Fatalf("expected waiting/pending, got %s/%q", st.Status, st.ApprovalState)
	}
	if st.ProcessingContext.Pending == nil || st.ProcessingContext.Pending.Name != "deploy" {
		t.Fatalf("pending call missing from context: %+v", st.ProcessingContext)
	}
	if st.LastProcessedMessageID != 0 {
		t.Fatal("watermark advanced while the message is in flight")
	}
	if got := mustMessage(t, store, msg.ID); got.Status != persistence.MessageStatusProcessing {
		t.Fatalf("in-flight message should stay processing, got %s", got.Status)
	}
	awaiting, err := store.ListAwaitingApproval(ctx, 10)
	if err != nil || len(awaiting) != 1 {
		t.Fatalf("awaiting approval: %v %v", awaiting, err)
	}

	mustNotClaim(t, store, "s1")

	if _, err := store.RecordDecision(ctx, "s1", persistence.DecisionInput{Decision: "maybe"}); !errors.Is(err, persistence.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := store.RecordDecision(ctx, "s1", persistence.DecisionInput{Decision: persistence.DecisionApprove, ToolCallID: "other"}); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for wrong tool call, got %v", err)
	}
	if _, err := store.RecordDecision(ctx, "s1", persistence.DecisionInput{Decision: persistence.DecisionApprove, ToolCallID: "call-1", DecidedBy: "alice"}); err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if _, err := store.RecordDecision(ctx, "s1", persistence.DecisionInput{Decision: persistence.DecisionReject}); !errors.Is(err, persistence.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}

	lease = mustClaim(t, store, "s1")
	if lease.Status != persistence.TaskStatusRunning {
		t.Fatalf("claim of decided gate should move to running, got %s", lease.Status)
	}
	work = mustBegin(t, store, lease)
	if work.Kind != persistence.WorkResume || work.Message.ID != msg.ID {
		t.Fatalf("expected resume of message %d, got %s", msg.ID, work.Kind)
	}
	if !work.State.ProcessingContext.Pending.Decision.Approved() {
		t.Fatal("decision not visible to the resumed claim")
	}
	if work.Message.ProcessingAttempts != 1 {
		t.Fatalf("resume must not count as a new attempt, got %d", work.Message.ProcessingAttempts)
	}
}

func TestStore_RecordDecisionRequiresWaiting(t *testing.T) {
	store, _, _ := openTestStore(t)
	enqueue(t, store, "s1", "a")

	_, err := store.RecordDecision(context.Background(), "s1", persistence.DecisionInput{Decision: persistence.DecisionApprove})
	if !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	_, err = store.RecordDecision(context.Background(), "missing", persistence.DecisionInput{Decision: persistence.DecisionApprove})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ExpireApprovalsRejectsStaleGates(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()

	msg := enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)
	cp := persistence.CheckpointOf(&work.State)
	cp.Context.Pending = &persistence.PendingToolCall{ID: "call-1", Name: "deploy", MessageID: msg.ID}
	if err := store.ParkForApproval(ctx, lease, cp); err != nil {
		t.Fatalf("park: %v", err)
	}

	if ids, err := store.ExpireApprovals(ctx, time.Hour); err != nil || len(ids) != 0 {
		t.Fatalf("fresh gate expired: ids=%v err=%v", ids, err)
	}
	clock.Advance(2 * time.Hour)
	ids, err := store.ExpireApprovals(ctx, time.Hour)
	if err != nil || len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("expire approvals: ids=%v err=%v", ids, err)
	}
	st := mustState(t, store, "s1")
	d := st.ProcessingContext.Pending.Decision
	if d == nil || d.Decision != persistence.DecisionReject || d.Reason != "timeout" {
		t.Fatalf("expected timeout rejection, got %+v", d)
	}
	mustClaim(t, store, "s1")
}

func TestStore_StopIdleSessionAndReset(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "s1", "a")
	st, err := store.RequestStop(ctx, "s1", "operator")
	if err != nil {
		t.Fatalf("request stop: %v", err)
	}
	if st.Status != persistence.TaskStatusStopped {
		t.Fatalf("expected stopped, got %s", st.Status)
	}
	mustNotClaim(t, store, "s1")

	if _, err := store.RequestStop(ctx, "s1", "again"); err != nil {
		t.Fatalf("stopping a stopped session should be a no-op: %v", err)
	}
	if _, err := store.ResetSession(ctx, "s1", false); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected reset refusal when stopped is terminal, got %v", err)
	}
	st, err = store.ResetSession(ctx, "s1", true)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st.Status != persistence.TaskStatusPending {
		t.Fatalf("expected pending after reset, got %s", st.Status)
	}
	mustClaim(t, store, "s1")
}

func TestStore_StopLeasedSessionFlagsRunner(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	msg := enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)

	st, err := store.RequestStop(ctx, "s1", "operator")
	if err != nil {
		t.Fatalf("request stop: %v", err)
	}
	if !st.StopRequested || st.Status != persistence.TaskStatusRunning {
		t.Fatalf("expected stop flag on running session, got %s stop=%v", st.Status, st.StopRequested)
	}
	stop, err := store.StopRequested(ctx, lease)
	if err != nil || !stop {
		t.Fatalf("stop requested = %v err=%v", stop, err)
	}
	if err := store.StopInFlight(ctx, lease, persistence.CheckpointOf(&work.State)); err != nil {
		t.Fatalf("stop in flight: %v", err)
	}
	st = mustState(t, store, "s1")
	if st.Status != persistence.TaskStatusStopped || st.Leased() || st.StopRequested {
		t.Fatalf("after stop: %s leased=%v stop=%v", st.Status, st.Leased(), st.StopRequested)
	}
	if got := mustMessage(t, store, msg.ID); got.Status != persistence.MessageStatusProcessing {
		t.Fatalf("in-flight message should be kept for resume, got %s", got.Status)
	}

	if _, err := store.ResetSession(ctx, "s1", true); err != nil {
		t.Fatalf("reset: %v", err)
	}
	lease = mustClaim(t, store, "s1")
	work = mustBegin(t, store, lease)
	if work.Kind != persistence.WorkMessage || work.Message.ID != msg.ID || work.Fresh {
		t.Fatalf("expected continuation of message %d, got %s fresh=%v", msg.ID, work.Kind, work.Fresh)
	}
}

func TestStore_ReleaseHonorsStopRequestedDuringClaim(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	msg := enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)
	if _, err := store.RequestStop(ctx, "s1", "operator"); err != nil {
		t.Fatalf("request stop: %v", err)
	}
	if err := store.CompleteMessage(ctx, lease, work.Message.ID, "done", persistence.CheckpointOf(&work.State)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Release(ctx, lease, persistence.TaskStatusCompleted); err != nil {
		t.Fatalf("release: %v", err)
	}

	st := mustState(t, store, "s1")
	if st.Status != persistence.TaskStatusStopped || st.StopRequested || st.Leased() {
		t.Fatalf("after release: %s stop=%v leased=%v", st.Status, st.StopRequested, st.Leased())
	}
	if got := mustMessage(t, store, msg.ID); got.Status != persistence.MessageStatusProcessed {
		t.Fatalf("finished message should stay processed, got %s", got.Status)
	}

	// New work waits for a reset instead of reopening the session.
	next := enqueue(t, store, "s1", "b")
	mustNotClaim(t, store, "s1")
	if _, err := store.ResetSession(ctx, "s1", true); err != nil {
		t.Fatalf("reset: %v", err)
	}
	lease = mustClaim(t, store, "s1")
	work = mustBegin(t, store, lease)
	if work.Kind != persistence.WorkMessage || work.Message.ID != next.ID {
		t.Fatalf("expected message %d after reset, got %s", next.ID, work.Kind)
	}
}

func TestStore_ParkForApprovalHonorsStopRequestedDuringClaim(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	msg := enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)
	if _, err := store.RequestStop(ctx, "s1", "operator"); err != nil {
		t.Fatalf("request stop: %v", err)
	}
	cp := persistence.CheckpointOf(&work.State)
	cp.Context.Pending = &persistence.PendingToolCall{ID: "call-1", Name: "deploy", MessageID: msg.ID}
	if err := store.ParkForApproval(ctx, lease, cp); err != nil {
		t.Fatalf("park: %v", err)
	}

	st := mustState(t, store, "s1")
	if st.Status != persistence.TaskStatusStopped || st.StopRequested || st.ApprovalState != persistence.ApprovalNone {
		t.Fatalf("after park: %s stop=%v approval=%q", st.Status, st.StopRequested, st.ApprovalState)
	}
	if st.ProcessingContext.Pending == nil || st.ProcessingContext.Pending.ID != "call-1" {
		t.Fatalf("pending call should be kept, got %+v", st.ProcessingContext.Pending)
	}
	_, err := store.RecordDecision(ctx, "s1", persistence.DecisionInput{Decision: persistence.DecisionApprove})
	if !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("decision on stopped session: err = %v, want ErrInvalidTransition", err)
	}

	if _, err := store.ResetSession(ctx, "s1", true); err != nil {
		t.Fatalf("reset: %v", err)
	}
	lease = mustClaim(t, store, "s1")
	if work := mustBegin(t, store, lease); work.Kind != persistence.WorkAwaitingDecision {
		t.Fatalf("expected the gate to reopen after reset, got %s", work.Kind)
	}
}

func TestStore_RecordFailureHonorsStopRequestedDuringClaim(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	msg := enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)
	if _, err := store.RequestStop(ctx, "s1", "operator"); err != nil {
		t.Fatalf("request stop: %v", err)
	}
	decision, err := store.RecordFailure(ctx, lease, persistence.FailureInput{
		MessageID:  msg.ID,
		Err:        "upstream 503",
		Checkpoint: persistence.CheckpointOf(&work.State),
	}, persistence.DefaultFailurePolicy())
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if decision.Outcome != persistence.FailureOutcomeRetried || decision.Status != persistence.TaskStatusStopped {
		t.Fatalf("decision = %+v", decision)
	}
	if st := mustState(t, store, "s1"); st.Status != persistence.TaskStatusStopped || st.StopRequested {
		t.Fatalf("after failure: %s stop=%v", st.Status, st.StopRequested)
	}
	if got := mustMessage(t, store, msg.ID); got.Status != persistence.MessageStatusQueued {
		t.Fatalf("retried message should be queued, got %s", got.Status)
	}
}

func TestStore_ResetRequiresErrorOrStopped(t *testing.T) {
	store, _, _ := openTestStore(t)
	enqueue(t, store, "s1", "a")
	_, err := store.ResetSession(context.Background(), "s1", true)
	var te *persistence.TransitionError
	if !errors.As(err, &te) || te.From != persistence.TaskStatusPending {
		t.Fatalf("expected transition error from pending, got %v", err)
	}
}

func TestStore_SweepReclaimsCrashedClaim(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()

	msg := enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	mustBegin(t, store, lease)

	res, err := store.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.LeasesCleared != 0 || res.MessagesRequeued != 0 {
		t.Fatalf("live claim reclaimed: %+v", res)
	}

	clock.Advance(2 * time.Minute)
	res, err = store.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.LeasesCleared != 1 || res.MessagesRequeued != 1 {
		t.Fatalf("expected one lease and one message reclaimed, got %+v", res)
	}
	got := mustMessage(t, store, msg.ID)
	if got.Status != persistence.MessageStatusQueued || got.ProcessingAttempts != 1 {
		t.Fatalf("reclaimed message: %s attempts=%d", got.Status, got.ProcessingAttempts)
	}
	if ok, err := store.ExtendLease(ctx, lease); err != nil || ok {
		t.Fatalf("dead lease extended: ok=%v err=%v", ok, err)
	}
	if err := store.Release(ctx, lease, persistence.TaskStatusCompleted); !errors.Is(err, persistence.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}

	lease = mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)
	if work.Message.ID != msg.ID || work.Message.ProcessingAttempts != 2 {
		t.Fatalf("expected reprocessing with attempts 2, got %d/%d", work.Message.ID, work.Message.ProcessingAttempts)
	}
	if err := store.CompleteMessage(ctx, lease, msg.ID, "ok", persistence.CheckpointOf(&work.State)); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestStore_SweepIgnoresWaitingSessions(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()

	msg := enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)
	cp := persistence.CheckpointOf(&work.State)
	cp.Context.Pending = &persistence.PendingToolCall{ID: "c", Name: "deploy", MessageID: msg.ID}
	if err := store.ParkForApproval(ctx, lease, cp); err != nil {
		t.Fatalf("park: %v", err)
	}

	clock.Advance(24 * time.Hour)
	res, err := store.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.MessagesRequeued != 0 {
		t.Fatalf("sweeper touched a waiting session: %+v", res)
	}
	if got := mustMessage(t, store, msg.ID); got.Status != persistence.MessageStatusProcessing {
		t.Fatalf("waiting session's message changed to %s", got.Status)
	}
}

func TestStore_SweepHonorsStopFlagOfDeadWorker(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	mustBegin(t, store, lease)
	if _, err := store.RequestStop(ctx, "s1", "operator"); err != nil {
		t.Fatalf("request stop: %v", err)
	}
	clock.Advance(time.Hour)
	res, err := store.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.SessionsStopped != 1 {
		t.Fatalf("expected stop to be applied, got %+v", res)
	}
	if got := mustState(t, store, "s1").Status; got != persistence.TaskStatusStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
}

func TestStore_EventsRecordTransitions(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "s1", "a")
	lease := mustClaim(t, store, "s1")
	work := mustBegin(t, store, lease)
	if err := store.CompleteMessage(ctx, lease, work.Message.ID, "", persistence.CheckpointOf(&work.State)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Release(ctx, lease, persistence.TaskStatusCompleted); err != nil {
		t.Fatalf("release: %v", err)
	}

	events, err := store.ListEvents(ctx, "s1", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	want := []string{"session.created", "message.enqueued", "session.claimed", "message.processing", "session.started", "message.processed", "session.released"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
	last := events[len(events)-1]
	if last.StateFrom != persistence.TaskStatusRunning || last.StateTo != persistence.TaskStatusCompleted {
		t.Fatalf("release event %s -> %s", last.StateFrom, last.StateTo)
	}
}
