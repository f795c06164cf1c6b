package sweeper_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentq/internal/engine"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/sweeper"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.OpenWithOptions(context.Background(), persistence.Options{
		DSN:           filepath.Join(t.TempDir(), "agentq.db"),
		LeaseDuration: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fastTuning() engine.Tuning {
	t := engine.DefaultTuning()
	t.LeaseDuration = 20 * time.Millisecond
	t.StaleAfter = 10 * time.Millisecond
	return t
}

// crashClaim leaves sessionID leased with its head message processing, as a
// worker that died mid-claim would.
func crashClaim(t *testing.T, store *persistence.Store, sessionID string) *persistence.QueuedMessage {
	t.Helper()
	ctx := context.Background()
	msg, _, err := store.Enqueue(ctx, persistence.EnqueueInput{SessionID: sessionID, MessageID: "m1", SenderID: "u", Content: "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, err := store.TryClaim(ctx, sessionID)
	if err != nil || lease == nil {
		t.Fatalf("claim: %v %v", lease, err)
	}
	if _, err := store.BeginWork(ctx, lease); err != nil {
		t.Fatalf("begin work: %v", err)
	}
	return msg
}

func TestSweeper_RunOnceReclaimsCrashedClaim(t *testing.T) {
	store := openTestStore(t)
	msg := crashClaim(t, store, "s1")
	time.Sleep(40 * time.Millisecond)

	sw, err := sweeper.New(sweeper.Config{Store: store, Logger: slog.Default(), Tuning: fastTuning})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	res, err := sw.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.LeasesCleared != 1 || res.MessagesRequeued != 1 {
		t.Fatalf("result = %+v, want one lease and one message", res)
	}
	got, err := store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Status != persistence.MessageStatusQueued || got.ProcessingAttempts != 1 {
		t.Fatalf("message = %+v, want queued keeping its attempt", got)
	}
	if sw.Last().LeasesCleared != 1 {
		t.Fatalf("last = %+v", sw.Last())
	}
	lease, err := store.TryClaim(context.Background(), "s1")
	if err != nil || lease == nil {
		t.Fatalf("reclaimed session not claimable: %v %v", lease, err)
	}
}

func TestSweeper_ExpiresApprovalsWithTTL(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	msg, _, err := store.Enqueue(ctx, persistence.EnqueueInput{SessionID: "s1", MessageID: "m1", SenderID: "u", Content: "deploy"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, _ := store.TryClaim(ctx, "s1")
	work, err := store.BeginWork(ctx, lease)
	if err != nil {
		t.Fatalf("begin work: %v", err)
	}
	cp := persistence.CheckpointOf(&work.State)
	cp.Context.Pending = &persistence.PendingToolCall{ID: "c1", Name: "deploy", MessageID: msg.ID}
	if err := store.ParkForApproval(ctx, lease, cp); err != nil {
		t.Fatalf("park: %v", err)
	}

	tuning := fastTuning()
	tuning.ApprovalTTL = 10 * time.Millisecond
	sw, err := sweeper.New(sweeper.Config{Store: store, Tuning: func() engine.Tuning { return tuning }})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	res, err := sw.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(res.ApprovalsExpired) != 1 || res.ApprovalsExpired[0] != "s1" {
		t.Fatalf("expired = %v", res.ApprovalsExpired)
	}
	if res.LeasesCleared != 0 || res.MessagesRequeued != 0 {
		t.Fatalf("waiting session was swept: %+v", res)
	}
	st, err := store.GetTaskState(ctx, "s1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if d := st.ProcessingContext.Pending.Decision; d == nil || d.Decision != persistence.DecisionReject {
		t.Fatalf("decision = %+v, want timeout rejection", d)
	}
}

func TestSweeper_ScheduleRuns(t *testing.T) {
	store := openTestStore(t)
	crashClaim(t, store, "s1")
	time.Sleep(40 * time.Millisecond)

	sw, err := sweeper.New(sweeper.Config{Store: store, Schedule: "@every 1s", Tuning: fastTuning})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sw.Stop()

	// The first pass runs at start, before the first tick.
	waitFor(t, 2*time.Second, func() bool { return sw.Last().LeasesCleared == 1 })
}

func TestSweeper_StopWaitsForFirstPass(t *testing.T) {
	store := openTestStore(t)
	crashClaim(t, store, "s1")
	time.Sleep(40 * time.Millisecond)

	sw, err := sweeper.New(sweeper.Config{Store: store, Schedule: "@hourly", Tuning: fastTuning})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	sw.Stop()

	if got := sw.Last().LeasesCleared; got != 1 {
		t.Fatalf("leases cleared = %d after Stop, want the first pass finished", got)
	}
}

func TestSweeper_RejectsBadSchedule(t *testing.T) {
	store := openTestStore(t)
	if _, err := sweeper.New(sweeper.Config{Store: store, Schedule: "not a cron"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		schedule string
		want     time.Time
	}{
		{"*/5 * * * *", base.Add(5 * time.Minute)},
		{"@every 30s", base.Add(30 * time.Second)},
		{"@hourly", base.Add(time.Hour)},
	}
	for _, tt := range tests {
		got, err := sweeper.NextRunTime(tt.schedule, base)
		if err != nil {
			t.Fatalf("NextRunTime(%q): %v", tt.schedule, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("NextRunTime(%q) = %s, want %s", tt.schedule, got, tt.want)
		}
	}
}
