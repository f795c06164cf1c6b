package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("TraceID = %q, want -", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("TraceID = %q, want abc", got)
	}
}

func TestClaimContext_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if WorkerID(ctx) != -1 || SessionID(ctx) != "" || ClaimID(ctx) != "" {
		t.Fatal("expected zero values on empty context")
	}
	ctx = WithWorkerID(WithSessionID(WithClaimID(ctx, "lease-1"), "s1"), 3)
	if WorkerID(ctx) != 3 {
		t.Fatalf("WorkerID = %d, want 3", WorkerID(ctx))
	}
	if SessionID(ctx) != "s1" {
		t.Fatalf("SessionID = %q, want s1", SessionID(ctx))
	}
	if ClaimID(ctx) != "lease-1" {
		t.Fatalf("ClaimID = %q, want lease-1", ClaimID(ctx))
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected distinct trace ids")
	}
}
