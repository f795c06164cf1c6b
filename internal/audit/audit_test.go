package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, home string) []Entry {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []Entry
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesDecisionEntries(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := RejectCount()
	Record(Entry{Action: ActionDecision, SessionID: "s1", ToolName: "deploy", ToolCallID: "c1", Decision: "approve", Actor: "alice"})
	Record(Entry{Action: ActionExpired, SessionID: "s2", ToolName: "deploy", Decision: "reject", Actor: "system", Reason: "timeout"})

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(entries))
	}
	if entries[0].Decision != "approve" || entries[0].ToolCallID != "c1" || entries[0].Timestamp == "" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Action != ActionExpired || entries[1].Reason != "timeout" {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
	if got := RejectCount() - before; got != 1 {
		t.Fatalf("reject count grew by %d, want 1", got)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(Entry{Action: ActionDecision, SessionID: "s1", Decision: "reject", Reason: "leaked api_key=abcdef1234567890"})

	entries := readEntries(t, home)
	if strings.Contains(entries[0].Reason, "abcdef1234567890") {
		t.Fatalf("secret persisted: %q", entries[0].Reason)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(Entry{Action: ActionPolicy, SessionID: "s1", ToolName: "a", Decision: "allow"})
	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	Record(Entry{Action: ActionPolicy, SessionID: "s1", ToolName: "b", Decision: "deny"})
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", info1.Size(), info2.Size())
	}
	entries := readEntries(t, home)
	if len(entries) != 2 || entries[0].ToolName != "a" || entries[1].ToolName != "b" {
		t.Fatalf("entries out of order: %+v", entries)
	}
}

func TestRecordWithoutInitIsNoop(t *testing.T) {
	_ = Close()
	Record(Entry{Action: ActionPolicy, Decision: "allow"})
}
