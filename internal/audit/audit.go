// Package audit appends approval-gate and policy decisions to
// <home>/logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentq/internal/shared"
)

// Entry is one audit record.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	Action        string `json:"action"`
	SessionID     string `json:"session_id"`
	ToolName      string `json:"tool_name,omitempty"`
	ToolCallID    string `json:"tool_call_id,omitempty"`
	Decision      string `json:"decision"`
	Actor         string `json:"actor,omitempty"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// Actions recorded by the engine.
const (
	ActionPolicy   = "policy.check"
	ActionDecision = "approval.decision"
	ActionExpired  = "approval.expired"
	ActionReload   = "policy.reload"
)

var (
	mu          sync.Mutex
	file        *os.File
	rejectCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the number of reject and deny entries since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends e. Without Init it only updates counters.
func Record(e Entry) {
	if e.Decision == "reject" || e.Decision == "deny" {
		rejectCount.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Actor = shared.Redact(e.Actor)
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(e)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
