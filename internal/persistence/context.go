package persistence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Conversation roles stored in the checkpoint.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleError     = "error"
)

// Decision values accepted by RecordDecision.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Turn is one entry of the conversation carried in the checkpoint.
type Turn struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	MessageID  int64           `json:"message_id,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	Rejected   bool            `json:"rejected,omitempty"`
	At         time.Time       `json:"at"`
}

// PendingToolCall is the tool call parked behind the approval gate.
type PendingToolCall struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Args        json.RawMessage   `json:"args,omitempty"`
	MessageID   int64             `json:"message_id"`
	RequestedAt time.Time         `json:"requested_at"`
	Decision    *ApprovalDecision `json:"decision,omitempty"`
}

// ApprovalDecision is recorded by an external reviewer.
type ApprovalDecision struct {
	Decision  string          `json:"decision"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DecidedBy string          `json:"decided_by,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	DecidedAt time.Time       `json:"decided_at"`
}

func (d *ApprovalDecision) Approved() bool {
	return d != nil && d.Decision == DecisionApprove
}

// ProcessingContext is the resumable checkpoint blob. It holds enough to
// continue the loop without replaying the model.
type ProcessingContext struct {
	Conversation      []Turn           `json:"conversation,omitempty"`
	InFlightMessageID int64            `json:"in_flight_message_id,omitempty"`
	Pending           *PendingToolCall `json:"pending,omitempty"`
}

// Append adds turns to the conversation.
func (c *ProcessingContext) Append(turns ...Turn) {
	c.Conversation = append(c.Conversation, turns...)
}

// Trim keeps at most max turns, dropping the oldest.
func (c *ProcessingContext) Trim(max int) {
	if max <= 0 || len(c.Conversation) <= max {
		return
	}
	c.Conversation = append([]Turn(nil), c.Conversation[len(c.Conversation)-max:]...)
}

// ExecutionMetadata holds counters that are not needed for correctness.
type ExecutionMetadata struct {
	Claims           int        `json:"claims"`
	Iterations       int        `json:"iterations"`
	ToolCalls        int        `json:"tool_calls"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	Failures         int        `json:"failures"`
	LastClaimAt      *time.Time `json:"last_claim_at,omitempty"`
	LastStepMS       int64      `json:"last_step_ms,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeContext(raw string) (ProcessingContext, error) {
	var pc ProcessingContext
	if raw == "" {
		return pc, nil
	}
	if err := json.Unmarshal([]byte(raw), &pc); err != nil {
		return pc, fmt.Errorf("decode processing context: %w", err)
	}
	return pc, nil
}

func decodeMetadata(raw string) (ExecutionMetadata, error) {
	var md ExecutionMetadata
	if raw == "" {
		return md, nil
	}
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return md, fmt.Errorf("decode execution metadata: %w", err)
	}
	return md, nil
}
