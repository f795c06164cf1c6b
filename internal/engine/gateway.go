package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/agentq/internal/persistence"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Args          json.RawMessage `json:"args,omitempty"`
	NeedsApproval bool            `json:"needs_approval,omitempty"`
	// Schema is the JSON Schema of Args, if the gateway knows it.
	Schema json.RawMessage `json:"schema,omitempty"`
	// Approval carries the reviewer's payload when the call went through the gate.
	Approval json.RawMessage `json:"approval,omitempty"`
}

// Usage is what a model step consumed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// StepInput is the checkpointed conversation handed to the model.
type StepInput struct {
	SessionID    string             `json:"session_id"`
	MessageID    int64              `json:"message_id"`
	Iteration    int                `json:"iteration"`
	Conversation []persistence.Turn `json:"conversation"`
}

// StepResult is either a final assistant text or a tool call.
type StepResult struct {
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    Usage     `json:"usage"`
}

type ToolResult struct {
	Output string `json:"output"`
}

// Gateway is the model and tool collaborator. The engine never looks at tool
// semantics beyond NeedsApproval.
type Gateway interface {
	Step(ctx context.Context, in StepInput) (StepResult, error)
	ExecuteTool(ctx context.Context, sessionID string, call ToolCall) (ToolResult, error)
}

var errEmptyStep = errors.New("model returned neither text nor a tool call")

// checkStep rejects results the loop cannot act on. A malformed step is the
// agent's mistake.
func checkStep(res StepResult) error {
	if res.ToolCall == nil && strings.TrimSpace(res.Text) == "" {
		return AgentError(errEmptyStep)
	}
	if res.ToolCall != nil && strings.TrimSpace(res.ToolCall.Name) == "" {
		return AgentError(errors.New("model returned a tool call without a name"))
	}
	return nil
}

// EchoGateway is a development gateway. It answers with the last user turn,
// and a user message of the form "!tool <name> [json-args]" makes it request
// that tool. Tools listed in ApprovalTools are flagged as needing approval.
type EchoGateway struct {
	ApprovalTools []string
}

func (g EchoGateway) Step(_ context.Context, in StepInput) (StepResult, error) {
	if len(in.Conversation) == 0 {
		return StepResult{}, AgentError(errors.New("echo: empty conversation"))
	}
	last := in.Conversation[len(in.Conversation)-1]
	switch last.Role {
	case persistence.RoleTool:
		if last.Rejected {
			return StepResult{Text: fmt.Sprintf("tool %s was rejected", last.ToolName)}, nil
		}
		return StepResult{Text: fmt.Sprintf("tool %s returned: %s", last.ToolName, last.Content)}, nil
	case persistence.RoleUser:
		if name, args, ok := parseToolDirective(last.Content); ok {
			return StepResult{ToolCall: &ToolCall{
				ID:            fmt.Sprintf("echo-%d-%d", last.MessageID, in.Iteration),
				Name:          name,
				Args:          args,
				NeedsApproval: g.needsApproval(name),
			}}, nil
		}
		return StepResult{Text: "echo: " + last.Content}, nil
	default:
		return StepResult{Text: "echo: " + last.Content}, nil
	}
}

func (g EchoGateway) ExecuteTool(_ context.Context, _ string, call ToolCall) (ToolResult, error) {
	out := string(call.Args)
	if len(call.Approval) > 0 {
		out += " approval=" + string(call.Approval)
	}
	return ToolResult{Output: out}, nil
}

func (g EchoGateway) needsApproval(name string) bool {
	for _, t := range g.ApprovalTools {
		if t == name || t == "*" {
			return true
		}
	}
	return false
}

func parseToolDirective(content string) (string, json.RawMessage, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(content), "!tool ")
	if !ok {
		return "", nil, false
	}
	name, args, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if name == "" {
		return "", nil, false
	}
	args = strings.TrimSpace(args)
	if args == "" {
		return name, nil, true
	}
	return name, json.RawMessage(args), true
}
