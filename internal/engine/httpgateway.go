package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

const maxGatewayBody = 4 << 20

// HTTPGateway talks JSON to an external model/tool service:
//
//	POST {BaseURL}/step           StepInput  -> StepResult
//	POST {BaseURL}/tools/execute  toolRequest -> ToolResult
//
// Error bodies are {"error": "...", "kind": "agent"|"permanent"|"transient"}.
// A 4xx with kind agent is the agent's mistake, kind permanent fails the
// message, everything else (5xx, 429, timeouts) is transient.
type HTTPGateway struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPGateway(baseURL, token string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPGateway{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type toolRequest struct {
	SessionID string   `json:"session_id"`
	Call      ToolCall `json:"call"`
}

type gatewayError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (g *HTTPGateway) Step(ctx context.Context, in StepInput) (StepResult, error) {
	var res StepResult
	if err := g.post(ctx, "/step", in, &res); err != nil {
		return StepResult{}, err
	}
	return res, nil
}

func (g *HTTPGateway) ExecuteTool(ctx context.Context, sessionID string, call ToolCall) (ToolResult, error) {
	var res ToolResult
	if err := g.post(ctx, "/tools/execute", toolRequest{SessionID: sessionID, Call: call}, &res); err != nil {
		return ToolResult{}, err
	}
	return res, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("build %s request: %w", path, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("gateway %s: %w", path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayBody))
	if err != nil {
		return Transient(fmt.Errorf("gateway %s: read body: %w", path, err))
	}
	if resp.StatusCode >= 300 {
		return classifyHTTPError(path, resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		// The service answered but not in a shape we understand.
		return AgentError(fmt.Errorf("gateway %s: decode response: %w", path, err))
	}
	return nil
}

func classifyHTTPError(path string, status int, body []byte) error {
	var ge gatewayError
	_ = json.Unmarshal(body, &ge)
	msg := ge.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	err := fmt.Errorf("gateway %s: status %d: %s", path, status, msg)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient(err)
	case ge.Kind == "agent":
		return AgentError(err)
	case ge.Kind == "permanent":
		return Permanent(err)
	case ge.Kind == "transient":
		return Transient(err)
	default:
		return err
	}
}
