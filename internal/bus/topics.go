package bus

// Session lifecycle topics. Every topic under "session." carries a
// SessionEvent payload.
const (
	TopicSessionPrefix     = "session."
	TopicSessionState      = "session.state"
	TopicMessageEnqueued   = "session.message.enqueued"
	TopicMessageProcessed  = "session.message.processed"
	TopicMessageFailed     = "session.message.failed"
	TopicMessageRetrying   = "session.message.retrying"
	TopicApprovalRequested = "session.approval.requested"
	TopicApprovalDecided   = "session.approval.decided"
	TopicCircuitOpen       = "session.circuit_open"
	TopicSessionStopped    = "session.stopped"
	TopicSessionReset      = "session.reset"
	TopicSessionUsage      = "session.usage"
	TopicSweeperReclaimed  = "sweeper.reclaimed"
	TopicDispatcherWakeup  = "dispatcher.wakeup"
	TopicConfigReloaded    = "config.reloaded"
	TopicSessionClaimed    = "session.claimed"
	TopicSessionReleased   = "session.released"
)

// SessionEvent is the payload published on session topics.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	MessageID int64  `json:"message_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	Decision  string `json:"decision,omitempty"`
}

// UsageEvent is published after each model iteration that reported usage.
type UsageEvent struct {
	SessionID        string `json:"session_id"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	ToolCalls        int    `json:"tool_calls"`
}

// WakeupEvent asks idle workers to poll immediately.
type WakeupEvent struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason"`
	// Origin names the remote node a wakeup was relayed from. Empty for
	// wakeups raised in this process.
	Origin string `json:"origin,omitempty"`
}

// SweepEvent summarizes one recovery sweep.
type SweepEvent struct {
	LeasesCleared    int64 `json:"leases_cleared"`
	MessagesRequeued int64 `json:"messages_requeued"`
	ApprovalsExpired int64 `json:"approvals_expired"`
}
