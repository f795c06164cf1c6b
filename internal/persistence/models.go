package persistence

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusPending            TaskStatus = "pending"
	TaskStatusRunning            TaskStatus = "running"
	TaskStatusWaitingForApproval TaskStatus = "waiting_for_approval"
	TaskStatusCompleted          TaskStatus = "completed"
	TaskStatusError              TaskStatus = "error"
	TaskStatusStopped            TaskStatus = "stopped"
)

// Terminal reports whether no worker may hold a lease in this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError || s == TaskStatusStopped
}

func (s TaskStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// allowedTransitions is the session state machine. Completed sessions reopen
// when new messages arrive; stopped and error only leave through an explicit reset.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusRunning: {},
		TaskStatusStopped: {},
	},
	TaskStatusRunning: {
		TaskStatusWaitingForApproval: {},
		TaskStatusCompleted:          {},
		TaskStatusError:              {},
		TaskStatusStopped:            {},
	},
	TaskStatusWaitingForApproval: {
		TaskStatusRunning: {}, // Claimed with a decision recorded.
		TaskStatusStopped: {},
	},
	TaskStatusCompleted: {
		TaskStatusPending: {}, // New message enqueued.
		TaskStatusRunning: {}, // Claimed with work queued.
		TaskStatusStopped: {},
	},
	TaskStatusError: {
		TaskStatusPending: {}, // Reset.
		TaskStatusStopped: {},
	},
	TaskStatusStopped: {
		TaskStatusPending: {}, // Reset, when the resume policy allows it.
	},
}

func canTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type MessageStatus string

const (
	MessageStatusQueued     MessageStatus = "queued"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusProcessed  MessageStatus = "processed"
	MessageStatusFailed     MessageStatus = "failed"
)

// Terminal reports whether the message has left the queue for good.
func (s MessageStatus) Terminal() bool {
	return s == MessageStatusProcessed || s == MessageStatusFailed
}

// Approval gate sub-states stored alongside waiting_for_approval.
const (
	ApprovalNone    = ""
	ApprovalPending = "pending"
	ApprovalDecided = "decided"
)

// QueuedMessage is a row of agent_v2_message_queue.
type QueuedMessage struct {
	ID                 int64         `json:"id"`
	SessionID          string        `json:"session_id"`
	MessageID          string        `json:"message_id"`
	SenderID           string        `json:"sender_id"`
	Content            string        `json:"content"`
	Status             MessageStatus `json:"status"`
	ProcessingAttempts int           `json:"processing_attempts"`
	NotBefore          time.Time     `json:"not_before"`
	ProcessedAt        *time.Time    `json:"processed_at,omitempty"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	ProcessingResult   string        `json:"processing_result,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// TaskState is a row of agent_v2_task_states: the session's checkpoint.
type TaskState struct {
	ID                      string            `json:"id"`
	SessionID               string            `json:"session_id"`
	Status                  TaskStatus        `json:"status"`
	CurrentLoopCount        int               `json:"current_loop_count"`
	ConsecutiveMistakeCount int               `json:"consecutive_mistake_count"`
	LastProcessedMessageID  int64             `json:"last_processed_message_id"`
	ProcessingContext       ProcessingContext `json:"processing_context"`
	ExecutionMetadata       ExecutionMetadata `json:"execution_metadata"`
	LeaseToken              string            `json:"lease_token,omitempty"`
	LeaseExpiresAt          *time.Time        `json:"lease_expires_at,omitempty"`
	StopRequested           bool              `json:"stop_requested"`
	ApprovalState           string            `json:"approval_state,omitempty"`
	ApprovalRequestedAt     *time.Time        `json:"approval_requested_at,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

// Leased reports whether a worker currently holds the session.
func (t *TaskState) Leased() bool {
	return t.LeaseToken != ""
}

// TaskEvent is one row of the append-only transition log.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	SessionID string     `json:"session_id"`
	MessageID int64      `json:"message_id,omitempty"`
	TraceID   string     `json:"trace_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to,omitempty"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}
