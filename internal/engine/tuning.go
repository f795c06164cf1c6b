package engine

import (
	"time"

	"github.com/basket/agentq/internal/persistence"
)

// Tuning holds the operational knobs of the loop. It can be swapped on a
// running engine; each claim reads one snapshot.
type Tuning struct {
	MistakeThreshold      int           `yaml:"mistake_threshold" json:"mistake_threshold"`
	MaxAttempts           int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase           time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax            time.Duration `yaml:"backoff_max" json:"backoff_max"`
	MaxIterationsPerClaim int           `yaml:"max_iterations_per_claim" json:"max_iterations_per_claim"`
	// MaxLoopsPerTask bounds tool iterations spent on one message across claims.
	MaxLoopsPerTask int           `yaml:"max_loops_per_task" json:"max_loops_per_task"`
	LeaseDuration   time.Duration `yaml:"lease_duration" json:"lease_duration"`
	StaleAfter      time.Duration `yaml:"stale_after" json:"stale_after"`
	// ApprovalTTL of zero leaves gates open indefinitely.
	ApprovalTTL          time.Duration `yaml:"approval_ttl" json:"approval_ttl"`
	AllowResumeStopped   bool          `yaml:"allow_resume_stopped" json:"allow_resume_stopped"`
	MaxConversationTurns int           `yaml:"max_conversation_turns" json:"max_conversation_turns"`
}

func DefaultTuning() Tuning {
	return Tuning{
		MistakeThreshold:      3,
		MaxAttempts:           5,
		BackoffBase:           time.Second,
		BackoffMax:            5 * time.Minute,
		MaxIterationsPerClaim: 8,
		MaxLoopsPerTask:       50,
		LeaseDuration:         30 * time.Second,
		StaleAfter:            2 * time.Minute,
		AllowResumeStopped:    true,
		MaxConversationTurns:  200,
	}
}

// Normalized fills non-positive numeric fields with defaults.
func (t Tuning) Normalized() Tuning {
	d := DefaultTuning()
	if t.MistakeThreshold <= 0 {
		t.MistakeThreshold = d.MistakeThreshold
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = d.MaxAttempts
	}
	if t.BackoffBase <= 0 {
		t.BackoffBase = d.BackoffBase
	}
	if t.BackoffMax < t.BackoffBase {
		t.BackoffMax = max(d.BackoffMax, t.BackoffBase)
	}
	if t.MaxIterationsPerClaim <= 0 {
		t.MaxIterationsPerClaim = d.MaxIterationsPerClaim
	}
	if t.MaxLoopsPerTask <= 0 {
		t.MaxLoopsPerTask = d.MaxLoopsPerTask
	}
	if t.LeaseDuration <= 0 {
		t.LeaseDuration = d.LeaseDuration
	}
	if t.StaleAfter < t.LeaseDuration {
		t.StaleAfter = max(d.StaleAfter, t.LeaseDuration)
	}
	if t.ApprovalTTL < 0 {
		t.ApprovalTTL = 0
	}
	if t.MaxConversationTurns <= 0 {
		t.MaxConversationTurns = d.MaxConversationTurns
	}
	return t
}

func (t Tuning) FailurePolicy() persistence.FailurePolicy {
	return persistence.FailurePolicy{
		MistakeThreshold: t.MistakeThreshold,
		MaxAttempts:      t.MaxAttempts,
		BackoffBase:      t.BackoffBase,
		BackoffMax:       t.BackoffMax,
	}
}
