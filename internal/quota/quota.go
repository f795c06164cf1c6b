// Package quota enforces per-session iteration rates and token budgets.
// A refusal wraps ErrQuotaExceeded; the engine retries it like any other
// transient gateway failure.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

// Limits configures a Manager. Zero values disable the matching check.
type Limits struct {
	// IterationsPerMinute bounds how fast one session may call the gateway.
	IterationsPerMinute float64 `yaml:"iterations_per_minute"`
	Burst               int     `yaml:"burst"`
	// TokensPerWindow bounds prompt plus completion tokens per session per Window.
	TokensPerWindow int           `yaml:"tokens_per_window"`
	Window          time.Duration `yaml:"window"`
	// MaxSessions bounds the per-session state kept in memory.
	MaxSessions int `yaml:"max_sessions"`
}

// Usage is what one iteration consumed.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ToolCalls        int
}

func (u Usage) Tokens() int {
	return u.PromptTokens + u.CompletionTokens
}

type sessionQuota struct {
	limiter     *rate.Limiter
	windowStart time.Time
	tokens      int
	toolCalls   int
}

// Manager tracks quota per session in a bounded LRU.
type Manager struct {
	mu       sync.Mutex
	limits   Limits
	now      func() time.Time
	sessions *lru.Cache[string, *sessionQuota]
}

func NewManager(limits Limits) (*Manager, error) {
	if limits.Burst <= 0 {
		limits.Burst = 1
	}
	if limits.Window <= 0 {
		limits.Window = time.Hour
	}
	if limits.MaxSessions <= 0 {
		limits.MaxSessions = 10000
	}
	cache, err := lru.New[string, *sessionQuota](limits.MaxSessions)
	if err != nil {
		return nil, fmt.Errorf("create quota cache: %w", err)
	}
	return &Manager{limits: limits, now: time.Now, sessions: cache}, nil
}

// SetClock overrides the time source for budget windows.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetLimits swaps the limits; existing limiters pick up the new rate.
func (m *Manager) SetLimits(limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limits.Burst <= 0 {
		limits.Burst = 1
	}
	if limits.Window <= 0 {
		limits.Window = time.Hour
	}
	limits.MaxSessions = m.limits.MaxSessions
	m.limits = limits
	for _, key := range m.sessions.Keys() {
		if q, ok := m.sessions.Peek(key); ok && q.limiter != nil {
			q.limiter.SetLimit(m.rateLimit())
			q.limiter.SetBurst(limits.Burst)
		}
	}
}

// Reserve admits one iteration for sessionID or returns ErrQuotaExceeded.
func (m *Manager) Reserve(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.sessionLocked(sessionID)
	if m.limits.TokensPerWindow > 0 && q.tokens >= m.limits.TokensPerWindow {
		return fmt.Errorf("session %q used %d of %d tokens: %w", sessionID, q.tokens, m.limits.TokensPerWindow, ErrQuotaExceeded)
	}
	if q.limiter != nil && !q.limiter.AllowN(m.now(), 1) {
		return fmt.Errorf("session %q iteration rate exceeded: %w", sessionID, ErrQuotaExceeded)
	}
	return nil
}

// Report records what an iteration consumed.
func (m *Manager) Report(_ context.Context, sessionID string, u Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.sessionLocked(sessionID)
	q.tokens += u.Tokens()
	q.toolCalls += u.ToolCalls
}

// Used returns the tokens and tool calls counted in the current window.
func (m *Manager) Used(sessionID string) (tokens, toolCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.sessionLocked(sessionID)
	return q.tokens, q.toolCalls
}

func (m *Manager) rateLimit() rate.Limit {
	if m.limits.IterationsPerMinute <= 0 {
		return rate.Inf
	}
	return rate.Limit(m.limits.IterationsPerMinute / 60)
}

func (m *Manager) sessionLocked(sessionID string) *sessionQuota {
	now := m.now()
	q, ok := m.sessions.Get(sessionID)
	if !ok {
		q = &sessionQuota{windowStart: now}
		if m.limits.IterationsPerMinute > 0 {
			q.limiter = rate.NewLimiter(m.rateLimit(), m.limits.Burst)
		}
		m.sessions.Add(sessionID, q)
	}
	if now.Sub(q.windowStart) >= m.limits.Window {
		q.windowStart = now
		q.tokens = 0
		q.toolCalls = 0
	}
	return q
}
