package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// NamedGateway pairs a Gateway with a provider name for breaker tracking.
type NamedGateway struct {
	Name    string
	Gateway Gateway
}

// CircuitBreaker tracks failure counts and trip state for a single provider.
// It is unrelated to the per-session mistake breaker: this one guards
// infrastructure, the session breaker guards against agent misbehavior.
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverGateway tries a primary Gateway and then ordered fallbacks, with a
// circuit breaker per provider. Agent errors are returned as is: the same
// conversation would fail the same way elsewhere.
type FailoverGateway struct {
	primary   NamedGateway
	fallbacks []NamedGateway
	breakers  map[string]*CircuitBreaker

	mu             sync.Mutex
	threshold      int           // failures before tripping (default 5)
	cooldownPeriod time.Duration // time before resetting (default 5min)
	kvStore        KVStore
	now            func() time.Time
}

func NewFailoverGateway(primary NamedGateway, fallbacks []NamedGateway, threshold int, cooldown time.Duration) *FailoverGateway {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	breakers := make(map[string]*CircuitBreaker)
	breakers[primary.Name] = &CircuitBreaker{}
	for _, fb := range fallbacks {
		breakers[fb.Name] = &CircuitBreaker{}
	}

	return &FailoverGateway{
		primary:        primary,
		fallbacks:      fallbacks,
		breakers:       breakers,
		threshold:      threshold,
		cooldownPeriod: cooldown,
		now:            time.Now,
	}
}

func (fg *FailoverGateway) candidates() []NamedGateway {
	return append([]NamedGateway{fg.primary}, fg.fallbacks...)
}

// Step asks each non-tripped provider in order and returns the first answer.
func (fg *FailoverGateway) Step(ctx context.Context, in StepInput) (StepResult, error) {
	var lastErr error
	for _, c := range fg.candidates() {
		if fg.isTripped(c.Name) {
			slog.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}

		res, err := c.Gateway.Step(ctx, in)
		if err == nil {
			fg.recordSuccess(c.Name)
			return res, nil
		}
		if ctx.Err() != nil {
			return StepResult{}, err
		}
		if KindOf(err) == KindAgent {
			fg.recordSuccess(c.Name)
			return StepResult{}, err
		}

		lastErr = err
		fg.recordFailure(c.Name)
		ec := ClassifyError(err)
		slog.Warn("failover: provider failed",
			"provider", c.Name,
			"session_id", in.SessionID,
			"error_class", string(ec),
			"error", err,
		)

		// The prompt is the same everywhere; don't retry on other providers.
		if ec == ErrorClassContextOverflow {
			return StepResult{}, fmt.Errorf("failover: context overflow from %s: %w", c.Name, err)
		}
	}

	if lastErr == nil {
		return StepResult{}, Transient(fmt.Errorf("failover: all providers tripped"))
	}
	return StepResult{}, fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// ExecuteTool runs the call on the first non-tripped provider only. Tools
// have side effects, so a failed execution is never replayed elsewhere.
func (fg *FailoverGateway) ExecuteTool(ctx context.Context, sessionID string, call ToolCall) (ToolResult, error) {
	for _, c := range fg.candidates() {
		if fg.isTripped(c.Name) {
			continue
		}
		res, err := c.Gateway.ExecuteTool(ctx, sessionID, call)
		if err != nil && KindOf(err) == KindTransient && infraError(err) {
			fg.recordFailure(c.Name)
		} else {
			fg.recordSuccess(c.Name)
		}
		return res, err
	}
	return ToolResult{}, Transient(fmt.Errorf("failover: all providers tripped"))
}

// Tripped lists the providers whose breaker is currently open.
func (fg *FailoverGateway) Tripped() []string {
	var out []string
	for _, c := range fg.candidates() {
		if fg.isTripped(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}

// isTripped returns true if the named provider's circuit breaker is tripped
// and the cooldown period has not yet elapsed.
func (fg *FailoverGateway) isTripped(name string) bool {
	fg.mu.Lock()
	defer fg.mu.Unlock()

	cb, ok := fg.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if fg.now().Sub(cb.lastFailure) >= fg.cooldownPeriod {
		cb.tripped = false
		cb.failures = 0
		slog.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

// SetKVStore enables persistent circuit breaker state.
func (fg *FailoverGateway) SetKVStore(store KVStore) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.kvStore = store
}

// SetClock replaces the time source used for cooldowns.
func (fg *FailoverGateway) SetClock(now func() time.Time) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.now = now
}

// recordFailure increments the failure count and trips the breaker if threshold is reached.
func (fg *FailoverGateway) recordFailure(name string) {
	fg.mu.Lock()
	defer fg.mu.Unlock()

	cb, ok := fg.breakers[name]
	if !ok {
		cb = &CircuitBreaker{}
		fg.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = fg.now()
	if cb.failures >= fg.threshold {
		cb.tripped = true
		slog.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	fg.persistBreakerState(name, cb)
}

// recordSuccess resets the failure count for the named provider.
func (fg *FailoverGateway) recordSuccess(name string) {
	fg.mu.Lock()
	defer fg.mu.Unlock()

	cb, ok := fg.breakers[name]
	if !ok || (cb.failures == 0 && !cb.tripped) {
		return
	}
	cb.failures = 0
	cb.tripped = false
	fg.persistBreakerState(name, cb)
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// persistBreakerState saves a single breaker's state to the KV store.
// Must be called with fg.mu held.
func (fg *FailoverGateway) persistBreakerState(name string, cb *CircuitBreaker) {
	if fg.kvStore == nil {
		return
	}
	data, err := json.Marshal(breakerState{
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Tripped:     cb.tripped,
	})
	if err != nil {
		return
	}
	if err := fg.kvStore.KVSet(context.Background(), "cb:"+name, string(data)); err != nil {
		slog.Debug("failover: persist breaker state failed", "provider", name, "error", err)
	}
}

// LoadBreakerState restores circuit breaker state from the KV store so a
// restarted worker does not hammer a provider that was already failing.
func (fg *FailoverGateway) LoadBreakerState(ctx context.Context) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	if fg.kvStore == nil {
		return
	}
	for name, cb := range fg.breakers {
		val, err := fg.kvStore.KVGet(ctx, "cb:"+name)
		if err != nil || val == "" {
			continue
		}
		var state breakerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		cb.failures = state.Failures
		cb.lastFailure = state.LastFailure
		cb.tripped = state.Tripped
	}
}
