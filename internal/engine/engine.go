package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentq/internal/audit"
	"github.com/basket/agentq/internal/bus"
	aqotel "github.com/basket/agentq/internal/otel"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/policy"
	"github.com/basket/agentq/internal/quota"
	"github.com/basket/agentq/internal/shared"
	"github.com/basket/agentq/internal/toolcall"
)

type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	// ClaimBatch is how many candidate sessions a worker tries per poll.
	ClaimBatch    int
	MaxQueueDepth int // 0 = unlimited
	Bus           *bus.Bus
	Gateway       Gateway
	Policy        policy.Checker
	Validator     *toolcall.Validator
	Quota         *quota.Manager
	Metrics       *aqotel.Metrics
	Tracer        trace.Tracer
	Logger        *slog.Logger
	Tuning        Tuning
}

type Status struct {
	WorkerCount  int    `json:"worker_count"`
	ActiveClaims int32  `json:"active_claims"`
	LastError    string `json:"last_error,omitempty"`
	Draining     bool   `json:"draining,omitempty"`
}

// Engine is a pool of stateless workers. Each worker claims a session,
// runs one unit of work on it and releases it; all coordination goes through
// the store so several engines may share one database.
type Engine struct {
	store     *persistence.Store
	config    Config
	bus       *bus.Bus
	gateway   Gateway
	policy    policy.Checker
	validator *toolcall.Validator
	quota     *quota.Manager
	metrics   *aqotel.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time

	tuning atomic.Pointer[Tuning]
	wake   chan struct{}

	once     sync.Once
	wg       sync.WaitGroup
	draining atomic.Bool

	activeClaims atomic.Int32
	lastError    atomic.Pointer[string]
}

func New(store *persistence.Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 8
	}
	if cfg.Gateway == nil {
		cfg.Gateway = EchoGateway{}
	}
	if cfg.Validator == nil {
		v, err := toolcall.NewValidator(0)
		if err != nil {
			return nil, err
		}
		cfg.Validator = v
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("agentq/engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		store:     store,
		config:    cfg,
		bus:       cfg.Bus,
		gateway:   cfg.Gateway,
		policy:    cfg.Policy,
		validator: cfg.Validator,
		quota:     cfg.Quota,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		wake:      make(chan struct{}, cfg.WorkerCount),
	}
	e.SetTuning(cfg.Tuning)
	return e, nil
}

// SetTuning swaps the loop knobs. Claims in flight keep their snapshot.
func (e *Engine) SetTuning(t Tuning) {
	t = t.Normalized()
	e.tuning.Store(&t)
	e.store.SetLeaseDuration(t.LeaseDuration)
}

func (e *Engine) Tuning() Tuning {
	return *e.tuning.Load()
}

func (e *Engine) Store() *persistence.Store {
	return e.store
}

func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		if e.bus != nil {
			sub := e.bus.Subscribe(bus.TopicDispatcherWakeup)
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer e.bus.Unsubscribe(sub)
				for {
					select {
					case <-ctx.Done():
						return
					case _, ok := <-sub.Ch():
						if !ok {
							return
						}
						e.Wake()
					}
				}
			}()
		}
		for i := 0; i < e.config.WorkerCount; i++ {
			e.wg.Add(1)
			go func(id int) {
				defer e.wg.Done()
				e.worker(shared.WithWorkerID(ctx, id))
			}(i + 1)
		}
		e.logger.Info("engine started", "workers", e.config.WorkerCount, "poll_interval", e.config.PollInterval)
	})
}

// Wake nudges idle workers to poll now instead of waiting for the ticker.
func (e *Engine) Wake() {
	for i := 0; i < cap(e.wake); i++ {
		select {
		case e.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain waits for workers to finish within timeout once their context is
// canceled. Claims cut short release their lease with status running; the
// message stays processing and is continued by the next claim.
func (e *Engine) Drain(timeout time.Duration) {
	e.draining.Store(true)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout; remaining leases expire and the sweeper reclaims them", "timeout", timeout)
	}
}

func (e *Engine) worker(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lease, err := e.store.ClaimNext(ctx, e.config.ClaimBatch)
		if err != nil && ctx.Err() == nil {
			e.setLastError(fmt.Errorf("claim: %w", err))
		}
		if e.metrics != nil {
			outcome := "idle"
			if lease != nil {
				outcome = "won"
			}
			e.metrics.ClaimsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		if err != nil || lease == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-e.wake:
			}
			continue
		}
		e.handleClaim(ctx, lease)
	}
}

// handleClaim runs one claim with a lease heartbeat and guarantees the lease
// is released on every path, panics included.
func (e *Engine) handleClaim(ctx context.Context, lease *persistence.Lease) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithSessionID(ctx, lease.SessionID)
	ctx = shared.WithClaimID(ctx, lease.Token)

	claimCtx, cancel := context.WithCancel(ctx)
	e.activeClaims.Add(1)
	if e.metrics != nil {
		e.metrics.ActiveClaims.Add(ctx, 1)
	}
	heartbeatDone := make(chan struct{})

	defer func() {
		if r := recover(); r != nil {
			e.setLastError(fmt.Errorf("claim panic: %v", r))
			e.logger.Error("claim panicked", "session_id", lease.SessionID, "panic", r, "stack", string(debug.Stack()))
		}
		cancel()
		<-heartbeatDone
		if !lease.Released() {
			if err := e.store.Release(context.WithoutCancel(ctx), lease, persistence.TaskStatusRunning); err != nil {
				e.setLastError(fmt.Errorf("release: %w", err))
			}
		}
		e.activeClaims.Add(-1)
		if e.metrics != nil {
			e.metrics.ActiveClaims.Add(context.WithoutCancel(ctx), -1)
		}
	}()

	go func() {
		defer close(heartbeatDone)
		e.heartbeat(claimCtx, cancel, lease)
	}()

	if err := e.ProcessClaim(claimCtx, lease); err != nil {
		e.setLastError(err)
		e.logger.Error("claim failed", "session_id", lease.SessionID, "lease", lease.Token, "trace_id", traceID, "error", err)
	}
}

// heartbeat extends the lease every third of its duration. A rejected
// extension means another worker may own the session now, so the claim is
// canceled.
func (e *Engine) heartbeat(ctx context.Context, cancel context.CancelFunc, lease *persistence.Lease) {
	interval := e.store.LeaseDuration() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lease.Released() {
				return
			}
			ok, err := e.store.ExtendLease(ctx, lease)
			if err != nil {
				if ctx.Err() == nil {
					e.setLastError(fmt.Errorf("lease heartbeat: %w", err))
				}
				continue
			}
			if !ok && !lease.Released() {
				e.logger.Warn("lease heartbeat rejected; canceling claim", "session_id", lease.SessionID, "lease", lease.Token)
				cancel()
				return
			}
		}
	}
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

func (e *Engine) Status() Status {
	s := Status{
		WorkerCount:  e.config.WorkerCount,
		ActiveClaims: e.activeClaims.Load(),
		Draining:     e.draining.Load(),
	}
	if p := e.lastError.Load(); p != nil {
		s.LastError = *p
	}
	return s
}

// ErrQueueSaturated is returned when open messages exceed MaxQueueDepth.
var ErrQueueSaturated = errors.New("queue saturated: backpressure applied")

// Enqueue adds a message to the session's queue. It is idempotent on
// (sessionID, messageID); created reports whether a new row was written.
func (e *Engine) Enqueue(ctx context.Context, sessionID, messageID, senderID, content string) (*persistence.QueuedMessage, bool, error) {
	if e.config.MaxQueueDepth > 0 {
		depth, err := e.store.QueueDepth(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("check queue depth: %w", err)
		}
		open := depth[persistence.MessageStatusQueued] + depth[persistence.MessageStatusProcessing]
		if open >= e.config.MaxQueueDepth {
			// A duplicate of an existing message is still a no-op success.
			if existing, err := e.store.FindMessage(ctx, sessionID, messageID); err == nil {
				return existing, false, nil
			}
			e.logger.Warn("queue backpressure applied", "depth", open, "max", e.config.MaxQueueDepth)
			return nil, false, ErrQueueSaturated
		}
	}
	msg, created, err := e.store.Enqueue(ctx, persistence.EnqueueInput{
		SessionID: sessionID,
		MessageID: messageID,
		SenderID:  senderID,
		Content:   content,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		e.logger.Info("message enqueued", "session_id", sessionID, "message_id", msg.ID, "external_id", messageID)
	}
	return msg, created, nil
}

// RecordDecision resolves the approval gate of a waiting session. The tool
// runs on the next claim, not here.
func (e *Engine) RecordDecision(ctx context.Context, sessionID string, in persistence.DecisionInput) (*persistence.TaskState, error) {
	st, err := e.store.RecordDecision(ctx, sessionID, in)
	if err != nil {
		return nil, err
	}
	entry := audit.Entry{
		Action:    audit.ActionDecision,
		SessionID: sessionID,
		Decision:  in.Decision,
		Actor:     in.DecidedBy,
		Reason:    in.Reason,
	}
	if p := st.ProcessingContext.Pending; p != nil {
		entry.ToolName, entry.ToolCallID = p.Name, p.ID
	}
	if e.policy != nil {
		entry.PolicyVersion = e.policy.PolicyVersion()
	}
	audit.Record(entry)
	e.logger.Info("approval decided", "session_id", sessionID, "decision", in.Decision, "decided_by", in.DecidedBy)
	return st, nil
}

// Stop requests an explicit stop. A session without a claim in flight stops
// at once; otherwise the runner stops it at the next iteration boundary.
func (e *Engine) Stop(ctx context.Context, sessionID, reason string) (*persistence.TaskState, error) {
	st, err := e.store.RequestStop(ctx, sessionID, reason)
	if err != nil {
		return nil, err
	}
	e.logger.Info("stop requested", "session_id", sessionID, "status", string(st.Status), "reason", reason)
	return st, nil
}

// Reset moves an error session, or a stopped one when allowed, back to pending.
func (e *Engine) Reset(ctx context.Context, sessionID string) (*persistence.TaskState, error) {
	st, err := e.store.ResetSession(ctx, sessionID, e.Tuning().AllowResumeStopped)
	if err != nil {
		return nil, err
	}
	e.logger.Info("session reset", "session_id", sessionID)
	return st, nil
}

func (e *Engine) Session(ctx context.Context, sessionID string) (*persistence.TaskState, error) {
	return e.store.GetTaskState(ctx, sessionID)
}

func (e *Engine) ListSessions(ctx context.Context, status persistence.TaskStatus, limit int) ([]persistence.TaskState, error) {
	return e.store.ListTaskStates(ctx, status, limit)
}

func (e *Engine) Messages(ctx context.Context, sessionID string, limit int) ([]persistence.QueuedMessage, error) {
	return e.store.ListMessages(ctx, sessionID, limit)
}

func (e *Engine) Events(ctx context.Context, sessionID string, limit int) ([]persistence.TaskEvent, error) {
	return e.store.ListEvents(ctx, sessionID, limit)
}

// Awaiting lists sessions parked on an undecided approval gate.
func (e *Engine) Awaiting(ctx context.Context, limit int) ([]persistence.TaskState, error) {
	return e.store.ListAwaitingApproval(ctx, limit)
}
