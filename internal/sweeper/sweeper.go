// Package sweeper runs crash recovery on a cron schedule: it reclaims leases
// and in-flight messages left by dead workers and expires stale approval gates.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentq/internal/audit"
	"github.com/basket/agentq/internal/engine"
	aqotel "github.com/basket/agentq/internal/otel"
	"github.com/basket/agentq/internal/persistence"
)

const DefaultSchedule = "@every 30s"

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 30s" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Schedule string
	// Tuning supplies stale_after and approval_ttl at each run, so reloads apply.
	Tuning  func() engine.Tuning
	Metrics *aqotel.Metrics
	Tracer  trace.Tracer
}

// Result is what one pass did.
type Result struct {
	persistence.SweepResult
	ApprovalsExpired []string `json:"approvals_expired,omitempty"`
}

type Sweeper struct {
	store    *persistence.Store
	logger   *slog.Logger
	schedule string
	tuning   func() engine.Tuning
	metrics  *aqotel.Metrics
	tracer   trace.Tracer

	mu    sync.Mutex
	cron  *cronlib.Cron
	first sync.WaitGroup
	last Result
}

func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sweeper: store is required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("sweeper: parse schedule %q: %w", schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tuning := cfg.Tuning
	if tuning == nil {
		tuning = engine.DefaultTuning
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("agentq/sweeper")
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		schedule: schedule,
		tuning:   tuning,
		metrics:  cfg.Metrics,
		tracer:   tracer,
	}, nil
}

// Start runs one pass right away, then on every schedule tick until ctx ends.
// The first pass goes through the same job chain as the ticks, so overlapping
// runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	log := slogAdapter{s.logger}
	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(log),
		cronlib.WithChain(cronlib.Recover(log), cronlib.SkipIfStillRunning(log)),
	)
	id, err := c.AddFunc(s.schedule, func() { s.run(ctx) })
	if err != nil {
		return fmt.Errorf("sweeper: schedule: %w", err)
	}
	job := c.Entry(id).WrappedJob
	s.cron = c
	c.Start()
	s.first.Add(1)
	go func() {
		defer s.first.Done()
		job.Run()
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	s.logger.Info("sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.first.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

// RunOnce performs a single recovery pass.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	t := s.tuning()
	ctx, span := aqotel.StartSpan(ctx, s.tracer, "sweeper.run")
	defer span.End()

	var res Result
	sweep, err := s.store.Sweep(ctx, t.StaleAfter)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("sweep: %w", err)
	}
	res.SweepResult = sweep

	expired, err := s.store.ExpireApprovals(ctx, t.ApprovalTTL)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("expire approvals: %w", err)
	}
	res.ApprovalsExpired = expired
	for _, sid := range expired {
		audit.Record(audit.Entry{
			Action:    audit.ActionExpired,
			SessionID: sid,
			Decision:  persistence.DecisionReject,
			Actor:     "system",
			Reason:    "timeout",
		})
	}

	reclaimed := sweep.LeasesCleared + sweep.MessagesRequeued
	span.SetAttributes(aqotel.AttrSweepCount.Int64(reclaimed))
	if s.metrics != nil {
		if sweep.LeasesCleared > 0 {
			s.metrics.SweeperReclaims.Add(ctx, sweep.LeasesCleared, metric.WithAttributes(attribute.String("kind", "lease")))
		}
		if sweep.MessagesRequeued > 0 {
			s.metrics.SweeperReclaims.Add(ctx, sweep.MessagesRequeued, metric.WithAttributes(attribute.String("kind", "message")))
		}
	}
	if reclaimed > 0 || len(expired) > 0 || sweep.SessionsStopped > 0 {
		s.logger.Info("sweep reclaimed work",
			"leases_cleared", sweep.LeasesCleared,
			"sessions_stopped", sweep.SessionsStopped,
			"messages_requeued", sweep.MessagesRequeued,
			"approvals_expired", len(expired),
		)
	}

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, nil
}

// Last returns the result of the most recent pass.
func (s *Sweeper) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// NextRunTime parses the schedule and returns the next run time after the given time.
func NextRunTime(schedule string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter satisfies cron's logger with slog.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.l.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
