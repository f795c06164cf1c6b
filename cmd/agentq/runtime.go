package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/agentq/internal/audit"
	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/config"
	"github.com/basket/agentq/internal/engine"
	"github.com/basket/agentq/internal/notify"
	aqotel "github.com/basket/agentq/internal/otel"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/policy"
	"github.com/basket/agentq/internal/quota"
	"github.com/basket/agentq/internal/telemetry"
)

// runtime is everything a command needs to act on the store.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	store   *persistence.Store
	policy  *policy.LivePolicy
	quota   *quota.Manager
	otel    *aqotel.Provider
	metrics *aqotel.Metrics
	relay   *notify.Redis
	engine  *engine.Engine

	closers []func()
}

type runtimeOptions struct {
	logFormat string
	// withRelay connects to Redis when configured.
	withRelay bool
}

func openRuntime(ctx context.Context, cfg config.Config, opts runtimeOptions) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = audit.Close() })

	format := cfg.LogFormat
	if opts.logFormat != "" {
		format = opts.logFormat
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = closer.Close() })
	slog.SetDefault(logger)
	rt.logger = logger

	provider, err := aqotel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.otel = provider
	rt.closers = append(rt.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(sctx)
	})
	if rt.metrics, err = aqotel.NewMetrics(provider.Meter); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	rt.bus = bus.New()
	rt.store, err = persistence.OpenWithOptions(ctx, persistence.Options{
		Driver:        cfg.Store.Driver,
		DSN:           cfg.Store.DSN,
		Bus:           rt.bus,
		LeaseDuration: cfg.Engine.LeaseDuration,
		MaxOpenConns:  cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = rt.store.Close() })

	pol, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	rt.policy = policy.NewLivePolicy(pol)

	if rt.quota, err = quota.NewManager(cfg.Quota); err != nil {
		return nil, fmt.Errorf("init quota: %w", err)
	}

	if opts.withRelay && cfg.Redis.Addr != "" {
		rt.relay, err = notify.New(ctx, notify.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			Bus:      rt.bus,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = rt.relay.Close() })
	}

	var kv engine.KVStore
	if rt.relay != nil {
		kv = rt.relay
	}
	gw, err := buildGateway(ctx, cfg.Gateway, kv, logger)
	if err != nil {
		return nil, err
	}
	rt.engine, err = engine.New(rt.store, engine.Config{
		WorkerCount:   cfg.WorkerCount,
		PollInterval:  cfg.PollInterval,
		ClaimBatch:    cfg.ClaimBatch,
		MaxQueueDepth: cfg.MaxQueueDepth,
		Bus:           rt.bus,
		Gateway:       gw,
		Policy:        rt.policy,
		Quota:         rt.quota,
		Metrics:       rt.metrics,
		Tracer:        provider.Tracer,
		Logger:        logger,
		Tuning:        cfg.Engine,
	})
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// buildGateway returns the echo gateway, a single HTTP gateway, or an HTTP
// gateway with failover when fallbacks are configured. Breaker state is kept
// in Redis when the relay is available so every node shares it.
func buildGateway(ctx context.Context, cfg config.GatewayConfig, kv engine.KVStore, logger *slog.Logger) (engine.Gateway, error) {
	if cfg.Kind == config.GatewayEcho {
		return engine.EchoGateway{ApprovalTools: cfg.ApprovalTools}, nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	named := func(ep config.GatewayEndpoint, fallback string) engine.NamedGateway {
		name := ep.Name
		if name == "" {
			name = fallback
		}
		return engine.NamedGateway{Name: name, Gateway: engine.NewHTTPGateway(ep.BaseURL, ep.ResolvedToken(), timeout)}
	}
	primary := named(cfg.Primary, "primary")
	if len(cfg.Fallbacks) == 0 {
		return primary.Gateway, nil
	}
	fallbacks := make([]engine.NamedGateway, 0, len(cfg.Fallbacks))
	for i, fb := range cfg.Fallbacks {
		fallbacks = append(fallbacks, named(fb, fmt.Sprintf("fallback-%d", i+1)))
	}
	fg := engine.NewFailoverGateway(primary, fallbacks, cfg.FailoverThreshold, time.Duration(cfg.FailoverCooldownSeconds)*time.Second)
	if kv != nil {
		fg.SetKVStore(kv)
		fg.LoadBreakerState(ctx)
	}
	logger.Info("gateway failover enabled", "primary", primary.Name, "fallbacks", len(fallbacks))
	return fg, nil
}
