package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/agentq/internal/api"
	"github.com/basket/agentq/internal/audit"
	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/config"
	"github.com/basket/agentq/internal/policy"
	"github.com/basket/agentq/internal/sweeper"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var logFormat string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, the sweeper and the HTTP API",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg, logFormat)
		},
	}
	cmd.Flags().StringVar(&logFormat, "log-format", "", "stdout log format: auto, json, text or quiet")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logFormat string) error {
	rt, err := openRuntime(ctx, cfg, runtimeOptions{logFormat: logFormat, withRelay: true})
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger
	logger.Info("startup phase", "phase", "config_loaded", "config_hash", cfg.Fingerprint(), "home", cfg.HomeDir)
	warnOpenBind(logger, cfg)

	sw, err := sweeper.New(sweeper.Config{
		Store:    rt.store,
		Logger:   logger,
		Schedule: cfg.Sweeper.Schedule,
		Tuning:   rt.engine.Tuning,
		Metrics:  rt.metrics,
		Tracer:   rt.otel.Tracer,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.BindAddr,
		Handler: api.New(api.Config{
			Engine:            rt.engine,
			Policy:            rt.policy,
			Logger:            logger,
			Tracer:            rt.otel.Tracer,
			Metrics:           rt.metrics,
			AuthToken:         cfg.AuthToken,
			AllowOrigins:      cfg.AllowOrigins,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			ConfigFingerprint: cfg.Fingerprint(),
			MetricsHandler:    metricsHandler(rt),
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Workers stop on gctx; Drain below bounds the wait.
	rt.engine.Start(gctx)
	if err := sw.Start(gctx); err != nil {
		_ = ln.Close()
		return err
	}

	g.Go(func() error {
		logger.Info("http api listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return watchConfig(gctx, rt, logger)
	})
	if rt.relay != nil {
		g.Go(func() error {
			return rt.relay.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down", "drain_timeout", cfg.DrainTimeout())
	rt.engine.Drain(cfg.DrainTimeout())
	sw.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchConfig applies edits to config.yaml and policy.yaml to the running
// engine. A file that fails to parse leaves the previous settings active.
func watchConfig(ctx context.Context, rt *runtime, logger *slog.Logger) error {
	w := config.NewWatcher(rt.cfg.HomeDir, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; reloads disabled", "error", err)
		return nil
	}
	for ev := range w.Events() {
		switch ev.Kind {
		case config.FileConfig:
			next, err := config.LoadFrom(rt.cfg.HomeDir)
			if err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			rt.engine.SetTuning(next.Engine)
			rt.quota.SetLimits(next.Quota)
			logger.Info("config reloaded", "config_hash", next.Fingerprint())
		case config.FilePolicy:
			if err := policy.ReloadFromFile(rt.policy, ev.Path); err != nil {
				logger.Error("policy reload rejected", "error", err)
				continue
			}
			logger.Info("policy reloaded", "policy_version", rt.policy.PolicyVersion())
			audit.Record(audit.Entry{
				Action:        audit.ActionReload,
				Actor:         "watcher",
				Reason:        ev.Path,
				PolicyVersion: rt.policy.PolicyVersion(),
			})
		}
		rt.bus.Publish(bus.TopicConfigReloaded, bus.SessionEvent{Reason: ev.Kind})
	}
	return nil
}

func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
	if !loopback && cfg.AuthToken == "" {
		logger.Warn("http api bound to a non-loopback address without auth_token", "bind_addr", cfg.BindAddr)
	}
}

func metricsHandler(rt *runtime) http.Handler {
	if rt.otel.Gatherer == nil {
		return nil
	}
	return promhttp.HandlerFor(rt.otel.Gatherer, promhttp.HandlerOpts{})
}
