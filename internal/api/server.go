// Package api exposes the engine over HTTP: message ingress, approval
// decisions, session control and a websocket stream of lifecycle events.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/basket/agentq/internal/engine"
	aqotel "github.com/basket/agentq/internal/otel"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/policy"
)

const defaultMaxBodyBytes = 1 << 20

type Config struct {
	Engine  *engine.Engine
	Policy  policy.Checker
	Logger  *slog.Logger
	Metrics *aqotel.Metrics
	Tracer  trace.Tracer

	// AuthToken, when set, is required as a bearer token on everything but
	// /healthz.
	AuthToken string

	// AllowOrigins lists browser origin patterns accepted on /ws. Same-origin
	// requests are always accepted.
	AllowOrigins []string

	// RequestsPerSecond and Burst bound each client. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	MaxBodyBytes      int64
	ConfigFingerprint string

	// MetricsHandler, when set, is served on /metrics without auth so
	// scrapers need no token.
	MetricsHandler http.Handler
}

type Server struct {
	cfg    Config
	engine *engine.Engine
	logger *slog.Logger
	router chi.Router
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("agentq/api")
	}
	s := &Server{cfg: cfg, engine: cfg.Engine, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		if cfg.RequestsPerSecond > 0 {
			r.Use(rateLimit(cfg.RequestsPerSecond, cfg.Burst))
		}
		r.Use(limitBody(cfg.MaxBodyBytes))

		r.Route("/api", func(r chi.Router) {
			r.Get("/sessions", s.handleListSessions)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/messages", s.handleEnqueue)
				r.Get("/messages", s.handleListMessages)
				r.Get("/events", s.handleListEvents)
				r.Post("/decision", s.handleDecision)
				r.Post("/stop", s.handleStop)
				r.Post("/reset", s.handleReset)
			})
			r.Get("/approvals", s.handleApprovals)
		})
		r.Get("/ws", s.handleWS)
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := aqotel.StartServerSpan(r.Context(), s.cfg.Tracer, "http "+r.Method)
		defer span.End()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		// The route pattern is only known once chi has matched it.
		route := r.URL.Path
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		span.SetName("http " + r.Method + " " + route)
		span.SetAttributes(aqotel.AttrHTTPRoute.String(route), attribute.Int("http.status_code", ww.Status()))
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				aqotel.AttrHTTPRoute.String(route),
				attribute.Int("status", ww.Status()),
			))
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(ctx),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	want := []byte(s.cfg.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractToken(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), want) != 1 {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken checks Authorization: Bearer, then X-API-Key, then the
// api_key query parameter (browsers cannot set headers on websockets).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// rateLimit applies a token bucket per client, keyed by token or address.
// Idle buckets are dropped once the map grows.
func rateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	var (
		mu       sync.Mutex
		limiters = make(map[string]*clientLimiter)
	)
	limiterFor := func(key string, now time.Time) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if len(limiters) > 1024 {
			cutoff := now.Add(-10 * time.Minute)
			for k, cl := range limiters {
				if cl.lastAccess.Before(cutoff) {
					delete(limiters, k)
				}
			}
		}
		cl, ok := limiters[key]
		if !ok {
			cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[key] = cl
		}
		cl.lastAccess = now
		return cl.limiter
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractToken(r)
			if key == "" {
				key = r.RemoteAddr
			}
			if !limiterFor(key, time.Now()).Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func limitBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps store and engine sentinels to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var te *persistence.TransitionError
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, persistence.ErrAlreadyDecided),
		errors.Is(err, persistence.ErrInvalidTransition),
		errors.As(err, &te):
		status = http.StatusConflict
	case errors.Is(err, persistence.ErrInvalidInput):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrQueueSaturated):
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decodeBody reads a JSON request body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode body: %v: %w", err, persistence.ErrInvalidInput)
	}
	return nil
}
