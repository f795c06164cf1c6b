// Package notify relays dispatcher wakeups between agentq processes that
// share one database, so a message enqueued on one node is picked up by idle
// workers on every node without waiting for the poll interval.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/basket/agentq/internal/bus"
)

// DefaultChannel is the Redis channel wakeups are published on.
const DefaultChannel = "agentq:wakeup"

const breakerKeyPrefix = "agentq:kv:"

// Config configures the Redis relay.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// Redis bridges the local bus wakeup topic to a Redis channel. It also
// serves as the key-value store for circuit breaker state.
type Redis struct {
	client  *redis.Client
	channel string
	node    string
	bus     *bus.Bus
	logger  *slog.Logger
}

type envelope struct {
	Node      string `json:"node"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason"`
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify.New: ping: %w", err)
	}
	return newWithClient(client, cfg), nil
}

func newWithClient(client *redis.Client, cfg Config) *Redis {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:  client,
		channel: channel,
		node:    uuid.NewString(),
		bus:     cfg.Bus,
		logger:  logger,
	}
}

// Node returns the id this process stamps on outgoing wakeups.
func (r *Redis) Node() string {
	return r.node
}

func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("notify.Close: %w", err)
	}
	return nil
}

// Publish sends a wakeup to every other node.
func (r *Redis) Publish(ctx context.Context, ev bus.WakeupEvent) error {
	raw, err := json.Marshal(envelope{Node: r.node, SessionID: ev.SessionID, Reason: ev.Reason})
	if err != nil {
		return fmt.Errorf("notify.Publish: encode: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("notify.Publish: %w", err)
	}
	return nil
}

// Run relays wakeups in both directions until ctx ends. Local wakeups go out
// to Redis; remote wakeups are republished on the local bus with Origin set,
// which keeps them from being relayed again.
func (r *Redis) Run(ctx context.Context) error {
	if r.bus == nil {
		return errors.New("notify.Run: bus is required")
	}
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("notify.Run: receive confirmation: %w", err)
	}
	remote := sub.Channel()

	local := r.bus.Subscribe(bus.TopicDispatcherWakeup)
	defer r.bus.Unsubscribe(local)

	r.logger.Info("wakeup relay started", "channel", r.channel, "node", r.node)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-local.Ch():
			if !ok {
				return nil
			}
			wake, ok := ev.Payload.(bus.WakeupEvent)
			if !ok || wake.Origin != "" {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.Publish(pctx, wake)
			cancel()
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("wakeup relay publish failed", "error", err)
			}
		case msg, ok := <-remote:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *Redis) deliver(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("wakeup relay: bad payload", "error", err)
		return
	}
	if env.Node == r.node {
		return
	}
	r.bus.Publish(bus.TopicDispatcherWakeup, bus.WakeupEvent{
		SessionID: env.SessionID,
		Reason:    env.Reason,
		Origin:    env.Node,
	})
}

// KVSet stores a value shared by all nodes, such as circuit breaker state.
func (r *Redis) KVSet(ctx context.Context, key, val string) error {
	if err := r.client.Set(ctx, breakerKeyPrefix+key, val, 0).Err(); err != nil {
		return fmt.Errorf("notify.KVSet: %w", err)
	}
	return nil
}

// KVGet returns the stored value, or "" when the key is absent.
func (r *Redis) KVGet(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, breakerKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("notify.KVGet: %w", err)
	}
	return val, nil
}
