package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/agentq/internal/bus"
)

func offlineRelay(t *testing.T, b *bus.Bus) *Redis {
	t.Helper()
	// go-redis dials lazily, so no server is needed until a command runs.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })
	return newWithClient(client, Config{Bus: b})
}

func TestDeliver_RepublishesRemoteWakeups(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicDispatcherWakeup)
	defer b.Unsubscribe(sub)
	r := offlineRelay(t, b)

	r.deliver(`{"node":"other","session_id":"s1","reason":"enqueue"}`)

	select {
	case ev := <-sub.Ch():
		wake := ev.Payload.(bus.WakeupEvent)
		if wake.SessionID != "s1" || wake.Reason != "enqueue" || wake.Origin != "other" {
			t.Fatalf("wakeup = %+v", wake)
		}
	case <-time.After(time.Second):
		t.Fatal("remote wakeup not republished")
	}
}

func TestDeliver_IgnoresOwnAndMalformed(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicDispatcherWakeup)
	defer b.Unsubscribe(sub)
	r := offlineRelay(t, b)

	r.deliver(`{"node":"` + r.Node() + `","reason":"enqueue"}`)
	r.deliver(`not json`)

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected wakeup %+v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRun_RequiresBus(t *testing.T) {
	r := offlineRelay(t, nil)
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error without a bus")
	}
}

func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("AGENTQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTQ_TEST_REDIS_ADDR not set")
	}
	return addr
}

func TestRedis_RelaysBetweenNodes(t *testing.T) {
	addr := redisAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := "agentq:test:" + time.Now().Format("150405.000000")
	busA, busB := bus.New(), bus.New()
	a, err := New(ctx, Config{Addr: addr, Channel: channel, Bus: busA})
	if err != nil {
		t.Fatalf("node a: %v", err)
	}
	defer a.Close()
	b, err := New(ctx, Config{Addr: addr, Channel: channel, Bus: busB})
	if err != nil {
		t.Fatalf("node b: %v", err)
	}
	defer b.Close()

	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	sub := busB.Subscribe(bus.TopicDispatcherWakeup)
	defer busB.Unsubscribe(sub)
	busA.Publish(bus.TopicDispatcherWakeup, bus.WakeupEvent{SessionID: "s1", Reason: "enqueue"})

	select {
	case ev := <-sub.Ch():
		if wake := ev.Payload.(bus.WakeupEvent); wake.Origin != a.Node() {
			t.Fatalf("wakeup = %+v, want origin %s", wake, a.Node())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wakeup not relayed")
	}
}

func TestRedis_KV(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()
	r, err := New(ctx, Config{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()

	key := "test:" + r.Node()
	if v, err := r.KVGet(ctx, key); err != nil || v != "" {
		t.Fatalf("missing key = %q, %v", v, err)
	}
	if err := r.KVSet(ctx, key, `{"failures":2}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := r.KVGet(ctx, key); err != nil || v != `{"failures":2}` {
		t.Fatalf("get = %q, %v", v, err)
	}
	_ = r.client.Del(ctx, breakerKeyPrefix+key).Err()
}
