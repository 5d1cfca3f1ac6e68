package collab

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func redisIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("COLLABD_TEST_REDIS_DSN"))
	if dsn == "" {
		t.Skip("set COLLABD_TEST_REDIS_DSN to run Redis integration tests")
	}
	return dsn
}

func TestRedisIntegrationPublishSubscribe(t *testing.T) {
	dsn := redisIntegrationDSN(t)
	bus, err := NewRedisBus(dsn)
	if err != nil {
		t.Fatalf("new redis bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "it-session")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	op := Operation{
		SessionID:  "it-session",
		Seq:        7,
		ClientOpID: "c1",
		Type:       OpTypeKV,
		Payload:    json.RawMessage(`{"set":{"k":"v"}}`),
	}
	if err := bus.Publish(ctx, op); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-sub.C():
		if got.Seq != 7 || got.ClientOpID != "c1" {
			t.Fatalf("unexpected delivered op: %+v", got)
		}
	case <-ctx.Done():
		t.Fatalf("no message delivered before timeout")
	}
}

func TestRedisIntegrationChannelsAreSessionScoped(t *testing.T) {
	dsn := redisIntegrationDSN(t)
	bus, err := NewRedisBus(dsn)
	if err != nil {
		t.Fatalf("new redis bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "session-a")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, Operation{SessionID: "session-b", Seq: 1}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case got := <-sub.C():
		t.Fatalf("received foreign session op: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}
