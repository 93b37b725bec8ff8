package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ggoodman/pullgate/offsets"
	"github.com/ggoodman/pullgate/offsets/offsetstest"
	"github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 3})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisStore(t *testing.T) {
	client := testClient(t)
	defer client.Close()

	offsetstest.RunStoreTests(t, func(t *testing.T) offsets.Store {
		prefix := fmt.Sprintf("pullgate:test:%d:", time.Now().UnixNano())
		s, err := New(Config{Client: client, KeyPrefix: prefix})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		t.Cleanup(func() { _ = s.Delete(context.Background(), "", offsets.WithPrefix()) })
		return s
	})
}
