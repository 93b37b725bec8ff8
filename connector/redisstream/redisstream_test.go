package redisstream_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/connector/connectortest"
	"github.com/ggoodman/pullgate/connector/redisstream"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 4})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStreamConnector(t *testing.T) {
	client := testClient(t)
	conn := redisstream.New(client, nil)

	connectortest.RunConnectorTests(t, func(t *testing.T) connectortest.Harness {
		return connectortest.Harness{
			Connector: conn,
			Topic: func(t *testing.T) string {
				topic := fmt.Sprintf("pullgate:test:%d", time.Now().UnixNano())
				t.Cleanup(func() { client.Del(context.Background(), topic) })
				return topic
			},
			Publish: func(t *testing.T, topic string, value []byte, headers map[string][]string) {
				values := map[string]any{"value": value}
				for k, vs := range headers {
					values[k] = vs[0]
				}
				require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{Stream: topic, Values: values}).Err())
			},
			Resumable: true,
			Headers:   true,
		}
	})
}

func TestResetNoneWithoutCommit(t *testing.T) {
	client := testClient(t)
	conn := redisstream.New(client, nil)
	_, err := conn.Subscribe(context.Background(), connector.SubscribeRequest{
		Topic:  "pullgate:none",
		Group:  fmt.Sprintf("g-%d", time.Now().UnixNano()),
		Reset:  connector.ResetNone,
		Config: endpoint.Resolved{Type: redisstream.Type, Topic: "pullgate:none"},
	})
	assert.ErrorIs(t, err, connector.ErrConfiguration)
}

func TestIDPacking(t *testing.T) {
	for _, id := range []string{"0-0", "0-1", "1700000000000-0", "1700000000000-42"} {
		off, err := redisstream.EncodeID(id)
		require.NoError(t, err)
		assert.Equal(t, id, redisstream.DecodeID(off))
	}

	a, _ := redisstream.EncodeID("5-9")
	b, _ := redisstream.EncodeID("6-0")
	assert.Less(t, a, b)
	assert.Equal(t, "5-1048575", redisstream.DecodeID(b-1))

	_, err := redisstream.EncodeID("1-1048576")
	assert.ErrorIs(t, err, redisstream.ErrIDOutOfRange)
	_, err = redisstream.EncodeID("nope")
	assert.Error(t, err)
}
