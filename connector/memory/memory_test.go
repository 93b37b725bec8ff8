package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/connector/connectortest"
	"github.com/ggoodman/pullgate/connector/memory"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/qos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func harness(b *memory.Broker, bounded bool) connectortest.HarnessFactory {
	return func(t *testing.T) connectortest.Harness {
		return connectortest.Harness{
			Connector: b,
			Topic: func(t *testing.T) string {
				return fmt.Sprintf("topic-%s-%d", t.Name(), time.Now().UnixNano())
			},
			Publish: func(t *testing.T, topic string, value []byte, headers map[string][]string) {
				if _, err := b.Publish(topic, memory.Message{Value: value, Headers: headers}); err != nil {
					t.Fatalf("publish: %v", err)
				}
			},
			Bounded:   bounded,
			Resumable: true,
			Headers:   true,
		}
	}
}

func TestMemoryConnector(t *testing.T) {
	connectortest.RunConnectorTests(t, harness(memory.New(), false))
}

func TestBoundedConnector(t *testing.T) {
	connectortest.RunConnectorTests(t, harness(memory.New(memory.WithBounded()), true))
}

func TestPartitionsAreInterleavedAndOrdered(t *testing.T) {
	b := memory.New(memory.WithPartitions(2), memory.WithBounded())
	for i := 0; i < 4; i++ {
		_, err := b.Publish("t", memory.Message{Partition: int32(i % 2), Value: []byte(fmt.Sprint(i))})
		require.NoError(t, err)
	}
	s, err := b.Subscribe(context.Background(), connector.SubscribeRequest{Topic: "t", Group: "g"})
	require.NoError(t, err)

	last := map[int32]int64{0: -1, 1: -1}
	seen := 0
	for {
		rec, err := s.Next(context.Background())
		if errors.Is(err, connector.ErrExhausted) {
			break
		}
		require.NoError(t, err)
		assert.Greater(t, rec.Cursor.Offset, last[rec.Cursor.Partition])
		last[rec.Cursor.Partition] = rec.Cursor.Offset
		seen++
	}
	assert.Equal(t, 4, seen)
	assert.Len(t, s.Position(), 2)
}

func TestResetNoneWithoutCommitIsConfigurationError(t *testing.T) {
	b := memory.New()
	_, err := b.Subscribe(context.Background(), connector.SubscribeRequest{Topic: "t", Group: "g", Reset: connector.ResetNone})
	assert.ErrorIs(t, err, connector.ErrConfiguration)
}

func TestCommittedPositionIsPerGroup(t *testing.T) {
	b := memory.New()
	c, err := b.Publish("t", memory.Message{Value: []byte("a")})
	require.NoError(t, err)
	s, err := b.Subscribe(context.Background(), connector.SubscribeRequest{Topic: "t", Group: "g1"})
	require.NoError(t, err)
	require.NoError(t, s.Commit(context.Background(), c))

	assert.Equal(t, cursor.Position{{Topic: "t", Partition: 0, Offset: 1}}, b.Committed("g1"))
	assert.Empty(t, b.Committed("g2"))
}

func TestMockFactorySeedsTopics(t *testing.T) {
	cfg := endpoint.Config{
		Type: "mock",
		Properties: map[string]string{
			memory.PropMessageContent: "message{n}",
			memory.PropMessageCount:   "3",
			memory.PropSupportedQoS:   "AUTO,AT_MOST_ONCE",
			"header.X-Source":         "mock",
			"metadata.origin":         "seed",
		},
	}
	conn, err := memory.MockFactory()(context.Background(), "api", cfg, connector.Deps{})
	require.NoError(t, err)
	assert.Equal(t, "mock", conn.Type())
	assert.True(t, conn.SupportedQoS().Has(qos.AtMostOnce))
	assert.False(t, conn.SupportedQoS().Has(qos.AtLeastOnce))

	s, err := conn.Subscribe(context.Background(), connector.SubscribeRequest{Topic: "demo", Group: "g"})
	require.NoError(t, err)
	var got []string
	for {
		rec, err := s.Next(context.Background())
		if errors.Is(err, connector.ErrExhausted) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, []string{"mock"}, rec.Headers["X-Source"])
		assert.Equal(t, "seed", rec.Metadata["origin"])
		got = append(got, string(rec.Value))
	}
	assert.Equal(t, []string{"message1", "message2", "message3"}, got)
}

func TestMockFactoryRejectsBadProperties(t *testing.T) {
	cfg := endpoint.Config{Type: "mock", Properties: map[string]string{memory.PropMessageCount: "many"}}
	_, err := memory.MockFactory()(context.Background(), "api", cfg, connector.Deps{})
	assert.ErrorIs(t, err, connector.ErrConfiguration)
}

func TestSharedFactoryDoesNotCloseBroker(t *testing.T) {
	b := memory.New()
	conn, err := memory.Factory(b)(context.Background(), "api", endpoint.Config{Type: "memory"}, connector.Deps{})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	_, err = b.Publish("t", memory.Message{Value: []byte("still open")})
	assert.NoError(t, err)
}
