package kafka_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/connector/connectortest"
	"github.com/ggoodman/pullgate/connector/kafka"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/twmb/franz-go/pkg/kgo"
)

func brokers(t *testing.T) []string {
	t.Helper()
	v := os.Getenv("KAFKA_BROKERS")
	if v == "" {
		t.Skip("KAFKA_BROKERS not set; skipping kafka connector tests")
	}
	return strings.Split(v, ",")
}

func TestKafkaConnector(t *testing.T) {
	seeds := brokers(t)

	producer, err := kgo.NewClient(kgo.SeedBrokers(seeds...), kgo.AllowAutoTopicCreation())
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	defer producer.Close()

	connectortest.RunConnectorTests(t, func(t *testing.T) connectortest.Harness {
		conn, err := kafka.Factory()(context.Background(), "api", endpoint.Config{Type: kafka.Type, Servers: seeds}, connector.Deps{})
		if err != nil {
			t.Fatalf("factory: %v", err)
		}
		return connectortest.Harness{
			Connector: &serversConnector{Connector: conn, servers: seeds},
			Topic: func(t *testing.T) string {
				return fmt.Sprintf("pullgate-test-%d", time.Now().UnixNano())
			},
			Publish: func(t *testing.T, topic string, value []byte, headers map[string][]string) {
				rec := &kgo.Record{Topic: topic, Partition: 0, Value: value}
				for k, vs := range headers {
					for _, v := range vs {
						rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
					}
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
					t.Fatalf("produce: %v", err)
				}
			},
			Resumable: true,
			Headers:   true,
			Settle:    3 * time.Second,
		}
	})
}

// serversConnector injects the bootstrap servers the suite does not know
// about into every subscribe request.
type serversConnector struct {
	connector.Connector
	servers []string
}

func (c *serversConnector) Subscribe(ctx context.Context, req connector.SubscribeRequest) (connector.Stream, error) {
	req.Config.Servers = c.servers
	return c.Connector.Subscribe(ctx, req)
}

func TestFactoryRequiresServers(t *testing.T) {
	_, err := kafka.Factory()(context.Background(), "api", endpoint.Config{Type: kafka.Type}, connector.Deps{})
	if err == nil {
		t.Fatalf("expected configuration error without servers")
	}
}

func TestSubscribeRejectsUnknownReset(t *testing.T) {
	conn, err := kafka.Factory()(context.Background(), "api", endpoint.Config{Type: kafka.Type, Servers: []string{"127.0.0.1:1"}}, connector.Deps{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	_, err = conn.Subscribe(context.Background(), connector.SubscribeRequest{
		Topic:  "t",
		Reset:  "sometimes",
		Config: endpoint.Resolved{Type: kafka.Type, Topic: "t", Servers: []string{"127.0.0.1:1"}},
	})
	if err == nil {
		t.Fatalf("expected error for unknown reset policy")
	}
}
