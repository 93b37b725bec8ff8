package rabbitmq_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/connector/connectortest"
	"github.com/ggoodman/pullgate/connector/rabbitmq"
	"github.com/ggoodman/pullgate/endpoint"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amqpURL(t *testing.T) string {
	t.Helper()
	v := os.Getenv("AMQP_URL")
	if v == "" {
		t.Skip("AMQP_URL not set; skipping rabbitmq connector tests")
	}
	return v
}

func TestRabbitMQConnector(t *testing.T) {
	url := amqpURL(t)
	pub, err := amqp.Dial(url)
	require.NoError(t, err)
	defer pub.Close()
	ch, err := pub.Channel()
	require.NoError(t, err)
	defer ch.Close()

	connectortest.RunConnectorTests(t, func(t *testing.T) connectortest.Harness {
		conn, err := rabbitmq.Factory()(context.Background(), "api", endpoint.Config{Type: rabbitmq.Type, Servers: []string{url}}, connector.Deps{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return connectortest.Harness{
			Connector: conn,
			Topic: func(t *testing.T) string {
				q := fmt.Sprintf("pullgate-test-%d", time.Now().UnixNano())
				_, err := ch.QueueDeclare(q, false, true, false, false, nil)
				require.NoError(t, err)
				return q
			},
			Publish: func(t *testing.T, topic string, value []byte, headers map[string][]string) {
				table := amqp.Table{}
				for k, vs := range headers {
					table[k] = vs[0]
				}
				require.NoError(t, ch.PublishWithContext(context.Background(), "", topic, false, false, amqp.Publishing{Body: value, Headers: table}))
			},
			Headers: true,
		}
	})
}

func TestMissingQueueIsConfigurationError(t *testing.T) {
	url := amqpURL(t)
	conn, err := rabbitmq.Factory()(context.Background(), "api", endpoint.Config{Type: rabbitmq.Type, Servers: []string{url}}, connector.Deps{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Subscribe(context.Background(), connector.SubscribeRequest{
		Topic:  fmt.Sprintf("pullgate-missing-%d", time.Now().UnixNano()),
		Group:  "g",
		Config: endpoint.Resolved{Type: rabbitmq.Type, Topic: "missing"},
	})
	assert.ErrorIs(t, err, connector.ErrConfiguration)
}

func TestFactoryRequiresURL(t *testing.T) {
	_, err := rabbitmq.Factory()(context.Background(), "api", endpoint.Config{Type: rabbitmq.Type}, connector.Deps{})
	assert.ErrorIs(t, err, connector.ErrConfiguration)
}
