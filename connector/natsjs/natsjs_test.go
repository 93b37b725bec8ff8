package natsjs_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/connector/connectortest"
	"github.com/ggoodman/pullgate/connector/natsjs"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *nats.Conn {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	_, err = js.CreateStream(context.Background(), jetstream.StreamConfig{Name: "PULL", Subjects: []string{"pull.>"}})
	require.NoError(t, err)
	return nc
}

func TestJetStreamConnector(t *testing.T) {
	nc := startServer(t)
	conn, err := natsjs.New(nc, nil)
	require.NoError(t, err)

	connectortest.RunConnectorTests(t, func(t *testing.T) connectortest.Harness {
		return connectortest.Harness{
			Connector: conn,
			Topic: func(t *testing.T) string {
				return fmt.Sprintf("pull.test.%d", time.Now().UnixNano())
			},
			Publish: func(t *testing.T, topic string, value []byte, headers map[string][]string) {
				msg := nats.NewMsg(topic)
				msg.Data = value
				for k, vs := range headers {
					for _, v := range vs {
						msg.Header.Add(k, v)
					}
				}
				js, err := jetstream.New(nc)
				require.NoError(t, err)
				_, err = js.PublishMsg(context.Background(), msg)
				require.NoError(t, err)
			},
			Resumable: true,
			Headers:   true,
		}
	})
}

func TestUnknownSubjectIsConfigurationError(t *testing.T) {
	nc := startServer(t)
	conn, err := natsjs.New(nc, nil)
	require.NoError(t, err)

	_, err = conn.Subscribe(context.Background(), connector.SubscribeRequest{
		Topic:  "elsewhere.x",
		Group:  "g",
		Config: endpoint.Resolved{Type: natsjs.Type, Topic: "elsewhere.x"},
	})
	assert.ErrorIs(t, err, connector.ErrConfiguration)
}

func TestResetNoneWithoutConsumer(t *testing.T) {
	nc := startServer(t)
	conn, err := natsjs.New(nc, nil)
	require.NoError(t, err)

	_, err = conn.Subscribe(context.Background(), connector.SubscribeRequest{
		Topic:  "pull.none",
		Group:  "g",
		Reset:  connector.ResetNone,
		Config: endpoint.Resolved{Type: natsjs.Type, Topic: "pull.none"},
	})
	assert.ErrorIs(t, err, connector.ErrConfiguration)
}

func TestRecordMetadata(t *testing.T) {
	nc := startServer(t)
	conn, err := natsjs.New(nc, nil)
	require.NoError(t, err)

	s, err := conn.Subscribe(context.Background(), connector.SubscribeRequest{
		Topic:  "pull.meta",
		Group:  "g",
		Reset:  connector.ResetEarliest,
		Config: endpoint.Resolved{Type: natsjs.Type, Topic: "pull.meta", Properties: map[string]string{natsjs.PropStream: "PULL"}},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, nc.Publish("pull.meta", []byte("hello")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(rec.Value))
	assert.Equal(t, "PULL", rec.Metadata["stream"])
	assert.Equal(t, "pull.meta", rec.Metadata["subject"])
	assert.Equal(t, "1", rec.Metadata["sequence"])
	assert.EqualValues(t, 1, rec.Cursor.Offset)
}

func TestInvalidDurationProperty(t *testing.T) {
	nc := startServer(t)
	conn, err := natsjs.New(nc, nil)
	require.NoError(t, err)

	_, err = conn.Subscribe(context.Background(), connector.SubscribeRequest{
		Topic:  "pull.x",
		Group:  "g",
		Config: endpoint.Resolved{Type: natsjs.Type, Topic: "pull.x", Properties: map[string]string{natsjs.PropAckWait: "soon"}},
	})
	assert.ErrorIs(t, err, connector.ErrConfiguration)
}
