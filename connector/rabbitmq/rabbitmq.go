// Package rabbitmq consumes RabbitMQ queues. Queues are destructive, so
// start positions are not honoured: offsets are channel delivery tags and
// only order the records of one live stream.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/qos"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Type is the endpoint type served by this package.
const Type = "rabbitmq"

// Property keys.
const (
	PropPrefetch = "prefetch"
	// PropDeclare declares a durable queue instead of requiring it to exist.
	PropDeclare = "declare"
	// PropExchange and PropRoutingKey bind a declared queue.
	PropExchange   = "exchange"
	PropRoutingKey = "routingKey"
)

const defaultPrefetch = 100

// Connector holds one AMQP connection per deployed API; every stream gets
// its own channel.
type Connector struct {
	conn *amqp.Connection
	log  *slog.Logger
}

var _ connector.Connector = (*Connector)(nil)

// Factory dials the first of cfg.Servers, an amqp:// URL.
func Factory() connector.Factory {
	return func(ctx context.Context, apiID string, cfg endpoint.Config, deps connector.Deps) (connector.Connector, error) {
		if len(cfg.Servers) == 0 {
			return nil, connector.Configuration(errors.New("rabbitmq: servers must name an amqp:// url"))
		}
		conn, err := amqp.DialConfig(cfg.Servers[0], amqp.Config{
			Properties: amqp.Table{"connection_name": "pullgate-" + apiID},
		})
		if err != nil {
			return nil, connector.Connection(err)
		}
		return New(conn, deps.Logger), nil
	}
}

// New wraps conn; Close closes it.
func New(conn *amqp.Connection, log *slog.Logger) *Connector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Connector{conn: conn, log: log}
}

func (c *Connector) Type() string { return Type }

func (c *Connector) SupportedQoS() qos.Set { return qos.All() }

func (c *Connector) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

func (c *Connector) Subscribe(ctx context.Context, req connector.SubscribeRequest) (connector.Stream, error) {
	cfg := req.Config
	prefetch, err := strconv.Atoi(cfg.Property(PropPrefetch, strconv.Itoa(defaultPrefetch)))
	if err != nil || prefetch <= 0 {
		return nil, connector.Configuration(fmt.Errorf("rabbitmq: invalid %s", PropPrefetch))
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, connector.Connection(err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, classify(err)
	}

	if cfg.Property(PropDeclare, "false") == "true" {
		if _, err := ch.QueueDeclare(req.Topic, true, false, false, false, nil); err != nil {
			return nil, classify(err)
		}
		if ex := cfg.Property(PropExchange, ""); ex != "" {
			if err := ch.QueueBind(req.Topic, cfg.Property(PropRoutingKey, req.Topic), ex, false, nil); err != nil {
				return nil, classify(err)
			}
		}
	} else if _, err := ch.QueueDeclarePassive(req.Topic, true, false, false, false, nil); err != nil {
		// A failed passive declare closes the channel.
		return nil, classify(err)
	}

	manual := req.QoS == qos.AtMostOnce || req.QoS == qos.AtLeastOnce
	consumeCtx, cancel := context.WithCancel(context.Background())
	deliveries, err := ch.ConsumeWithContext(consumeCtx, req.Topic, req.Group, !manual, false, false, false, nil)
	if err != nil {
		cancel()
		_ = ch.Close()
		return nil, classify(err)
	}
	if req.Start != nil {
		c.log.DebugContext(ctx, "rabbitmq.start.ignored", slog.String("queue", req.Topic))
	}

	s := &stream{
		ch:         ch,
		queue:      req.Topic,
		manual:     manual,
		deliveries: deliveries,
		closing:    ch.NotifyClose(make(chan *amqp.Error, 1)),
		cancel:     cancel,
	}
	return s, nil
}

func classify(err error) error {
	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		switch aerr.Code {
		case amqp.NotFound, amqp.AccessRefused, amqp.PreconditionFailed, amqp.NotAllowed:
			return connector.Configuration(err)
		}
	}
	return connector.Connection(err)
}

type stream struct {
	ch         *amqp.Channel
	queue      string
	manual     bool
	deliveries <-chan amqp.Delivery
	closing    chan *amqp.Error
	cancel     context.CancelFunc

	mu     sync.Mutex
	next   uint64
	closed bool
}

func (s *stream) Next(ctx context.Context) (connector.Record, error) {
	select {
	case <-ctx.Done():
		return connector.Record{}, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			return connector.Record{}, s.closedErr()
		}
		s.mu.Lock()
		s.next = d.DeliveryTag + 1
		s.mu.Unlock()
		return toRecord(s.queue, d), nil
	}
}

func (s *stream) closedErr() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return connector.ErrClosed
	}
	select {
	case err, ok := <-s.closing:
		if ok && err != nil {
			return classify(err)
		}
	default:
	}
	return connector.Connection(errors.New("rabbitmq: delivery channel closed"))
}

func toRecord(queue string, d amqp.Delivery) connector.Record {
	rec := connector.Record{
		Cursor:    cursor.Cursor{Topic: queue, Partition: 0, Offset: int64(d.DeliveryTag)},
		Value:     d.Body,
		Headers:   map[string][]string{},
		Timestamp: d.Timestamp,
		Metadata: map[string]string{
			"exchange":    d.Exchange,
			"routingKey":  d.RoutingKey,
			"deliveryTag": strconv.FormatUint(d.DeliveryTag, 10),
			"redelivered": strconv.FormatBool(d.Redelivered),
		},
	}
	if d.MessageId != "" {
		rec.Key = []byte(d.MessageId)
		rec.Metadata["messageId"] = d.MessageId
	}
	if d.CorrelationId != "" {
		rec.Metadata["correlationId"] = d.CorrelationId
	}
	if d.ContentType != "" {
		rec.Metadata["contentType"] = d.ContentType
	}
	for k, v := range d.Headers {
		rec.Headers[k] = []string{fmt.Sprint(v)}
	}
	return rec
}

// Commit acks every delivery up to c on this channel.
func (s *stream) Commit(ctx context.Context, c cursor.Cursor) error {
	if !s.manual || c.Offset <= 0 {
		return nil
	}
	if err := s.ch.Ack(uint64(c.Offset), true); err != nil {
		return classify(fmt.Errorf("rabbitmq ack %d: %w", c.Offset, err))
	}
	return nil
}

func (s *stream) Position() cursor.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == 0 {
		return nil
	}
	return cursor.Position{{Topic: s.queue, Partition: 0, Offset: int64(s.next)}}
}

// Close cancels the consumer; unacked deliveries return to the queue.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.ch.IsClosed() {
		return nil
	}
	return s.ch.Close()
}
