// Package natsjs is the NATS JetStream connector. The endpoint topic is a
// subject; offsets are stream sequences on a single partition 0.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/qos"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Type is the endpoint type served by this package.
const Type = "nats-jetstream"

// Property keys.
const (
	// PropStream names the stream; looked up by subject when empty.
	PropStream            = "stream"
	PropFetchWait         = "fetchWait"
	PropAckWait           = "ackWait"
	PropInactiveThreshold = "inactiveThreshold"
)

const (
	defaultFetchWait         = 250 * time.Millisecond
	defaultAckWait           = 10 * time.Minute
	defaultInactiveThreshold = time.Hour
)

// Connector holds one NATS connection per deployed API.
type Connector struct {
	nc    *nats.Conn
	js    jetstream.JetStream
	owned bool
	log   *slog.Logger
}

var _ connector.Connector = (*Connector)(nil)

// Factory dials cfg.Servers with opts for every API built from it.
func Factory(opts ...nats.Option) connector.Factory {
	return func(ctx context.Context, apiID string, cfg endpoint.Config, deps connector.Deps) (connector.Connector, error) {
		url := nats.DefaultURL
		if len(cfg.Servers) > 0 {
			url = strings.Join(cfg.Servers, ",")
		}
		nc, err := nats.Connect(url, append([]nats.Option{nats.Name("pullgate-" + apiID)}, opts...)...)
		if err != nil {
			return nil, connector.Connection(err)
		}
		c, err := New(nc, deps.Logger)
		if err != nil {
			nc.Close()
			return nil, err
		}
		c.owned = true
		return c, nil
	}
}

// New wraps an existing connection. Close leaves nc open.
func New(nc *nats.Conn, log *slog.Logger) (*Connector, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, connector.Connection(err)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Connector{nc: nc, js: js, log: log}, nil
}

func (c *Connector) Type() string { return Type }

func (c *Connector) SupportedQoS() qos.Set {
	return qos.All()
}

func (c *Connector) Close() error {
	if c.owned {
		return c.nc.Drain()
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// durableName maps a group and subject onto a legal consumer name.
func durableName(group, subject string) string {
	return unsafeName.ReplaceAllString(group+"_"+subject, "_")
}

func duration(cfg endpoint.Resolved, key string, def time.Duration) (time.Duration, error) {
	v := cfg.Property(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, connector.Configuration(fmt.Errorf("natsjs: invalid %s %q", key, v))
	}
	return d, nil
}

// Subscribe binds a durable pull consumer to req.Topic. A start position
// recreates the consumer at that sequence; otherwise an existing consumer
// resumes from its ack floor.
func (c *Connector) Subscribe(ctx context.Context, req connector.SubscribeRequest) (connector.Stream, error) {
	cfg := req.Config
	fetchWait, err := duration(cfg, PropFetchWait, defaultFetchWait)
	if err != nil {
		return nil, err
	}
	ackWait, err := duration(cfg, PropAckWait, defaultAckWait)
	if err != nil {
		return nil, err
	}
	inactive, err := duration(cfg, PropInactiveThreshold, defaultInactiveThreshold)
	if err != nil {
		return nil, err
	}

	streamName := cfg.Property(PropStream, "")
	if streamName == "" {
		if streamName, err = c.js.StreamNameBySubject(ctx, req.Topic); err != nil {
			return nil, classify(err)
		}
	}

	acking := req.QoS == qos.AtMostOnce || req.QoS == qos.AtLeastOnce
	name := durableName(req.Group, req.Topic)
	ccfg := jetstream.ConsumerConfig{
		Durable:           name,
		FilterSubject:     req.Topic,
		AckPolicy:         jetstream.AckNonePolicy,
		AckWait:           ackWait,
		InactiveThreshold: inactive,
	}
	if acking {
		ccfg.AckPolicy = jetstream.AckAllPolicy
	}

	var cons jetstream.Consumer
	start, explicit := req.Start.Offset(req.Topic, 0)
	if explicit {
		if err := c.js.DeleteConsumer(ctx, streamName, name); err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, classify(err)
		}
		ccfg.DeliverPolicy = jetstream.DeliverAllPolicy
		if start > 1 {
			ccfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
			ccfg.OptStartSeq = uint64(start)
		}
		cons, err = c.js.CreateOrUpdateConsumer(ctx, streamName, ccfg)
	} else {
		cons, err = c.js.Consumer(ctx, streamName, name)
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			switch connector.ResetOrDefault(req.Reset, connector.ResetLatest) {
			case connector.ResetEarliest:
				ccfg.DeliverPolicy = jetstream.DeliverAllPolicy
			case connector.ResetLatest:
				ccfg.DeliverPolicy = jetstream.DeliverNewPolicy
			case connector.ResetNone:
				return nil, connector.Configuration(fmt.Errorf("natsjs: no consumer %s on stream %s", name, streamName))
			default:
				return nil, connector.Configuration(fmt.Errorf("natsjs: unknown reset policy %q", req.Reset))
			}
			cons, err = c.js.CreateOrUpdateConsumer(ctx, streamName, ccfg)
		}
	}
	if err != nil {
		return nil, classify(err)
	}

	s := &stream{
		cons:      cons,
		subject:   req.Topic,
		fetchWait: fetchWait,
		acking:    acking,
		held:      map[uint64]jetstream.Msg{},
	}
	switch info := cons.CachedInfo(); {
	case explicit && start > 0:
		s.next = uint64(start)
	case info != nil && info.Delivered.Stream > 0:
		// Resumed durable: anything delivered but unacked comes back only
		// after AckWait, so the position starts past the delivered floor.
		s.next = info.Delivered.Stream + 1
	}
	c.log.DebugContext(ctx, "natsjs.subscribe", slog.String("stream", streamName), slog.String("consumer", name))
	return s, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jetstream.ErrStreamNotFound),
		errors.Is(err, jetstream.ErrConsumerNotFound),
		errors.Is(err, jetstream.ErrJetStreamNotEnabled):
		return connector.Configuration(err)
	default:
		return connector.Connection(err)
	}
}

type stream struct {
	cons      jetstream.Consumer
	subject   string
	fetchWait time.Duration
	acking    bool

	mu     sync.Mutex
	next   uint64
	held   map[uint64]jetstream.Msg
	closed bool
}

// Next fetches one message at a time, checking ctx between short fetches.
// Server redeliveries of sequences already handed out are skipped: the
// registry owns redelivery.
func (s *stream) Next(ctx context.Context) (connector.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return connector.Record{}, err
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return connector.Record{}, connector.ErrClosed
		}

		msg, err := s.cons.Next(jetstream.FetchMaxWait(s.fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) {
				return connector.Record{}, connector.ErrClosed
			}
			return connector.Record{}, classify(err)
		}
		meta, err := msg.Metadata()
		if err != nil {
			return connector.Record{}, connector.Connection(err)
		}
		seq := meta.Sequence.Stream

		s.mu.Lock()
		if seq < s.next {
			s.mu.Unlock()
			continue
		}
		s.next = seq + 1
		if s.acking {
			s.held[seq] = msg
		}
		s.mu.Unlock()

		rec := connector.Record{
			Cursor:    cursor.Cursor{Topic: s.subject, Partition: 0, Offset: int64(seq)},
			Value:     msg.Data(),
			Headers:   map[string][]string{},
			Timestamp: meta.Timestamp,
			Metadata: map[string]string{
				"subject":      msg.Subject(),
				"stream":       meta.Stream,
				"sequence":     strconv.FormatUint(seq, 10),
				"numDelivered": strconv.FormatUint(meta.NumDelivered, 10),
			},
		}
		for k, v := range msg.Headers() {
			rec.Headers[k] = append([]string(nil), v...)
		}
		return rec, nil
	}
}

// Commit acks the held message at c. With AckAll that covers every earlier
// sequence too.
func (s *stream) Commit(ctx context.Context, c cursor.Cursor) error {
	if !s.acking {
		return nil
	}
	seq := uint64(c.Offset)
	s.mu.Lock()
	msg, ok := s.held[seq]
	for held := range s.held {
		if held <= seq {
			delete(s.held, held)
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := msg.DoubleAck(ctx); err != nil {
		return connector.Connection(fmt.Errorf("natsjs ack %d: %w", seq, err))
	}
	return nil
}

func (s *stream) Position() cursor.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == 0 {
		return nil
	}
	return cursor.Position{{Topic: s.subject, Partition: 0, Offset: int64(s.next)}}
}

func (s *stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.held = map[uint64]jetstream.Msg{}
	s.mu.Unlock()
	return nil
}
