// Package kafka is the Kafka connector, built on github.com/twmb/franz-go.
//
// Every subscription gets its own group consumer. The consumer group is
// derived from the subscription so two clients never steal partitions from
// each other, and commits land on the group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/qos"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Type is the endpoint type served by this package.
const Type = "kafka"

// Property keys.
const (
	PropGroupPrefix    = "groupPrefix"
	PropClientID       = "clientId"
	PropMaxPollRecords = "maxPollRecords"
	PropFetchMaxWait   = "fetchMaxWait"
)

const (
	defaultGroupPrefix    = "pullgate-"
	defaultMaxPollRecords = 100
)

// Connector opens one franz-go group consumer per subscription.
type Connector struct {
	apiID string
	log   *slog.Logger
	// opts are appended to every client; tests use them to tune timeouts.
	opts []kgo.Opt
}

var _ connector.Connector = (*Connector)(nil)

// Factory returns the connector.Factory for the kafka type.
func Factory(extra ...kgo.Opt) connector.Factory {
	return func(ctx context.Context, apiID string, cfg endpoint.Config, deps connector.Deps) (connector.Connector, error) {
		if len(cfg.Servers) == 0 {
			return nil, connector.Configuration(errors.New("kafka: at least one bootstrap server is required"))
		}
		return &Connector{apiID: apiID, log: deps.Logger, opts: extra}, nil
	}
}

func (c *Connector) Type() string { return Type }

func (c *Connector) SupportedQoS() qos.Set {
	return qos.NewSet(qos.None, qos.Auto, qos.AtMostOnce, qos.AtLeastOnce)
}

func (c *Connector) Close() error { return nil }

func resetOffset(reset string) (kgo.Offset, error) {
	switch connector.ResetOrDefault(reset, connector.ResetLatest) {
	case connector.ResetEarliest:
		return kgo.NewOffset().AtStart(), nil
	case connector.ResetLatest:
		return kgo.NewOffset().AtEnd(), nil
	case connector.ResetNone:
		return kgo.NewOffset().AtCommitted(), nil
	default:
		return kgo.Offset{}, connector.Configuration(fmt.Errorf("kafka: unknown auto offset reset %q", reset))
	}
}

// Subscribe creates a group consumer for req.Topic. Partitions named in
// req.Start are seeked to as soon as they are assigned.
func (c *Connector) Subscribe(ctx context.Context, req connector.SubscribeRequest) (connector.Stream, error) {
	cfg := req.Config
	reset, err := resetOffset(req.Reset)
	if err != nil {
		return nil, err
	}
	maxPoll := defaultMaxPollRecords
	if v := cfg.Property(PropMaxPollRecords, ""); v != "" {
		if maxPoll, err = strconv.Atoi(v); err != nil || maxPoll <= 0 {
			return nil, connector.Configuration(fmt.Errorf("kafka: invalid %s %q", PropMaxPollRecords, v))
		}
	}

	s := &stream{
		topic:   req.Topic,
		maxPoll: maxPoll,
		start:   req.Start,
		seeked:  map[int32]bool{},
		log:     c.log.With(slog.String("topic", req.Topic)),
	}
	for _, cur := range req.Start {
		s.position = s.position.With(cur)
	}

	group := cfg.Property(PropGroupPrefix, defaultGroupPrefix) + req.Group
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Servers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(req.Topic),
		kgo.ConsumeResetOffset(reset),
		kgo.OnPartitionsAssigned(s.onAssigned),
	}
	if id := cfg.Property(PropClientID, ""); id != "" {
		opts = append(opts, kgo.ClientID(id))
	}
	if v := cfg.Property(PropFetchMaxWait, ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, connector.Configuration(fmt.Errorf("kafka: invalid %s %q", PropFetchMaxWait, v))
		}
		opts = append(opts, kgo.FetchMaxWait(d))
	}
	if req.QoS == qos.AtMostOnce || req.QoS == qos.AtLeastOnce {
		opts = append(opts, kgo.DisableAutoCommit())
	}
	opts = append(opts, c.opts...)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, connector.Configuration(err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, connector.Connection(err)
	}
	s.cl = cl
	s.log.DebugContext(ctx, "kafka.subscribe", slog.String("group", group))
	return s, nil
}

type stream struct {
	cl      *kgo.Client
	topic   string
	maxPoll int
	log     *slog.Logger

	mu       sync.Mutex
	start    cursor.Position
	seeked   map[int32]bool
	position cursor.Position
	buf      []*kgo.Record
	closed   bool
}

// onAssigned seeks newly assigned partitions to the client supplied start.
// A partition is only seeked once, so a rebalance does not rewind it.
func (s *stream) onAssigned(_ context.Context, cl *kgo.Client, assigned map[string][]int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[int32]kgo.EpochOffset{}
	for _, p := range assigned[s.topic] {
		if s.seeked[p] {
			continue
		}
		s.seeked[p] = true
		if off, ok := s.start.Offset(s.topic, p); ok {
			set[p] = kgo.EpochOffset{Epoch: -1, Offset: off}
		}
	}
	if len(set) > 0 {
		cl.SetOffsets(map[string]map[int32]kgo.EpochOffset{s.topic: set})
	}
}

func (s *stream) Next(ctx context.Context) (connector.Record, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return connector.Record{}, connector.ErrClosed
		}
		if len(s.buf) > 0 {
			r := s.buf[0]
			s.buf[0] = nil
			s.buf = s.buf[1:]
			rec := toRecord(r)
			s.position = s.position.Advance(rec.Cursor)
			s.mu.Unlock()
			return rec, nil
		}
		s.mu.Unlock()

		fetches := s.cl.PollRecords(ctx, s.maxPoll)
		if fetches.IsClientClosed() {
			return connector.Record{}, connector.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return connector.Record{}, err
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			return connector.Record{}, classify(fe.Err)
		}
		s.mu.Lock()
		fetches.EachRecord(func(r *kgo.Record) { s.buf = append(s.buf, r) })
		s.mu.Unlock()
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, kerr.UnknownTopicOrPartition),
		errors.Is(err, kerr.TopicAuthorizationFailed),
		errors.Is(err, kerr.GroupAuthorizationFailed),
		errors.Is(err, kerr.InvalidTopicException):
		return connector.Configuration(err)
	default:
		return connector.Connection(err)
	}
}

func toRecord(r *kgo.Record) connector.Record {
	rec := connector.Record{
		Cursor:    cursor.Cursor{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset},
		Key:       r.Key,
		Value:     r.Value,
		Headers:   map[string][]string{},
		Timestamp: r.Timestamp,
		Metadata: map[string]string{
			"topic":     r.Topic,
			"partition": strconv.Itoa(int(r.Partition)),
			"offset":    strconv.FormatInt(r.Offset, 10),
			"timestamp": strconv.FormatInt(r.Timestamp.UnixMilli(), 10),
		},
	}
	if len(r.Key) > 0 {
		rec.Metadata["key"] = string(r.Key)
	}
	for _, h := range r.Headers {
		rec.Headers[h.Key] = append(rec.Headers[h.Key], string(h.Value))
	}
	return rec
}

// Commit stores c.Offset+1 for the partition on the consumer group.
func (s *stream) Commit(ctx context.Context, c cursor.Cursor) error {
	var commitErr error
	s.cl.CommitOffsetsSync(ctx, map[string]map[int32]kgo.EpochOffset{
		c.Topic: {c.Partition: {Epoch: -1, Offset: c.Offset + 1}},
	}, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if perr := kerr.ErrorForCode(p.ErrorCode); perr != nil && commitErr == nil {
					commitErr = perr
				}
			}
		}
	})
	if commitErr != nil {
		return connector.Connection(fmt.Errorf("kafka commit %s: %w", c.ID(), commitErr))
	}
	return nil
}

func (s *stream) Position() cursor.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(cursor.Position(nil), s.position...)
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
	s.cl.Close()
	return nil
}
