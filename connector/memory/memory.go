// Package memory implements an in-process, partitioned log backend.
//
// It backs the "memory" endpoint type, which is shared by every API in the
// process and can be fed through Publish, and the bounded "mock" endpoint
// type, which seeds each topic with a fixed backlog and reports exhaustion
// once a stream has caught up.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/qos"
)

var _ connector.Connector = (*Broker)(nil)

// Message is published into a topic.
type Message struct {
	Partition int32
	Key       []byte
	Value     []byte
	Headers   map[string][]string
	Metadata  map[string]string
}

// Option configures a Broker.
type Option func(*Broker)

// WithPartitions sets the number of partitions of newly created topics.
func WithPartitions(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithBounded makes streams return connector.ErrExhausted instead of
// blocking once they have caught up.
func WithBounded() Option {
	return func(b *Broker) { b.bounded = true }
}

// WithSupportedQoS restricts the modes advertised by the broker.
func WithSupportedQoS(s qos.Set) Option {
	return func(b *Broker) { b.supported = s }
}

// WithSeed populates each topic the first time it is touched.
func WithSeed(seed func(topic string) []Message) Option {
	return func(b *Broker) { b.seed = seed }
}

// WithType overrides the endpoint type name reported by the broker.
func WithType(typ string) Option {
	return func(b *Broker) { b.typ = typ }
}

// Broker is an in-memory partitioned log. It is safe for concurrent use.
type Broker struct {
	typ        string
	partitions int
	bounded    bool
	supported  qos.Set
	seed       func(topic string) []Message

	mu      sync.Mutex
	topics  map[string]*topic
	commits map[string]cursor.Position
	closed  bool
	done    chan struct{}
}

type topic struct {
	name   string
	parts  [][]connector.Record
	notify chan struct{}
}

// New returns an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		typ:        "memory",
		partitions: 1,
		supported:  qos.All(),
		topics:     map[string]*topic{},
		commits:    map[string]cursor.Position{},
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Type() string          { return b.typ }
func (b *Broker) SupportedQoS() qos.Set { return b.supported }

// topicLocked returns the named topic, creating and seeding it if needed.
func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if ok {
		return t
	}
	t = &topic{name: name, parts: make([][]connector.Record, b.partitions), notify: make(chan struct{})}
	b.topics[name] = t
	if b.seed != nil {
		for _, m := range b.seed(name) {
			t.appendLocked(m)
		}
	}
	return t
}

func (t *topic) appendLocked(m Message) cursor.Cursor {
	p := m.Partition
	if p < 0 || int(p) >= len(t.parts) {
		p = 0
	}
	c := cursor.Cursor{Topic: t.name, Partition: p, Offset: int64(len(t.parts[p]))}
	t.parts[p] = append(t.parts[p], connector.Record{
		Cursor:    c,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   m.Headers,
		Metadata:  m.Metadata,
		Timestamp: time.Now(),
	})
	close(t.notify)
	t.notify = make(chan struct{})
	return c
}

// Publish appends a message and wakes waiting streams.
func (b *Broker) Publish(topicName string, m Message) (cursor.Cursor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return cursor.Cursor{}, connector.ErrClosed
	}
	return b.topicLocked(topicName).appendLocked(m), nil
}

// Committed returns the committed position of a consumer group.
func (b *Broker) Committed(group string) cursor.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(cursor.Position(nil), b.commits[group]...)
}

// Subscribe opens a stream positioned at req.Start, else at the group's
// committed position, else according to req.Reset.
func (b *Broker) Subscribe(ctx context.Context, req connector.SubscribeRequest) (connector.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, connector.ErrClosed
	}
	t := b.topicLocked(req.Topic)
	committed := b.commits[req.Group]
	reset := connector.ResetOrDefault(req.Reset, connector.ResetEarliest)

	s := &stream{b: b, t: t, group: req.Group, next: make([]int64, len(t.parts)), closing: make(chan struct{})}
	for p := range t.parts {
		part := int32(p)
		if off, ok := req.Start.Offset(t.name, part); ok {
			s.next[p] = off
			continue
		}
		if off, ok := committed.Offset(t.name, part); ok {
			s.next[p] = off
			continue
		}
		switch reset {
		case connector.ResetEarliest:
			s.next[p] = 0
		case connector.ResetLatest:
			s.next[p] = int64(len(t.parts[p]))
		default:
			return nil, fmt.Errorf("%w: no committed offset for %s and reset policy %q", connector.ErrConfiguration, t.name, reset)
		}
	}
	return s, nil
}

// Close wakes and fails every open stream.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

type stream struct {
	b     *Broker
	t     *topic
	group string

	// guarded by b.mu
	next []int64
	rr   int

	closed  atomic.Bool
	closing chan struct{}
	once    sync.Once
}

func (s *stream) Next(ctx context.Context) (connector.Record, error) {
	for {
		s.b.mu.Lock()
		if s.closed.Load() || s.b.closed {
			s.b.mu.Unlock()
			return connector.Record{}, connector.ErrClosed
		}
		// Rotate the starting partition so one busy partition cannot starve
		// the others.
		n := len(s.t.parts)
		for i := 0; i < n; i++ {
			p := (s.rr + i) % n
			if s.next[p] < int64(len(s.t.parts[p])) {
				rec := s.t.parts[p][s.next[p]]
				s.next[p]++
				s.rr = (p + 1) % n
				s.b.mu.Unlock()
				return rec, nil
			}
		}
		wait := s.t.notify
		bounded := s.b.bounded
		s.b.mu.Unlock()

		if bounded {
			return connector.Record{}, connector.ErrExhausted
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return connector.Record{}, ctx.Err()
		case <-s.closing:
			return connector.Record{}, connector.ErrClosed
		case <-s.b.done:
			return connector.Record{}, connector.ErrClosed
		}
	}
}

func (s *stream) Commit(ctx context.Context, c cursor.Cursor) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.closed {
		return connector.ErrClosed
	}
	s.b.commits[s.group] = s.b.commits[s.group].Advance(c)
	return nil
}

func (s *stream) Position() cursor.Position {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	var p cursor.Position
	for i, off := range s.next {
		p = p.With(cursor.Cursor{Topic: s.t.name, Partition: int32(i), Offset: off})
	}
	return p
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.closing)
	})
	return nil
}
