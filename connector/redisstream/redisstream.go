// Package redisstream reads Redis Streams. Entry IDs "ms-seq" are packed
// into a single int64 offset on partition 0 so they fit the gateway cursor.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/qos"
	"github.com/redis/go-redis/v9"
)

// Type is the endpoint type served by this package.
const Type = "redis-streams"

// Property keys.
const (
	// PropValueField names the entry field carried as message content.
	PropValueField = "valueField"
	PropBatchSize  = "batchSize"
	PropBlock      = "block"
	// PropCommitKeyPrefix prefixes the hash holding committed IDs per group.
	PropCommitKeyPrefix = "commitKeyPrefix"
)

const (
	defaultValueField      = "value"
	defaultBatchSize       = 100
	defaultBlock           = 250 * time.Millisecond
	defaultCommitKeyPrefix = "pullgate:streams:"
	seqBits                = 20
)

// ErrIDOutOfRange is returned for entry IDs whose sequence part does not fit
// the packed offset.
var ErrIDOutOfRange = errors.New("redisstream: entry id out of range")

// EncodeID packs an entry ID into an offset.
func EncodeID(id string) (int64, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("redisstream: malformed id %q", id)
	}
	m, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redisstream: malformed id %q: %w", id, err)
	}
	s, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redisstream: malformed id %q: %w", id, err)
	}
	if s >= 1<<seqBits || m >= 1<<(63-seqBits) {
		return 0, fmt.Errorf("%w: %s", ErrIDOutOfRange, id)
	}
	return m<<seqBits | s, nil
}

// DecodeID is the inverse of EncodeID.
func DecodeID(off int64) string {
	if off < 0 {
		return "0-0"
	}
	return fmt.Sprintf("%d-%d", off>>seqBits, off&(1<<seqBits-1))
}

// Connector reads streams from one Redis deployment.
type Connector struct {
	client redis.UniversalClient
	owned  bool
	log    *slog.Logger
}

var _ connector.Connector = (*Connector)(nil)

// Factory dials cfg.Servers as a universal client (single node, sentinel or
// cluster depending on the address count).
func Factory() connector.Factory {
	return func(ctx context.Context, apiID string, cfg endpoint.Config, deps connector.Deps) (connector.Connector, error) {
		addrs := cfg.Servers
		if len(addrs) == 0 {
			addrs = []string{"localhost:6379"}
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      addrs,
			ClientName: "pullgate-" + apiID,
			Username:   cfg.Properties["username"],
			Password:   cfg.Properties["password"],
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, connector.Connection(fmt.Errorf("redis ping: %w", err))
		}
		c := New(client, deps.Logger)
		c.owned = true
		return c, nil
	}
}

// New wraps an existing client. Close leaves it open.
func New(client redis.UniversalClient, log *slog.Logger) *Connector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Connector{client: client, log: log}
}

func (c *Connector) Type() string { return Type }

func (c *Connector) SupportedQoS() qos.Set { return qos.All() }

func (c *Connector) Close() error {
	if c.owned {
		return c.client.Close()
	}
	return nil
}

func (c *Connector) Subscribe(ctx context.Context, req connector.SubscribeRequest) (connector.Stream, error) {
	cfg := req.Config
	batch, err := strconv.Atoi(cfg.Property(PropBatchSize, strconv.Itoa(defaultBatchSize)))
	if err != nil || batch <= 0 {
		return nil, connector.Configuration(fmt.Errorf("redisstream: invalid %s", PropBatchSize))
	}
	block, err := time.ParseDuration(cfg.Property(PropBlock, defaultBlock.String()))
	if err != nil || block <= 0 {
		return nil, connector.Configuration(fmt.Errorf("redisstream: invalid %s", PropBlock))
	}

	s := &stream{
		client:     c.client,
		topic:      req.Topic,
		valueField: cfg.Property(PropValueField, defaultValueField),
		batch:      int64(batch),
		block:      block,
		commitKey:  cfg.Property(PropCommitKeyPrefix, defaultCommitKeyPrefix) + req.Group,
	}

	if off, ok := req.Start.Offset(req.Topic, 0); ok {
		s.last = DecodeID(off - 1)
		s.next = off
		return s, nil
	}

	committed, err := c.client.HGet(ctx, s.commitKey, req.Topic).Result()
	switch {
	case err == nil:
		off, err := EncodeID(committed)
		if err != nil {
			return nil, connector.Configuration(err)
		}
		s.last, s.next = committed, off+1
		return s, nil
	case !errors.Is(err, redis.Nil):
		return nil, connector.Connection(err)
	}

	switch connector.ResetOrDefault(req.Reset, connector.ResetLatest) {
	case connector.ResetEarliest:
		s.last = "0-0"
	case connector.ResetLatest:
		// Resolved once so entries added between reads are not skipped.
		tail, err := c.client.XRevRangeN(ctx, req.Topic, "+", "-", 1).Result()
		if err != nil {
			return nil, connector.Connection(err)
		}
		s.last = "0-0"
		if len(tail) > 0 {
			s.last = tail[0].ID
			off, err := EncodeID(tail[0].ID)
			if err != nil {
				return nil, connector.Configuration(err)
			}
			s.next = off + 1
		}
	case connector.ResetNone:
		return nil, connector.Configuration(fmt.Errorf("redisstream: no committed position for %s on %s", req.Group, req.Topic))
	default:
		return nil, connector.Configuration(fmt.Errorf("redisstream: unknown reset policy %q", req.Reset))
	}
	c.log.DebugContext(ctx, "redisstream.subscribe", slog.String("topic", req.Topic), slog.String("from", s.last))
	return s, nil
}

type stream struct {
	client     redis.UniversalClient
	topic      string
	valueField string
	batch      int64
	block      time.Duration
	commitKey  string

	mu     sync.Mutex
	last   string
	next   int64
	buf    []redis.XMessage
	closed bool
}

func (s *stream) Next(ctx context.Context) (connector.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return connector.Record{}, err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return connector.Record{}, connector.ErrClosed
		}
		if len(s.buf) > 0 {
			msg := s.buf[0]
			s.buf = s.buf[1:]
			rec, err := s.toRecord(msg)
			s.mu.Unlock()
			return rec, err
		}
		last := s.last
		s.mu.Unlock()

		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.topic, last},
			Count:   s.batch,
			Block:   s.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return connector.Record{}, ctxErr
			}
			if errors.Is(err, redis.ErrClosed) {
				return connector.Record{}, connector.ErrClosed
			}
			return connector.Record{}, connector.Connection(err)
		}
		s.mu.Lock()
		for _, xs := range res {
			s.buf = append(s.buf, xs.Messages...)
		}
		if n := len(s.buf); n > 0 {
			s.last = s.buf[n-1].ID
		}
		s.mu.Unlock()
	}
}

// toRecord is called with s.mu held.
func (s *stream) toRecord(msg redis.XMessage) (connector.Record, error) {
	off, err := EncodeID(msg.ID)
	if err != nil {
		return connector.Record{}, connector.Configuration(err)
	}
	s.next = off + 1
	rec := connector.Record{
		Cursor:   cursor.Cursor{Topic: s.topic, Partition: 0, Offset: off},
		Headers:  map[string][]string{},
		Metadata: map[string]string{"stream": s.topic, "id": msg.ID},
	}
	if ms, _, ok := strings.Cut(msg.ID, "-"); ok {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			rec.Timestamp = time.UnixMilli(v)
		}
	}
	for k, v := range msg.Values {
		str := fmt.Sprint(v)
		if k == s.valueField {
			rec.Value = []byte(str)
			continue
		}
		rec.Headers[k] = []string{str}
	}
	return rec, nil
}

// Commit records the entry ID in the group's hash. Redis keeps no
// per-reader state for plain XREAD.
func (s *stream) Commit(ctx context.Context, c cursor.Cursor) error {
	if err := s.client.HSet(ctx, s.commitKey, c.Topic, DecodeID(c.Offset)).Err(); err != nil {
		return connector.Connection(fmt.Errorf("redisstream commit: %w", err))
	}
	return nil
}

func (s *stream) Position() cursor.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == 0 {
		return nil
	}
	return cursor.Position{{Topic: s.topic, Partition: 0, Offset: s.next}}
}

func (s *stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
	return nil
}
