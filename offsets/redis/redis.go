// Package redis provides an offsets.Store on Redis so that committed
// positions survive gateway restarts and are shared between gateway nodes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/offsets"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

var _ offsets.Store = (*Store)(nil)

// Config for the Redis offsets store. Defaults can be loaded via envdecode.
type Config struct {
	// Client is used when set; otherwise one is dialed from Addr.
	Client redis.UniversalClient
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: PULLGATE_OFFSETS_KEY_PREFIX
	KeyPrefix string `env:"PULLGATE_OFFSETS_KEY_PREFIX,default=pullgate:offsets:"`
}

// Store implements offsets.Store with one JSON value per group.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

type storedItem struct {
	Cursors   []storedCursor `json:"cursors"`
	SavedAt   time.Time      `json:"saved_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

type storedCursor struct {
	Topic     string `json:"t"`
	Partition int32  `json:"p"`
	Offset    int64  `json:"o"`
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	s := &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}
	if s.keyPrefix == "" {
		s.keyPrefix = "pullgate:offsets:"
	}
	if s.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		s.client = redis.NewClient(&redis.Options{Addr: addr})
		s.owned = true
		if err := s.client.Ping(context.Background()).Err(); err != nil {
			_ = s.client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return New(cfg)
}

func (s *Store) key(group string) string { return s.keyPrefix + group }

func (s *Store) Get(ctx context.Context, group string) (*offsets.Item, error) {
	if group == "" {
		return nil, offsets.ErrInvalidGroup
	}
	raw, err := s.client.Get(ctx, s.key(group)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get offsets for %s: %w", group, err)
	}
	var st storedItem
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal offsets: %w", err)
	}
	item := &offsets.Item{SavedAt: st.SavedAt, ExpiresAt: st.ExpiresAt}
	for _, c := range st.Cursors {
		item.Position = item.Position.With(cursor.Cursor{Topic: c.Topic, Partition: c.Partition, Offset: c.Offset})
	}
	if item.IsExpired() {
		s.client.Del(ctx, s.key(group))
		return nil, nil
	}
	return item, nil
}

func (s *Store) Save(ctx context.Context, group string, pos cursor.Position, opts ...offsets.Option) error {
	if group == "" {
		return offsets.ErrInvalidGroup
	}
	o := offsets.Apply(opts...)
	now := time.Now()
	st := storedItem{SavedAt: now}
	for _, c := range pos {
		st.Cursors = append(st.Cursors, storedCursor{Topic: c.Topic, Partition: c.Partition, Offset: c.Offset})
	}
	var ttl time.Duration
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		st.ExpiresAt = &exp
		ttl = *o.TTL
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal offsets: %w", err)
	}
	if err := s.client.Set(ctx, s.key(group), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save offsets for %s: %w", group, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, group string, opts ...offsets.Option) error {
	o := offsets.Apply(opts...)
	if !o.Prefix {
		return s.client.Del(ctx, s.key(group)).Err()
	}
	iter := s.client.Scan(ctx, 0, s.key(group)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan offsets: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
