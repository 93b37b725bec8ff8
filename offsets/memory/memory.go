// Package memory provides a bounded in-process offsets.Store backed by
// github.com/hashicorp/golang-lru/v2.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/offsets"
	lru "github.com/hashicorp/golang-lru/v2"
)

var _ offsets.Store = (*Store)(nil)

// Store keeps at most maxGroups positions, evicting the least recently used.
type Store struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *offsets.Item]
	stop  chan struct{}
	once  sync.Once
}

// New creates a store holding at most maxGroups positions.
func New(maxGroups int) (*Store, error) {
	cache, err := lru.New[string, *offsets.Item](maxGroups)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Store{cache: cache, stop: make(chan struct{})}
	go s.cleanupExpired(time.Minute)
	return s, nil
}

func (s *Store) Get(ctx context.Context, group string) (*offsets.Item, error) {
	if group == "" {
		return nil, offsets.ErrInvalidGroup
	}
	s.mu.RLock()
	item, ok := s.cache.Get(group)
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(group)
		s.mu.Unlock()
		return nil, nil
	}
	cp := *item
	cp.Position = append(cursor.Position(nil), item.Position...)
	return &cp, nil
}

func (s *Store) Save(ctx context.Context, group string, pos cursor.Position, opts ...offsets.Option) error {
	if group == "" {
		return offsets.ErrInvalidGroup
	}
	o := offsets.Apply(opts...)
	now := time.Now()
	item := &offsets.Item{Position: append(cursor.Position(nil), pos...), SavedAt: now}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}
	s.mu.Lock()
	s.cache.Add(group, item)
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, group string, opts ...offsets.Option) error {
	o := offsets.Apply(opts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !o.Prefix {
		s.cache.Remove(group)
		return nil
	}
	// LRU has no prefix iteration.
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, group) {
			s.cache.Remove(k)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func (s *Store) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		for _, k := range s.cache.Keys() {
			if item, ok := s.cache.Peek(k); ok && item.IsExpired() {
				s.cache.Remove(k)
			}
		}
		s.mu.Unlock()
	}
}
