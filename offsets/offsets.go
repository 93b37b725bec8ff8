// Package offsets persists the committed position of subscriptions so that a
// subscription torn down for idleness resumes where it stopped when the same
// client returns without a cursor.
package offsets

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/pullgate/cursor"
)

// Store keeps one position per consumer group.
type Store interface {
	// Get returns the saved item for group, or nil when none exists or it
	// has expired. Errors are reserved for backend failures.
	Get(ctx context.Context, group string) (*Item, error)

	// Save replaces the position for group.
	Save(ctx context.Context, group string, pos cursor.Position, opts ...Option) error

	// Delete removes the position for group, or every group sharing the
	// prefix given via WithPrefix.
	Delete(ctx context.Context, group string, opts ...Option) error

	Close() error
}

// Item is a saved position.
type Item struct {
	Position  cursor.Position
	SavedAt   time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the item outlived its TTL.
func (i *Item) IsExpired() bool {
	return i.ExpiresAt != nil && time.Now().After(*i.ExpiresAt)
}

// Option configures store operations.
type Option func(*Options)

// Options holds the resolved operation options.
type Options struct {
	TTL    *time.Duration
	Prefix bool
}

// Apply resolves opts.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTTL expires the saved position after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// WithPrefix makes Delete treat group as a prefix.
func WithPrefix() Option {
	return func(o *Options) { o.Prefix = true }
}

// ErrInvalidGroup is returned for empty group names.
var ErrInvalidGroup = errors.New("offsets: empty group")
