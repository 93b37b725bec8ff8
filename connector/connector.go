// Package connector defines the capability every broker backend exposes to
// the gateway.
//
// A Connector is built once per deployed API from its endpoint
// configuration. Each subscription opens a Stream on it. The registry and
// fetch sessions only ever see these interfaces, never a concrete protocol.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/qos"
)

var (
	// ErrExhausted is returned by Stream.Next when a bounded backend has no
	// more messages currently available.
	ErrExhausted = errors.New("connector: no more messages currently available")
	// ErrConnection wraps failures to reach or talk to the broker.
	ErrConnection = errors.New("connector: connection failed")
	// ErrConfiguration wraps broker-side rejections of the configuration
	// (unknown topic, bad credentials, bad properties).
	ErrConfiguration = errors.New("connector: invalid endpoint configuration")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connector: closed")
	// ErrUnknownType is returned by Registry.Build for unregistered types.
	ErrUnknownType = errors.New("connector: unknown type")
)

// Reset policies for streams opened without a start position.
const (
	ResetEarliest = "earliest"
	ResetLatest   = "latest"
	ResetNone     = "none"
)

// Record is one message read from a broker.
type Record struct {
	Cursor    cursor.Cursor
	Key       []byte
	Value     []byte
	Headers   map[string][]string
	Metadata  map[string]string
	Timestamp time.Time
}

// SubscribeRequest describes the stream a subscription needs.
type SubscribeRequest struct {
	Topic string
	// Start is the next-read position. Nil means "apply Reset".
	Start cursor.Position
	// Reset is one of ResetEarliest, ResetLatest or ResetNone.
	Reset string
	QoS   qos.QoS
	// Group identifies the logical consumer, stable for a subscription key.
	Group string
	// Config is the resolved endpoint configuration of the creating request.
	Config endpoint.Resolved
}

// Stream is a live consumer handle owned by exactly one subscription.
// Next and Commit are never called concurrently with each other by the
// registry except for Commit racing Next, which implementations must allow.
type Stream interface {
	// Next blocks until a record is available, ctx is done, or the stream
	// fails. Bounded backends return ErrExhausted when caught up.
	Next(ctx context.Context) (Record, error)
	// Commit acknowledges every record of c's partition up to and including c.
	Commit(ctx context.Context, c cursor.Cursor) error
	// Position reports the next-read position as far as the stream knows.
	Position() cursor.Position
	Close() error
}

// Connector opens streams against one configured backend.
type Connector interface {
	Type() string
	SupportedQoS() qos.Set
	Subscribe(ctx context.Context, req SubscribeRequest) (Stream, error)
	Close() error
}

// Deps are the shared services a Factory may use.
type Deps struct {
	Logger *slog.Logger
}

// Factory builds a Connector from the static endpoint configuration of an API.
type Factory func(ctx context.Context, apiID string, cfg endpoint.Config, deps Deps) (Connector, error)

// Registry maps endpoint types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types lists registered endpoint types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build creates the connector for cfg.Type.
func (r *Registry) Build(ctx context.Context, apiID string, cfg endpoint.Config, deps Deps) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return f(ctx, apiID, cfg, deps)
}

// Connection wraps err as a connection failure unless it already carries a
// connector classification or is a context error.
func Connection(err error) error {
	if err == nil || errors.Is(err, ErrConnection) || errors.Is(err, ErrConfiguration) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

// Configuration wraps err as a configuration rejection.
func Configuration(err error) error {
	if err == nil || errors.Is(err, ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}

// ResetOrDefault returns reset when set, else def.
func ResetOrDefault(reset, def string) string {
	if reset == "" {
		return def
	}
	return reset
}
