// Package fetch runs the bounded pull of one HTTP request against its shared
// subscription.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/failure"
	"github.com/ggoodman/pullgate/internal/logctx"
	"github.com/ggoodman/pullgate/qos"
	"github.com/ggoodman/pullgate/subscriptions"
)

const (
	// DefaultLimit applies when neither the request nor the endpoint caps
	// the message count.
	DefaultLimit = 500
	// DefaultInterval is the collection window when none is configured.
	DefaultInterval = 5 * time.Second
)

// State of a session.
type State int

const (
	StatePending State = iota
	StateAttached
	StateCollecting
	StateComplete
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateAttached:
		return "ATTACHED"
	case StateCollecting:
		return "COLLECTING"
	case StateComplete:
		return "COMPLETE"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Subscriptions is the part of the registry a session drives.
type Subscriptions interface {
	Attach(ctx context.Context, key subscriptions.Key, spec subscriptions.Spec, want int) (*subscriptions.Waiter, error)
	Accept(ctx context.Context, w *subscriptions.Waiter, recs []connector.Record) (cursor.Position, error)
	Detach(w *subscriptions.Waiter, unflushed []connector.Record)
}

var _ Subscriptions = (*subscriptions.Registry)(nil)

// Params describe one pull.
type Params struct {
	Key  subscriptions.Key
	Spec subscriptions.Spec
	// Limit is the client requested maximum; zero means unset.
	Limit int
	// MessageCountLimit is the endpoint side cap; zero means unset.
	MessageCountLimit int
	// Interval bounds how long the session waits for messages.
	Interval time.Duration
	// Start is the client supplied position, if any.
	Start         cursor.Position
	TransactionID string
}

// Result of a session.
type Result struct {
	State      State
	QoS        qos.QoS
	Records    []connector.Record
	NextCursor cursor.Position
	// Err is set for FAILED sessions and for global timeouts. It is a
	// *failure.Error except for client cancellation (context.Canceled).
	Err error
}

// Session is single use.
type Session struct {
	subs Subscriptions
	p    Params
	log  *slog.Logger

	state State
}

type Option func(*Session)

// WithLogger sets the logger. Defaults to discarding.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// New creates a PENDING session.
func New(subs Subscriptions, p Params, opts ...Option) *Session {
	s := &Session{subs: subs, p: p}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// EffectiveLimit is the smallest positive of limit and messageCountLimit, or
// DefaultLimit when neither is positive.
func EffectiveLimit(limit, messageCountLimit int) int {
	eff := 0
	for _, v := range []int{limit, messageCountLimit} {
		if v > 0 && (eff == 0 || v < eff) {
			eff = v
		}
	}
	if eff == 0 {
		return DefaultLimit
	}
	return eff
}

func (s *Session) transition(ctx context.Context, next State) {
	s.log.DebugContext(ctx, "pull.state", slog.String("from", s.state.String()), slog.String("to", next.String()))
	s.state = next
}

// Run collects records until a limit is reached, the backend is exhausted,
// the interval elapses or ctx ends.
func (s *Session) Run(ctx context.Context) Result {
	limit := EffectiveLimit(s.p.Limit, s.p.MessageCountLimit)
	interval := s.p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	res := Result{QoS: s.p.Spec.Request.QoS, NextCursor: s.p.Start}

	w, err := s.subs.Attach(ctx, s.p.Key, s.p.Spec, limit)
	if err != nil {
		return s.failed(ctx, res, err)
	}
	s.transition(ctx, StateAttached)
	res.QoS = w.QoS()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	var recs []connector.Record
collect:
	for len(recs) < limit {
		select {
		case d := <-w.C():
			if rec, ok := d.Record(); ok {
				if len(recs) == 0 {
					s.transition(ctx, StateCollecting)
				}
				recs = append(recs, rec)
				continue
			}
			if d.Exhausted() || errors.Is(d.Err(), subscriptions.ErrReleased) {
				break collect
			}
			s.subs.Detach(w, recs)
			return s.failed(ctx, res, d.Err())
		case <-timer.C:
			s.subs.Detach(w, nil)
			return s.finish(ctx, w, res, recs, StateTimedOut)
		case <-ctx.Done():
			s.subs.Detach(w, recs)
			return s.failed(ctx, res, ctx.Err())
		}
	}
	s.subs.Detach(w, nil)
	return s.finish(ctx, w, res, recs, StateComplete)
}

func (s *Session) finish(ctx context.Context, w *subscriptions.Waiter, res Result, recs []connector.Record, state State) Result {
	s.transition(ctx, state)
	if recs == nil {
		recs = []connector.Record{}
	}
	res.State = state
	res.Records = recs

	base := s.p.Start
	if base.IsZero() {
		base = w.Start()
	}
	for _, rec := range recs {
		base = base.Advance(rec.Cursor)
	}

	// Concurrent pulls on the same subscription may have moved the shared
	// position past this pull's own records.
	shared, err := s.subs.Accept(ctx, w, recs)
	if err != nil {
		// The shared position already moved past these records. They come
		// back only if the subscription reopens from the last commit.
		s.log.WarnContext(ctx, "pull.accept.fail", slog.String("err", err.Error()))
	}
	res.NextCursor = base.Merge(shared)
	s.log.InfoContext(ctx, "pull.done",
		slog.String("state", state.String()),
		slog.Int("count", len(recs)),
		slog.String("next_cursor", cursor.EncodePosition(res.NextCursor)),
	)
	return res
}

func (s *Session) failed(ctx context.Context, res Result, err error) Result {
	res.Records = []connector.Record{}
	switch {
	case errors.Is(err, context.Canceled):
		s.transition(ctx, StateFailed)
		res.State = StateFailed
		res.Err = err
		s.log.InfoContext(ctx, "pull.cancel")
		return res
	case errors.Is(err, context.DeadlineExceeded):
		s.transition(ctx, StateTimedOut)
		res.State = StateTimedOut
		res.Err = failure.GatewayTimeout(err)
		s.log.WarnContext(ctx, "pull.timeout")
		return res
	}
	s.transition(ctx, StateFailed)
	res.State = StateFailed
	res.Err = failure.From(err)
	s.log.ErrorContext(ctx, "pull.fail", slog.String("err", err.Error()))
	return res
}
