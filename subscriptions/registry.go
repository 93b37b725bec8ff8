// Package subscriptions owns the broker subscriptions shared by concurrent
// pull requests.
//
// A subscription is keyed by (api, client identifier, resolved topic). The
// first request for a key opens exactly one connector stream; every other
// request with the same key attaches to it as a waiter. One dispatcher
// goroutine per subscription reads from the stream while waiters have
// capacity and hands each record to exactly one of them, round-robin.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/internal/logctx"
	"github.com/ggoodman/pullgate/internal/metrics"
	"github.com/ggoodman/pullgate/offsets"
	"github.com/ggoodman/pullgate/qos"
)

var (
	// ErrReleased is delivered to waiters whose subscription was torn down
	// while they were attached.
	ErrReleased = errors.New("subscriptions: subscription released")
	// ErrClosed is returned once the registry is closed.
	ErrClosed = errors.New("subscriptions: registry closed")
	// ErrInvalidSpec is returned for a Spec without connector or topic.
	ErrInvalidSpec = errors.New("subscriptions: invalid spec")
)

// Key identifies a shared subscription.
type Key struct {
	APIID    string
	ClientID string
	Topic    string
}

func (k Key) String() string {
	return k.APIID + "/" + k.ClientID + "/" + k.Topic
}

// Group is the consumer group used for the key when the Spec names none.
func (k Key) Group() string {
	return k.APIID + "-" + k.ClientID
}

// Spec is what a request needs from its subscription.
type Spec struct {
	Connector connector.Connector
	// Request is passed to Connector.Subscribe when the subscription is
	// created. Request.Start is the client supplied position, if any.
	Request connector.SubscribeRequest
	// Deployment identifies the API deployment that owns the subscription.
	// A subscription opened by an older deployment is replaced on the next
	// acquire; a newer one is never handed to an older deployment.
	Deployment uint64
}

// Registry is safe for concurrent use.
type Registry struct {
	log     *slog.Logger
	store   offsets.Store
	metrics metrics.Collector

	idle        time.Duration
	sweepEvery  time.Duration
	openTimeout time.Duration
	storeTTL    time.Duration

	// mu serializes every mutation of the registry and of the subscriptions
	// it owns.
	mu     sync.Mutex
	subs   map[Key]*subscription
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*config)

type config struct {
	log         *slog.Logger
	store       offsets.Store
	metrics     metrics.Collector
	idle        time.Duration
	sweepEvery  time.Duration
	openTimeout time.Duration
	storeTTL    time.Duration
}

// WithLogger sets the logger. Defaults to discarding.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithStore persists positions of torn down subscriptions so a returning
// client without a cursor resumes where it stopped.
func WithStore(s offsets.Store) Option {
	return func(c *config) { c.store = s }
}

// WithStoreTTL expires saved positions. Zero keeps them forever.
func WithStoreTTL(d time.Duration) Option {
	return func(c *config) { c.storeTTL = d }
}

// WithMetrics records subscription lifecycle and commits.
func WithMetrics(m metrics.Collector) Option {
	return func(c *config) { c.metrics = m }
}

// WithIdleTimeout sets how long a subscription without waiters survives.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idle = d }
}

// WithSweepInterval sets how often idle subscriptions are collected.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepEvery = d }
}

// WithOpenTimeout bounds Connector.Subscribe.
func WithOpenTimeout(d time.Duration) Option {
	return func(c *config) { c.openTimeout = d }
}

// New creates a registry and starts its idle sweeper. Call Close to stop it.
func New(opts ...Option) *Registry {
	cfg := config{
		idle:        time.Minute,
		openTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sweepEvery <= 0 {
		cfg.sweepEvery = cfg.idle / 4
		if cfg.sweepEvery < 10*time.Millisecond {
			cfg.sweepEvery = 10 * time.Millisecond
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		log:         logctx.Wrap(cfg.log),
		store:       cfg.store,
		metrics:     metrics.OrNop(cfg.metrics),
		idle:        cfg.idle,
		sweepEvery:  cfg.sweepEvery,
		openTimeout: cfg.openTimeout,
		storeTTL:    cfg.storeTTL,
		subs:        map[Key]*subscription{},
		ctx:         ctx,
		cancel:      cancel,
	}
	r.wg.Add(1)
	go r.sweep()
	return r
}

// GetOrCreate ensures the subscription for key is open.
func (r *Registry) GetOrCreate(ctx context.Context, key Key, spec Spec) error {
	_, err := r.acquire(ctx, key, spec)
	return err
}

// Attach registers a waiter for up to want records on the subscription for
// key, creating the subscription if needed.
func (r *Registry) Attach(ctx context.Context, key Key, spec Spec, want int) (*Waiter, error) {
	if want <= 0 {
		want = 1
	}
	for attempt := 0; ; attempt++ {
		s, err := r.acquire(ctx, key, spec)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.subs[key] != s {
			// Torn down between open and attach.
			r.mu.Unlock()
			continue
		}
		start := spec.Request.Start
		if !start.IsZero() && len(s.waiters) == 0 && !s.position.Covers(start) && attempt < 2 {
			if s.rewindsLocked(start) {
				r.log.DebugContext(ctx, "subscription.rewind.ignored",
					slog.String("key", key.String()),
					slog.String("delivered", cursor.EncodePosition(s.delivered)),
					slog.String("start", cursor.EncodePosition(start)),
				)
				return r.attachLocked(s, want), nil
			}
			r.log.InfoContext(ctx, "subscription.reposition",
				slog.String("key", key.String()),
				slog.String("from", cursor.EncodePosition(s.position)),
				slog.String("to", cursor.EncodePosition(start)),
			)
			delete(r.subs, key)
			r.mu.Unlock()
			r.teardown(s, "reposition")
			continue
		}
		return r.attachLocked(s, want), nil
	}
}

// attachLocked adds a waiter to s, hands it whatever the backlog holds and
// releases r.mu.
func (r *Registry) attachLocked(s *subscription, want int) *Waiter {
	w := newWaiter(s, want)
	s.waiters = append(s.waiters, w)
	s.touched = time.Now()
	s.exhausted = false
	s.deliverLocked()
	r.mu.Unlock()
	s.wake()
	return w
}

// acquire returns the ready subscription for key. Only one caller opens the
// stream; everyone else waits for its outcome.
func (r *Registry) acquire(ctx context.Context, key Key, spec Spec) (*subscription, error) {
	if spec.Connector == nil || key.Topic == "" {
		return nil, ErrInvalidSpec
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := r.subs[key]
	if ok && s.deployment != spec.Deployment {
		if s.deployment > spec.Deployment {
			r.mu.Unlock()
			return nil, ErrReleased
		}
		delete(r.subs, key)
		stale := s
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.teardown(stale, "redeployed")
		}()
		ok = false
	}
	if !ok {
		s = newSubscription(key, spec)
		r.subs[key] = s
		go r.open(s, spec)
	}
	r.mu.Unlock()

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

func (r *Registry) open(s *subscription, spec Spec) {
	ctx, cancel := context.WithTimeout(r.ctx, r.openTimeout)
	defer cancel()
	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{Key: s.key.String(), Connector: spec.Connector.Type()})

	req := spec.Request
	req.Topic = s.key.Topic
	if req.Group == "" {
		req.Group = s.key.Group()
	}
	if req.Start.IsZero() && r.store != nil {
		item, err := r.store.Get(ctx, s.key.String())
		if err != nil {
			r.log.WarnContext(ctx, "subscription.offsets.get.fail", slog.String("err", err.Error()))
		} else if item != nil {
			req.Start = item.Position
		}
	}

	stream, err := spec.Connector.Subscribe(ctx, req)
	if err == nil && r.ctx.Err() != nil {
		_ = stream.Close()
		err = ErrClosed
	}
	if err != nil {
		r.log.ErrorContext(ctx, "subscription.open.fail", slog.String("err", err.Error()))
		r.mu.Lock()
		if r.subs[s.key] == s {
			delete(r.subs, s.key)
		}
		r.mu.Unlock()
		s.err = fmt.Errorf("open subscription %s: %w", s.key, err)
		close(s.ready)
		return
	}

	pos := stream.Position()
	if !req.Start.IsZero() {
		for _, c := range req.Start {
			pos = pos.With(c)
		}
	}

	r.mu.Lock()
	s.stream = stream
	s.group = req.Group
	s.position = pos
	s.touched = time.Now()
	dctx, dcancel := context.WithCancel(r.ctx)
	s.cancel = dcancel
	r.mu.Unlock()

	r.metrics.SubscriptionOpened(s.key.APIID)
	r.log.InfoContext(ctx, "subscription.open",
		slog.String("qos", string(s.qos)),
		slog.String("position", cursor.EncodePosition(pos)),
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dispatch(dctx, s)
	}()
	close(s.ready)
}

// Position returns the shared position of the subscription for key.
func (r *Registry) Position(key Key) cursor.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[key]
	if !ok || s.stream == nil {
		return nil
	}
	return append(cursor.Position(nil), s.position...)
}

// Len reports the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Release tears down the subscription for key.
func (r *Registry) Release(key Key) {
	r.mu.Lock()
	s, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}
	r.mu.Unlock()
	if ok {
		r.teardown(s, "released")
	}
}

// ReleaseAPI tears down every subscription of apiID.
func (r *Registry) ReleaseAPI(apiID string) {
	r.release("undeployed", func(k Key, _ *subscription) bool { return k.APIID == apiID })
}

// ReleaseDeployment tears down the subscriptions of apiID opened by
// deployment or an earlier one. Subscriptions of later deployments stay.
func (r *Registry) ReleaseDeployment(apiID string, deployment uint64) {
	r.release("redeployed", func(k Key, s *subscription) bool {
		return k.APIID == apiID && s.deployment <= deployment
	})
}

func (r *Registry) release(reason string, match func(Key, *subscription) bool) {
	var victims []*subscription
	r.mu.Lock()
	for k, s := range r.subs {
		if match(k, s) {
			victims = append(victims, s)
			delete(r.subs, k)
		}
	}
	r.mu.Unlock()
	for _, s := range victims {
		r.teardown(s, reason)
	}
}

// Close tears down every subscription and stops the sweeper.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	victims := make([]*subscription, 0, len(r.subs))
	for k, s := range r.subs {
		victims = append(victims, s)
		delete(r.subs, k)
	}
	r.mu.Unlock()

	for _, s := range victims {
		r.teardown(s, "closed")
	}
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Registry) sweep() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		var idle []*subscription
		r.mu.Lock()
		for k, s := range r.subs {
			if s.stream == nil || len(s.waiters) > 0 {
				continue
			}
			if now.Sub(s.touched) >= r.idle {
				idle = append(idle, s)
				delete(r.subs, k)
			}
		}
		r.mu.Unlock()
		for _, s := range idle {
			r.teardown(s, "idle")
		}
	}
}

// teardown stops the dispatcher, fails attached waiters, persists the shared
// position and closes the stream. s must already be removed from r.subs.
func (r *Registry) teardown(s *subscription, reason string) {
	<-s.ready
	if s.err != nil {
		return
	}
	s.cancel()
	<-s.done

	r.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	for _, w := range waiters {
		w.finish(Delivery{err: ErrReleased})
	}
	pos := append(cursor.Position(nil), s.position...)
	r.mu.Unlock()

	ctx := logctx.WithSubscriptionData(context.Background(), &logctx.SubscriptionData{Key: s.key.String()})
	if r.store != nil && !pos.IsZero() {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		var opts []offsets.Option
		if r.storeTTL > 0 {
			opts = append(opts, offsets.WithTTL(r.storeTTL))
		}
		if err := r.store.Save(sctx, s.key.String(), pos, opts...); err != nil {
			r.log.WarnContext(ctx, "subscription.offsets.save.fail", slog.String("err", err.Error()))
		}
		cancel()
	}
	if err := s.stream.Close(); err != nil {
		r.log.WarnContext(ctx, "subscription.close.fail", slog.String("err", err.Error()))
	}
	r.metrics.SubscriptionClosed(s.key.APIID, reason)
	r.log.InfoContext(ctx, "subscription.close",
		slog.String("reason", reason),
		slog.String("position", cursor.EncodePosition(pos)),
	)
}

func isALO(q qos.QoS) bool { return q == qos.AtLeastOnce }
