package subscriptions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/internal/logctx"
	"github.com/ggoodman/pullgate/qos"
)

type partition struct {
	topic string
	part  int32
}

func partitionOf(c cursor.Cursor) partition { return partition{topic: c.Topic, part: c.Partition} }

type subscription struct {
	key        Key
	qos        qos.QoS
	deployment uint64

	// ready is closed once stream or err is set.
	ready  chan struct{}
	err    error
	stream connector.Stream
	group  string
	cancel context.CancelFunc
	done   chan struct{}
	signal chan struct{}

	// Guarded by Registry.mu.
	position cursor.Position
	// delivered is the next-read position past every record handed to a
	// waiter.
	delivered cursor.Position
	backlog   []connector.Record
	waiters  []*Waiter
	next     int
	touched  time.Time
	// AT_LEAST_ONCE bookkeeping: offsets read but not yet accepted, and
	// offsets accepted but not yet committed.
	outstanding map[partition]map[int64]struct{}
	accepted    map[partition][]int64
	exhausted   bool

	// commits serializes Stream.Commit calls; committed is guarded by it.
	commits   chan struct{}
	committed map[partition]int64
}

func newSubscription(key Key, spec Spec) *subscription {
	q := spec.Request.QoS
	if q == "" {
		q = qos.Auto
	}
	return &subscription{
		key:         key,
		qos:         q,
		deployment:  spec.Deployment,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		signal:      make(chan struct{}, 1),
		outstanding: map[partition]map[int64]struct{}{},
		accepted:    map[partition][]int64{},
		commits:     make(chan struct{}, 1),
		committed:   map[partition]int64{},
	}
}

// wake nudges the dispatcher to re-evaluate demand.
func (s *subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// demandLocked reports whether some waiter still wants records that the
// backlog cannot supply.
func (s *subscription) demandLocked() bool {
	if s.exhausted {
		return false
	}
	for _, w := range s.waiters {
		if w.capacity() > 0 {
			return true
		}
	}
	return false
}

// deliverLocked hands backlog records to waiters, round-robin. Records no
// waiter can take stay in the backlog in their original order.
func (s *subscription) deliverLocked() int {
	if len(s.backlog) == 0 || len(s.waiters) == 0 {
		return 0
	}
	delivered := 0
	kept := s.backlog[:0]
	for _, rec := range s.backlog {
		if w := s.pickLocked(rec.Cursor); w != nil {
			w.push(rec)
			s.delivered = s.delivered.Advance(rec.Cursor)
			delivered++
			continue
		}
		kept = append(kept, rec)
	}
	for i := len(kept); i < len(s.backlog); i++ {
		s.backlog[i] = connector.Record{}
	}
	s.backlog = kept
	return delivered
}

// rewindsLocked reports whether start points before a record already handed
// out on some partition.
func (s *subscription) rewindsLocked(start cursor.Position) bool {
	for _, c := range start {
		if off, ok := s.delivered.Offset(c.Topic, c.Partition); ok && c.Offset < off {
			return true
		}
	}
	return false
}

// pickLocked returns the next waiter, in round-robin order, that has
// capacity and has not yet seen an offset at or past c on c's partition.
func (s *subscription) pickLocked(c cursor.Cursor) *Waiter {
	n := len(s.waiters)
	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		w := s.waiters[idx]
		if w.capacity() == 0 {
			continue
		}
		if last, ok := w.last[partitionOf(c)]; ok && last >= c.Offset {
			continue
		}
		s.next = (idx + 1) % n
		return w
	}
	return nil
}

func (s *subscription) removeWaiterLocked(w *Waiter) bool {
	for i, cur := range s.waiters {
		if cur == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			if s.next > i {
				s.next--
			}
			if len(s.waiters) == 0 || s.next >= len(s.waiters) {
				s.next = 0
			}
			return true
		}
	}
	return false
}

func (s *subscription) requeueFrontLocked(recs []connector.Record) {
	if len(recs) == 0 {
		return
	}
	merged := make([]connector.Record, 0, len(recs)+len(s.backlog))
	merged = append(merged, recs...)
	merged = append(merged, s.backlog...)
	// Keep per-partition order when records from several waiters interleave.
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i].Cursor, merged[j].Cursor
		if a.Topic != b.Topic || a.Partition != b.Partition {
			return false
		}
		return a.Offset < b.Offset
	})
	s.backlog = dedupe(merged)
}

func dedupe(recs []connector.Record) []connector.Record {
	seen := make(map[cursor.Cursor]struct{}, len(recs))
	out := recs[:0]
	for _, r := range recs {
		if _, ok := seen[r.Cursor]; ok {
			continue
		}
		seen[r.Cursor] = struct{}{}
		out = append(out, r)
	}
	return out
}

func (s *subscription) markOutstandingLocked(c cursor.Cursor) {
	p := partitionOf(c)
	set := s.outstanding[p]
	if set == nil {
		set = map[int64]struct{}{}
		s.outstanding[p] = set
	}
	set[c.Offset] = struct{}{}
}

// acceptLocked moves offsets from outstanding to accepted and returns, per
// partition, the highest accepted offset that no outstanding offset precedes.
func (s *subscription) acceptLocked(recs []connector.Record) []cursor.Cursor {
	touched := map[partition]struct{}{}
	for _, rec := range recs {
		p := partitionOf(rec.Cursor)
		if set, ok := s.outstanding[p]; ok {
			if _, held := set[rec.Cursor.Offset]; !held {
				continue
			}
			delete(set, rec.Cursor.Offset)
		} else {
			continue
		}
		s.accepted[p] = append(s.accepted[p], rec.Cursor.Offset)
		touched[p] = struct{}{}
	}

	var commit []cursor.Cursor
	for p := range touched {
		acc := s.accepted[p]
		sort.Slice(acc, func(i, j int) bool { return acc[i] < acc[j] })
		low, hasLow := minOffset(s.outstanding[p])
		target := int64(-1)
		cut := 0
		for i, off := range acc {
			if hasLow && off > low {
				break
			}
			target = off
			cut = i + 1
		}
		s.accepted[p] = acc[cut:]
		if target >= 0 {
			c := cursor.Cursor{Topic: p.topic, Partition: p.part, Offset: target}
			s.position = s.position.Advance(c)
			commit = append(commit, c)
		}
	}
	sort.Slice(commit, func(i, j int) bool {
		if commit[i].Topic != commit[j].Topic {
			return commit[i].Topic < commit[j].Topic
		}
		return commit[i].Partition < commit[j].Partition
	})
	return commit
}

func minOffset(set map[int64]struct{}) (int64, bool) {
	first := true
	var low int64
	for off := range set {
		if first || off < low {
			low, first = off, false
		}
	}
	return low, !first
}

// commit acknowledges c on the stream unless an equal or later offset of
// the same partition was already committed.
func (s *subscription) commit(ctx context.Context, r *Registry, c cursor.Cursor) error {
	select {
	case s.commits <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.commits }()

	p := partitionOf(c)
	if prev, ok := s.committed[p]; ok && prev >= c.Offset {
		return nil
	}
	if err := s.stream.Commit(ctx, c); err != nil {
		r.metrics.CommitResult(s.key.APIID, "error")
		return err
	}
	s.committed[p] = c.Offset
	r.metrics.CommitResult(s.key.APIID, "ok")
	return nil
}

// dispatch is the single consumer loop of s. It reads from the stream only
// while some waiter has capacity the backlog cannot fill.
func (r *Registry) dispatch(ctx context.Context, s *subscription) {
	defer close(s.done)
	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{Key: s.key.String()})

	for {
		r.mu.Lock()
		s.deliverLocked()
		demand := s.demandLocked()
		r.mu.Unlock()

		if !demand {
			select {
			case <-ctx.Done():
				return
			case <-s.signal:
				continue
			}
		}

		rec, err := s.stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, connector.ErrExhausted) {
				r.exhaust(ctx, s)
				continue
			}
			r.fail(ctx, s, err)
			return
		}

		if s.qos == qos.AtMostOnce {
			if err := s.commit(ctx, r, rec.Cursor); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.fail(ctx, s, err)
				return
			}
		}

		r.mu.Lock()
		if isALO(s.qos) {
			s.markOutstandingLocked(rec.Cursor)
		} else {
			s.position = s.position.Advance(rec.Cursor)
		}
		s.backlog = append(s.backlog, rec)
		r.mu.Unlock()
	}
}

// exhaust completes every waiter that is still short of records. The
// dispatcher then sleeps until a new waiter attaches.
func (r *Registry) exhaust(ctx context.Context, s *subscription) {
	r.mu.Lock()
	s.deliverLocked()
	n := 0
	for _, w := range s.waiters {
		if w.capacity() > 0 {
			w.finish(Delivery{exhausted: true})
			n++
		}
	}
	s.exhausted = true
	r.mu.Unlock()
	r.log.DebugContext(ctx, "dispatcher.exhausted", slog.Int("waiters", n))
}

// fail broadcasts err to every waiter and drops s from the registry so the
// next request reopens it.
func (r *Registry) fail(ctx context.Context, s *subscription, err error) {
	r.log.ErrorContext(ctx, "dispatcher.fail", slog.String("err", err.Error()))
	r.mu.Lock()
	for _, w := range s.waiters {
		w.finish(Delivery{err: err})
	}
	s.waiters = nil
	removed := false
	if r.subs[s.key] == s {
		delete(r.subs, s.key)
		removed = true
	}
	r.mu.Unlock()
	if removed {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.teardown(s, "failed")
		}()
	}
}
