package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/qos"
)

// Delivery is one event on a waiter's channel: a record, or a terminal
// signal (Exhausted or Err).
type Delivery struct {
	record    connector.Record
	exhausted bool
	err       error
}

// Record returns the delivered record and true, or false for a terminal
// signal.
func (d Delivery) Record() (connector.Record, bool) {
	return d.record, !d.exhausted && d.err == nil
}

// Exhausted reports that the backend has nothing more right now.
func (d Delivery) Exhausted() bool { return d.exhausted }

// Err is the failure that ended the subscription, or ErrReleased.
func (d Delivery) Err() error { return d.err }

// Waiter is the registry's token for one attached pull. Its fields are
// guarded by Registry.mu.
type Waiter struct {
	sub   *subscription
	ch    chan Delivery
	want  int
	sent  int
	done  bool
	last  map[partition]int64
	start cursor.Position
}

func newWaiter(s *subscription, want int) *Waiter {
	return &Waiter{
		sub:   s,
		ch:    make(chan Delivery, want+1),
		want:  want,
		last:  map[partition]int64{},
		start: append(cursor.Position(nil), s.position...),
	}
}

// C yields records in dispatch order followed by at most one terminal
// Delivery.
func (w *Waiter) C() <-chan Delivery { return w.ch }

// Key of the subscription the waiter is attached to.
func (w *Waiter) Key() Key { return w.sub.key }

// QoS of the subscription.
func (w *Waiter) QoS() qos.QoS { return w.sub.qos }

// Start is the shared position at the moment the waiter attached.
func (w *Waiter) Start() cursor.Position { return w.start }

func (w *Waiter) capacity() int {
	if w.done {
		return 0
	}
	return w.want - w.sent
}

func (w *Waiter) push(rec connector.Record) {
	w.sent++
	w.last[partitionOf(rec.Cursor)] = rec.Cursor.Offset
	w.ch <- Delivery{record: rec}
}

// finish sends the terminal Delivery. Capacity want+1 guarantees room.
func (w *Waiter) finish(d Delivery) {
	if w.done {
		return
	}
	w.done = true
	select {
	case w.ch <- d:
	default:
	}
}

// Detach removes w from its subscription. Records dispatched to w but never
// read go back to the front of the backlog. Under AT_LEAST_ONCE, unflushed
// records the caller read but did not write out are requeued too; under the
// other modes they are dropped.
func (r *Registry) Detach(w *Waiter, unflushed []connector.Record) {
	s := w.sub
	r.mu.Lock()
	attached := s.removeWaiterLocked(w)
	w.done = true

	var pending []connector.Record
	if isALO(s.qos) {
		pending = append(pending, unflushed...)
	}
drain:
	for {
		select {
		case d := <-w.ch:
			if rec, ok := d.Record(); ok {
				pending = append(pending, rec)
			}
		default:
			break drain
		}
	}
	if attached || r.subs[s.key] == s {
		s.requeueFrontLocked(pending)
		s.deliverLocked()
		s.touched = time.Now()
	}
	r.mu.Unlock()
	s.wake()
}

// Accept confirms that recs were written to a client. Under AT_LEAST_ONCE
// it commits, per partition, the highest accepted offset not preceded by an
// unaccepted one, and advances the shared position. It returns the shared
// position afterwards.
func (r *Registry) Accept(ctx context.Context, w *Waiter, recs []connector.Record) (cursor.Position, error) {
	s := w.sub
	r.mu.Lock()
	var commit []cursor.Cursor
	if isALO(s.qos) {
		commit = s.acceptLocked(recs)
	}
	s.touched = time.Now()
	pos := append(cursor.Position(nil), s.position...)
	r.mu.Unlock()

	for _, c := range commit {
		if err := s.commit(ctx, r, c); err != nil {
			r.log.WarnContext(ctx, "subscription.commit.fail",
				slog.String("key", s.key.String()),
				slog.String("cursor", c.ID()),
				slog.String("err", err.Error()),
			)
			return pos, fmt.Errorf("commit %s: %w", c.ID(), err)
		}
	}
	return pos, nil
}
