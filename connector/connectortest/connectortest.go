// Package connectortest provides a conformance suite every connector
// implementation runs in its own tests.
package connectortest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/qos"
)

// Harness wires a connector under test to the suite.
type Harness struct {
	Connector connector.Connector
	// Topic returns a fresh topic name usable by the connector.
	Topic func(t *testing.T) string
	// Publish appends a message to partition 0 of topic.
	Publish func(t *testing.T, topic string, value []byte, headers map[string][]string)

	// Bounded connectors return ErrExhausted instead of blocking.
	Bounded bool
	// Resumable connectors honour SubscribeRequest.Start and reset policies.
	Resumable bool
	// Headers reports whether message headers are carried end to end.
	Headers bool
	// Settle is waited after subscribing before publishing, for backends
	// whose subscriptions only see messages published after they are live.
	Settle time.Duration
}

// HarnessFactory builds a fresh harness for one test.
type HarnessFactory func(t *testing.T) Harness

var groupSeq atomic.Int64

func group(name string) string {
	return fmt.Sprintf("ct-%s-%d-%d", name, time.Now().UnixNano(), groupSeq.Add(1))
}

// RunConnectorTests runs the complete suite against the provided factory.
func RunConnectorTests(t *testing.T, factory HarnessFactory) {
	t.Run("ReadsInPublishOrder", func(t *testing.T) {
		testReadsInPublishOrder(t, factory)
	})
	t.Run("ResumeFromPosition", func(t *testing.T) {
		testResumeFromPosition(t, factory)
	})
	t.Run("CommitThenResubscribe", func(t *testing.T) {
		testCommitThenResubscribe(t, factory)
	})
	t.Run("LatestSkipsBacklog", func(t *testing.T) {
		testLatestSkipsBacklog(t, factory)
	})
	t.Run("NextHonoursContext", func(t *testing.T) {
		testNextHonoursContext(t, factory)
	})
	t.Run("HeadersRoundTrip", func(t *testing.T) {
		testHeadersRoundTrip(t, factory)
	})
	t.Run("PositionAdvances", func(t *testing.T) {
		testPositionAdvances(t, factory)
	})
	t.Run("CloseFailsNext", func(t *testing.T) {
		testCloseFailsNext(t, factory)
	})
	t.Run("AdvertisesQoS", func(t *testing.T) {
		testAdvertisesQoS(t, factory)
	})
}

func subscribe(t *testing.T, h Harness, ctx context.Context, req connector.SubscribeRequest) connector.Stream {
	t.Helper()
	if req.QoS == "" {
		req.QoS = qos.AtLeastOnce
	}
	if req.Config.Topic == "" {
		req.Config.Topic = req.Topic
		req.Config.Type = h.Connector.Type()
	}
	s, err := h.Connector.Subscribe(ctx, req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if h.Settle > 0 {
		time.Sleep(h.Settle)
	}
	return s
}

func next(t *testing.T, s connector.Stream) connector.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return rec
}

func closeStream(t *testing.T, s connector.Stream) {
	if err := s.Close(); err != nil {
		t.Logf("close stream: %v", err)
	}
}

func testReadsInPublishOrder(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()
	topic := h.Topic(t)

	s := subscribe(t, h, ctx, connector.SubscribeRequest{Topic: topic, Group: group("order"), Reset: connector.ResetEarliest})
	defer closeStream(t, s)

	for i := 1; i <= 3; i++ {
		h.Publish(t, topic, []byte(fmt.Sprintf("message%d", i)), nil)
	}

	var last int64 = -1
	for i := 1; i <= 3; i++ {
		rec := next(t, s)
		if want := fmt.Sprintf("message%d", i); string(rec.Value) != want {
			t.Fatalf("unexpected value: want %q got %q", want, rec.Value)
		}
		if rec.Cursor.Offset <= last {
			t.Fatalf("offsets must increase: %d after %d", rec.Cursor.Offset, last)
		}
		if rec.Cursor.Topic != topic {
			t.Fatalf("unexpected topic: want %q got %q", topic, rec.Cursor.Topic)
		}
		last = rec.Cursor.Offset
	}
}

func testResumeFromPosition(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	if !h.Resumable {
		t.Skip("connector does not resume from positions")
	}
	ctx := context.Background()
	topic := h.Topic(t)
	for i := 1; i <= 3; i++ {
		h.Publish(t, topic, []byte(fmt.Sprintf("message%d", i)), nil)
	}

	first := subscribe(t, h, ctx, connector.SubscribeRequest{Topic: topic, Group: group("resume-a"), Reset: connector.ResetEarliest})
	rec := next(t, first)
	closeStream(t, first)

	start := cursor.Position{}.Advance(rec.Cursor)
	s := subscribe(t, h, ctx, connector.SubscribeRequest{Topic: topic, Group: group("resume-b"), Start: start, Reset: connector.ResetEarliest})
	defer closeStream(t, s)

	got := next(t, s)
	if string(got.Value) != "message2" {
		t.Fatalf("unexpected value after resume: want %q got %q", "message2", got.Value)
	}
}

func testCommitThenResubscribe(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()
	topic := h.Topic(t)
	g := group("commit")

	s := subscribe(t, h, ctx, connector.SubscribeRequest{Topic: topic, Group: g, Reset: connector.ResetEarliest})
	for i := 1; i <= 3; i++ {
		h.Publish(t, topic, []byte(fmt.Sprintf("message%d", i)), nil)
	}
	next(t, s)
	second := next(t, s)
	if err := s.Commit(ctx, second.Cursor); err != nil {
		t.Fatalf("commit: %v", err)
	}
	closeStream(t, s)

	s2 := subscribe(t, h, ctx, connector.SubscribeRequest{Topic: topic, Group: g, Reset: connector.ResetEarliest})
	defer closeStream(t, s2)
	got := next(t, s2)
	if string(got.Value) != "message3" {
		t.Fatalf("unexpected value after commit: want %q got %q", "message3", got.Value)
	}
}

func testLatestSkipsBacklog(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	if !h.Resumable {
		t.Skip("connector does not apply reset policies")
	}
	ctx := context.Background()
	topic := h.Topic(t)
	h.Publish(t, topic, []byte("old"), nil)

	s := subscribe(t, h, ctx, connector.SubscribeRequest{Topic: topic, Group: group("latest"), Reset: connector.ResetLatest})
	defer closeStream(t, s)
	h.Publish(t, topic, []byte("new"), nil)

	got := next(t, s)
	if string(got.Value) != "new" {
		t.Fatalf("unexpected value: want %q got %q", "new", got.Value)
	}
}

func testNextHonoursContext(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	topic := h.Topic(t)
	s := subscribe(t, h, context.Background(), connector.SubscribeRequest{Topic: topic, Group: group("ctx"), Reset: connector.ResetLatest})
	defer closeStream(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Next(ctx)
	if h.Bounded {
		if !errors.Is(err, connector.ErrExhausted) {
			t.Fatalf("want ErrExhausted from bounded connector, got %v", err)
		}
		return
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want context.DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("Next ignored the context deadline")
	}
}

func testHeadersRoundTrip(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	if !h.Headers {
		t.Skip("connector does not carry headers")
	}
	ctx := context.Background()
	topic := h.Topic(t)
	s := subscribe(t, h, ctx, connector.SubscribeRequest{Topic: topic, Group: group("headers"), Reset: connector.ResetEarliest})
	defer closeStream(t, s)

	h.Publish(t, topic, []byte("with-headers"), map[string][]string{"X-Trace": {"abc"}})
	got := next(t, s)
	if v := got.Headers["X-Trace"]; len(v) != 1 || v[0] != "abc" {
		t.Fatalf("unexpected headers: %v", got.Headers)
	}
}

func testPositionAdvances(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	ctx := context.Background()
	topic := h.Topic(t)
	s := subscribe(t, h, ctx, connector.SubscribeRequest{Topic: topic, Group: group("position"), Reset: connector.ResetEarliest})
	defer closeStream(t, s)

	h.Publish(t, topic, []byte("one"), nil)
	rec := next(t, s)
	off, ok := s.Position().Offset(rec.Cursor.Topic, rec.Cursor.Partition)
	if !ok {
		t.Fatalf("position does not know partition %d", rec.Cursor.Partition)
	}
	if off != rec.Cursor.Offset+1 {
		t.Fatalf("unexpected next offset: want %d got %d", rec.Cursor.Offset+1, off)
	}
}

func testCloseFailsNext(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	topic := h.Topic(t)
	s := subscribe(t, h, context.Background(), connector.SubscribeRequest{Topic: topic, Group: group("close"), Reset: connector.ResetLatest})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Next(ctx); err == nil {
		t.Fatalf("expected Next to fail after Close")
	}
}

func testAdvertisesQoS(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	set := h.Connector.SupportedQoS()
	if len(set) == 0 {
		t.Fatalf("connector advertises no QoS")
	}
	for q := range set {
		if !q.Valid() {
			t.Fatalf("connector advertises unknown QoS %q", q)
		}
	}
}
