package fetch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/connector/memory"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/failure"
	"github.com/ggoodman/pullgate/fetch"
	"github.com/ggoodman/pullgate/qos"
	"github.com/ggoodman/pullgate/subscriptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T, n int, opts ...memory.Option) *memory.Broker {
	t.Helper()
	b := memory.New(opts...)
	for i := 1; i <= n; i++ {
		_, err := b.Publish("demo", memory.Message{Value: []byte(fmt.Sprintf("message%d", i))})
		require.NoError(t, err)
	}
	return b
}

func params(b connector.Connector, q qos.QoS, limit int, start cursor.Position) fetch.Params {
	return fetch.Params{
		Key:      subscriptions.Key{APIID: "api", ClientID: "client", Topic: "demo"},
		Spec:     subscriptions.Spec{Connector: b, Request: connector.SubscribeRequest{Topic: "demo", QoS: q, Start: start}},
		Limit:    limit,
		Interval: 200 * time.Millisecond,
		Start:    start,
	}
}

func ids(res fetch.Result) []string {
	out := make([]string, len(res.Records))
	for i, r := range res.Records {
		out[i] = r.Cursor.ID()
	}
	return out
}

func TestEffectiveLimit(t *testing.T) {
	assert.Equal(t, fetch.DefaultLimit, fetch.EffectiveLimit(0, 0))
	assert.Equal(t, 2, fetch.EffectiveLimit(2, 0))
	assert.Equal(t, 3, fetch.EffectiveLimit(0, 3))
	assert.Equal(t, 2, fetch.EffectiveLimit(5, 2))
	assert.Equal(t, 5, fetch.EffectiveLimit(5, -1))
}

func TestPaginationResumesFromNextCursor(t *testing.T) {
	b := seeded(t, 3, memory.WithBounded())
	reg := subscriptions.New()
	defer reg.Close()

	first := fetch.New(reg, params(b, qos.AtLeastOnce, 2, nil)).Run(t.Context())
	require.NoError(t, first.Err)
	assert.Equal(t, fetch.StateComplete, first.State)
	assert.Equal(t, []string{"demo@0#0", "demo@0#1"}, ids(first))

	second := fetch.New(reg, params(b, qos.AtLeastOnce, 2, first.NextCursor)).Run(t.Context())
	require.NoError(t, second.Err)
	assert.Equal(t, []string{"demo@0#2"}, ids(second))

	third := fetch.New(reg, params(b, qos.AtLeastOnce, 2, second.NextCursor)).Run(t.Context())
	require.NoError(t, third.Err)
	assert.Empty(t, third.Records)
	assert.NotNil(t, third.Records)
	assert.Equal(t, second.NextCursor, third.NextCursor)
}

func TestIntervalElapsesWithPartialResult(t *testing.T) {
	b := seeded(t, 1)
	reg := subscriptions.New()
	defer reg.Close()

	s := fetch.New(reg, params(b, qos.Auto, 10, nil))
	start := time.Now()
	res := s.Run(t.Context())
	require.NoError(t, res.Err)
	assert.Equal(t, fetch.StateTimedOut, res.State)
	assert.Equal(t, fetch.StateTimedOut, s.State())
	assert.Len(t, res.Records, 1)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, cursor.Position{{Topic: "demo", Partition: 0, Offset: 1}}, res.NextCursor)
}

func TestGlobalDeadlineIsGatewayTimeout(t *testing.T) {
	b := seeded(t, 0)
	reg := subscriptions.New()
	defer reg.Close()

	p := params(b, qos.Auto, 10, nil)
	p.Interval = 5 * time.Second
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	res := fetch.New(reg, p).Run(ctx)

	var fe *failure.Error
	require.ErrorAs(t, res.Err, &fe)
	assert.Equal(t, 504, fe.Status)
	assert.Equal(t, failure.MessageRequestTimeout, fe.Message)
	assert.Empty(t, res.Records)
}

func TestCancelledClientRequeuesUnderAtLeastOnce(t *testing.T) {
	b := seeded(t, 1)
	reg := subscriptions.New()
	defer reg.Close()

	p := params(b, qos.AtLeastOnce, 2, nil)
	p.Interval = 5 * time.Second
	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := fetch.New(reg, p).Run(ctx)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, fetch.StateFailed, res.State)

	again := fetch.New(reg, params(b, qos.AtLeastOnce, 1, nil)).Run(t.Context())
	require.NoError(t, again.Err)
	assert.Equal(t, []string{"demo@0#0"}, ids(again))
}

func TestConcurrentPullsResumeWithoutDuplicates(t *testing.T) {
	b := seeded(t, 4, memory.WithBounded())
	reg := subscriptions.New()
	defer reg.Close()

	var (
		wg    sync.WaitGroup
		first [2]fetch.Result
	)
	for i := range first {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first[i] = fetch.New(reg, params(b, qos.AtLeastOnce, 2, nil)).Run(t.Context())
		}()
	}
	wg.Wait()

	seen := map[string]int{}
	for _, res := range first {
		require.NoError(t, res.Err)
		for _, id := range ids(res) {
			seen[id]++
		}
		again := fetch.New(reg, params(b, qos.AtLeastOnce, 2, res.NextCursor)).Run(t.Context())
		require.NoError(t, again.Err)
		for _, id := range ids(again) {
			seen[id]++
		}
	}
	assert.Len(t, seen, 4)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

type brokenConnector struct{}

func (brokenConnector) Type() string          { return "broken" }
func (brokenConnector) SupportedQoS() qos.Set { return qos.All() }
func (brokenConnector) Subscribe(context.Context, connector.SubscribeRequest) (connector.Stream, error) {
	return nil, connector.Connection(errors.New("dial tcp: connection refused"))
}
func (brokenConnector) Close() error { return nil }

func TestConnectorFailureIsClassified(t *testing.T) {
	reg := subscriptions.New()
	defer reg.Close()
	res := fetch.New(reg, params(brokenConnector{}, qos.Auto, 1, nil)).Run(t.Context())
	assert.Equal(t, fetch.StateFailed, res.State)
	var fe *failure.Error
	require.ErrorAs(t, res.Err, &fe)
	assert.Equal(t, failure.KindEndpointConnection, fe.Kind)
	assert.Equal(t, failure.MessageEndpointConnectionFailed, fe.Message)
}
