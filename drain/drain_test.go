package drain_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/pullgate/drain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestDrainIsIdempotent(t *testing.T) {
	m := &drain.Manager{}
	var calls atomic.Int32
	m.OnDrain(func() { calls.Add(1) })

	assert.False(t, m.Draining())
	assert.True(t, m.RequestDrain())
	assert.False(t, m.RequestDrain())
	assert.True(t, m.Draining())
	assert.Equal(t, int32(1), calls.Load())

	m.Reinitialize()
	assert.False(t, m.Draining())
}

func TestMiddlewareTagsOnlyResponsesAfterDrain(t *testing.T) {
	m := &drain.Manager{}
	srv := httptest.NewServer(m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})))
	defer srv.Close()

	var conns []string
	trace := &httptrace.ClientTrace{GotConn: func(info httptrace.GotConnInfo) {
		conns = append(conns, info.Conn.LocalAddr().String())
	}}
	get := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
		res, err := srv.Client().Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
		return res
	}

	// The client transport strips the Connection header and reports it via Close.
	first := get()
	assert.False(t, first.Close)

	m.RequestDrain()

	second := get()
	assert.True(t, second.Close)

	require.Len(t, conns, 2)
	assert.Equal(t, conns[0], conns[1], "both requests should reuse one connection")
}

func TestMiddlewareTagsInFlightResponse(t *testing.T) {
	m := &drain.Manager{}
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.RequestDrain()
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "close", rec.Header().Get("Connection"))
}
