package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/pullgate/drain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminDrainAndHealth(t *testing.T) {
	dm := &drain.Manager{}
	drained := 0
	dm.OnDrain(func() { drained++ })
	mux := newAdminMux(dm, prometheus.NewRegistry(), func() []string { return []string{"demo"} }, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_node/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, healthResponse{Status: "UP", APIs: []string{"demo"}}, health)

	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_node/drain", nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
	assert.Equal(t, 1, drained)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_node/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminSchemaAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "pullgate_test_total"})
	reg.MustRegister(c)
	c.Inc()
	mux := newAdminMux(&drain.Manager{}, reg, func() []string { return nil }, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_schemas/api", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var schema map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&schema))
	assert.Contains(t, schema, "properties")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pullgate_test_total 1")
}

func TestDrainCommandPostsToAdmin(t *testing.T) {
	dm := &drain.Manager{}
	srv := httptest.NewServer(newAdminMux(dm, prometheus.NewRegistry(), func() []string { return nil }, slog.New(slog.DiscardHandler)))
	defer srv.Close()

	cmd := newRootCommand()
	cmd.SetOut(new(strings.Builder))
	cmd.SetArgs([]string{"drain", "--admin-url", srv.URL})
	require.NoError(t, cmd.Execute())
	assert.True(t, dm.Draining())
}
