package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ggoodman/pullgate/apis"
	"github.com/ggoodman/pullgate/drain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type healthResponse struct {
	Status string   `json:"status"`
	APIs   []string `json:"apis"`
}

// newAdminMux serves node management endpoints. apiIDs lists what is
// currently deployed.
func newAdminMux(m *drain.Manager, gatherer prometheus.Gatherer, apiIDs func() []string, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /_node/drain", func(w http.ResponseWriter, r *http.Request) {
		if m.RequestDrain() {
			log.InfoContext(r.Context(), "node.drain", slog.String("source", "admin"))
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /_node/health", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "UP", APIs: apiIDs()}
		status := http.StatusOK
		if m.Draining() {
			resp.Status = "DRAINING"
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /_schemas/api", func(w http.ResponseWriter, r *http.Request) {
		b, err := apis.SchemaJSON()
		if err != nil {
			log.ErrorContext(r.Context(), "schema.render.fail", slog.String("err", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/schema+json")
		_, _ = w.Write(b)
	})

	return mux
}
