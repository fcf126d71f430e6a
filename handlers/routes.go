package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the full route table.
//
// Streaming routes are authenticated and gated on maintenance mode. Health
// and metrics are open: they serve probes and scrapers, not users. CORS
// wraps the whole router so preflights are answered even for routes that
// only accept GET.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	stream := r.PathPrefix("/").Subrouter()
	stream.Use(h.maintenanceGate, h.authenticate)
	stream.HandleFunc("/stream/quotes", h.handleQuotes).Methods(http.MethodGet)
	stream.HandleFunc("/stream/bars", h.handleBars).Methods(http.MethodGet)
	stream.HandleFunc("/stream/marketdepth", h.handleMarketDepth).Methods(http.MethodGet)
	stream.HandleFunc("/brokerage/stream/positions/{accountId}", h.handlePositions).Methods(http.MethodGet)
	stream.HandleFunc("/brokerage/stream/orders/{accountId}", h.handleOrders).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.authenticate)
	admin.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/maintenance", h.handleMaintenance).Methods(http.MethodPost)

	return h.cors(r)
}
