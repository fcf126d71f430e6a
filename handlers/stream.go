// Package handlers wires the HTTP surface: authenticated streaming routes,
// admin endpoints and the middleware around them.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quotewire/streamgate/config"
	"github.com/quotewire/streamgate/logging"
	"github.com/quotewire/streamgate/multiplexer"
	"github.com/quotewire/streamgate/streams"
	"github.com/quotewire/streamgate/token"
	"github.com/quotewire/streamgate/upstream"
)

// Handler serves all HTTP routes.
type Handler struct {
	registry    *streams.Registry
	store       *token.Store
	cfg         *config.Config
	logger      *logging.Logger
	jwtSecret   []byte
	frontendURL string
	sinkBuffer  int
}

// New creates the HTTP handler set.
func New(registry *streams.Registry, store *token.Store, cfg *config.Config, logger *logging.Logger) *Handler {
	return &Handler{
		registry:    registry,
		store:       store,
		cfg:         cfg,
		logger:      logger,
		jwtSecret:   []byte(cfg.Auth.JWTSecret),
		frontendURL: cfg.Auth.FrontendURL,
		sinkBuffer:  cfg.Mux.SinkBufferBytes,
	}
}

// writeError writes a plain JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// serveStream subscribes the request to a multiplexer and blocks until the
// client disconnects or the stream ends.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, m *multiplexer.Multiplexer, params map[string]string) {
	userID := UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	sink, err := multiplexer.NewHTTPSink(w, r, h.sinkBuffer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if err := m.Subscribe(r.Context(), userID, params, sink); err != nil {
		// Subscribe fails only before the sink has committed a status.
		sink.End()
		se := upstream.AsStatusError(err)
		h.logger.Debug("Stream subscribe failed", map[string]interface{}{
			"mux":    m.Name(),
			"userID": userID,
			"kind":   string(se.Kind),
			"status": se.Status,
		})
		upstream.WriteJSON(w, se)
		return
	}

	<-sink.Done()
}

// streamParams collects query parameters plus gorilla path variables into
// the flat params map the stream builders consume.
func streamParams(r *http.Request, queryKeys ...string) map[string]string {
	params := make(map[string]string)
	q := r.URL.Query()
	for _, key := range queryKeys {
		if v := q.Get(key); v != "" {
			params[key] = v
		}
	}
	for key, v := range mux.Vars(r) {
		params[key] = v
	}
	if q.Get("paperTrading") == "true" {
		params["paperTrading"] = "true"
	}
	return params
}

// handleQuotes streams real-time quotes for a symbol list.
// GET /stream/quotes?symbols=AAPL,MSFT
func (h *Handler) handleQuotes(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, h.registry.Quotes, streamParams(r, "symbols"))
}

// handleBars streams bar chart data for one ticker.
// GET /stream/bars?ticker=AAPL&interval=5&unit=Minute&barsback=100
func (h *Handler) handleBars(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, h.registry.Bars, streamParams(r, "ticker", "interval", "unit", "barsback", "sessiontemplate"))
}

// handleMarketDepth streams order book levels for one ticker.
// GET /stream/marketdepth?ticker=AAPL&maxlevels=50
func (h *Handler) handleMarketDepth(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, h.registry.MarketDepth, streamParams(r, "ticker", "maxlevels"))
}

// handlePositions streams position updates for one account.
// GET /brokerage/stream/positions/{accountId}?changes=true
func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, h.registry.Positions, streamParams(r, "changes"))
}

// handleOrders streams order updates for one account.
// GET /brokerage/stream/orders/{accountId}
func (h *Handler) handleOrders(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, h.registry.Orders, streamParams(r))
}
