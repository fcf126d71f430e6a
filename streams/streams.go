// Package streams defines the stream families the proxy serves: how each
// family's parameters map onto a sharing key and an upstream request, and a
// registry that owns one multiplexer per family.
package streams

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/quotewire/streamgate/config"
	"github.com/quotewire/streamgate/logging"
	"github.com/quotewire/streamgate/multiplexer"
	"github.com/quotewire/streamgate/upstream"
)

// Registry holds the multiplexer instances for every stream family.
type Registry struct {
	Quotes      *multiplexer.Multiplexer
	Bars        *multiplexer.Multiplexer
	MarketDepth *multiplexer.Multiplexer
	Positions   *multiplexer.Multiplexer
	Orders      *multiplexer.Multiplexer
}

// NewRegistry builds the five stream families over one opener.
//
// Bars and market depth are exclusive: the upstream meters concurrent chart
// streams per user, so a user moving between tickers closes the previous
// stream rather than accumulating them.
func NewRegistry(opener multiplexer.Opener, cfg *config.MuxConfig, logger *logging.Logger) (*Registry, error) {
	r := &Registry{}

	var err error
	if r.Quotes, err = multiplexer.New(multiplexer.Options{
		Name:         "quotes",
		MakeKey:      quotesKey,
		BuildRequest: quotesRequest,
		Opener:       opener,
		Config:       cfg,
		Logger:       logger,
	}); err != nil {
		return nil, fmt.Errorf("quotes multiplexer: %w", err)
	}

	if r.Bars, err = multiplexer.New(multiplexer.Options{
		Name:         "bars",
		Exclusive:    true,
		MakeKey:      barsKey,
		BuildRequest: barsRequest,
		Opener:       opener,
		Config:       cfg,
		Logger:       logger,
	}); err != nil {
		return nil, fmt.Errorf("bars multiplexer: %w", err)
	}

	if r.MarketDepth, err = multiplexer.New(multiplexer.Options{
		Name:         "marketdepth",
		Exclusive:    true,
		MakeKey:      marketDepthKey,
		BuildRequest: marketDepthRequest,
		Opener:       opener,
		Config:       cfg,
		Logger:       logger,
	}); err != nil {
		return nil, fmt.Errorf("marketdepth multiplexer: %w", err)
	}

	if r.Positions, err = multiplexer.New(multiplexer.Options{
		Name:         "positions",
		MakeKey:      accountKey,
		BuildRequest: positionsRequest,
		Opener:       opener,
		Config:       cfg,
		Logger:       logger,
	}); err != nil {
		return nil, fmt.Errorf("positions multiplexer: %w", err)
	}

	if r.Orders, err = multiplexer.New(multiplexer.Options{
		Name:         "orders",
		MakeKey:      accountKey,
		BuildRequest: ordersRequest,
		Opener:       opener,
		Config:       cfg,
		Logger:       logger,
	}); err != nil {
		return nil, fmt.Errorf("orders multiplexer: %w", err)
	}

	return r, nil
}

// All returns every registered multiplexer, for stats and shutdown.
func (r *Registry) All() []*multiplexer.Multiplexer {
	return []*multiplexer.Multiplexer{r.Quotes, r.Bars, r.MarketDepth, r.Positions, r.Orders}
}

// Shutdown stops every multiplexer.
func (r *Registry) Shutdown() {
	for _, m := range r.All() {
		m.Shutdown()
	}
}

// paperTrading reads the paper-trading flag out of stream params.
func paperTrading(params map[string]string) bool {
	return params["paperTrading"] == "true"
}

// --- quotes ---

func quotesKey(userID string, params map[string]string) string {
	symbols, err := NormalizeSymbols(params["symbols"])
	if err != nil {
		// buildRequest rejects the request before the key is ever used.
		return userID + "|invalid"
	}
	return userID + "|" + strings.Join(symbols, ",")
}

func quotesRequest(userID string, params map[string]string) (upstream.Request, error) {
	symbols, err := NormalizeSymbols(params["symbols"])
	if err != nil {
		return upstream.Request{}, err
	}

	// Escape per symbol: the commas separating them stay literal in the path.
	escaped := make([]string, len(symbols))
	for i, sym := range symbols {
		escaped[i] = url.PathEscape(sym)
	}
	return upstream.Request{
		Path:         "/marketdata/stream/quotes/" + strings.Join(escaped, ","),
		PaperTrading: paperTrading(params),
	}, nil
}

// --- bars ---

var validBarUnits = map[string]bool{
	"Minute":  true,
	"Daily":   true,
	"Weekly":  true,
	"Monthly": true,
}

var validSessionTemplates = map[string]bool{
	"Default":        true,
	"USEQPre":        true,
	"USEQPost":       true,
	"USEQPreAndPost": true,
	"USEQ24Hour":     true,
}

// barParams resolves and validates bar chart parameters with their defaults.
func barParams(params map[string]string) (symbol string, interval int, unit string, barsBack int, session string, err error) {
	symbol = strings.ToUpper(strings.TrimSpace(params["ticker"]))
	if symbol == "" {
		return "", 0, "", 0, "", fmt.Errorf("ticker is required")
	}
	if !validSymbol(symbol) {
		return "", 0, "", 0, "", errInvalidSymbol
	}

	interval = 1
	if v := params["interval"]; v != "" {
		interval, err = strconv.Atoi(v)
		if err != nil || interval < 1 {
			return "", 0, "", 0, "", fmt.Errorf("interval must be a positive integer")
		}
	}

	unit = "Minute"
	if v := params["unit"]; v != "" {
		if !validBarUnits[v] {
			return "", 0, "", 0, "", fmt.Errorf("unit must be one of Minute, Daily, Weekly, Monthly")
		}
		unit = v
	}
	if unit != "Minute" && interval != 1 {
		return "", 0, "", 0, "", fmt.Errorf("interval must be 1 for non-minute units")
	}

	barsBack = 1
	if v := params["barsback"]; v != "" {
		barsBack, err = strconv.Atoi(v)
		if err != nil || barsBack < 1 || barsBack > 57600 {
			return "", 0, "", 0, "", fmt.Errorf("barsback must be between 1 and 57600")
		}
	}

	session = "Default"
	if v := params["sessiontemplate"]; v != "" {
		if !validSessionTemplates[v] {
			return "", 0, "", 0, "", fmt.Errorf("invalid session template")
		}
		session = v
	}

	return symbol, interval, unit, barsBack, session, nil
}

func barsKey(userID string, params map[string]string) string {
	symbol, interval, unit, barsBack, session, err := barParams(params)
	if err != nil {
		return userID + "|invalid"
	}
	return fmt.Sprintf("%s|%s|%d|%s|%d|%s", userID, symbol, interval, unit, barsBack, session)
}

func barsRequest(userID string, params map[string]string) (upstream.Request, error) {
	symbol, interval, unit, barsBack, session, err := barParams(params)
	if err != nil {
		return upstream.Request{}, err
	}

	q := url.Values{}
	q.Set("interval", strconv.Itoa(interval))
	q.Set("unit", unit)
	q.Set("barsback", strconv.Itoa(barsBack))
	q.Set("sessiontemplate", session)

	return upstream.Request{
		Path:         "/marketdata/stream/barcharts/" + url.PathEscape(symbol),
		Query:        q,
		PaperTrading: paperTrading(params),
	}, nil
}

// --- market depth ---

func depthParams(params map[string]string) (symbol string, maxLevels int, err error) {
	symbol = strings.ToUpper(strings.TrimSpace(params["ticker"]))
	if symbol == "" {
		return "", 0, fmt.Errorf("ticker is required")
	}
	if !validSymbol(symbol) {
		return "", 0, errInvalidSymbol
	}

	maxLevels = 50
	if v := params["maxlevels"]; v != "" {
		maxLevels, err = strconv.Atoi(v)
		if err != nil || maxLevels < 1 || maxLevels > 100 {
			return "", 0, fmt.Errorf("maxlevels must be between 1 and 100")
		}
	}
	return symbol, maxLevels, nil
}

func marketDepthKey(userID string, params map[string]string) string {
	symbol, maxLevels, err := depthParams(params)
	if err != nil {
		return userID + "|invalid"
	}
	return fmt.Sprintf("%s|%s|%d", userID, symbol, maxLevels)
}

func marketDepthRequest(userID string, params map[string]string) (upstream.Request, error) {
	symbol, maxLevels, err := depthParams(params)
	if err != nil {
		return upstream.Request{}, err
	}

	q := url.Values{}
	q.Set("maxlevels", strconv.Itoa(maxLevels))

	return upstream.Request{
		Path:         "/marketdata/stream/marketdepth/aggregates/" + url.PathEscape(symbol),
		Query:        q,
		PaperTrading: paperTrading(params),
	}, nil
}

// --- brokerage: positions and orders ---

// accountKey keys brokerage streams by account and trading environment: the
// same account in live and paper trading is two different upstreams.
func accountKey(userID string, params map[string]string) string {
	return fmt.Sprintf("%s|%s|%t", userID, params["accountId"], paperTrading(params))
}

func accountID(params map[string]string) (string, error) {
	id := strings.TrimSpace(params["accountId"])
	if id == "" {
		return "", fmt.Errorf("accountId is required")
	}
	return id, nil
}

func positionsRequest(userID string, params map[string]string) (upstream.Request, error) {
	id, err := accountID(params)
	if err != nil {
		return upstream.Request{}, err
	}

	var q url.Values
	if params["changes"] == "true" {
		q = url.Values{}
		q.Set("changes", "true")
	}

	return upstream.Request{
		Path:         "/brokerage/stream/accounts/" + url.PathEscape(id) + "/positions",
		Query:        q,
		PaperTrading: paperTrading(params),
	}, nil
}

func ordersRequest(userID string, params map[string]string) (upstream.Request, error) {
	id, err := accountID(params)
	if err != nil {
		return upstream.Request{}, err
	}
	return upstream.Request{
		Path:         "/brokerage/stream/accounts/" + url.PathEscape(id) + "/orders",
		PaperTrading: paperTrading(params),
	}, nil
}
