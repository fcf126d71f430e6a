package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quotewire/streamgate/circuitbreaker"
	"github.com/quotewire/streamgate/logging"
	"github.com/quotewire/streamgate/token"
)

// Request describes one upstream stream to open.
type Request struct {
	Path         string
	Query        url.Values
	PaperTrading bool
}

// TokenSource yields bearer tokens for users. Implemented by token.Provider.
type TokenSource interface {
	Token(ctx context.Context, userID string) (string, error)
	Refresh(ctx context.Context, userID string) (string, time.Time, error)
}

// Config holds the Requester's endpoints and timing.
type Config struct {
	LiveBaseURL     string
	PaperBaseURL    string
	UpstreamTimeout time.Duration // Budget for the upstream to return response headers
}

// Requester opens authenticated streaming GETs against the brokerage API.
// One open attempt per call; a 401 gets a single refresh-and-retry.
type Requester struct {
	cfg      Config
	tokens   TokenSource
	client   *http.Client
	breakers map[string]circuitbreaker.CircuitBreaker
	logger   *logging.Logger
}

// NewRequester creates a Requester. breakers maps base URL to the breaker
// guarding opens against that host; nil disables breaker checks.
func NewRequester(cfg Config, tokens TokenSource, client *http.Client, breakers map[string]circuitbreaker.CircuitBreaker, logger *logging.Logger) *Requester {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 15 * time.Second
	}
	if client == nil {
		// No overall timeout: the body is an unbounded stream.
		client = &http.Client{Timeout: 0}
	}
	return &Requester{
		cfg:      cfg,
		tokens:   tokens,
		client:   client,
		breakers: breakers,
		logger:   logger,
	}
}

// CancelFunc aborts an open stream. Idempotent. It cancels the underlying
// HTTP request first and closes the body afterwards, off the caller's
// critical path.
type CancelFunc func()

// OpenStream opens the upstream byte stream for one key.
//
// The returned body's lifecycle belongs to the caller; ctx should be a
// long-lived context owned by the multiplexer, not a client request context.
func (r *Requester) OpenStream(ctx context.Context, userID string, req Request) (io.ReadCloser, CancelFunc, error) {
	if req.Path == "" {
		return nil, nil, NewBadRequest("missing upstream path")
	}

	accessToken, err := r.tokens.Token(ctx, userID)
	if err != nil {
		return nil, nil, r.tokenError(err)
	}

	body, cancel, err := r.open(ctx, req, accessToken)
	if err == nil {
		return body, cancel, nil
	}

	// One refresh-and-retry on 401; anything else is final.
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized || se.Kind != KindUpstreamStatus {
		return nil, nil, err
	}

	accessToken, _, err = r.tokens.Refresh(ctx, userID)
	if err != nil {
		return nil, nil, r.tokenError(err)
	}

	body, cancel, err = r.open(ctx, req, accessToken)
	if err != nil {
		if errors.As(err, &se) && se.Status == http.StatusUnauthorized {
			return nil, nil, NewUnauthorized("upstream rejected token after refresh")
		}
		return nil, nil, err
	}
	return body, cancel, nil
}

// open performs a single GET attempt.
func (r *Requester) open(ctx context.Context, req Request, accessToken string) (io.ReadCloser, CancelFunc, error) {
	base := r.cfg.LiveBaseURL
	if req.PaperTrading {
		base = r.cfg.PaperBaseURL
	}

	u := base + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	connCtx, cancelConn := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(connCtx, http.MethodGet, u, nil)
	if err != nil {
		cancelConn()
		return nil, nil, NewBadRequest(fmt.Sprintf("invalid upstream URL: %v", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	// Connection-establishment budget: abort the request if the upstream
	// has not produced response headers in time.
	var timedOut atomic.Bool
	connectTimer := time.AfterFunc(r.cfg.UpstreamTimeout, func() {
		timedOut.Store(true)
		cancelConn()
	})

	var resp *http.Response
	doErr := r.execute(base, func() error {
		var err error
		resp, err = r.client.Do(httpReq)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		return nil
	})
	connectTimer.Stop()

	if doErr != nil && resp == nil {
		cancelConn()
		if errors.Is(doErr, circuitbreaker.ErrCircuitOpen) || errors.Is(doErr, circuitbreaker.ErrHalfOpenLimitReached) {
			return nil, nil, NewBadGateway("upstream temporarily unavailable")
		}
		if timedOut.Load() {
			return nil, nil, NewGatewayTimeout("upstream did not accept the stream in time")
		}
		return nil, nil, NewBadGateway(fmt.Sprintf("upstream connection failed: %v", doErr))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancelConn()
		body := readErrorBody(resp)
		if closeErr := resp.Body.Close(); closeErr != nil && r.logger != nil {
			r.logger.Debug("Failed to close upstream error body", map[string]interface{}{"error": closeErr.Error()})
		}
		return nil, nil, NewUpstreamStatus(resp.StatusCode, body)
	}

	body := resp.Body
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Abort the request before closing the body so the transport's
			// stream bookkeeping settles cleanly.
			cancelConn()
			go func() {
				if err := body.Close(); err != nil && r.logger != nil {
					r.logger.Debug("Failed to close upstream body", map[string]interface{}{"error": err.Error()})
				}
			}()
		})
	}

	return body, cancel, nil
}

// execute runs fn through the host's circuit breaker, if one is configured.
func (r *Requester) execute(base string, fn func() error) error {
	if r.breakers != nil {
		if cb, ok := r.breakers[base]; ok && cb != nil {
			return cb.Execute(fn)
		}
	}
	return fn()
}

// tokenError maps token-layer failures onto the surfaced taxonomy.
func (r *Requester) tokenError(err error) error {
	switch {
	case errors.Is(err, token.ErrNoCredentials):
		return NewNoCredentials()
	case errors.Is(err, token.ErrUndecipherable):
		return NewUnauthorized("stored credentials unusable, re-authorization required")
	case errors.Is(err, token.ErrRequiresReauth):
		return NewUnauthorized("re-authorization required")
	default:
		return NewBadGateway(fmt.Sprintf("token acquisition failed: %v", err))
	}
}

// readErrorBody parses a non-2xx body as JSON when possible, raw text
// otherwise.
func readErrorBody(resp *http.Response) interface{} {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || len(data) == 0 {
		return nil
	}

	var parsed interface{}
	if json.Unmarshal(data, &parsed) == nil {
		return parsed
	}
	return strings.TrimSpace(string(data))
}
