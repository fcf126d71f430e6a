package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quotewire/streamgate/logging"
	"github.com/quotewire/streamgate/metrics"
)

// tokenTTL is how long a refreshed access token is assumed valid. The token
// endpoint does not return an expiry, so 20 minutes is assumed.
const tokenTTL = 1200 * time.Second

// ErrRequiresReauth is returned when the refresh token was rejected
// terminally and the user must re-authorize. Stored credentials are purged
// before this is returned.
var ErrRequiresReauth = errors.New("refresh token rejected, user must re-authorize")

// Config holds the OAuth client settings for the token endpoint.
type Config struct {
	SigninURL    string
	ClientID     string
	ClientSecret string
}

// Provider yields access tokens for users and refreshes them on demand.
// Refreshes are single-flight per user: concurrent callers share one POST
// to the token endpoint and observe its single outcome.
type Provider struct {
	store  *Store
	cfg    Config
	client *http.Client
	logger *logging.Logger
	group  singleflight.Group
}

// NewProvider creates a Provider backed by the given store.
func NewProvider(store *Store, cfg Config, client *http.Client, logger *logging.Logger) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Provider{
		store:  store,
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// Token returns the current stored access token for a user.
// ErrNoCredentials means the user never connected an account (callers treat
// it as 404). ErrUndecipherable purges the record and is treated as 401.
func (p *Provider) Token(_ context.Context, userID string) (string, error) {
	creds, err := p.store.Get(userID)
	if err != nil {
		if errors.Is(err, ErrUndecipherable) {
			p.purge(userID, "undecipherable credentials")
		}
		return "", err
	}
	return creds.AccessToken, nil
}

// refreshResult carries the outcome of a single-flight refresh.
type refreshResult struct {
	accessToken string
	expiresAt   time.Time
}

// Refresh exchanges the stored refresh token for a new access token and
// persists it. Concurrent calls for the same user share one exchange.
func (p *Provider) Refresh(ctx context.Context, userID string) (string, time.Time, error) {
	v, err, _ := p.group.Do(userID, func() (interface{}, error) {
		return p.refresh(ctx, userID)
	})
	if err != nil {
		return "", time.Time{}, err
	}
	res := v.(*refreshResult)
	return res.accessToken, res.expiresAt, nil
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// tokenErrorResponse is the token endpoint's error body.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (p *Provider) refresh(ctx context.Context, userID string) (*refreshResult, error) {
	creds, err := p.store.Get(userID)
	if err != nil {
		if errors.Is(err, ErrUndecipherable) {
			p.purge(userID, "undecipherable credentials")
		}
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     p.cfg.ClientID,
		"client_secret": p.cfg.ClientSecret,
		"refresh_token": creds.RefreshToken,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.SigninURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.RecordTokenRefresh("failure")
		return nil, fmt.Errorf("token endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.RecordTokenRefresh("failure")
		return nil, fmt.Errorf("failed to read token endpoint response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if p.isTerminalRefreshFailure(resp.StatusCode, body) {
			p.purge(userID, "refresh token rejected")
			metrics.RecordTokenRefresh("reauth_required")
			return nil, ErrRequiresReauth
		}
		metrics.RecordTokenRefresh("failure")
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		metrics.RecordTokenRefresh("failure")
		return nil, fmt.Errorf("failed to parse token endpoint response: %w", err)
	}
	if tr.AccessToken == "" {
		metrics.RecordTokenRefresh("failure")
		return nil, errors.New("token endpoint returned no access token")
	}

	// The endpoint may rotate the refresh token; keep the old one otherwise.
	refreshToken := creds.RefreshToken
	if tr.RefreshToken != "" {
		refreshToken = tr.RefreshToken
	}

	expiresAt := time.Now().Add(tokenTTL)
	if err := p.store.Put(userID, Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}); err != nil {
		metrics.RecordTokenRefresh("failure")
		return nil, fmt.Errorf("failed to persist refreshed credentials: %w", err)
	}

	metrics.RecordTokenRefresh("success")
	return &refreshResult{accessToken: tr.AccessToken, expiresAt: expiresAt}, nil
}

// isTerminalRefreshFailure reports whether a refresh failure means the
// stored refresh token is unusable. 401 is always terminal; so is
// invalid_grant with the upstream's client-id-mismatch description.
func (p *Provider) isTerminalRefreshFailure(status int, body []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}

	var te tokenErrorResponse
	if err := json.Unmarshal(body, &te); err != nil {
		return false
	}
	return te.Error == "invalid_grant" &&
		strings.Contains(te.ErrorDescription, "client associated with this refresh token")
}

// purge deletes stored credentials after a terminal auth failure.
func (p *Provider) purge(userID, reason string) {
	if err := p.store.Delete(userID); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to purge credentials", map[string]interface{}{
				"userID": userID,
				"error":  err.Error(),
			})
		}
		return
	}
	if p.logger != nil {
		p.logger.LogCredentialsPurged(userID, reason)
	}
}
