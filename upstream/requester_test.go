package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quotewire/streamgate/logging"
	"github.com/quotewire/streamgate/token"
)

type fakeTokens struct {
	current      atomic.Value // string
	refreshTo    string
	tokenErr     error
	refreshErr   error
	refreshCalls atomic.Int32
}

func newFakeTokens(current, refreshTo string) *fakeTokens {
	f := &fakeTokens{refreshTo: refreshTo}
	f.current.Store(current)
	return f
}

func (f *fakeTokens) Token(ctx context.Context, userID string) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.current.Load().(string), nil
}

func (f *fakeTokens) Refresh(ctx context.Context, userID string) (string, time.Time, error) {
	f.refreshCalls.Add(1)
	if f.refreshErr != nil {
		return "", time.Time{}, f.refreshErr
	}
	f.current.Store(f.refreshTo)
	return f.refreshTo, time.Now().Add(20 * time.Minute), nil
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(logging.ERROR, "[test]", io.Discard)
}

func newTestRequester(baseURL string, tokens TokenSource, timeout time.Duration) *Requester {
	return NewRequester(Config{
		LiveBaseURL:     baseURL,
		PaperBaseURL:    baseURL,
		UpstreamTimeout: timeout,
	}, tokens, nil, nil, quietLogger())
}

func TestOpenStreamReadsUpstreamBytes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer good-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, `{"tick":1}`+"\n")
	}))
	defer ts.Close()

	r := newTestRequester(ts.URL, newFakeTokens("good-token", ""), time.Second)
	body, cancel, err := r.OpenStream(context.Background(), "u1", Request{Path: "/marketdata/stream/quotes/AAPL"})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer cancel()

	data, _ := io.ReadAll(body)
	if !strings.Contains(string(data), `"tick":1`) {
		t.Fatalf("unexpected stream data: %q", data)
	}
}

func TestOpenStreamRefreshesOnceOn401(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data\n")
	}))
	defer ts.Close()

	tokens := newFakeTokens("stale-token", "fresh-token")
	r := newTestRequester(ts.URL, tokens, time.Second)

	body, cancel, err := r.OpenStream(context.Background(), "u1", Request{Path: "/p"})
	if err != nil {
		t.Fatalf("OpenStream failed after refresh: %v", err)
	}
	defer cancel()
	_, _ = io.ReadAll(body)

	if got := tokens.refreshCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", got)
	}
}

func TestOpenStreamGivesUpAfterSecond401(t *testing.T) {
	tokens := newFakeTokens("bad", "still-bad")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	r := newTestRequester(ts.URL, tokens, time.Second)
	_, _, err := r.OpenStream(context.Background(), "u1", Request{Path: "/p"})

	se := AsStatusError(err)
	if se.Kind != KindUnauthorized || se.Status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if got := tokens.refreshCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 refresh attempt, got %d", got)
	}
}

func TestOpenStreamPassesThroughUpstreamErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"Error":"Forbidden","Message":"account not entitled"}`)
	}))
	defer ts.Close()

	r := newTestRequester(ts.URL, newFakeTokens("tok", ""), time.Second)
	_, _, err := r.OpenStream(context.Background(), "u1", Request{Path: "/p"})

	se := AsStatusError(err)
	if se.Kind != KindUpstreamStatus || se.Status != http.StatusForbidden {
		t.Fatalf("expected upstream 403 passthrough, got %v", err)
	}
	details, ok := se.Details.(map[string]interface{})
	if !ok || details["Message"] != "account not entitled" {
		t.Fatalf("error body not parsed: %#v", se.Details)
	}
}

func TestOpenStreamTimesOutOnSlowUpstream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	r := newTestRequester(ts.URL, newFakeTokens("tok", ""), 50*time.Millisecond)
	_, _, err := r.OpenStream(context.Background(), "u1", Request{Path: "/p"})

	se := AsStatusError(err)
	if se.Kind != KindGatewayTimeout || se.Status != http.StatusGatewayTimeout {
		t.Fatalf("expected gateway_timeout, got %v", err)
	}
}

func TestOpenStreamMapsTokenErrors(t *testing.T) {
	cases := []struct {
		name     string
		tokenErr error
		wantKind Kind
		wantCode int
	}{
		{"no credentials", token.ErrNoCredentials, KindNoCredentials, http.StatusNotFound},
		{"undecipherable", token.ErrUndecipherable, KindUnauthorized, http.StatusUnauthorized},
		{"requires reauth", token.ErrRequiresReauth, KindUnauthorized, http.StatusUnauthorized},
		{"transport", errors.New("connection refused"), KindBadGateway, http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tokens := newFakeTokens("", "")
			tokens.tokenErr = tc.tokenErr

			r := newTestRequester("http://127.0.0.1:0", tokens, time.Second)
			_, _, err := r.OpenStream(context.Background(), "u1", Request{Path: "/p"})

			se := AsStatusError(err)
			if se.Kind != tc.wantKind || se.Status != tc.wantCode {
				t.Fatalf("expected %s/%d, got %s/%d", tc.wantKind, tc.wantCode, se.Kind, se.Status)
			}
		})
	}
}

func TestOpenStreamRejectsMissingPath(t *testing.T) {
	r := newTestRequester("http://127.0.0.1:0", newFakeTokens("tok", ""), time.Second)
	_, _, err := r.OpenStream(context.Background(), "u1", Request{})

	se := AsStatusError(err)
	if se.Kind != KindBadRequest {
		t.Fatalf("expected bad_request, got %v", err)
	}
}

func TestOpenStreamRoutesPaperTrading(t *testing.T) {
	var liveHits, paperHits atomic.Int32
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		liveHits.Add(1)
	}))
	defer live.Close()
	paper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paperHits.Add(1)
	}))
	defer paper.Close()

	r := NewRequester(Config{
		LiveBaseURL:     live.URL,
		PaperBaseURL:    paper.URL,
		UpstreamTimeout: time.Second,
	}, newFakeTokens("tok", ""), nil, nil, quietLogger())

	_, cancel, err := r.OpenStream(context.Background(), "u1", Request{Path: "/p", PaperTrading: true})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	cancel()

	if liveHits.Load() != 0 || paperHits.Load() != 1 {
		t.Fatalf("paper request routed wrong: live=%d paper=%d", liveHits.Load(), paperHits.Load())
	}
}
