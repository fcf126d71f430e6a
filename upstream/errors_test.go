package upstream

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAsStatusErrorDefaultsToInternal(t *testing.T) {
	se := AsStatusError(errors.New("boom"))
	if se.Kind != KindInternal || se.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected mapping: %+v", se)
	}
}

func TestAsStatusErrorUnwraps(t *testing.T) {
	wrapped := &StatusError{Kind: KindRateLimited, Status: http.StatusServiceUnavailable, Message: "busy"}
	if se := AsStatusError(wrapped); se != wrapped {
		t.Fatal("existing StatusError not returned as-is")
	}
}

func TestWriteJSONIncludesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, NewUpstreamStatus(http.StatusForbidden, map[string]interface{}{"Message": "nope"}))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("missing error message")
	}
	details, ok := body["details"].(map[string]interface{})
	if !ok || details["Message"] != "nope" {
		t.Fatalf("details not passed through: %#v", body)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  *StatusError
		code int
	}{
		{NewBadRequest("x"), http.StatusBadRequest},
		{NewUnauthorized("x"), http.StatusUnauthorized},
		{NewNoCredentials(), http.StatusNotFound},
		{NewStaleOpen(), http.StatusConflict},
		{NewBadGateway("x"), http.StatusBadGateway},
		{NewRateLimited("x"), http.StatusServiceUnavailable},
		{NewGatewayTimeout("x"), http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		if tc.err.Status != tc.code {
			t.Errorf("%s: expected %d, got %d", tc.err.Kind, tc.code, tc.err.Status)
		}
	}
}
