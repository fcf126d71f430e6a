package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies errors surfaced to streaming clients.
type Kind string

// Error kinds for everything that can fail before the first upstream byte.
const (
	KindBadRequest     Kind = "bad_request"
	KindUnauthorized   Kind = "unauthorized"
	KindNoCredentials  Kind = "no_credentials"
	KindGatewayTimeout Kind = "gateway_timeout"
	KindBadGateway     Kind = "bad_gateway"
	KindUpstreamStatus Kind = "upstream_status"
	KindRateLimited    Kind = "rate_limited"
	KindStaleOpen      Kind = "stale_open"
	KindInternal       Kind = "internal"
)

// StatusError is an error with an HTTP status and a JSON-able body.
type StatusError struct {
	Kind    Kind
	Status  int
	Message string
	Details interface{}
}

func (e *StatusError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// NewBadRequest returns a 400 error for invalid stream parameters.
func NewBadRequest(msg string) *StatusError {
	return &StatusError{Kind: KindBadRequest, Status: http.StatusBadRequest, Message: msg}
}

// NewUnauthorized returns a 401 error.
func NewUnauthorized(msg string) *StatusError {
	return &StatusError{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Message: msg}
}

// NewNoCredentials returns a 404 error for users with no linked account.
func NewNoCredentials() *StatusError {
	return &StatusError{Kind: KindNoCredentials, Status: http.StatusNotFound, Message: "no stored credentials"}
}

// NewGatewayTimeout returns a 504 error for upstream connect timeouts.
func NewGatewayTimeout(msg string) *StatusError {
	return &StatusError{Kind: KindGatewayTimeout, Status: http.StatusGatewayTimeout, Message: msg}
}

// NewBadGateway returns a 502 error for upstream transport failures.
func NewBadGateway(msg string) *StatusError {
	return &StatusError{Kind: KindBadGateway, Status: http.StatusBadGateway, Message: msg}
}

// NewUpstreamStatus passes through a non-2xx upstream status with its body.
func NewUpstreamStatus(status int, body interface{}) *StatusError {
	return &StatusError{
		Kind:    KindUpstreamStatus,
		Status:  status,
		Message: fmt.Sprintf("upstream returned status %d", status),
		Details: body,
	}
}

// NewRateLimited returns a 503 error for locally refused requests.
func NewRateLimited(details string) *StatusError {
	return &StatusError{
		Kind:    KindRateLimited,
		Status:  http.StatusServiceUnavailable,
		Message: "service unavailable",
		Details: details,
	}
}

// NewStaleOpen returns a 409 error for exclusive opens that lost a switch race.
func NewStaleOpen() *StatusError {
	return &StatusError{
		Kind:    KindStaleOpen,
		Status:  http.StatusConflict,
		Message: "superseded by a newer stream for this user",
	}
}

// AsStatusError coerces any error into a StatusError, defaulting to a 500.
func AsStatusError(err error) *StatusError {
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return &StatusError{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Message: err.Error(),
	}
}

// WriteJSON writes err to w as a JSON error response.
func WriteJSON(w http.ResponseWriter, err error) {
	se := AsStatusError(err)

	body := map[string]interface{}{"error": se.Message}
	if se.Details != nil {
		body["details"] = se.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.Status)
	_ = json.NewEncoder(w).Encode(body)
}
