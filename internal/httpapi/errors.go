package httpapi

import (
	"context"
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"inferd/internal/edge"
	"inferd/internal/engine"
	"inferd/internal/processor"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps a service error to an HTTP status. Well-known errors are
// checked before the generic HTTPError so a wrapped cause wins.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case err == nil:
		return http.StatusOK
	case registry.IsModelNotFound(err):
		return http.StatusNotFound
	case engine.IsTooBusy(err):
		return http.StatusTooManyRequests
	case engine.IsTokenization(err), errors.Is(err, processor.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, processor.ErrNotInitialized),
		errors.Is(err, processor.ErrShutdown),
		errors.Is(err, edge.ErrNoAvailableDevice):
		return http.StatusServiceUnavailable
	case errors.Is(err, edge.ErrDeviceNotFound), errors.Is(err, ErrEdgeDisabled):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &he):
		return he.StatusCode()
	}
	var re *edge.RemoteError
	if errors.As(err, &re) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue")
	}
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}
