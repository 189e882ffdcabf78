package httpapi

import (
	"encoding/json"
	"net/http"

	"inferd/internal/backend"
	"inferd/internal/engine"
	"inferd/internal/queue"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusForError maps well-known engine errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case queue.IsQueueFull(err):
		return http.StatusTooManyRequests
	case registry.IsModelNotFound(err):
		return http.StatusNotFound
	case registry.IsInvalidConfig(err):
		return http.StatusBadRequest
	case registry.IsInsufficientMemory(err):
		return http.StatusServiceUnavailable
	case engine.IsEngineShutdown(err):
		return http.StatusServiceUnavailable
	case backend.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case engine.IsTimeout(err):
		return http.StatusGatewayTimeout
	case engine.IsDispatchError(err):
		return http.StatusBadGateway
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps err to a status and writes the JSON payload.
func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue_full")
	}
	writeJSONError(w, status, err.Error())
}
