package engine

import "errors"

// ErrEngineShutdown is returned by submits after Shutdown.
var ErrEngineShutdown = errors.New("engine is shut down")

// IsEngineShutdown reports whether err indicates a post-shutdown call.
func IsEngineShutdown(err error) bool { return errors.Is(err, ErrEngineShutdown) }

// dispatchError wraps whatever the backend reported for one request.
// Scoped to that request; sibling requests in the batch are unaffected.
type dispatchError struct {
	model string
	cause error
}

func (e dispatchError) Error() string { return "dispatch failed for " + e.model + ": " + e.cause.Error() }

func (e dispatchError) Unwrap() error { return e.cause }

// IsDispatchError reports whether err wraps a backend dispatch failure.
func IsDispatchError(err error) bool {
	var de dispatchError
	return errors.As(err, &de)
}

// timeoutError is a caller-side give-up: the engine still completes the
// work but the result is discarded rather than delivered.
type timeoutError struct{ cause error }

func (e timeoutError) Error() string { return "request timed out: " + e.cause.Error() }

func (e timeoutError) Unwrap() error { return e.cause }

// IsTimeout reports whether err indicates a caller deadline expiry.
func IsTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te)
}
