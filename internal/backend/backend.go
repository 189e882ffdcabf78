// Package backend defines the capability interface for model runtimes.
// The core never inspects backend internals: it loads handles, invokes
// them, and unloads them.
package backend

import (
	"context"

	"inferd/pkg/types"
)

// Handle is an opaque reference to a loaded model runtime, owned by the
// registry from load to unload.
type Handle interface{}

// Result summarizes one generation.
type Result struct {
	Text         string
	Tokens       int
	FinishReason types.FinishReason
}

// Backend is implemented by concrete model runtimes (llama.cpp in-process,
// test fakes). A single Backend instance serves all models; per-model state
// lives behind the Handle. Implementations must return promptly when the
// context is canceled.
type Backend interface {
	Load(ctx context.Context, model types.Model) (Handle, error)
	Unload(h Handle) error
	Infer(ctx context.Context, h Handle, req types.Request) (Result, error)
	// InferStreaming invokes onToken for every generated token, in order.
	// A non-nil error from onToken stops generation.
	InferStreaming(ctx context.Context, h Handle, req types.Request, onToken func(string) error) (Result, error)
}

// unavailableError signals a missing runtime dependency (e.g. a binary
// built without llama support) so callers can distinguish it from a
// per-request dispatch failure.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// ErrUnavailable constructs an unavailableError.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates a missing runtime dependency.
func IsUnavailable(err error) bool {
	_, ok := err.(unavailableError)
	return ok
}
