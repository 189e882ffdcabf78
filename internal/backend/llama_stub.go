//go:build !llama

package backend

// This file is compiled when the 'llama' build tag is NOT set, keeping
// default builds and CI CGO-free. The real backend lives in llama.go
// (tagged 'llama').

import (
	"context"

	"inferd/pkg/types"
)

var llamaBuilt = false

// LlamaBackend is a stub that satisfies Backend but refuses to run
// inference without the 'llama' build tag. No mocked behavior in
// production binaries built without CGO support.
type LlamaBackend struct {
	threads int
}

func NewLlama(threads int) *LlamaBackend {
	return &LlamaBackend{threads: threads}
}

func (b *LlamaBackend) Load(ctx context.Context, model types.Model) (Handle, error) {
	return nil, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}

func (b *LlamaBackend) Unload(h Handle) error { return nil }

func (b *LlamaBackend) Infer(ctx context.Context, h Handle, req types.Request) (Result, error) {
	return Result{}, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}

func (b *LlamaBackend) InferStreaming(ctx context.Context, h Handle, req types.Request, onToken func(string) error) (Result, error) {
	return Result{}, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}
