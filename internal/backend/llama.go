//go:build llama

package backend

import (
	"context"
	"errors"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// LlamaBackend runs models in-process via go-llama.cpp.
type LlamaBackend struct {
	threads int
}

// NewLlama constructs the in-process llama backend. threads <= 0 lets the
// runtime pick.
func NewLlama(threads int) *LlamaBackend {
	return &LlamaBackend{threads: threads}
}

type llamaHandle struct {
	model *llama.LLama
}

func (b *LlamaBackend) Load(ctx context.Context, model types.Model) (Handle, error) {
	if strings.TrimSpace(model.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	opts := []llama.ModelOption{}
	if model.ContextSize > 0 {
		opts = append(opts, llama.SetContext(model.ContextSize))
	}
	m, err := llama.New(model.Path, opts...)
	if err != nil {
		return nil, err
	}
	return &llamaHandle{model: m}, nil
}

func (b *LlamaBackend) Unload(h Handle) error {
	lh, ok := h.(*llamaHandle)
	if !ok || lh.model == nil {
		return nil
	}
	lh.model.Free()
	lh.model = nil
	return nil
}

func (b *LlamaBackend) Infer(ctx context.Context, h Handle, req types.Request) (Result, error) {
	return b.InferStreaming(ctx, h, req, nil)
}

func (b *LlamaBackend) InferStreaming(ctx context.Context, h Handle, req types.Request, onToken func(string) error) (Result, error) {
	lh, ok := h.(*llamaHandle)
	if !ok || lh.model == nil {
		return Result{}, errors.New("llama model not initialized")
	}

	tokens := 0
	lh.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		tokens++
		if onToken != nil {
			if err := onToken(tok); err != nil {
				return false
			}
		}
		return true
	})

	text, err := lh.model.Predict(req.Prompt, predictOptions(req, b.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}
	reason := types.FinishStop
	if req.MaxTokens > 0 && tokens >= req.MaxTokens {
		reason = types.FinishLength
	}
	return Result{Text: text, Tokens: tokens, FinishReason: reason}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func orFloat(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts request sampling parameters into go-llama.cpp
// options.
func predictOptions(req types.Request, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(maxInt(1, req.MaxTokens)),
		llama.SetThreads(maxInt(1, threads)),
		llama.SetTopP(orFloat(float32(req.TopP), llama.DefaultOptions.TopP)),
		llama.SetTopK(orInt(req.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(orFloat(float32(req.Temperature), llama.DefaultOptions.Temperature)),
	}
	if len(req.Stop) > 0 {
		po = append(po, llama.SetStopWords(req.Stop...))
	}
	return po
}
