package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"inferd/internal/backend"
	"inferd/internal/cache"
	"inferd/internal/metrics"
	"inferd/internal/queue"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// run is the scheduling loop. It is the only goroutine that pulls batches;
// dispatch within a batch fans out across a bounded worker pool.
func (e *Engine) run() {
	defer close(e.done)
	sem := make(chan struct{}, e.cfg.Workers)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		b, ok := e.queue.DequeueBatch(e.cfg.MaxBatchSize)
		if !ok {
			select {
			case <-e.stop:
				return
			case <-time.After(e.cfg.IdleSleep):
			}
			continue
		}
		metrics.SetQueueDepth(e.queue.Stats())
		e.dispatchBatch(b, sem)
	}
}

// dispatchBatch resolves the batch's target backend, then dispatches every
// member. One request's failure never aborts its siblings; each outcome is
// resolved independently. The batch is not preempted once dispatch begins.
func (e *Engine) dispatchBatch(b *queue.Batch, sem chan struct{}) {
	metrics.ObserveBatch(b.Size())

	// Load the batch target up front so the common case pays for one
	// ensure, not one per member. Requests naming another model resolve
	// their own backend in dispatchOne.
	target := e.cfg.DefaultModel
	for _, req := range b.Requests {
		if req.Model != "" {
			target = req.Model
			break
		}
	}
	if target != "" {
		if err := e.registry.Load(e.baseCtx, target); err != nil {
			e.log.Warn().Str("model", target).Err(err).Msg("batch target load failed")
		}
	}

	var wg sync.WaitGroup
	for _, req := range b.Requests {
		sem <- struct{}{}
		wg.Add(1)
		go func(req types.Request) {
			defer wg.Done()
			defer func() { <-sem }()
			e.dispatchOne(b, req, target)
		}(req)
	}
	wg.Wait()
}

// dispatchOne runs a single request against its backend and resolves the
// caller's handle. No registry or queue lock is held across the backend
// invocation.
func (e *Engine) dispatchOne(b *queue.Batch, req types.Request, batchTarget string) {
	modelID := req.Model
	if modelID == "" {
		modelID = batchTarget
	}
	if modelID == "" {
		e.failRequest(req, registry.ErrModelNotFound("(unspecified)"))
		return
	}

	// Re-check load state; the batch-level ensure may have raced an
	// eviction, and requests may target a different model entirely.
	if err := e.registry.Load(e.baseCtx, modelID); err != nil {
		e.failRequest(req, err)
		return
	}
	loaded, ok := e.registry.Get(modelID)
	if !ok {
		e.failRequest(req, registry.ErrModelNotFound(modelID))
		return
	}
	defer loaded.Release()

	ctx := e.baseCtx
	var cancel context.CancelFunc
	var stream *TokenStream
	if req.Stream {
		stream, _ = req.Completion.(*TokenStream)
		if stream == nil {
			return
		}
		// Consumer cancellation propagates into the backend call.
		ctx, cancel = context.WithCancel(e.baseCtx)
		go func() {
			select {
			case <-stream.cancel:
				cancel()
			case <-ctx.Done():
			}
		}()
		defer cancel()
	}

	release, err := loaded.Acquire(ctx)
	if err != nil {
		e.failRequest(req, dispatchError{model: modelID, cause: err})
		return
	}

	start := time.Now()
	var (
		res     backend.Result
		callErr error
	)
	if req.Stream {
		res, callErr = e.backend.InferStreaming(ctx, loaded.Handle, req, func(tok string) error {
			if !stream.emit(StreamEvent{Token: tok}) {
				return context.Canceled
			}
			return nil
		})
	} else {
		res, callErr = e.backend.Infer(ctx, loaded.Handle, req)
	}
	release()

	resp := types.Response{
		ID:              req.ID,
		Text:            res.Text,
		TokensGenerated: res.Tokens,
		FinishReason:    res.FinishReason,
		ProcessedIn:     time.Since(start),
		QueueWait:       start.Sub(req.EnqueuedAt),
		Model:           modelID,
		BatchSize:       b.Size(),
	}

	if callErr != nil {
		resp.FinishReason = types.FinishError
		e.resolve(req, resp, dispatchError{model: modelID, cause: callErr})
		return
	}
	e.resolve(req, resp, nil)
}

// resolve delivers a success or failure outcome and records it.
func (e *Engine) resolve(req types.Request, resp types.Response, err error) {
	if err != nil {
		e.recorder.RecordError(errorKind(err))
		metrics.ObserveRequest("error", req.Priority)
		e.log.Warn().Str("request", req.ID).Str("model", resp.Model).Err(err).Msg("request failed")
	} else {
		e.recorder.Record(resp)
		metrics.ObserveRequest("ok", req.Priority)
		metrics.ObserveDispatch(resp)
		if e.cache != nil && !req.Stream {
			e.cache.Put(cache.Signature(req), resp)
		}
	}

	switch h := req.Completion.(type) {
	case *Pending:
		h.resolve(resp, err)
	case *TokenStream:
		if err != nil {
			h.finish(StreamEvent{Err: err})
		} else {
			final := resp
			h.finish(StreamEvent{Final: &final})
		}
	}
}

// failRequest resolves a request with an error before any dispatch began.
func (e *Engine) failRequest(req types.Request, err error) {
	resp := types.Response{
		ID:           req.ID,
		FinishReason: types.FinishError,
		Model:        req.Model,
	}
	if !req.EnqueuedAt.IsZero() {
		resp.QueueWait = time.Since(req.EnqueuedAt)
	}
	e.resolve(req, resp, err)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case IsEngineShutdown(err):
		return "engine_shutdown"
	case IsTimeout(err):
		return "timeout"
	case IsDispatchError(err):
		return "dispatch"
	case registry.IsInsufficientMemory(err):
		return "insufficient_memory"
	case registry.IsModelNotFound(err):
		return "model_not_found"
	default:
		return "other"
	}
}
