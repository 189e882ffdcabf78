// Package engine ties queueing, caching, capacity tracking, and the model
// registry into a running inference service. One background scheduler
// goroutine competes with caller goroutines that only enqueue and wait on
// completion handles.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/cache"
	"inferd/internal/capacity"
	"inferd/internal/metrics"
	"inferd/internal/queue"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultMaxConcurrentModels = 2
	DefaultMaxBatchSize        = 8
	DefaultMaxQueueSize        = 1000
	DefaultCacheCapacity       = 1000
	DefaultSafetyMarginBytes   = 500 << 20
	DefaultWorkers             = 4
	DefaultIdleSleep           = 10 * time.Millisecond
	DefaultMetricsWindow       = 5 * time.Minute
)

// Config enumerates every recognized engine option.
type Config struct {
	Backend      backend.Backend
	Prober       capacity.Prober
	DefaultModel string

	MaxConcurrentModels int
	MaxBatchSize        int
	MaxQueueSize        int
	CacheEnabled        bool
	CacheCapacity       int
	SafetyMarginBytes   uint64
	// Workers bounds the dispatch fan-out within one batch.
	Workers int
	// IdleSleep bounds the scheduler's busy-wait when the queue is empty.
	IdleSleep time.Duration
	// FootprintOverhead multiplies artifact size when estimating backend
	// memory (0 = registry default).
	FootprintOverhead float64

	Logger zerolog.Logger
}

func (c *Config) normalize() {
	if c.MaxConcurrentModels <= 0 {
		c.MaxConcurrentModels = DefaultMaxConcurrentModels
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = DefaultIdleSleep
	}
}

// Lifecycle states.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateError        State = "error"
	StateShutdown     State = "shutdown"
)

// Engine is the orchestrator. Construct with New, start with Initialize,
// stop with Shutdown. All collaborators are injected; there is no process
// singleton.
type Engine struct {
	cfg      Config
	backend  backend.Backend
	capacity *capacity.Manager
	queue    *queue.Queue
	cache    *cache.Cache
	recorder *metrics.Recorder
	registry *registry.Registry
	log      zerolog.Logger

	mu      sync.Mutex
	state   State
	started bool

	stop       chan struct{}
	done       chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelFunc

	startTime time.Time
}

// New constructs an engine from Config. The engine is not running until
// Initialize is called.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	cfg.normalize()

	capMgr := capacity.NewManager(cfg.Prober)
	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		backend:    cfg.Backend,
		capacity:   capMgr,
		queue:      queue.New(cfg.MaxQueueSize),
		recorder:   metrics.NewRecorder(metrics.DefaultWindowSize),
		log:        cfg.Logger,
		state:      StateInitializing,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		startTime:  time.Now(),
	}
	if cfg.CacheEnabled {
		e.cache = cache.New(cfg.CacheCapacity)
	}
	e.registry = registry.New(registry.Config{
		Backend:     cfg.Backend,
		Capacity:    capMgr,
		MaxLoaded:   cfg.MaxConcurrentModels,
		MarginBytes: cfg.SafetyMarginBytes,
		Overhead:    cfg.FootprintOverhead,
		Logger:      cfg.Logger,
	})
	return e, nil
}

// Initialize starts exactly one background scheduling loop and transitions
// to Ready. Idempotent: calling it again after the first success is a
// no-op.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateReady:
		return nil
	case StateShutdown:
		return ErrEngineShutdown
	case StateError:
		return errors.New("engine: previous initialization failed")
	}
	if e.cfg.DefaultModel != "" {
		if _, ok := e.registry.StateOf(e.cfg.DefaultModel); !ok {
			e.state = StateError
			return errors.New("engine: default model is not registered")
		}
	}
	e.started = true
	e.state = StateReady
	go e.run()
	e.log.Info().Str("state", string(StateReady)).Msg("engine initialized")
	return nil
}

// RegisterModel records a model configuration with the registry.
func (e *Engine) RegisterModel(m types.Model) error {
	return e.registry.Register(m)
}

// Models lists registered model configurations.
func (e *Engine) Models() []types.Model {
	return e.registry.Models()
}

// ModelState reports the registry lifecycle state for a model id.
func (e *Engine) ModelState(id string) (registry.State, bool) {
	return e.registry.StateOf(id)
}

// Submit admits a non-streaming request and returns its completion handle.
// Cache hits resolve immediately without touching the queue.
func (e *Engine) Submit(req types.Request) (*Pending, error) {
	if e.currentState() == StateShutdown {
		return nil, ErrEngineShutdown
	}
	e.prepare(&req)
	req.Stream = false

	if e.cache != nil {
		sig := cache.Signature(req)
		if resp, ok := e.cache.Get(sig); ok {
			metrics.IncCacheHit()
			metrics.ObserveRequest("cache_hit", req.Priority)
			e.recorder.Record(resp)
			p := newPending()
			p.resolve(resp, nil)
			return p, nil
		}
		metrics.IncCacheMiss()
	}

	p := newPending()
	req.Completion = p
	if err := e.queue.Enqueue(req); err != nil {
		e.recorder.RecordError("queue_full")
		metrics.ObserveRequest("queue_full", req.Priority)
		return nil, err
	}
	// Shutdown may have drained the queue between the state check and
	// the enqueue; re-check so no caller is left holding a handle that
	// nothing will ever resolve.
	if e.currentState() == StateShutdown {
		return nil, ErrEngineShutdown
	}
	metrics.SetQueueDepth(e.queue.Stats())
	return p, nil
}

// SubmitStreaming admits a streaming request and returns its token stream.
// Streaming results are never cached.
func (e *Engine) SubmitStreaming(req types.Request) (*TokenStream, error) {
	if e.currentState() == StateShutdown {
		return nil, ErrEngineShutdown
	}
	e.prepare(&req)
	req.Stream = true

	s := newTokenStream(req.MaxTokens)
	req.Completion = s
	if err := e.queue.Enqueue(req); err != nil {
		e.recorder.RecordError("queue_full")
		metrics.ObserveRequest("queue_full", req.Priority)
		return nil, err
	}
	if e.currentState() == StateShutdown {
		return nil, ErrEngineShutdown
	}
	metrics.SetQueueDepth(e.queue.Stats())
	return s, nil
}

// prepare fills the caller-optional request fields.
func (e *Engine) prepare(req *types.Request) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if req.Model == "" {
		req.Model = e.cfg.DefaultModel
	}
}

// Shutdown stops the scheduling loop (the in-flight batch finishes), fails
// every still-queued request, and releases all loaded backends. Subsequent
// submits are rejected immediately.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.state == StateShutdown {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = StateShutdown
	started := e.started
	e.mu.Unlock()

	if started && prev == StateReady {
		close(e.stop)
		<-e.done
	}
	e.baseCancel()

	// Drain what never reached a scheduling pass.
	for {
		b, ok := e.queue.DequeueBatch(e.cfg.MaxBatchSize)
		if !ok {
			break
		}
		for _, req := range b.Requests {
			e.failRequest(req, ErrEngineShutdown)
		}
	}
	e.registry.UnloadAll()
	e.log.Info().Msg("engine shut down")
}

func (e *Engine) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats assembles the caller-facing view of the whole engine.
func (e *Engine) Stats() types.EngineStats {
	qs := e.queue.Stats()
	metrics.SetQueueDepth(qs)
	st := types.EngineStats{
		State:       string(e.currentState()),
		Queue:       qs,
		Device:      e.capacity.Stats(),
		Models:      e.registry.Status(),
		Performance: e.recorder.Summary(DefaultMetricsWindow),
		Errors:      e.recorder.Errors(),
		UptimeSec:   int64(time.Since(e.startTime).Seconds()),
	}
	if e.cache != nil {
		st.Cache = e.cache.Stats()
	}
	return st
}

// Ready reports whether the engine accepts work.
func (e *Engine) Ready() bool {
	return e.currentState() == StateReady
}
