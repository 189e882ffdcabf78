// Package registry tracks registered model configurations and loaded
// backend instances, evicting least-recently-used backends under memory
// pressure.
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/capacity"
	"inferd/internal/metrics"
	"inferd/pkg/types"
)

// Backend lifecycle states.
type State string

const (
	StateRegistered State = "registered"
	StateLoading    State = "loading"
	StateLoaded     State = "loaded"
	StateUnloaded   State = "unloaded"
	StateEvicted    State = "evicted"
)

// DefaultOverhead is the artifact-size multiplier used to estimate a
// backend's resident footprint. A heuristic, not measured allocation;
// tunable, not a correctness requirement.
const DefaultOverhead = 1.2

// Loaded is a live backend instance. Owned exclusively by the Registry;
// created on load, destroyed on eviction or shutdown.
type Loaded struct {
	Model    types.Model
	Handle   backend.Handle
	EstBytes uint64

	mu       sync.Mutex
	loadedAt time.Time
	lastUsed time.Time
	useCount uint64
	// refs counts dispatchers holding this backend between Get and
	// Release. The evictor never removes a referenced backend.
	refs int

	// gate enforces one in-flight invocation per loaded backend.
	gate chan struct{}
}

// Acquire reserves the backend's single in-flight slot. The returned
// release func must be deferred.
func (l *Loaded) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.gate <- struct{}{}:
		return func() { <-l.gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release drops the hold taken by Registry.Get, making the backend
// evictable again. Must be called exactly once per successful Get, after
// the last use of the handle.
func (l *Loaded) Release() {
	l.mu.Lock()
	if l.refs > 0 {
		l.refs--
	}
	l.mu.Unlock()
}

func (l *Loaded) pin() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
}

func (l *Loaded) pinned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs > 0
}

func (l *Loaded) touch() {
	l.mu.Lock()
	l.lastUsed = time.Now()
	l.useCount++
	l.mu.Unlock()
}

// Config carries Registry construction parameters.
type Config struct {
	Backend     backend.Backend
	Capacity    *capacity.Manager
	MaxLoaded   int
	MarginBytes uint64
	// Overhead multiplies the artifact size when estimating footprint.
	// Zero applies DefaultOverhead.
	Overhead float64
	Logger   zerolog.Logger
}

// Registry guards all lifecycle mutations under one exclusive critical
// section. Reads of "is X loaded" may be stale by design; the scheduler
// re-checks before dispatch. No lock is held across a backend invocation.
type Registry struct {
	mu       sync.Mutex
	backend  backend.Backend
	capacity *capacity.Manager
	models   map[string]types.Model
	states   map[string]State
	loaded   map[string]*Loaded
	// loading holds one channel per in-flight load, closed when that
	// load settles. Concurrent loaders for the same id join it instead
	// of invoking the backend a second time.
	loading map[string]chan struct{}

	maxLoaded   int
	marginBytes uint64
	overhead    float64
	log         zerolog.Logger
}

func New(cfg Config) *Registry {
	if cfg.MaxLoaded <= 0 {
		cfg.MaxLoaded = 2
	}
	if cfg.Overhead <= 0 {
		cfg.Overhead = DefaultOverhead
	}
	capMgr := cfg.Capacity
	if capMgr == nil {
		capMgr = capacity.NewManager(nil)
	}
	return &Registry{
		backend:     cfg.Backend,
		capacity:    capMgr,
		models:      make(map[string]types.Model),
		states:      make(map[string]State),
		loaded:      make(map[string]*Loaded),
		loading:     make(map[string]chan struct{}),
		maxLoaded:   cfg.MaxLoaded,
		marginBytes: cfg.MarginBytes,
		overhead:    cfg.Overhead,
		log:         cfg.Logger,
	}
}

// invalidConfigError rejects registration of an unreachable artifact.
type invalidConfigError struct{ msg string }

func (e invalidConfigError) Error() string { return "invalid model config: " + e.msg }

// IsInvalidConfig reports whether err indicates a rejected registration.
func IsInvalidConfig(err error) bool {
	_, ok := err.(invalidConfigError)
	return ok
}

// modelNotFoundError indicates a model id absent from the registry.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether err indicates a missing model id.
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}

// insufficientMemoryError indicates a load that failed even after one
// eviction attempt. Fatal for the request, not for the engine.
type insufficientMemoryError struct {
	id       string
	estBytes uint64
}

func (e insufficientMemoryError) Error() string {
	return fmt.Sprintf("insufficient memory to load %s (est %d bytes)", e.id, e.estBytes)
}

// IsInsufficientMemory reports whether err indicates a failed load under
// memory pressure.
func IsInsufficientMemory(err error) bool {
	_, ok := err.(insufficientMemoryError)
	return ok
}

// Register records a model configuration. No memory is committed until
// Load. Fails when the referenced artifact is unreachable.
func (r *Registry) Register(m types.Model) error {
	if strings.TrimSpace(m.ID) == "" {
		return invalidConfigError{msg: "empty model id"}
	}
	fi, err := os.Stat(m.Path)
	if err != nil {
		return invalidConfigError{msg: fmt.Sprintf("artifact unreachable: %v", err)}
	}
	if fi.IsDir() {
		return invalidConfigError{msg: "artifact path is a directory"}
	}
	r.mu.Lock()
	r.models[m.ID] = m
	if _, loaded := r.loaded[m.ID]; !loaded {
		r.states[m.ID] = StateRegistered
	}
	r.mu.Unlock()
	return nil
}

// Models returns a copy of the registered configurations, sorted by id.
func (r *Registry) Models() []types.Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StateOf reports the lifecycle state for a model id.
func (r *Registry) StateOf(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	return s, ok
}

// estimateBytes derives the load footprint from the artifact size and the
// overhead multiplier. Unknown sizes fall back to a conservative 1 MiB so
// budget checks are never bypassed.
func (r *Registry) estimateBytes(m types.Model) uint64 {
	fi, err := os.Stat(m.Path)
	if err != nil || fi.Size() <= 0 {
		return 1 << 20
	}
	return uint64(float64(fi.Size()) * r.overhead)
}

// Load brings a backend up for the model id. Already-loaded backends are a
// no-op success that touches recency. Under pressure it evicts the single
// least-recently-used other backend and retries once before failing.
func (r *Registry) Load(ctx context.Context, id string) error {
	r.mu.Lock()
	for {
		if l, ok := r.loaded[id]; ok {
			r.mu.Unlock()
			l.touch()
			return nil
		}
		ch, inflight := r.loading[id]
		if !inflight {
			break
		}
		// Another caller is bringing this backend up. Join its
		// outcome instead of invoking backend.Load a second time.
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
	}
	m, ok := r.models[id]
	if !ok {
		r.mu.Unlock()
		return modelNotFoundError{id: id}
	}
	est := r.estimateBytes(m)

	if !r.fitsLocked(est) {
		if r.evictLRULocked(id) {
			r.capacity.Reclaim()
		}
		if !r.fitsLocked(est) {
			r.mu.Unlock()
			return insufficientMemoryError{id: id, estBytes: est}
		}
	}
	loadCh := make(chan struct{})
	r.loading[id] = loadCh
	r.states[id] = StateLoading
	r.mu.Unlock()

	start := time.Now()
	h, err := r.backend.Load(ctx, m)
	if err != nil {
		r.mu.Lock()
		r.states[id] = StateRegistered
		delete(r.loading, id)
		r.mu.Unlock()
		close(loadCh)
		return fmt.Errorf("load %s: %w", id, err)
	}

	now := time.Now()
	l := &Loaded{
		Model:    m,
		Handle:   h,
		EstBytes: est,
		loadedAt: now,
		lastUsed: now,
		gate:     make(chan struct{}, 1),
	}
	r.mu.Lock()
	r.loaded[id] = l
	r.states[id] = StateLoaded
	delete(r.loading, id)
	r.mu.Unlock()
	close(loadCh)
	r.capacity.Reserve(est)
	metrics.IncModelLoad()
	r.log.Info().Str("model", id).Uint64("est_bytes", est).
		Dur("load_dur", time.Since(start)).Msg("backend loaded")
	return nil
}

// fitsLocked checks both the concurrent-model cap and the memory budget.
func (r *Registry) fitsLocked(est uint64) bool {
	if len(r.loaded) >= r.maxLoaded {
		return false
	}
	return r.capacity.CanLoad(est, r.marginBytes)
}

// evictLRULocked removes the loaded backend (other than excluding) with the
// oldest last-used timestamp. Reports whether anything was evicted.
func (r *Registry) evictLRULocked(excluding string) bool {
	var victim *Loaded
	var victimID string
	for id, l := range r.loaded {
		if id == excluding {
			continue
		}
		if l.pinned() {
			// a dispatcher holds this backend; never pull it out
			// from under a running or imminent invocation
			continue
		}
		l.mu.Lock()
		lu := l.lastUsed
		l.mu.Unlock()
		if victim == nil || lu.Before(victimLastUsed(victim)) {
			victim = l
			victimID = id
		}
	}
	if victim == nil {
		return false
	}
	delete(r.loaded, victimID)
	r.states[victimID] = StateEvicted
	_ = r.backend.Unload(victim.Handle)
	r.capacity.Release(victim.EstBytes)
	metrics.IncModelEviction()
	r.log.Info().Str("model", victimID).Uint64("est_bytes", victim.EstBytes).Msg("backend evicted")
	return true
}

func victimLastUsed(l *Loaded) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUsed
}

// Get returns the loaded backend for id, touching recency and usage and
// holding a reference the caller must drop with Release. The second return
// is false when the model is not loaded.
func (r *Registry) Get(id string) (*Loaded, bool) {
	r.mu.Lock()
	l, ok := r.loaded[id]
	if ok {
		// Pin while r.mu is held so the evictor cannot remove the
		// backend between the lookup and the caller's dispatch.
		l.pin()
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	l.touch()
	return l, true
}

// UnloadLRU evicts the least-recently-used backend other than the active
// model id. Reports whether anything was unloaded.
func (r *Registry) UnloadLRU(excluding string) bool {
	r.mu.Lock()
	evicted := r.evictLRULocked(excluding)
	r.mu.Unlock()
	if evicted {
		r.capacity.Reclaim()
	}
	return evicted
}

// UnloadAll releases every loaded backend. Called on engine shutdown.
func (r *Registry) UnloadAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, l := range r.loaded {
		_ = r.backend.Unload(l.Handle)
		r.capacity.Release(l.EstBytes)
		r.states[id] = StateUnloaded
		delete(r.loaded, id)
		r.log.Info().Str("model", id).Msg("backend unloaded")
	}
}

// Status summarizes loaded backends for reporting, sorted by model id.
func (r *Registry) Status() []types.LoadedModelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.LoadedModelStatus, 0, len(r.loaded))
	for id, l := range r.loaded {
		l.mu.Lock()
		out = append(out, types.LoadedModelStatus{
			ModelID:      id,
			State:        string(r.states[id]),
			EstBytes:     l.EstBytes,
			LoadedAtUnix: l.loadedAt.Unix(),
			LastUsedUnix: l.lastUsed.Unix(),
			UseCount:     l.useCount,
		})
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
