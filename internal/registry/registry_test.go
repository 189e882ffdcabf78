package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/capacity"
	"inferd/pkg/types"
)

// fakeBackend counts lifecycle calls and serves canned results.
type fakeBackend struct {
	mu        sync.Mutex
	loads     int
	unloads   int
	loadErr   error
	loadDelay time.Duration
}

type fakeHandle struct{ id string }

func (f *fakeBackend) Load(ctx context.Context, m types.Model) (backend.Handle, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	f.mu.Lock()
	f.loads++
	f.mu.Unlock()
	return &fakeHandle{id: m.ID}, nil
}

func (f *fakeBackend) Unload(h backend.Handle) error {
	f.mu.Lock()
	f.unloads++
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func (f *fakeBackend) Infer(ctx context.Context, h backend.Handle, req types.Request) (backend.Result, error) {
	return backend.Result{Text: "ok", Tokens: 1, FinishReason: types.FinishStop}, nil
}

func (f *fakeBackend) InferStreaming(ctx context.Context, h backend.Handle, req types.Request, onToken func(string) error) (backend.Result, error) {
	return f.Infer(ctx, h, req)
}

// createModelFile writes approximately sizeMB megabytes to dir/name.
func createModelFile(t *testing.T, dir, name string, sizeMB int) string {
	t.Helper()
	if sizeMB <= 0 {
		sizeMB = 1
	}
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer f.Close()
	block := make([]byte, 1024*1024)
	for i := 0; i < sizeMB; i++ {
		if _, err := f.Write(block); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return p
}

func newTestRegistry(t *testing.T, fb *fakeBackend, totalMB int, maxLoaded int) *Registry {
	t.Helper()
	var prober capacity.Prober = capacity.HostProber{}
	if totalMB > 0 {
		prober = capacity.StaticProber{Name: "test", Total: uint64(totalMB) << 20}
	}
	return New(Config{
		Backend:   fb,
		Capacity:  capacity.NewManager(prober),
		MaxLoaded: maxLoaded,
		Overhead:  1.0,
		Logger:    zerolog.Nop(),
	})
}

func TestRegisterValidatesArtifact(t *testing.T) {
	r := newTestRegistry(t, &fakeBackend{}, 0, 2)

	err := r.Register(types.Model{ID: "ghost", Path: "/nonexistent/model.gguf"})
	if err == nil || !IsInvalidConfig(err) {
		t.Fatalf("expected invalid-config error, got %v", err)
	}

	dir := t.TempDir()
	p := createModelFile(t, dir, "m.gguf", 1)
	if err := r.Register(types.Model{ID: "m", Path: p}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if s, _ := r.StateOf("m"); s != StateRegistered {
		t.Fatalf("expected registered state, got %s", s)
	}
	if err := r.Register(types.Model{Path: p}); err == nil {
		t.Fatalf("expected rejection of empty id")
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(t, fb, 0, 2)
	dir := t.TempDir()
	p := createModelFile(t, dir, "m.gguf", 1)
	if err := r.Register(types.Model{ID: "m", Path: p}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.Load(context.Background(), "m"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.Load(context.Background(), "m"); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if fb.loads != 1 {
		t.Fatalf("expected a single backend load, got %d", fb.loads)
	}
	if s, _ := r.StateOf("m"); s != StateLoaded {
		t.Fatalf("expected loaded state, got %s", s)
	}
}

func TestLoadUnknownModel(t *testing.T) {
	r := newTestRegistry(t, &fakeBackend{}, 0, 2)
	err := r.Load(context.Background(), "missing")
	if err == nil || !IsModelNotFound(err) {
		t.Fatalf("expected model-not-found, got %v", err)
	}
}

func TestLRUEvictionWithSingleSlot(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(t, fb, 0, 1)
	dir := t.TempDir()
	pa := createModelFile(t, dir, "a.gguf", 1)
	pb := createModelFile(t, dir, "b.gguf", 1)
	if err := r.Register(types.Model{ID: "a", Path: pa}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := r.Register(types.Model{ID: "b", Path: pb}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	if err := r.Load(context.Background(), "a"); err != nil {
		t.Fatalf("load a: %v", err)
	}
	if err := r.Load(context.Background(), "b"); err != nil {
		t.Fatalf("load b should evict a: %v", err)
	}

	if s, _ := r.StateOf("a"); s != StateEvicted {
		t.Fatalf("expected a evicted, got %s", s)
	}
	if s, _ := r.StateOf("b"); s != StateLoaded {
		t.Fatalf("expected b loaded, got %s", s)
	}
	if fb.unloads != 1 {
		t.Fatalf("expected one backend unload, got %d", fb.unloads)
	}
}

func TestEvictionPicksOldestLastUsed(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(t, fb, 0, 2)
	dir := t.TempDir()
	for _, id := range []string{"a", "b", "c"} {
		p := createModelFile(t, dir, id+".gguf", 1)
		if err := r.Register(types.Model{ID: id, Path: p}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	if err := r.Load(context.Background(), "a"); err != nil {
		t.Fatalf("load a: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := r.Load(context.Background(), "b"); err != nil {
		t.Fatalf("load b: %v", err)
	}
	// Touch a so b is now least recently used.
	time.Sleep(5 * time.Millisecond)
	la, ok := r.Get("a")
	if !ok {
		t.Fatalf("expected a loaded")
	}
	la.Release()

	if err := r.Load(context.Background(), "c"); err != nil {
		t.Fatalf("load c: %v", err)
	}
	if s, _ := r.StateOf("b"); s != StateEvicted {
		t.Fatalf("expected b evicted, got %s", s)
	}
	if s, _ := r.StateOf("a"); s != StateLoaded {
		t.Fatalf("expected a retained, got %s", s)
	}
}

func TestInsufficientMemoryAfterOneEviction(t *testing.T) {
	fb := &fakeBackend{}
	// 5 MB budget cannot hold a 10 MB artifact regardless of eviction.
	r := newTestRegistry(t, fb, 5, 4)
	dir := t.TempDir()
	big := createModelFile(t, dir, "big.gguf", 10)
	if err := r.Register(types.Model{ID: "big", Path: big}); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := r.Load(context.Background(), "big")
	if err == nil || !IsInsufficientMemory(err) {
		t.Fatalf("expected insufficient-memory, got %v", err)
	}
	if fb.loads != 0 {
		t.Fatalf("backend must not be invoked when budget fails")
	}
}

func TestMemoryPressureEvictsThenLoads(t *testing.T) {
	fb := &fakeBackend{}
	// 12 MB budget fits one 8 MB model at a time.
	r := newTestRegistry(t, fb, 12, 4)
	dir := t.TempDir()
	pa := createModelFile(t, dir, "a.gguf", 8)
	pb := createModelFile(t, dir, "b.gguf", 8)
	if err := r.Register(types.Model{ID: "a", Path: pa}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := r.Register(types.Model{ID: "b", Path: pb}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	if err := r.Load(context.Background(), "a"); err != nil {
		t.Fatalf("load a: %v", err)
	}
	if err := r.Load(context.Background(), "b"); err != nil {
		t.Fatalf("load b after eviction: %v", err)
	}
	if s, _ := r.StateOf("a"); s != StateEvicted {
		t.Fatalf("expected a evicted under memory pressure, got %s", s)
	}
}

func TestLoadFailureRestoresState(t *testing.T) {
	fb := &fakeBackend{loadErr: context.DeadlineExceeded}
	r := newTestRegistry(t, fb, 0, 2)
	dir := t.TempDir()
	p := createModelFile(t, dir, "m.gguf", 1)
	if err := r.Register(types.Model{ID: "m", Path: p}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Load(context.Background(), "m"); err == nil {
		t.Fatalf("expected load failure")
	}
	if s, _ := r.StateOf("m"); s != StateRegistered {
		t.Fatalf("expected state restored to registered, got %s", s)
	}
}

func TestGetTouchesUsage(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(t, fb, 0, 2)
	dir := t.TempDir()
	p := createModelFile(t, dir, "m.gguf", 1)
	if err := r.Register(types.Model{ID: "m", Path: p}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Load(context.Background(), "m"); err != nil {
		t.Fatalf("load: %v", err)
	}

	for i := 0; i < 2; i++ {
		l, ok := r.Get("m")
		if !ok {
			t.Fatalf("expected loaded backend")
		}
		l.Release()
	}
	st := r.Status()
	if len(st) != 1 || st[0].UseCount != 2 {
		t.Fatalf("expected use count 2, got %+v", st)
	}

	if _, ok := r.Get("other"); ok {
		t.Fatalf("expected miss for unloaded model")
	}
}

func TestUnloadAllReleasesEverything(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(t, fb, 100, 4)
	dir := t.TempDir()
	for _, id := range []string{"a", "b"} {
		p := createModelFile(t, dir, id+".gguf", 1)
		if err := r.Register(types.Model{ID: id, Path: p}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		if err := r.Load(context.Background(), id); err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
	}

	r.UnloadAll()
	if fb.unloads != 2 {
		t.Fatalf("expected 2 unloads, got %d", fb.unloads)
	}
	if len(r.Status()) != 0 {
		t.Fatalf("expected no loaded backends")
	}
	for _, id := range []string{"a", "b"} {
		if s, _ := r.StateOf(id); s != StateUnloaded {
			t.Fatalf("expected %s unloaded, got %s", id, s)
		}
	}
}

func TestAcquireSerializesInvocations(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(t, fb, 0, 2)
	dir := t.TempDir()
	p := createModelFile(t, dir, "m.gguf", 1)
	if err := r.Register(types.Model{ID: "m", Path: p}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Load(context.Background(), "m"); err != nil {
		t.Fatalf("load: %v", err)
	}
	l, _ := r.Get("m")

	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); err == nil {
		t.Fatalf("second acquire should block until release")
	}
	release()
	release2, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
	l.Release()
}

func TestConcurrentLoadSharesOneBackend(t *testing.T) {
	fb := &fakeBackend{loadDelay: 50 * time.Millisecond}
	capMgr := capacity.NewManager(capacity.StaticProber{Name: "test", Total: 100 << 20})
	r := New(Config{
		Backend:   fb,
		Capacity:  capMgr,
		MaxLoaded: 2,
		Overhead:  1.0,
		Logger:    zerolog.Nop(),
	})
	dir := t.TempDir()
	p := createModelFile(t, dir, "m.gguf", 1)
	if err := r.Register(types.Model{ID: "m", Path: p}); err != nil {
		t.Fatalf("register: %v", err)
	}

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Load(context.Background(), "m")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("loader %d: %v", i, err)
		}
	}
	if n := fb.loadCount(); n != 1 {
		t.Fatalf("backend loaded %d times for one model, want 1", n)
	}
	if fb.unloads != 0 {
		t.Fatalf("no handle should be discarded, got %d unloads", fb.unloads)
	}
	// Exactly one footprint reserved, not one per caller.
	if st := capMgr.Stats(); st.AllocatedBytes != 1<<20 {
		t.Fatalf("capacity reserved %d bytes, want %d", st.AllocatedBytes, 1<<20)
	}
}

func TestEvictionSkipsHeldBackend(t *testing.T) {
	fb := &fakeBackend{}
	r := newTestRegistry(t, fb, 0, 2)
	dir := t.TempDir()
	p := createModelFile(t, dir, "m.gguf", 1)
	if err := r.Register(types.Model{ID: "m", Path: p}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Load(context.Background(), "m"); err != nil {
		t.Fatalf("load: %v", err)
	}

	l, ok := r.Get("m")
	if !ok {
		t.Fatalf("expected loaded backend")
	}
	if r.UnloadLRU("") {
		t.Fatalf("held backend must not be evicted")
	}
	if fb.unloads != 0 {
		t.Fatalf("backend unloaded while a dispatcher held it")
	}
	// The held handle stays invocable across the eviction attempt.
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	l.Release()

	if !r.UnloadLRU("") {
		t.Fatalf("expected eviction once released")
	}
	if fb.unloads != 1 {
		t.Fatalf("expected one unload, got %d", fb.unloads)
	}
}
