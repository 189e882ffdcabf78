package cache

import (
	"fmt"
	"testing"

	"inferd/pkg/types"
)

func TestSignatureStability(t *testing.T) {
	a := types.Request{ID: "1", Prompt: "hello", Model: "m", MaxTokens: 64, Temperature: 0.7, TopP: 0.9, TopK: 40, Stop: []string{"END"}}
	b := a
	b.ID = "2"
	b.Priority = types.PriorityCritical
	if Signature(a) != Signature(b) {
		t.Fatalf("id/priority must not affect the signature")
	}

	c := a
	c.Prompt = "hello!"
	if Signature(a) == Signature(c) {
		t.Fatalf("prompt change must change the signature")
	}

	d := a
	d.Temperature = 0.8
	if Signature(a) == Signature(d) {
		t.Fatalf("temperature change must change the signature")
	}

	e := a
	e.Stop = []string{"STOP"}
	if Signature(a) == Signature(e) {
		t.Fatalf("stop sequences must change the signature")
	}
}

func TestGetReturnsFreshHitCopy(t *testing.T) {
	c := New(10)
	sig := "s1"
	c.Put(sig, types.Response{ID: "orig", Text: "out", TokensGenerated: 3, ProcessedIn: 1234, QueueWait: 99})

	got, ok := c.Get(sig)
	if !ok {
		t.Fatalf("expected hit")
	}
	if !got.CacheHit {
		t.Fatalf("expected cache-hit flag")
	}
	if got.ID == "orig" || got.ID == "" {
		t.Fatalf("expected fresh response id, got %q", got.ID)
	}
	if got.ProcessedIn != 0 || got.QueueWait != 0 {
		t.Fatalf("expected near-zero durations, got %v/%v", got.ProcessedIn, got.QueueWait)
	}
	if got.Text != "out" || got.TokensGenerated != 3 {
		t.Fatalf("payload must be preserved: %+v", got)
	}
}

func TestMiss(t *testing.T) {
	c := New(10)
	if _, ok := c.Get("nope"); ok {
		t.Fatalf("expected miss")
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(2)
	c.Put("a", types.Response{Text: "a"})
	c.Put("b", types.Response{Text: "b"})

	// Touch a so b becomes least recently accessed.
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a present")
	}
	c.Put("c", types.Response{Text: "c"})

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a retained")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected c present")
	}
}

func TestCapacityInvariant(t *testing.T) {
	c := New(5)
	for i := 0; i < 50; i++ {
		c.Put(fmt.Sprintf("sig%d", i), types.Response{})
		if s := c.Stats(); s.Size > s.Capacity {
			t.Fatalf("size %d exceeds capacity %d", s.Size, s.Capacity)
		}
	}
	if s := c.Stats(); s.Size != 5 {
		t.Fatalf("expected size 5, got %d", s.Size)
	}
}

func TestPutRefreshesExisting(t *testing.T) {
	c := New(2)
	c.Put("a", types.Response{Text: "v1"})
	c.Put("a", types.Response{Text: "v2"})
	got, _ := c.Get("a")
	if got.Text != "v2" {
		t.Fatalf("expected refreshed value, got %q", got.Text)
	}
	if c.Stats().Size != 1 {
		t.Fatalf("refresh must not grow the cache")
	}
}
