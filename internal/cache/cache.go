// Package cache avoids recomputation for identical non-streaming requests.
// Entries are cheap to regenerate, so eviction is plain LRU: O(1) and good
// enough here.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"inferd/pkg/types"
)

const DefaultCapacity = 1000

// Signature computes a stable hash over the semantically relevant request
// fields. Requests that differ only in id, priority, or timestamps share a
// signature.
func Signature(req types.Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%g\x00%g\x00%d\x00", req.Model, req.Prompt, req.MaxTokens, req.Temperature, req.TopP, req.TopK)
	h.Write([]byte(strings.Join(req.Stop, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	sig      string
	resp     types.Response
	storedAt time.Time
}

// Cache is a bounded LRU keyed by request signature.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = most recently accessed
	items    map[string]*list.Element // signature -> *entry element
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Get returns a copy of the cached response with a fresh id, near-zero
// processing duration, and the cache-hit flag set. Recency is updated under
// the same critical section as the read.
func (c *Cache) Get(sig string) (types.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[sig]
	if !ok {
		return types.Response{}, false
	}
	c.order.MoveToFront(el)
	resp := el.Value.(*entry).resp
	resp.ID = uuid.New().String()
	resp.ProcessedIn = 0
	resp.QueueWait = 0
	resp.CacheHit = true
	return resp, true
}

// Put inserts a response, evicting the least-recently-accessed entry first
// when at capacity. Existing entries are refreshed in place.
func (c *Cache) Put(sig string, resp types.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[sig]; ok {
		el.Value.(*entry).resp = resp
		el.Value.(*entry).storedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).sig)
		}
	}
	c.items[sig] = c.order.PushFront(&entry{sig: sig, resp: resp, storedAt: time.Now()})
}

// Stats reports current occupancy.
func (c *Cache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.CacheStats{Size: c.order.Len(), Capacity: c.capacity, Enabled: true}
}
