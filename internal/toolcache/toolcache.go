// Package toolcache provides an optional LRU+TTL cache for upstream
// tool call results, keyed by (mcp, tool, canonical arguments).
package toolcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"mcpgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// Stats are the counters tracked by the cache.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	Invalidations int64   `json:"invalidations"`
	Size          int     `json:"size"`
	HitRate       float64 `json:"hit_rate"`
}

type entry struct {
	key       string
	mcpName   string
	toolName  string
	result    *mcp.CallToolResult
	cachedAt  time.Time
	expiresAt time.Time
}

// Cache is an LRU ordered map capped at maxSize with per-entry TTL.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recently used
	entries map[string]*list.Element

	hits          int64
	misses        int64
	evictions     int64
	invalidations int64

	now func() time.Time
}

// New creates a cache holding at most maxSize entries that each live
// for ttl.
func New(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Key builds the stable cache key for a tool invocation. Arguments are
// canonicalized by sorting keys before hashing so that semantically
// equal argument maps share one entry.
func Key(mcpName, toolName string, args map[string]interface{}) string {
	canonical := canonicalJSON(args)
	sum := sha256.Sum256([]byte(mcpName + "\x00" + toolName + "\x00" + canonical))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		kj, _ := json.Marshal(k)
		vj, err := json.Marshal(args[k])
		if err != nil {
			vj = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", args[k])))
		}
		out += string(kj) + ":" + string(vj)
	}
	return out + "}"
}

// Get returns the cached result for the key, promoting the entry to
// most recently used. Expired entries are removed and reported as a
// miss.
func (c *Cache) Get(key string) (*mcp.CallToolResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := elem.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.result, true
}

// Set stores a result under the key, evicting the least recently used
// entry when the cache is full.
func (c *Cache) Set(key, mcpName, toolName string, result *mcp.CallToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.result = result
		e.cachedAt = now
		e.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}

	e := &entry{
		key:       key,
		mcpName:   mcpName,
		toolName:  toolName,
		result:    result,
		cachedAt:  now,
		expiresAt: now.Add(c.ttl),
	}
	c.entries[key] = c.order.PushFront(e)
}

// InvalidateMCP removes every entry cached for the named upstream.
func (c *Cache) InvalidateMCP(mcpName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*entry).mcpName == mcpName {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	c.invalidations += int64(removed)
	return removed
}

// InvalidateTool removes every entry cached for one tool of one upstream.
func (c *Cache) InvalidateTool(mcpName, toolName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry)
		if e.mcpName == mcpName && e.toolName == toolName {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	c.invalidations += int64(removed)
	return removed
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if now.After(elem.Value.(*entry).expiresAt) {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// StartSweeper runs Sweep every interval until the context is
// cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				logging.Debug("ToolCache", "Sweeper removed %d expired entries", removed)
			}
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
		Size:          len(c.entries),
		HitRate:       rate,
	}
}

// removeLocked unlinks an element. Caller must hold c.mu.
func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(c.entries, e.key)
	c.order.Remove(elem)
}

// SetNow overrides the clock. Intended for tests only.
func (c *Cache) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
