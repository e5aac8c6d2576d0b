// ABOUTME: Thread-safe TTL cache that recognizes repeated keys
// ABOUTME: Used by the gateway to acknowledge retried heartbeats without writing them twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable] struct {
	key  K
	seen time.Time
}

// Cache remembers keys for ttl, holding at most maxSize of them. When full,
// the least recently marked key is forgotten first.
type Cache[K comparable] struct {
	mu      sync.Mutex
	index   map[K]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now   func() time.Time
	sweep time.Duration
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSweepInterval sets how often expired keys are purged in the
// background. Zero disables the sweeper; expired keys are then only dropped
// by eviction or lookup.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweep = d }
}

// New creates a cache. Call Close to stop its sweeper.
func New[K comparable](ttl time.Duration, maxSize int, opts ...Option) *Cache[K] {
	o := options{now: time.Now, sweep: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	if maxSize < 1 {
		maxSize = 1
	}

	c := &Cache[K]{
		index:   make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     o.now,
		done:    make(chan struct{}),
	}
	if o.sweep > 0 {
		go c.sweepLoop(o.sweep)
	}
	return c
}

// Seen reports whether key was marked within the last ttl. It does not mark.
func (c *Cache[K]) Seen(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key, c.now())
}

// CheckAndMark marks key and reports whether it was already live. Retries
// racing each other see exactly one false.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.liveLocked(key, now) {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Mark records key as seen now, refreshing it if present.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, c.now())
}

// Forget drops key so the next CheckAndMark for it reports false.
func (c *Cache[K]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache[K]) liveLocked(key K, now time.Time) bool {
	el, ok := c.index[key]
	if !ok {
		return false
	}
	if now.Sub(el.Value.(*entry[K]).seen) >= c.ttl {
		c.removeLocked(el)
		return false
	}
	return true
}

func (c *Cache[K]) markLocked(key K, now time.Time) {
	if el, ok := c.index[key]; ok {
		el.Value.(*entry[K]).seen = now
		c.order.MoveToBack(el)
		return
	}
	for len(c.index) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry[K]{key: key, seen: now})
}

func (c *Cache[K]) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry[K]).key)
}

// Sweep drops every expired key and returns how many were dropped.
func (c *Cache[K]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	// Marks move keys to the back, so expired keys sit at the front.
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry[K]).seen) < c.ttl {
			break
		}
		c.removeLocked(el)
		dropped++
	}
	return dropped
}

func (c *Cache[K]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache[K]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
