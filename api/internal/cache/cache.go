// Package cache memoizes threat classifications by image fingerprint.
//
// A Cache holds at most MaxSize entries, each visible for TTL after it was
// written. Concurrent misses for the same fingerprint are collapsed into a
// single upstream call; every waiter receives the leader's outcome. Entries
// are evicted oldest-inserted first when the cache is full; reads do not
// reorder entries.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"threat-bot/api/internal/fingerprint"
	"threat-bot/api/internal/logging"
	"threat-bot/api/internal/metrics"
	"threat-bot/api/internal/threat"
)

const (
	DefaultMaxSize = 100
	DefaultTTL     = 10 * time.Minute
)

type Options struct {
	// MaxSize caps live entries. <=0 means DefaultMaxSize.
	MaxSize int
	// TTL is how long a verdict stays visible. <=0 means DefaultTTL.
	TTL time.Duration
	// NegativeTTL is how long a failed classification is replayed to new
	// callers before the upstream is asked again. 0 disables failure caching:
	// the failure still reaches every caller that missed before it settled,
	// and the next fresh request starts a new flight.
	NegativeTTL time.Duration
	// ComputeTimeout bounds a single upstream call. 0 means no extra deadline.
	ComputeTimeout time.Duration
	// CleanupInterval is the janitor period. <=0 means TTL/2.
	CleanupInterval time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// ComputeFunc produces a verdict on a miss. The context it receives is not
// canceled when the caller that triggered it goes away.
type ComputeFunc func(ctx context.Context) (threat.Result, error)

type entry struct {
	sum       fingerprint.Sum
	res       threat.Result
	err       error
	createdAt time.Time
	ttl       time.Duration
}

// tombstone is an uncached failure, kept for settleGrace.
type tombstone struct {
	seq uint64
	res threat.Result
	err error
	at  time.Time
}

const settleGrace = 5 * time.Second

type Cache struct {
	opts Options

	mu    sync.Mutex
	items map[fingerprint.Sum]*list.Element
	order *list.List // front = oldest insert
	tombs map[fingerprint.Sum]tombstone
	seq   uint64

	group singleflight.Group
}

func New(opts Options) *Cache {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.NegativeTTL < 0 {
		opts.NegativeTTL = 0
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = opts.TTL / 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		opts:  opts,
		items: make(map[fingerprint.Sum]*list.Element, opts.MaxSize),
		order: list.New(),
		tombs: make(map[fingerprint.Sum]tombstone),
	}
}

// GetOrCompute returns the live verdict for sum, or runs fn to produce one.
// Only one fn per fingerprint runs at a time; callers that arrive while it
// runs wait for its result. A caller whose ctx ends stops waiting without
// aborting the computation for the others.
func (c *Cache) GetOrCompute(ctx context.Context, sum fingerprint.Sum, fn ComputeFunc) (threat.Result, error) {
	e, seen, ok := c.lookup(sum)
	if ok {
		metrics.CacheHits.Inc()
		return e.res, e.err
	}
	metrics.CacheMisses.Inc()
	return c.join(ctx, sum, seen, fn)
}

// join waits for the flight for sum, starting one if none is running.
// seen is the settle sequence observed at the caller's cache miss.
func (c *Cache) join(ctx context.Context, sum fingerprint.Sum, seen uint64, fn ComputeFunc) (threat.Result, error) {
	ch := c.group.DoChan(sum.String(), func() (any, error) {
		// предыдущий лидер мог записать результат, пока мы входили в группу
		if e, _, ok := c.lookup(sum); ok {
			return e.res, e.err
		}
		// или завершиться ошибкой, которая не кэшируется: её получают все,
		// кто промахнулся до этого момента
		if t, ok := c.settledSince(sum, seen); ok {
			return t.res, t.err
		}
		return c.compute(ctx, sum, fn)
	})

	select {
	case r := <-ch:
		if r.Shared {
			metrics.CacheShared.Inc()
		}
		res, _ := r.Val.(threat.Result)
		return res, r.Err
	case <-ctx.Done():
		return threat.Result{}, ctx.Err()
	}
}

func (c *Cache) compute(parent context.Context, sum fingerprint.Sum, fn ComputeFunc) (threat.Result, error) {
	ctx := context.WithoutCancel(parent)
	if c.opts.ComputeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ComputeTimeout)
		defer cancel()
	}

	res, err := safeCompute(ctx, fn)
	if err != nil {
		res = threat.Result{}
	}
	c.store(sum, res, err)
	return res, err
}

// safeCompute turns a panic in fn into an upstream error. singleflight
// re-panics on a goroutine of its own, where no HTTP recoverer can reach it.
func safeCompute(ctx context.Context, fn ComputeFunc) (res threat.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.Ctx(ctx).Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("classifier panic")
			res, err = threat.Result{}, fmt.Errorf("%w: classifier panic: %v", threat.ErrUpstream, p)
		}
	}()
	return fn(ctx)
}

// lookup returns a live entry, dropping it if it has expired. On a miss it
// also returns the current settle sequence.
func (c *Cache) lookup(sum fingerprint.Sum) (entry, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[sum]
	if !ok {
		return entry{}, c.seq, false
	}
	e := el.Value.(*entry)
	if c.expired(e, c.opts.Now()) {
		c.remove(el)
		metrics.CacheEvictions.WithLabelValues("expired").Inc()
		return entry{}, c.seq, false
	}
	return *e, c.seq, true
}

// settledSince returns the uncached failure for sum recorded after seen.
func (c *Cache) settledSince(sum fingerprint.Sum, seen uint64) (tombstone, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tombs[sum]
	if !ok || t.seq <= seen || !c.opts.Now().Before(t.at.Add(settleGrace)) {
		return tombstone{}, false
	}
	return t, true
}

func (c *Cache) store(sum fingerprint.Sum, res threat.Result, err error) {
	ttl := c.opts.TTL
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if c.opts.NegativeTTL == 0 {
			c.settle(sum, err)
			return
		}
		ttl = c.opts.NegativeTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tombs, sum)
	if el, ok := c.items[sum]; ok {
		c.remove(el)
	}
	c.items[sum] = c.order.PushBack(&entry{
		sum:       sum,
		res:       res,
		err:       err,
		createdAt: c.opts.Now(),
		ttl:       ttl,
	})
	for c.order.Len() > c.opts.MaxSize {
		oldest := c.order.Front()
		logging.Debug().Str("sum", oldest.Value.(*entry).sum.Short()).Msg("cache full, evicting oldest")
		c.remove(oldest)
		metrics.CacheEvictions.WithLabelValues("capacity").Inc()
	}
	metrics.CacheEntries.Set(float64(len(c.items)))
}

// settle records a failure that is not cached, so callers that missed
// while it was computed still get it instead of starting a new flight.
func (c *Cache) settle(sum fingerprint.Sum, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.tombs[sum] = tombstone{seq: c.seq, err: err, at: c.opts.Now()}
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return !now.Before(e.createdAt.Add(e.ttl))
}

// remove must be called with mu held.
func (c *Cache) remove(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.items, e.sum)
	metrics.CacheEntries.Set(float64(len(c.items)))
}

// Len reports stored entries, including expired ones not yet purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if c.expired(el.Value.(*entry), now) {
			c.remove(el)
			n++
		}
		el = next
	}
	if n > 0 {
		metrics.CacheEvictions.WithLabelValues("expired").Add(float64(n))
	}
	for sum, t := range c.tombs {
		if !now.Before(t.at.Add(settleGrace)) {
			delete(c.tombs, sum)
		}
	}
	return n
}

// Close drops every entry. In-flight computations still finish and
// deliver to their waiters.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[fingerprint.Sum]*list.Element, c.opts.MaxSize)
	c.order.Init()
	c.tombs = make(map[fingerprint.Sum]tombstone)
	metrics.CacheEntries.Set(0)
}
