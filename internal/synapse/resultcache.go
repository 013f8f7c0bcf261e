package synapse

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTimeout is how long enriched rows stay valid.
const DefaultCacheTimeout = 5 * time.Minute

// DefaultFetchTimeout bounds a shared fetch once it no longer follows the
// context of the caller that started it.
const DefaultFetchTimeout = 2 * time.Minute

// Fetcher produces the enriched, id-sorted rows of a skeleton.
type Fetcher interface {
	Run(ctx context.Context, skeletonID int64) ([]SynapseSummary, error)
}

// ResultCacheConfig contains result cache configuration.
type ResultCacheConfig struct {
	Fetcher      Fetcher
	Timeout      time.Duration    // default DefaultCacheTimeout
	FetchTimeout time.Duration    // default DefaultFetchTimeout
	MaxSkeletons int              // default 1024
	Now          func() time.Time // default time.Now
}

// fetchToken marks one in-flight fetch. A stale token's rows are returned to
// its callers but never stored.
type fetchToken struct {
	stale bool
}

// ResultCache memoises enriched rows per skeleton for a fixed timeout.
type ResultCache struct {
	fetcher      Fetcher
	timeout      time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries *lru.Cache[int64, CacheEntry]
	// inflight holds only skeletons with a fetch running.
	inflight map[int64]map[*fetchToken]struct{}

	group singleflight.Group
}

// NewResultCache creates a result cache.
func NewResultCache(cfg ResultCacheConfig) (*ResultCache, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("result cache requires a fetcher")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCacheTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxSkeletons <= 0 {
		cfg.MaxSkeletons = 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	entries, err := lru.New[int64, CacheEntry](cfg.MaxSkeletons)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &ResultCache{
		fetcher:      cfg.Fetcher,
		timeout:      cfg.Timeout,
		fetchTimeout: cfg.FetchTimeout,
		now:          cfg.Now,
		entries:      entries,
		inflight:     make(map[int64]map[*fetchToken]struct{}),
	}, nil
}

// Rows returns the enriched rows of a skeleton, fetching them when no valid
// entry exists. Concurrent misses for the same skeleton share one fetch. The
// shared fetch outlives any single caller; ctx only decides how long this
// caller waits for it.
func (c *ResultCache) Rows(ctx context.Context, skeletonID int64) ([]SynapseSummary, error) {
	if rows, ok := c.lookup(skeletonID); ok {
		cacheHits.Inc()
		return rows, nil
	}
	cacheMisses.Inc()

	ch := c.group.DoChan(groupKey(skeletonID), func() (any, error) {
		if rows, ok := c.lookup(skeletonID); ok {
			return rows, nil
		}

		token := c.begin(skeletonID)
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		started := time.Now()
		rows, err := c.fetcher.Run(fetchCtx, skeletonID)
		fetchDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			fetchCycles.WithLabelValues("error").Inc()
		} else {
			fetchCycles.WithLabelValues("ok").Inc()
		}

		c.finish(skeletonID, token, rows, err)
		if err != nil {
			return nil, err
		}
		return rows, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rows, ok := res.Val.([]SynapseSummary)
		if !ok {
			return nil, fmt.Errorf("unexpected type from fetch group: got %T", res.Val)
		}
		return slices.Clone(rows), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Entry returns the valid cache entry of a skeleton without fetching.
func (c *ResultCache) Entry(skeletonID int64) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(skeletonID)
	if !ok || c.expired(entry) {
		return CacheEntry{}, false
	}
	entry.Rows = slices.Clone(entry.Rows)
	return entry, true
}

// Invalidate drops the entry of a skeleton regardless of its age. A fetch
// for that skeleton already in flight will not be stored, and later misses
// start a new fetch instead of joining it.
func (c *ResultCache) Invalidate(skeletonID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Remove(skeletonID)
	c.markStale(skeletonID)
}

// Clear drops every entry. Fetches already in flight will not be stored.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Purge()
	for skeletonID := range c.inflight {
		c.markStale(skeletonID)
	}
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *ResultCache) Len() int {
	return c.entries.Len()
}

func (c *ResultCache) lookup(skeletonID int64) ([]SynapseSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(skeletonID)
	if !ok {
		return nil, false
	}
	if c.expired(entry) {
		c.entries.Remove(skeletonID)
		return nil, false
	}
	return slices.Clone(entry.Rows), true
}

func (c *ResultCache) expired(entry CacheEntry) bool {
	return c.now().Sub(entry.Timestamp) > c.timeout
}

func groupKey(skeletonID int64) string {
	return strconv.FormatInt(skeletonID, 10)
}

// markStale must be called with c.mu held.
func (c *ResultCache) markStale(skeletonID int64) {
	tokens, ok := c.inflight[skeletonID]
	if !ok {
		return
	}
	for token := range tokens {
		token.stale = true
	}
	c.group.Forget(groupKey(skeletonID))
}

func (c *ResultCache) begin(skeletonID int64) *fetchToken {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := &fetchToken{}
	tokens, ok := c.inflight[skeletonID]
	if !ok {
		tokens = make(map[*fetchToken]struct{})
		c.inflight[skeletonID] = tokens
	}
	tokens[token] = struct{}{}
	return token
}

// finish stores successful rows unless the token went stale and releases the
// token.
func (c *ResultCache) finish(skeletonID int64, token *fetchToken, rows []SynapseSummary, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tokens, ok := c.inflight[skeletonID]; ok {
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(c.inflight, skeletonID)
		}
	}

	if err != nil {
		return
	}
	if token.stale {
		staleDiscards.Inc()
		log.Printf("[ResultCache] discarding stale rows for skeleton %d", skeletonID)
		return
	}

	c.entries.Add(skeletonID, CacheEntry{
		SkeletonID: skeletonID,
		Timestamp:  c.now(),
		Rows:       rows,
	})
}
