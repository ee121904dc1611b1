// Package book implements OrderBookCache (§4.2): a process-global,
// most-recent-snapshot-per-key cache with a FRESH/STALE/EXPIRED staleness
// gate. Writers are WS push notifications; readers that observe an EXPIRED
// entry trigger a blocking REST refresh, coalesced per key via singleflight
// so concurrent misses on the same key share one fetch.
//
// Grounded on the teacher's internal/market/book.go (RWMutex-protected
// snapshot with IsStale), generalized from a single-venue two-token book to
// a multi-venue, many-key cache.
package book

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"arb-engine/pkg/types"
)

// Refresher fetches a fresh best-bid/ask snapshot over REST for one key.
// Implemented by internal/exchange.Client for each venue.
type Refresher interface {
	GetBestBidAsk(ctx context.Context, key string) (bid, ask float64, err error)
}

// Cache holds one OrderBookEntry per (venue, key), with TTL/stale-expire
// policy and singleflight-coalesced REST refresh on expiry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]types.OrderBookEntry

	ttl        time.Duration
	staleLimit time.Duration

	refreshers map[types.Venue]Refresher
	sf         singleflight.Group
}

// New creates an OrderBookCache. ttl is the freshness window (FRESH if age
// <= ttl); staleLimit is the hard-expire window (EXPIRED if age >
// staleLimit; STALE in between).
func New(ttl, staleLimit time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]types.OrderBookEntry),
		ttl:        ttl,
		staleLimit: staleLimit,
		refreshers: make(map[types.Venue]Refresher),
	}
}

// RegisterRefresher wires the REST fallback used when a venue's entries are
// EXPIRED. Each venue's exchange client registers itself here at startup.
func (c *Cache) RegisterRefresher(venue types.Venue, r Refresher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshers[venue] = r
}

func cacheKey(venue types.Venue, key string) string {
	return string(venue) + ":" + key
}

// Apply records a push-notified snapshot from a WS client. Writers serialize
// per key by virtue of the cache's single mutex; no reader ever blocks on a
// writer for longer than a map write.
func (c *Cache) Apply(venue types.Venue, key string, bid, ask float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(venue, key)] = types.OrderBookEntry{
		Venue:      venue,
		Key:        key,
		BestBid:    bid,
		BestAsk:    ask,
		CapturedAt: time.Now(),
	}
}

// freshness classifies age against the configured windows.
func (c *Cache) freshness(age time.Duration) types.BookFreshness {
	switch {
	case age <= c.ttl:
		return types.Fresh
	case age <= c.staleLimit:
		return types.Stale
	default:
		return types.Expired
	}
}

// BestAsk returns the best ask for (venue, key), refreshing from REST via
// the registered Refresher if the cached entry is EXPIRED or absent.
// Concurrent callers racing on the same expired key share one REST fetch.
func (c *Cache) BestAsk(ctx context.Context, venue types.Venue, key string) (float64, types.BookFreshness, error) {
	entry, freshness, found := c.read(venue, key)
	if found && freshness != types.Expired {
		return entry.BestAsk, freshness, nil
	}

	_, ask, err := c.refresh(ctx, venue, key)
	if err != nil {
		return 0, types.Expired, err
	}
	return ask, types.Fresh, nil
}

func (c *Cache) read(venue types.Venue, key string) (types.OrderBookEntry, types.BookFreshness, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[cacheKey(venue, key)]
	if !ok {
		return types.OrderBookEntry{}, types.Expired, false
	}
	return entry, c.freshness(time.Since(entry.CapturedAt)), true
}

func (c *Cache) refresh(ctx context.Context, venue types.Venue, key string) (bid, ask float64, err error) {
	c.mu.RLock()
	refresher, ok := c.refreshers[venue]
	c.mu.RUnlock()
	if !ok {
		return 0, 0, fmt.Errorf("book: no refresher registered for venue %s", venue)
	}

	type result struct{ bid, ask float64 }
	v, err, _ := c.sf.Do(cacheKey(venue, key), func() (any, error) {
		b, a, ferr := refresher.GetBestBidAsk(ctx, key)
		if ferr != nil {
			return nil, ferr
		}
		c.Apply(venue, key, b, a)
		return result{bid: b, ask: a}, nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("book: refresh %s/%s: %w", venue, key, err)
	}
	r := v.(result)
	return r.bid, r.ask, nil
}

// IsStale reports whether (venue, key) has no entry fresher than maxAge.
func (c *Cache) IsStale(venue types.Venue, key string, maxAge time.Duration) bool {
	entry, _, found := c.read(venue, key)
	if !found {
		return true
	}
	return time.Since(entry.CapturedAt) > maxAge
}
