// Package cache is the tiered, staleness-aware thread cache. Entries are
// partitioned by (post id, render format, access tier) so that a
// consent-restricted preview is never served where a full resolution was
// asked for, or the other way around.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"threadpub/internal/kv"
	"threadpub/internal/thread"
)

// Tier partitions cache entries by how much of the thread they hold.
type Tier string

const (
	TierFull    Tier = "full"
	TierPreview Tier = "preview"
)

// State tags a response with whether it was served from cache.
type State string

const (
	StateHit  State = "HIT"
	StateMiss State = "MISS"
)

const (
	// keyVersion namespaces entries so a format change invalidates by key.
	keyVersion = "v4"

	// settledAge: once the newest post in a thread is this old, the thread
	// is considered historically settled and is served from cache without
	// ever re-fetching. Old threads rarely gain comments worth the cost.
	settledAge = 24 * time.Hour

	// captureFresh: captures younger than this are served even for live
	// threads, to avoid hammering the upstream.
	captureFresh = time.Hour

	// retention bounds storage; the store expires entries regardless of
	// freshness after this long.
	retention = 30 * 24 * time.Hour
)

// Entry is one cached resolution plus its capture timestamp.
type Entry struct {
	Thread           *thread.ResolvedThread `json:"thread"`
	CapturedAtMillis int64                  `json:"capturedAtMillis"`
}

// Key builds the namespaced cache key for a partition.
func Key(postID string, format thread.Format, tier Tier) string {
	return fmt.Sprintf("%s.%s.%s.%s", keyVersion, postID, format, tier)
}

// Fresh applies the asymmetric freshness policy: content age decides
// whether the thread is settled, capture age decides whether a live
// thread's capture is recent enough to reuse.
func Fresh(e *Entry, now time.Time) bool {
	if e == nil || e.Thread == nil || len(e.Thread.Posts) == 0 {
		return false
	}
	if now.Sub(thread.MaxCreatedAt(e.Thread.Posts)) > settledAge {
		return true
	}
	capturedAt := time.UnixMilli(e.CapturedAtMillis)
	return now.Sub(capturedAt) < captureFresh
}

// Cache stores resolutions in a key-value store with a long fixed
// retention TTL.
type Cache struct {
	store kv.Store
	now   func() time.Time
}

// New creates a cache over the given store.
func New(store kv.Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

// Get returns the entry for the partition, if any, and whether it is
// fresh enough to serve without re-resolving.
func (c *Cache) Get(ctx context.Context, postID string, format thread.Format, tier Tier) (*Entry, bool, error) {
	var e Entry
	err := c.store.Get(ctx, Key(postID, format, tier), &e)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", postID, err)
	}
	return &e, Fresh(&e, c.now()), nil
}

// Put overwrites the partition's entry with a fresh resolution.
func (c *Cache) Put(ctx context.Context, rt *thread.ResolvedThread, format thread.Format, tier Tier) error {
	e := Entry{
		Thread:           rt,
		CapturedAtMillis: rt.CapturedAt.UnixMilli(),
	}
	if err := c.store.Put(ctx, Key(rt.MainPostID, format, tier), e, retention); err != nil {
		return fmt.Errorf("cache put %s: %w", rt.MainPostID, err)
	}
	return nil
}
