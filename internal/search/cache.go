package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"bookrequest/searchservice/internal/domain"
	"bookrequest/searchservice/internal/metrics"
)

const (
	defaultCacheTTL        = 7 * 24 * time.Hour
	defaultCacheMaxEntries = 400
	defaultSweepInterval   = 10 * time.Minute
)

// CacheKey identifies one cached result list: the normalized query plus the
// catalog region it was resolved against.
type CacheKey struct {
	Query  string
	Region string
}

func NewCacheKey(query, region string) CacheKey {
	return CacheKey{
		Query:  strings.ToLower(normalizeQuery(query)),
		Region: normalizeRegion(region),
	}
}

type cacheEntry struct {
	snapshots []domain.Snapshot
	createdAt time.Time
	expiresAt time.Time
}

// SnapshotCache stores detached snapshots of finished search passes. Entries
// never hold references into the persistent store; every hit re-resolves the
// snapshots against it, so a row deleted since the entry was written simply
// drops out of the returned list instead of surfacing as a stale handle.
type SnapshotCache struct {
	store         Store
	ttl           time.Duration
	maxEntries    int
	sweepInterval time.Duration
	redis         *RedisCacheBackend

	mu      sync.RWMutex
	entries map[CacheKey]*cacheEntry
}

func NewSnapshotCache(store Store, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &SnapshotCache{
		store:         store,
		ttl:           ttl,
		maxEntries:    defaultCacheMaxEntries,
		sweepInterval: defaultSweepInterval,
		entries:       make(map[CacheKey]*cacheEntry),
	}
}

// Get rehydrates a cached entry into live store-backed records, preserving
// snapshot order. Snapshots that no longer resolve are dropped silently and
// counted. An entry none of whose snapshots resolve behaves as a miss so the
// caller refetches.
func (c *SnapshotCache) Get(ctx context.Context, key CacheKey) ([]domain.LiveRecord, bool) {
	now := time.Now()
	snapshots, ok := c.lookup(ctx, key, now)
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	if len(snapshots) == 0 {
		metrics.CacheHitsTotal.Inc()
		return []domain.LiveRecord{}, true
	}

	ids := make([]domain.Identifier, 0, len(snapshots))
	seen := make(map[domain.Identifier]struct{}, len(snapshots))
	for _, snapshot := range snapshots {
		if _, dup := seen[snapshot.Key]; dup {
			continue
		}
		seen[snapshot.Key] = struct{}{}
		ids = append(ids, snapshot.Key)
	}

	resolved, err := c.store.FetchByIdentifiers(ctx, ids)
	if err != nil {
		slog.Warn("cache rehydration fetch failed", slog.String("error", err.Error()))
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}

	items := make([]domain.LiveRecord, 0, len(snapshots))
	for _, snapshot := range snapshots {
		live, ok := resolved[snapshot.Key]
		if !ok {
			metrics.CacheRehydrationFailuresTotal.Inc()
			continue
		}
		if !recordCarries(live.Record, snapshot.Key) {
			// The store answered with a row that does not carry the requested
			// identifier at all. Returning it would hand the caller a stale
			// reference, which snapshotting exists to prevent. A row that
			// merely gained a higher-priority identifier since the snapshot
			// was written still resolves normally.
			metrics.CacheStaleReferenceErrorsTotal.Inc()
			continue
		}
		items = append(items, live)
	}

	if len(items) == 0 {
		// Every snapshot went stale; drop the entry and refetch.
		c.Invalidate(key)
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}

	metrics.CacheHitsTotal.Inc()
	return items, true
}

func (c *SnapshotCache) lookup(ctx context.Context, key CacheKey, now time.Time) ([]domain.Snapshot, bool) {
	c.mu.RLock()
	entry := c.entries[key]
	c.mu.RUnlock()

	if entry == nil && c.redis != nil {
		snapshots, found, err := c.redis.Get(ctx, key)
		if err == nil && found {
			c.storeEntry(key, snapshots, now, false)
			return snapshots, true
		}
	}
	if entry == nil {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		if current := c.entries[key]; current == entry {
			delete(c.entries, key)
			metrics.CacheEvictionsTotal.Inc()
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.snapshots, true
}

// Put converts the pass's canonical records into detached snapshots and
// stores them under the key. Records without any classified identifier are
// skipped: they could never be re-resolved on a hit.
func (c *SnapshotCache) Put(key CacheKey, records []domain.CanonicalRecord) {
	now := time.Now()
	snapshots := make([]domain.Snapshot, 0, len(records))
	for _, record := range records {
		resolveKey := record.ResolveKey()
		if resolveKey.IsZero() {
			continue
		}
		snapshots = append(snapshots, domain.Snapshot{
			Key:    resolveKey,
			Record: cloneRecord(record),
		})
	}
	c.storeEntry(key, snapshots, now, true)
}

func (c *SnapshotCache) storeEntry(key CacheKey, snapshots []domain.Snapshot, now time.Time, writeThrough bool) {
	if writeThrough && c.redis != nil {
		_ = c.redis.Set(context.Background(), key, snapshots, c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{
		snapshots: snapshots,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.trimLocked(now)
}

// Invalidate drops one entry.
func (c *SnapshotCache) Invalidate(key CacheKey) {
	if c.redis != nil {
		_ = c.redis.Delete(context.Background(), key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		metrics.CacheEvictionsTotal.Inc()
	}
}

// InvalidateByIdentifier drops every entry whose snapshots reference the
// identifier, in any identifier field. Called when a row is deleted or
// mutated upstream.
func (c *SnapshotCache) InvalidateByIdentifier(id domain.Identifier) {
	if id.IsZero() {
		return
	}
	c.mu.Lock()
	var removed []CacheKey
	for key, entry := range c.entries {
		if entryReferences(entry, id) {
			delete(c.entries, key)
			metrics.CacheEvictionsTotal.Inc()
			removed = append(removed, key)
		}
	}
	c.mu.Unlock()

	if c.redis != nil {
		for _, key := range removed {
			_ = c.redis.Delete(context.Background(), key)
		}
	}
	if len(removed) > 0 {
		slog.Debug("cache entries invalidated by identifier",
			slog.String("kind", string(id.Kind)),
			slog.String("value", id.Value),
			slog.Int("entries", len(removed)),
		)
	}
}

func recordCarries(record domain.CanonicalRecord, id domain.Identifier) bool {
	for _, candidate := range record.Identifiers() {
		if candidate == id {
			return true
		}
	}
	return false
}

func entryReferences(entry *cacheEntry, id domain.Identifier) bool {
	for _, snapshot := range entry.snapshots {
		if recordCarries(snapshot.Record, id) {
			return true
		}
	}
	return false
}

// Len reports the number of live entries, for diagnostics.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *SnapshotCache) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *SnapshotCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			metrics.CacheEvictionsTotal.Inc()
		}
	}
}

// trimLocked bounds the entry count, removing oldest entries first.
func (c *SnapshotCache) trimLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			metrics.CacheEvictionsTotal.Inc()
		}
	}
	if len(c.entries) <= c.maxEntries {
		return
	}

	type pair struct {
		key   CacheKey
		entry *cacheEntry
	}
	items := make([]pair, 0, len(c.entries))
	for key, entry := range c.entries {
		items = append(items, pair{key: key, entry: entry})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].entry.createdAt.Before(items[j].entry.createdAt)
	})
	for i := 0; i < len(items)-c.maxEntries; i++ {
		delete(c.entries, items[i].key)
		metrics.CacheEvictionsTotal.Inc()
	}
}

func cloneRecord(record domain.CanonicalRecord) domain.CanonicalRecord {
	cloned := record
	cloned.Authors = append([]string(nil), record.Authors...)
	cloned.Narrators = append([]string(nil), record.Narrators...)
	if record.PublishDate != nil {
		date := *record.PublishDate
		cloned.PublishDate = &date
	}
	return cloned
}
