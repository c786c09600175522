package search

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"bookrequest/searchservice/internal/domain"
	"bookrequest/searchservice/internal/metrics"
)

func cacheRecord(asin, title string) domain.CanonicalRecord {
	return domain.CanonicalRecord{ASIN: asin, Title: title, Authors: []string{"Author"}}
}

func TestCacheKeyNormalization(t *testing.T) {
	a := NewCacheKey("  Bart   Ehrman ", "")
	b := NewCacheKey("bart ehrman", "US")
	if a != b {
		t.Fatalf("keys differ: %+v vs %+v", a, b)
	}
	if a.Region != "us" {
		t.Fatalf("region = %q, want us default", a.Region)
	}
}

func TestCacheMissOnEmpty(t *testing.T) {
	cache := NewSnapshotCache(newFakeStore(), time.Minute)
	if _, ok := cache.Get(context.Background(), NewCacheKey("q", "us")); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestCacheHitResolvesLiveRecords(t *testing.T) {
	store := newFakeStore()
	cache := NewSnapshotCache(store, time.Minute)

	record := cacheRecord("B002V5BT2M", "Heaven and Hell")
	if _, err := store.Upsert(context.Background(), record); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	key := NewCacheKey("bart ehrman", "us")
	cache.Put(key, []domain.CanonicalRecord{record})

	items, ok := cache.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected hit")
	}
	if len(items) != 1 || items[0].ID == 0 {
		t.Fatalf("expected one store-backed record, got %+v", items)
	}
	if items[0].Record.Title != "Heaven and Hell" {
		t.Fatalf("record = %+v", items[0].Record)
	}
}

func TestCacheHitAfterDeletionOmitsRecord(t *testing.T) {
	store := newFakeStore()
	cache := NewSnapshotCache(store, time.Minute)

	kept := cacheRecord("B002V5BT2M", "Kept")
	doomed := cacheRecord("B00HPMDZMG", "Doomed")
	for _, record := range []domain.CanonicalRecord{kept, doomed} {
		if _, err := store.Upsert(context.Background(), record); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	key := NewCacheKey("mixed", "us")
	cache.Put(key, []domain.CanonicalRecord{kept, doomed})

	// The row disappears between Put and Get. The hit must simply omit it.
	store.delete(domain.Identifier{Kind: domain.IdentifierASIN, Value: "B00HPMDZMG"})

	items, ok := cache.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected hit with the surviving record")
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Record.ASIN != "B002V5BT2M" {
		t.Fatalf("wrong survivor: %+v", items[0].Record)
	}
}

func TestCacheHitAfterDeletionCountsRehydrationFailure(t *testing.T) {
	store := newFakeStore()
	cache := NewSnapshotCache(store, time.Minute)

	kept := cacheRecord("B002V5BT2M", "Kept")
	doomed := cacheRecord("B00HPMDZMG", "Doomed")
	for _, record := range []domain.CanonicalRecord{kept, doomed} {
		if _, err := store.Upsert(context.Background(), record); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	key := NewCacheKey("counted", "us")
	cache.Put(key, []domain.CanonicalRecord{kept, doomed})
	store.delete(domain.Identifier{Kind: domain.IdentifierASIN, Value: "B00HPMDZMG"})

	before := testutil.ToFloat64(metrics.CacheRehydrationFailuresTotal)
	if _, ok := cache.Get(context.Background(), key); !ok {
		t.Fatal("expected hit with the surviving record")
	}
	after := testutil.ToFloat64(metrics.CacheRehydrationFailuresTotal)
	if delta := after - before; delta != 1 {
		t.Fatalf("rehydration failure counter moved by %v, want exactly 1", delta)
	}
}

// A stored row that gains a higher-priority identifier after the snapshot was
// written still resolves on a hit. Only rows that no longer carry the snapshot
// identifier at all count as a broken reference.
func TestCacheHitSurvivesIdentifierEnrichment(t *testing.T) {
	store := newFakeStore()
	cache := NewSnapshotCache(store, time.Minute)

	original := domain.CanonicalRecord{ISBN13: "9780306406157", Title: "Enriched Later", Authors: []string{"Author"}}
	if _, err := store.Upsert(context.Background(), original); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	key := NewCacheKey("enriched", "us")
	cache.Put(key, []domain.CanonicalRecord{original})

	// A later pass learns the ASIN, so the row's resolve key changes while it
	// keeps carrying the ISBN-13 the snapshot was written under.
	enriched := original
	enriched.ASIN = "B002V5BT2M"
	if _, err := store.Upsert(context.Background(), enriched); err != nil {
		t.Fatalf("upsert enriched: %v", err)
	}

	staleBefore := testutil.ToFloat64(metrics.CacheStaleReferenceErrorsTotal)
	items, ok := cache.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected hit for the enriched row")
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Record.ASIN != "B002V5BT2M" || items[0].Record.ISBN13 != "9780306406157" {
		t.Fatalf("resolved record = %+v", items[0].Record)
	}
	if delta := testutil.ToFloat64(metrics.CacheStaleReferenceErrorsTotal) - staleBefore; delta != 0 {
		t.Fatalf("stale reference counter moved by %v, want 0", delta)
	}
}

func TestCacheAllSnapshotsStaleBecomesMiss(t *testing.T) {
	store := newFakeStore()
	cache := NewSnapshotCache(store, time.Minute)

	record := cacheRecord("B002V5BT2M", "Gone")
	if _, err := store.Upsert(context.Background(), record); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	key := NewCacheKey("gone", "us")
	cache.Put(key, []domain.CanonicalRecord{record})
	store.delete(domain.Identifier{Kind: domain.IdentifierASIN, Value: "B002V5BT2M"})

	if _, ok := cache.Get(context.Background(), key); ok {
		t.Fatal("entry with zero resolvable snapshots must behave as a miss")
	}
	if cache.Len() != 0 {
		t.Fatal("fully stale entry must be dropped")
	}
}

func TestCacheEntriesAreDetached(t *testing.T) {
	store := newFakeStore()
	cache := NewSnapshotCache(store, time.Minute)

	record := cacheRecord("B002V5BT2M", "Original")
	record.Authors = []string{"First Author"}
	if _, err := store.Upsert(context.Background(), record); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	key := NewCacheKey("detached", "us")
	records := []domain.CanonicalRecord{record}
	cache.Put(key, records)

	// Mutating the caller's slice after Put must not reach the cache.
	records[0].Authors[0] = "Mutated"
	records[0].Title = "Mutated"

	cache.mu.RLock()
	snapshot := cache.entries[key].snapshots[0]
	cache.mu.RUnlock()
	if snapshot.Record.Authors[0] != "First Author" {
		t.Fatalf("snapshot shares author slice with caller: %v", snapshot.Record.Authors)
	}
	if snapshot.Record.Title != "Original" {
		t.Fatalf("snapshot title = %q", snapshot.Record.Title)
	}
}

func TestCacheRecordsWithoutIdentifiersSkipped(t *testing.T) {
	cache := NewSnapshotCache(newFakeStore(), time.Minute)
	key := NewCacheKey("noid", "us")
	cache.Put(key, []domain.CanonicalRecord{{Title: "No Identifier", Authors: []string{"X"}}})

	items, ok := cache.Get(context.Background(), key)
	if !ok {
		t.Fatal("entry itself still exists")
	}
	if len(items) != 0 {
		t.Fatalf("got %d items, want 0", len(items))
	}
}

func TestCacheExpiry(t *testing.T) {
	store := newFakeStore()
	cache := NewSnapshotCache(store, time.Minute)

	record := cacheRecord("B002V5BT2M", "Expiring")
	if _, err := store.Upsert(context.Background(), record); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	key := NewCacheKey("expiring", "us")
	cache.Put(key, []domain.CanonicalRecord{record})

	cache.mu.Lock()
	cache.entries[key].expiresAt = time.Now().Add(-time.Second)
	cache.mu.Unlock()

	if _, ok := cache.Get(context.Background(), key); ok {
		t.Fatal("expired entry served")
	}
}

func TestCacheInvalidateByIdentifier(t *testing.T) {
	store := newFakeStore()
	cache := NewSnapshotCache(store, time.Minute)

	record := cacheRecord("B002V5BT2M", "Invalidated")
	record.ISBN13 = "9780306406157"
	if _, err := store.Upsert(context.Background(), record); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	key := NewCacheKey("invalidated", "us")
	cache.Put(key, []domain.CanonicalRecord{record})

	// Invalidation matches any identifier the snapshot carries, not only
	// its resolve key.
	cache.InvalidateByIdentifier(domain.Identifier{Kind: domain.IdentifierISBN13, Value: "9780306406157"})
	if cache.Len() != 0 {
		t.Fatal("entry survived identifier invalidation")
	}
}

func TestCacheTrimOldestFirst(t *testing.T) {
	store := newFakeStore()
	cache := NewSnapshotCache(store, time.Minute)
	cache.maxEntries = 2

	for i, name := range []string{"one", "two", "three"} {
		record := cacheRecord(candidateASIN(i), name)
		if _, err := store.Upsert(context.Background(), record); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		cache.Put(NewCacheKey(name, "us"), []domain.CanonicalRecord{record})
		cache.mu.Lock()
		cache.entries[NewCacheKey(name, "us")].createdAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		cache.mu.Unlock()
	}

	if cache.Len() != 2 {
		t.Fatalf("len = %d, want 2", cache.Len())
	}
	if _, ok := cache.Get(context.Background(), NewCacheKey("three", "us")); !ok {
		t.Fatal("newest entry evicted")
	}
}
