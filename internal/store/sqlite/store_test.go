package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"bookrequest/searchservice/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "books.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord() domain.CanonicalRecord {
	date := time.Date(2020, time.March, 31, 0, 0, 0, 0, time.UTC)
	return domain.CanonicalRecord{
		ASIN:           "B002V5BT2M",
		ISBN13:         "9780306406157",
		Title:          "Heaven and Hell",
		Authors:        []string{"Bart Ehrman"},
		Narrators:      []string{"John Bedford Lloyd"},
		RuntimeMinutes: 540,
		PublishDate:    &date,
		Source:         domain.SourceAudible,
	}
}

func TestUpsertInsertAndFetch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	live, err := store.Upsert(ctx, sampleRecord())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if live.ID == 0 {
		t.Fatal("insert did not assign an id")
	}

	fetched, err := store.FetchByIdentifiers(ctx, []domain.Identifier{
		{Kind: domain.IdentifierASIN, Value: "B002V5BT2M"},
		{Kind: domain.IdentifierISBN13, Value: "9780306406157"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(fetched) != 2 {
		t.Fatalf("got %d resolutions, want both identifiers to resolve", len(fetched))
	}
	got := fetched[domain.Identifier{Kind: domain.IdentifierASIN, Value: "B002V5BT2M"}]
	if got.ID != live.ID {
		t.Fatalf("ids differ: %d vs %d", got.ID, live.ID)
	}
	if got.Record.Title != "Heaven and Hell" || len(got.Record.Narrators) != 1 {
		t.Fatalf("record round trip lost fields: %+v", got.Record)
	}
	if got.Record.PublishDate == nil || !got.Record.PublishDate.Equal(*sampleRecord().PublishDate) {
		t.Fatalf("publish date = %v", got.Record.PublishDate)
	}
}

func TestUpsertMergesByAnyIdentifier(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.Upsert(ctx, domain.CanonicalRecord{
		ISBN13:  "9780306406157",
		Title:   "Heaven and Hell",
		Authors: []string{"Bart Ehrman"},
		Source:  domain.SourceGoogleBooks,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second, err := store.Upsert(ctx, domain.CanonicalRecord{
		ASIN:      "B002V5BT2M",
		ISBN13:    "9780306406157",
		Title:     "",
		Narrators: []string{"John Bedford Lloyd"},
		Source:    domain.SourceAudible,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("matching identifier created a new row: %d vs %d", second.ID, first.ID)
	}
	if second.Record.ASIN != "B002V5BT2M" {
		t.Fatal("identifier union did not accumulate the ASIN")
	}
	if second.Record.Title != "Heaven and Hell" {
		t.Fatalf("empty incoming title overwrote stored value: %+v", second.Record)
	}
	if second.Record.Source != domain.SourceMerged {
		t.Fatalf("source = %v, want merged after two sources", second.Record.Source)
	}
}

func TestFetchUnknownIdentifierAbsent(t *testing.T) {
	store := openTestStore(t)

	fetched, err := store.FetchByIdentifiers(context.Background(), []domain.Identifier{
		{Kind: domain.IdentifierASIN, Value: "B000000000"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(fetched) != 0 {
		t.Fatalf("unknown identifier resolved: %+v", fetched)
	}
}

func TestSetRequested(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.Upsert(ctx, sampleRecord()); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	id := domain.Identifier{Kind: domain.IdentifierASIN, Value: "B002V5BT2M"}
	if err := store.SetRequested(ctx, id, true); err != nil {
		t.Fatalf("set requested: %v", err)
	}
	fetched, err := store.FetchByIdentifiers(ctx, []domain.Identifier{id})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !fetched[id].Requested {
		t.Fatal("requested flag not persisted")
	}

	missing := domain.Identifier{Kind: domain.IdentifierASIN, Value: "B000000000"}
	if err := store.SetRequested(ctx, missing, true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want domain.ErrNotFound", err)
	}
}

func TestDeleteStaleSparesRequestedRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stale := sampleRecord()
	requested := domain.CanonicalRecord{
		ASIN:    "B00HPMDZMG",
		Title:   "Wanted",
		Authors: []string{"Someone"},
		Source:  domain.SourceAudible,
	}
	if _, err := store.Upsert(ctx, stale); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}
	if _, err := store.Upsert(ctx, requested); err != nil {
		t.Fatalf("upsert requested: %v", err)
	}
	if err := store.SetRequested(ctx, domain.Identifier{Kind: domain.IdentifierASIN, Value: "B00HPMDZMG"}, true); err != nil {
		t.Fatalf("set requested: %v", err)
	}

	// Both rows were just written; a zero max age makes them all "stale".
	removed, err := store.DeleteStale(ctx, -time.Second)
	if err != nil {
		t.Fatalf("delete stale: %v", err)
	}

	removedSet := make(map[domain.Identifier]struct{}, len(removed))
	for _, id := range removed {
		removedSet[id] = struct{}{}
	}
	if _, ok := removedSet[domain.Identifier{Kind: domain.IdentifierASIN, Value: "B002V5BT2M"}]; !ok {
		t.Fatalf("stale row's ASIN missing from removal list: %v", removed)
	}
	if _, ok := removedSet[domain.Identifier{Kind: domain.IdentifierISBN13, Value: "9780306406157"}]; !ok {
		t.Fatalf("stale row's ISBN-13 missing from removal list: %v", removed)
	}
	if _, ok := removedSet[domain.Identifier{Kind: domain.IdentifierASIN, Value: "B00HPMDZMG"}]; ok {
		t.Fatal("requested row was deleted")
	}

	fetched, err := store.FetchByIdentifiers(ctx, []domain.Identifier{
		{Kind: domain.IdentifierASIN, Value: "B00HPMDZMG"},
		{Kind: domain.IdentifierASIN, Value: "B002V5BT2M"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(fetched) != 1 {
		t.Fatalf("got %d rows after cleanup, want 1", len(fetched))
	}
}

func TestCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.Upsert(ctx, sampleRecord()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}
