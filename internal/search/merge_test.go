package search

import (
	"context"
	"testing"
	"time"

	"bookrequest/searchservice/internal/domain"
)

func testService(t *testing.T, sources []Source, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	if store == nil {
		store = newFakeStore()
	}
	if len(sources) == 0 {
		sources = []Source{&fakeSource{name: domain.SourceAudible}}
	}
	priority := make([]domain.SourceName, 0, len(sources))
	for _, source := range sources {
		priority = append(priority, source.Name())
	}
	service, err := NewService(sources, store, priority, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return service
}

func TestMergeByISBNConversion(t *testing.T) {
	service := testService(t, []Source{
		&fakeSource{name: domain.SourceGoogleBooks},
		&fakeSource{name: domain.SourceOpenLibrary},
	}, nil)

	records := service.mergeCandidates(context.Background(), "", []domain.Candidate{
		{Source: domain.SourceGoogleBooks, ISBN13: "9780306406157", Title: "Effective Science", Authors: []string{"Jane Roe"}},
		{Source: domain.SourceOpenLibrary, ISBN10: "0306406152", Title: "Effective Science", Authors: []string{"J. Roe"}},
	})
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (ISBN-10 and its ISBN-13 form must merge)", len(records))
	}
	record := records[0]
	if record.ISBN13 != "9780306406157" || record.ISBN10 != "0306406152" {
		t.Fatalf("identifier union incomplete: %+v", record)
	}
	if record.Source != domain.SourceMerged {
		t.Fatalf("source = %v, want merged", record.Source)
	}
}

func TestMergeDistinctIdentifiersNeverCollide(t *testing.T) {
	service := testService(t, []Source{&fakeSource{name: domain.SourceGoogleBooks}}, nil)

	records := service.mergeCandidates(context.Background(), "", []domain.Candidate{
		{Source: domain.SourceGoogleBooks, ISBN13: "9780306406157", Title: "Same Title", Authors: []string{"Same Author"}},
		{Source: domain.SourceGoogleBooks, ISBN13: "9780131103627", Title: "Same Title", Authors: []string{"Same Author"}},
	})
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2: distinct identifiers must stay distinct", len(records))
	}
}

func TestMergeFuzzyTitleAuthor(t *testing.T) {
	service := testService(t, []Source{
		&fakeSource{name: domain.SourceAudible},
		&fakeSource{name: domain.SourceGoogleBooks},
	}, nil)

	records := service.mergeCandidates(context.Background(), "", []domain.Candidate{
		{Source: domain.SourceAudible, ASIN: "B002V5BT2M", Title: "Krákatoa: The Day the World Exploded", Authors: []string{"Simon Winchester"}},
		{Source: domain.SourceGoogleBooks, Title: "Krakatoa - The Day the World Exploded!", Authors: []string{"S. Winchester"}},
	})
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1: diacritics and punctuation must not block the fuzzy match", len(records))
	}
	if records[0].ASIN != "B002V5BT2M" {
		t.Fatalf("merged record lost its ASIN: %+v", records[0])
	}
}

func TestMergeFuzzyRequiresSharedAuthorToken(t *testing.T) {
	service := testService(t, []Source{&fakeSource{name: domain.SourceGoogleBooks}}, nil)

	records := service.mergeCandidates(context.Background(), "", []domain.Candidate{
		{Source: domain.SourceGoogleBooks, ISBN13: "9780306406157", Title: "Collected Poems", Authors: []string{"Robert Frost"}},
		{Source: domain.SourceGoogleBooks, ISBN13: "9780131103627", Title: "Collected Poems", Authors: []string{"Sylvia Plath"}},
	})
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2: same title with disjoint authors must not merge", len(records))
	}
}

func TestMergeFieldPrecedenceBySourcePriority(t *testing.T) {
	service := testService(t, []Source{
		&fakeSource{name: domain.SourceAudible},
		&fakeSource{name: domain.SourceGoogleBooks},
	}, nil)

	// Secondary arrives first; the primary's title must still win.
	records := service.mergeCandidates(context.Background(), "", []domain.Candidate{
		{Source: domain.SourceGoogleBooks, ASIN: "B002V5BT2M", Title: "The Gathering Storm (Unabridged)", Authors: []string{"Winston Churchill"}},
		{Source: domain.SourceAudible, ASIN: "B002V5BT2M", Title: "The Gathering Storm", Authors: []string{"Winston S. Churchill"}, Narrators: []string{"Christian Rodska"}},
	})
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Title != "The Gathering Storm" {
		t.Fatalf("title = %q, primary source must take precedence", records[0].Title)
	}
	if len(records[0].Narrators) != 1 {
		t.Fatalf("narrators lost in merge: %+v", records[0])
	}
}

func TestMergeBestRankAcrossVariants(t *testing.T) {
	service := testService(t, []Source{&fakeSource{name: domain.SourceAudible}}, nil)

	records := service.mergeCandidates(context.Background(), "", []domain.Candidate{
		{Source: domain.SourceAudible, ASIN: "B002V5BT2M", Title: "Heaven and Hell", Authors: []string{"Bart Ehrman"}, VariantIndex: 0, RankPosition: 23},
		{Source: domain.SourceAudible, ASIN: "B002V5BT2M", Title: "Heaven and Hell", Authors: []string{"Bart Ehrman"}, VariantIndex: 1, RankPosition: 14},
	})
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].BestRankPosition != 14 {
		t.Fatalf("best rank = %d, want 14", records[0].BestRankPosition)
	}
}

func TestMergeDropsInvalidIdentifiers(t *testing.T) {
	service := testService(t, []Source{&fakeSource{name: domain.SourceGoogleBooks}}, nil)

	records := service.mergeCandidates(context.Background(), "", []domain.Candidate{
		{Source: domain.SourceGoogleBooks, ISBN13: "9780306406158", Title: "Broken Checksum", Authors: []string{"Nobody"}},
	})
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].ISBN13 != "" {
		t.Fatalf("invalid ISBN-13 survived sanitization: %+v", records[0])
	}
}

func TestCrossReferenceISBNAsASIN(t *testing.T) {
	// The primary catalog knows "1797101021" as a literal ASIN even though
	// the query side classifies it as an ISBN-10.
	primary := &fakeSource{
		name: domain.SourceAudible,
		lookups: map[domain.Identifier]*domain.Candidate{
			{Kind: domain.IdentifierASIN, Value: "1797101021"}: {
				Title:          "The Martian",
				Authors:        []string{"Andy Weir"},
				ASIN:           "1797101021",
				Narrators:      []string{"Wil Wheaton"},
				RuntimeMinutes: 653,
			},
		},
	}
	service := testService(t, []Source{
		primary,
		&fakeSource{name: domain.SourceGoogleBooks},
	}, nil)

	records := service.mergeCandidates(context.Background(), "", []domain.Candidate{
		{Source: domain.SourceGoogleBooks, ISBN10: "1797101021", Title: "The Martian", Authors: []string{"Andy Weir"}, RankPosition: 3},
	})
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	record := records[0]
	if record.ASIN != "1797101021" {
		t.Fatalf("cross-reference did not attach the ASIN: %+v", record)
	}
	if len(record.Narrators) != 1 || record.RuntimeMinutes != 653 {
		t.Fatalf("primary metadata missing after cross-reference: %+v", record)
	}
	if record.BestRankPosition != 3 {
		t.Fatalf("best rank = %d, want 3: lookup position must not override search rank", record.BestRankPosition)
	}
}

func TestCrossReferenceMissKeepsRecord(t *testing.T) {
	service := testService(t, []Source{
		&fakeSource{name: domain.SourceAudible},
		&fakeSource{name: domain.SourceGoogleBooks},
	}, nil)

	records := service.mergeCandidates(context.Background(), "", []domain.Candidate{
		{Source: domain.SourceGoogleBooks, ISBN13: "9780306406157", Title: "Obscure Monograph", Authors: []string{"A. Scholar"}},
	})
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].ASIN != "" {
		t.Fatalf("miss must leave the record without an ASIN: %+v", records[0])
	}
}

func TestRankRecordsOrderAndLimit(t *testing.T) {
	records := rankRecords([]domain.CanonicalRecord{
		{Title: "third", BestRankPosition: 5, FirstDiscoveryOrder: 0},
		{Title: "first", BestRankPosition: 1, FirstDiscoveryOrder: 2},
		{Title: "second", BestRankPosition: 1, FirstDiscoveryOrder: 3},
	}, 2)
	if len(records) != 2 {
		t.Fatalf("limit not applied, got %d records", len(records))
	}
	if records[0].Title != "first" || records[1].Title != "second" {
		t.Fatalf("wrong order: %q, %q", records[0].Title, records[1].Title)
	}
}

func TestRankRecordsStable(t *testing.T) {
	records := rankRecords([]domain.CanonicalRecord{
		{Title: "a", BestRankPosition: 2, FirstDiscoveryOrder: 0},
		{Title: "b", BestRankPosition: 2, FirstDiscoveryOrder: 1},
	}, 0)
	if records[0].Title != "a" || records[1].Title != "b" {
		t.Fatalf("discovery order tie-break broken: %v", []string{records[0].Title, records[1].Title})
	}
}

// Guard against the merge path mutating time-valued fields it only copies.
func TestMergePublishDateCopied(t *testing.T) {
	service := testService(t, []Source{&fakeSource{name: domain.SourceGoogleBooks}}, nil)
	date := time.Date(2020, time.March, 31, 0, 0, 0, 0, time.UTC)

	records := service.mergeCandidates(context.Background(), "", []domain.Candidate{
		{Source: domain.SourceGoogleBooks, ISBN13: "9780306406157", Title: "Dated", Authors: []string{"Someone"}, PublishDate: &date},
	})
	if len(records) != 1 || records[0].PublishDate == nil {
		t.Fatalf("publish date lost: %+v", records)
	}
	if !records[0].PublishDate.Equal(date) {
		t.Fatalf("publish date = %v, want %v", records[0].PublishDate, date)
	}
}
