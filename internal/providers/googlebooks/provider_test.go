package googlebooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"bookrequest/searchservice/internal/domain"
)

func volumesServer(t *testing.T, check func(*http.Request), items []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	}))
}

func volume(title string, fields map[string]any) map[string]any {
	info := map[string]any{"title": title}
	for k, v := range fields {
		info[k] = v
	}
	return map[string]any{"volumeInfo": info}
}

func TestSearchExtractsISBNsAndCover(t *testing.T) {
	server := volumesServer(t, func(r *http.Request) {
		if r.URL.Query().Get("printType") != "books" {
			t.Errorf("printType = %q", r.URL.Query().Get("printType"))
		}
		if r.URL.Query().Get("maxResults") != "5" {
			t.Errorf("maxResults = %q", r.URL.Query().Get("maxResults"))
		}
	}, []map[string]any{
		volume("Heaven and Hell", map[string]any{
			"subtitle":      "A History of the Afterlife",
			"authors":       []string{"Bart D. Ehrman"},
			"publishedDate": "2020-03-31",
			"industryIdentifiers": []map[string]string{
				{"type": "ISBN_10", "identifier": "1-5011-3673-4"},
				{"type": "ISBN_13", "identifier": "978-1-5011-3673-5"},
			},
			"imageLinks": map[string]string{"thumbnail": "https://books.example/cover.jpg"},
		}),
		volume("", nil), // untitled rows are dropped
		volume("Cover Fallback", map[string]any{
			"imageLinks": map[string]string{"smallThumbnail": "https://books.example/small.jpg"},
		}),
	})
	defer server.Close()

	provider := NewProvider(Config{Endpoint: server.URL, Rate: 1000})
	candidates, err := provider.Search(context.Background(), "heaven and hell", "", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(candidates))
	}

	first := candidates[0]
	if first.ISBN10 != "1501136734" || first.ISBN13 != "9781501136735" {
		t.Fatalf("identifiers not normalized: %q / %q", first.ISBN10, first.ISBN13)
	}
	if first.Source != domain.SourceGoogleBooks || first.RankPosition != 0 {
		t.Fatalf("source/rank: %+v", first)
	}
	if first.Subtitle != "A History of the Afterlife" {
		t.Fatalf("subtitle = %q", first.Subtitle)
	}
	if first.PublishDate == nil || first.PublishDate.Year() != 2020 {
		t.Fatalf("publish date = %v", first.PublishDate)
	}
	if candidates[1].CoverURL != "https://books.example/small.jpg" {
		t.Fatalf("small thumbnail fallback failed: %q", candidates[1].CoverURL)
	}
	if candidates[1].RankPosition != 1 {
		t.Fatalf("rank compaction: %d", candidates[1].RankPosition)
	}
}

func TestSearchCapsLimitAndSendsKey(t *testing.T) {
	var seenMax, seenKey string
	server := volumesServer(t, func(r *http.Request) {
		seenMax = r.URL.Query().Get("maxResults")
		seenKey = r.URL.Query().Get("key")
	}, nil)
	defer server.Close()

	provider := NewProvider(Config{Endpoint: server.URL, APIKey: "secret", Rate: 1000})
	if _, err := provider.Search(context.Background(), "dune", "", 500); err != nil {
		t.Fatalf("search: %v", err)
	}
	if seenMax != "40" {
		t.Fatalf("maxResults = %q, want API cap 40", seenMax)
	}
	if seenKey != "secret" {
		t.Fatalf("key = %q", seenKey)
	}
}

func TestLookupUsesISBNQualifier(t *testing.T) {
	var seenQuery string
	server := volumesServer(t, func(r *http.Request) {
		seenQuery = r.URL.Query().Get("q")
	}, []map[string]any{
		volume("Heaven and Hell", map[string]any{
			"industryIdentifiers": []map[string]string{
				{"type": "ISBN_13", "identifier": "9781501136735"},
			},
		}),
	})
	defer server.Close()

	provider := NewProvider(Config{Endpoint: server.URL, Rate: 1000})
	candidate, err := provider.Lookup(context.Background(), "", domain.Identifier{Kind: domain.IdentifierISBN13, Value: "9781501136735"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if candidate == nil {
		t.Fatal("expected hit")
	}
	if seenQuery != "isbn:9781501136735" {
		t.Fatalf("q = %q", seenQuery)
	}

	if c, err := provider.Lookup(context.Background(), "", domain.Identifier{Kind: domain.IdentifierASIN, Value: "B002V5BT2M"}); err != nil || c != nil {
		t.Fatalf("ASIN lookup should be a silent miss, got %+v, %v", c, err)
	}
}

func TestSearchUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := NewProvider(Config{Endpoint: server.URL, Rate: 1000})
	if _, err := provider.Search(context.Background(), "dune", "", 5); err == nil {
		t.Fatal("expected error from non-200 response")
	}
}
