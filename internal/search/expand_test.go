package search

import (
	"reflect"
	"testing"
)

func TestExpandQueryAuthorName(t *testing.T) {
	got := ExpandQuery("bart ehrman")
	want := []string{"bart ehrman", "ehrman", "bart"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExpandQueryStopwords(t *testing.T) {
	got := ExpandQuery("heaven and hell")
	want := []string{"heaven and hell", "hell", "heaven", "heaven hell"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExpandQuerySingleToken(t *testing.T) {
	got := ExpandQuery("dune")
	want := []string{"dune"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExpandQueryOriginalFirst(t *testing.T) {
	variants := ExpandQuery("the name of the wind")
	if len(variants) == 0 || variants[0] != "the name of the wind" {
		t.Fatalf("original query must come first, got %v", variants)
	}
}

func TestExpandQueryNoDuplicates(t *testing.T) {
	variants := ExpandQuery("Ehrman ehrman")
	seen := make(map[string]int)
	for _, variant := range variants {
		seen[variant]++
	}
	for variant, count := range seen {
		if count > 1 {
			t.Fatalf("variant %q appears %d times in %v", variant, count, variants)
		}
	}
}
