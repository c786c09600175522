package search

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// diacriticFolder decomposes characters and strips combining marks, so
// "Krakatoa: The Day the World Exploded" and "Krákatoa..." key identically.
var diacriticFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func normalizeQuery(raw string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(raw)), " ")
}

func normalizeRegion(raw string) string {
	region := strings.ToLower(strings.TrimSpace(raw))
	if region == "" {
		return "us"
	}
	return region
}

// normalizeTitleKey produces the fuzzy-match key for a title: case-folded,
// diacritics stripped, punctuation removed, whitespace collapsed.
func normalizeTitleKey(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if lowered == "" {
		return ""
	}
	if folded, _, err := transform.String(diacriticFolder, lowered); err == nil {
		lowered = folded
	}
	return strings.Join(wordPattern.FindAllString(lowered, -1), " ")
}

// authorTokenSet collects the normalized tokens of every author name.
// Single-letter tokens (initials) are ignored so "J. Smith" and "J. Jones"
// never overlap on the initial alone.
func authorTokenSet(authors []string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, author := range authors {
		for _, token := range wordPattern.FindAllString(normalizeTitleKey(author), -1) {
			if len(token) < 2 {
				continue
			}
			tokens[token] = struct{}{}
		}
	}
	return tokens
}

func hasSharedAuthorToken(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for token := range a {
		if _, ok := b[token]; ok {
			return true
		}
	}
	return false
}
