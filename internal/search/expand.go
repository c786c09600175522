package search

import "strings"

// Leading/trailing filler words stripped when building the reduced-phrase
// variant. Matches the set the catalog's own relevance engine discounts.
var queryStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {},
	"and": {}, "of": {}, "or": {}, "in": {}, "on": {},
}

// ExpandQuery produces an ordered, duplicate-free list of query variants to
// widen recall. The original query always comes first. Multi-word queries
// additionally try the last token (often a surname), the first token, and
// the phrase with stop-words removed. Single-token queries yield only the
// original.
func ExpandQuery(query string) []string {
	trimmed := strings.TrimSpace(query)
	parts := strings.Fields(trimmed)
	if len(parts) == 0 {
		return []string{query}
	}

	variants := []string{trimmed}
	seen := map[string]struct{}{strings.ToLower(trimmed): {}}
	add := func(variant string) {
		variant = strings.TrimSpace(variant)
		if variant == "" {
			return
		}
		key := strings.ToLower(variant)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		variants = append(variants, variant)
	}

	if len(parts) >= 2 {
		add(parts[len(parts)-1])
		add(parts[0])
	}

	meaningful := make([]string, 0, len(parts))
	for _, part := range parts {
		if _, stop := queryStopwords[strings.ToLower(part)]; stop {
			continue
		}
		meaningful = append(meaningful, part)
	}
	if len(meaningful) > 0 && len(meaningful) < len(parts) {
		add(strings.Join(meaningful, " "))
	}

	return variants
}
