package search

import (
	"sort"

	"bookrequest/searchservice/internal/domain"
)

// rankRecords orders canonical records by the best rank position any of their
// merged candidates achieved, ties broken by discovery order. Ranking only
// reorders; the limit alone decides how many records are returned.
func rankRecords(records []domain.CanonicalRecord, limit int) []domain.CanonicalRecord {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].BestRankPosition != records[j].BestRankPosition {
			return records[i].BestRankPosition < records[j].BestRankPosition
		}
		return records[i].FirstDiscoveryOrder < records[j].FirstDiscoveryOrder
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
