package search

import (
	"context"
	"log/slog"
	"sort"

	"bookrequest/searchservice/internal/domain"
)

// mergeAccum accumulates every candidate matched to one canonical identity
// during a pass. Field precedence is resolved at finalize time so that the
// source priority order, not candidate arrival order, decides conflicts.
type mergeAccum struct {
	asin   string
	isbn10 string
	isbn13 string

	candidates          []domain.Candidate
	sources             map[domain.SourceName]struct{}
	authorTokens        map[string]struct{}
	titleKey            string
	bestRank            int
	firstDiscoveryOrder int
	crossReferenced     bool
}

type mergeState struct {
	accums   []*mergeAccum
	byASIN   map[string]*mergeAccum
	byISBN13 map[string]*mergeAccum
	byISBN10 map[string]*mergeAccum
	byTitle  map[string][]*mergeAccum
}

// mergeCandidates deduplicates raw candidates into canonical records.
// Matching priority: ASIN, then ISBN-13 (ISBN-10s are normalized up where
// convertible), then ISBN-10, then fuzzy title+author equality. The
// cross-reference step afterwards tries each secondary-only record's ISBNs
// as literal primary-catalog identifiers, recovering items whose ISBN
// doubles as their ASIN.
func (s *Service) mergeCandidates(ctx context.Context, region string, candidates []domain.Candidate) []domain.CanonicalRecord {
	state := &mergeState{
		byASIN:   make(map[string]*mergeAccum),
		byISBN13: make(map[string]*mergeAccum),
		byISBN10: make(map[string]*mergeAccum),
		byTitle:  make(map[string][]*mergeAccum),
	}

	for _, candidate := range candidates {
		sanitizeCandidate(&candidate)
		if !candidate.HasIdentifier() && (candidate.Title == "" || len(candidate.Authors) == 0) {
			// Cannot satisfy the canonical-record invariant and cannot be
			// matched; pure noise.
			continue
		}
		accum := state.find(candidate)
		if accum != nil {
			accum.absorb(candidate, false)
		} else {
			accum = newMergeAccum(candidate, len(state.accums))
			state.accums = append(state.accums, accum)
		}
		state.reindex(accum)
	}

	s.crossReference(ctx, region, state)

	records := make([]domain.CanonicalRecord, 0, len(state.accums))
	for _, accum := range state.accums {
		records = append(records, accum.finalize(s))
	}
	return records
}

func (m *mergeState) find(c domain.Candidate) *mergeAccum {
	if c.ASIN != "" {
		if accum := m.byASIN[c.ASIN]; accum != nil {
			return accum
		}
	}
	if key := isbn13Key(c); key != "" {
		if accum := m.byISBN13[key]; accum != nil {
			return accum
		}
	}
	if c.ISBN10 != "" {
		if accum := m.byISBN10[c.ISBN10]; accum != nil {
			return accum
		}
	}
	titleKey := normalizeTitleKey(c.Title)
	if titleKey == "" {
		return nil
	}
	tokens := authorTokenSet(c.Authors)
	for _, accum := range m.byTitle[titleKey] {
		if hasSharedAuthorToken(accum.authorTokens, tokens) && identifiersCompatible(accum, c) {
			return accum
		}
	}
	return nil
}

// identifiersCompatible guards the fuzzy path: a candidate whose identifier
// conflicts with the accumulator's describes a different edition of a
// similarly titled book, not the same record.
func identifiersCompatible(a *mergeAccum, c domain.Candidate) bool {
	if a.asin != "" && c.ASIN != "" && a.asin != c.ASIN {
		return false
	}
	accumISBN13 := a.isbn13
	if accumISBN13 == "" && a.isbn10 != "" {
		if converted, err := ISBN10To13(a.isbn10); err == nil {
			accumISBN13 = converted
		}
	}
	if key := isbn13Key(c); key != "" && accumISBN13 != "" && key != accumISBN13 {
		return false
	}
	return true
}

// reindex registers the accumulator's current identifier union. Keys are
// never removed within a pass; an accumulator only grows.
func (m *mergeState) reindex(accum *mergeAccum) {
	if accum.asin != "" {
		m.byASIN[accum.asin] = accum
	}
	if accum.isbn13 != "" {
		m.byISBN13[accum.isbn13] = accum
	}
	if accum.isbn10 != "" {
		m.byISBN10[accum.isbn10] = accum
		if converted, err := ISBN10To13(accum.isbn10); err == nil {
			if _, taken := m.byISBN13[converted]; !taken {
				m.byISBN13[converted] = accum
			}
		}
	}
	if accum.titleKey != "" {
		known := false
		for _, existing := range m.byTitle[accum.titleKey] {
			if existing == accum {
				known = true
				break
			}
		}
		if !known {
			m.byTitle[accum.titleKey] = append(m.byTitle[accum.titleKey], accum)
		}
	}
}

func newMergeAccum(c domain.Candidate, order int) *mergeAccum {
	accum := &mergeAccum{
		sources:             make(map[domain.SourceName]struct{}),
		authorTokens:        make(map[string]struct{}),
		bestRank:            c.RankPosition,
		firstDiscoveryOrder: order,
		titleKey:            normalizeTitleKey(c.Title),
	}
	accum.absorb(c, false)
	return accum
}

// absorb folds one candidate into the accumulator. skipRank is set for
// cross-reference lookups, whose position is an artifact of the lookup, not
// a search ranking.
func (a *mergeAccum) absorb(c domain.Candidate, skipRank bool) {
	a.candidates = append(a.candidates, c)
	a.sources[c.Source] = struct{}{}
	if c.ASIN != "" && a.asin == "" {
		a.asin = c.ASIN
	}
	if c.ISBN13 != "" && a.isbn13 == "" {
		a.isbn13 = c.ISBN13
	}
	if c.ISBN10 != "" && a.isbn10 == "" {
		a.isbn10 = c.ISBN10
	}
	if a.titleKey == "" {
		a.titleKey = normalizeTitleKey(c.Title)
	}
	for token := range authorTokenSet(c.Authors) {
		a.authorTokens[token] = struct{}{}
	}
	if !skipRank && c.RankPosition < a.bestRank {
		a.bestRank = c.RankPosition
	}
}

// crossReference tries each secondary-only accumulator's ISBNs as literal
// primary-catalog identifiers. A miss is not an error; the record stays
// secondary-source-only.
func (s *Service) crossReference(ctx context.Context, region string, state *mergeState) {
	for _, accum := range state.accums {
		if accum.asin != "" || accum.crossReferenced {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		accum.crossReferenced = true
		for _, isbn := range []string{accum.isbn10, accum.isbn13} {
			if isbn == "" {
				continue
			}
			candidate := s.lookupCandidate(ctx, region, domain.Identifier{Kind: domain.IdentifierASIN, Value: isbn})
			if candidate == nil {
				continue
			}
			sanitizeCandidate(candidate)
			slog.Debug("cross-reference resolved secondary candidate",
				slog.String("isbn", isbn),
				slog.String("asin", candidate.ASIN),
			)
			accum.absorb(*candidate, true)
			state.reindex(accum)
			break
		}
	}
}

// finalize resolves field conflicts by source priority: candidates are
// ordered primary-first and the first non-empty value of each field wins.
func (a *mergeAccum) finalize(s *Service) domain.CanonicalRecord {
	ordered := make([]domain.Candidate, len(a.candidates))
	copy(ordered, a.candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return s.sourcePriorityIndex(ordered[i].Source) < s.sourcePriorityIndex(ordered[j].Source)
	})

	record := domain.CanonicalRecord{
		ASIN:                a.asin,
		ISBN10:              a.isbn10,
		ISBN13:              a.isbn13,
		BestRankPosition:    a.bestRank,
		FirstDiscoveryOrder: a.firstDiscoveryOrder,
	}
	for _, c := range ordered {
		if record.Title == "" {
			record.Title = c.Title
		}
		if record.Subtitle == "" {
			record.Subtitle = c.Subtitle
		}
		if len(record.Authors) == 0 {
			record.Authors = append([]string(nil), c.Authors...)
		}
		if len(record.Narrators) == 0 {
			record.Narrators = append([]string(nil), c.Narrators...)
		}
		if record.CoverURL == "" {
			record.CoverURL = c.CoverURL
		}
		if record.RuntimeMinutes == 0 {
			record.RuntimeMinutes = c.RuntimeMinutes
		}
		if record.PublishDate == nil && c.PublishDate != nil {
			date := *c.PublishDate
			record.PublishDate = &date
		}
	}

	if len(a.sources) > 1 {
		record.Source = domain.SourceMerged
	} else {
		record.Source = ordered[0].Source
	}
	return record
}

// sanitizeCandidate normalizes identifier fields and clears values that fail
// classification, so unclassifiable strings never participate in
// identifier-based matching.
func sanitizeCandidate(c *domain.Candidate) {
	if c.ASIN != "" {
		if id, err := ClassifyIdentifier(c.ASIN); err == nil && id.Kind == domain.IdentifierASIN {
			c.ASIN = id.Value
		} else if err == nil && id.Kind == domain.IdentifierISBN10 {
			// Checksum-valid 10-digit "ASINs" are ISBN-10s in ASIN clothing;
			// keep both faces.
			c.ASIN = id.Value
			if c.ISBN10 == "" {
				c.ISBN10 = id.Value
			}
		} else {
			c.ASIN = ""
		}
	}
	if c.ISBN10 != "" {
		value := NormalizeIdentifier(c.ISBN10)
		if ValidISBN10(value) {
			c.ISBN10 = value
		} else {
			c.ISBN10 = ""
		}
	}
	if c.ISBN13 != "" {
		value := NormalizeIdentifier(c.ISBN13)
		if ValidISBN13(value) {
			c.ISBN13 = value
		} else {
			c.ISBN13 = ""
		}
	}
}

// isbn13Key is the ISBN-13 a candidate matches under, converting its ISBN-10
// when it has no explicit ISBN-13.
func isbn13Key(c domain.Candidate) string {
	if c.ISBN13 != "" {
		return c.ISBN13
	}
	if c.ISBN10 != "" {
		if converted, err := ISBN10To13(c.ISBN10); err == nil {
			return converted
		}
	}
	return ""
}
