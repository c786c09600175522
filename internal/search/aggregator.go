package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"bookrequest/searchservice/internal/domain"
	"bookrequest/searchservice/internal/metrics"
)

// maxConcurrentSources limits the number of catalog queries that can run
// simultaneously across one aggregation pass.
const maxConcurrentSources = 10

type preparedSearch struct {
	query    string
	region   string
	limit    int
	variants []string
	// directID is set when the query itself classifies as an identifier;
	// the pass then tries a direct lookup before any text search.
	directID domain.Identifier
}

func (p preparedSearch) cacheKey() CacheKey {
	return NewCacheKey(p.query, p.region)
}

// Search runs the full pipeline: cache lookup, aggregation fan-out, merge,
// rank, persistence and snapshot caching. A pass that finds nothing returns
// an empty list; source failures are reported in the response statuses, never
// as an error.
func (s *Service) Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error) {
	prepared, err := s.prepareSearch(request)
	if err != nil {
		return domain.SearchResponse{}, err
	}

	startedAt := time.Now()

	if !s.cacheDisabled && !request.NoCache {
		if items, ok := s.cache.Get(ctx, prepared.cacheKey()); ok {
			return domain.SearchResponse{
				Query:     prepared.query,
				Region:    prepared.region,
				Items:     items,
				Cached:    true,
				ElapsedMS: time.Since(startedAt).Milliseconds(),
			}, nil
		}
	}

	candidates, statuses, variantsRun := s.executePass(ctx, prepared)
	records := s.mergeCandidates(ctx, prepared.region, candidates)
	records = rankRecords(records, prepared.limit)

	// A cancelled caller gets whatever completed, but partial results are
	// never persisted or cached.
	if ctx.Err() == nil {
		items := s.persist(ctx, records)
		if !s.cacheDisabled {
			s.cache.Put(prepared.cacheKey(), records)
		}
		return domain.SearchResponse{
			Query:     prepared.query,
			Region:    prepared.region,
			Items:     items,
			Sources:   statuses,
			Variants:  variantsRun,
			ElapsedMS: time.Since(startedAt).Milliseconds(),
		}, nil
	}

	items := make([]domain.LiveRecord, 0, len(records))
	for _, record := range records {
		items = append(items, domain.LiveRecord{Record: record})
	}
	return domain.SearchResponse{
		Query:     prepared.query,
		Region:    prepared.region,
		Items:     items,
		Sources:   statuses,
		Variants:  variantsRun,
		ElapsedMS: time.Since(startedAt).Milliseconds(),
	}, nil
}

func (s *Service) prepareSearch(request domain.SearchRequest) (preparedSearch, error) {
	query := normalizeQuery(request.Query)
	if query == "" {
		return preparedSearch{}, ErrInvalidQuery
	}

	limit := request.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > s.perSourceLimit {
		limit = s.perSourceLimit
	}

	prepared := preparedSearch{
		query:    query,
		region:   normalizeRegion(request.Region),
		limit:    limit,
		variants: ExpandQuery(query),
	}
	if id, err := ClassifyIdentifier(query); err == nil {
		prepared.directID = id
	}
	return prepared, nil
}

// executePass fans the query variants out across the configured sources.
// Per variant, the primary source is queried first; once its distinct
// identifiers alone reach the sufficient count, remaining secondaries and
// variants are skipped. Secondary sources within a variant run concurrently,
// but candidates are collected in priority order so merge tie-breaks stay
// deterministic.
func (s *Service) executePass(ctx context.Context, prepared preparedSearch) ([]domain.Candidate, []domain.SourceStatus, []string) {
	runCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.passTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	// Direct-identifier fast path: some items are absent from text search but
	// still fetchable by identifier.
	if !prepared.directID.IsZero() {
		if candidate := s.lookupCandidate(runCtx, prepared.region, prepared.directID); candidate != nil {
			slog.Info("direct identifier lookup resolved, skipping expansion",
				slog.String("kind", string(prepared.directID.Kind)),
				slog.String("value", prepared.directID.Value),
			)
			return []domain.Candidate{*candidate},
				[]domain.SourceStatus{{Name: candidate.Source, OK: true, Count: 1}},
				nil
		}
	}

	ordered := s.orderedSources()
	primary := ordered[0]
	secondaries := ordered[1:]

	var candidates []domain.Candidate
	statusByName := make(map[domain.SourceName]*domain.SourceStatus, len(ordered))
	recordStatus := func(name domain.SourceName, count int, err error) {
		status := statusByName[name]
		if status == nil {
			status = &domain.SourceStatus{Name: name, OK: true}
			statusByName[name] = status
		}
		status.Count += count
		if err != nil {
			status.OK = false
			status.Error = err.Error()
		}
	}

	primaryIDs := make(map[string]struct{})
	sem := semaphore.NewWeighted(maxConcurrentSources)
	variantsRun := make([]string, 0, len(prepared.variants))

	for variantIndex, variant := range prepared.variants {
		if runCtx.Err() != nil {
			break
		}
		variantsRun = append(variantsRun, variant)

		items, err := s.querySource(runCtx, primary, variant, prepared.region, variantIndex)
		recordStatus(primary.Name(), len(items), err)
		candidates = append(candidates, items...)
		for _, item := range items {
			if key := candidateResolveKey(item); key != "" {
				primaryIDs[key] = struct{}{}
			}
		}

		if len(primaryIDs) >= s.sufficientCount {
			metrics.SearchShortCircuitsTotal.Inc()
			slog.Debug("primary source sufficient, short-circuiting pass",
				slog.String("query", prepared.query),
				slog.Int("variantsIssued", variantIndex+1),
				slog.Int("distinctIdentifiers", len(primaryIDs)),
			)
			break
		}

		// Secondary fan-out for this variant. Results land in per-source
		// slots and are appended in priority order after the wait.
		collected := make([][]domain.Candidate, len(secondaries))
		errs := make([]error, len(secondaries))
		var wg sync.WaitGroup
		for i, source := range secondaries {
			wg.Add(1)
			go func(slot int, current Source) {
				defer wg.Done()
				if err := sem.Acquire(runCtx, 1); err != nil {
					errs[slot] = fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
					return
				}
				defer sem.Release(1)
				collected[slot], errs[slot] = s.querySource(runCtx, current, variant, prepared.region, variantIndex)
			}(i, source)
		}
		wg.Wait()

		for i, source := range secondaries {
			recordStatus(source.Name(), len(collected[i]), errs[i])
			candidates = append(candidates, collected[i]...)
		}
	}

	statuses := make([]domain.SourceStatus, 0, len(statusByName))
	for _, name := range s.priority {
		if status := statusByName[name]; status != nil {
			statuses = append(statuses, *status)
		}
	}
	return candidates, statuses, variantsRun
}

// querySource runs one search call against one source, wrapped in the
// circuit breaker, per-call timeout and retry policy. Failures contribute
// zero candidates and are never propagated past the aggregation boundary.
func (s *Service) querySource(ctx context.Context, source Source, variant, region string, variantIndex int) ([]domain.Candidate, error) {
	name := source.Name()
	now := time.Now()
	if blocked, until, lastErr := s.isSourceBlocked(name, now); blocked {
		return nil, fmt.Errorf("%w: blocked until %s: %s",
			domain.ErrSourceUnavailable, until.UTC().Format(time.RFC3339), lastErr)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.sourceTimeout)
	defer cancel()

	startedAt := time.Now()
	var items []domain.Candidate
	searchErr := RetryWithBackoff(callCtx, DefaultRetryConfig(), func() error {
		var err error
		items, err = source.Search(callCtx, variant, region, s.perSourceLimit)
		return err
	})
	s.recordSourceResult(name, searchErr, time.Since(startedAt), time.Now())

	if searchErr != nil {
		slog.Warn("source search failed",
			slog.String("source", string(name)),
			slog.String("variant", variant),
			slog.String("error", searchErr.Error()),
		)
		if isTimeoutLikeError(searchErr) {
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceTimeout, searchErr)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, searchErr)
	}

	for i := range items {
		items[i].Source = name
		items[i].VariantIndex = variantIndex
		items[i].RankPosition = i
	}
	return items, nil
}

// LookupByIdentifier asks each source in priority order for the identifier
// and returns the first hit, or nil when no catalog carries it. Region-aware
// sources answer from their configured default region.
func (s *Service) LookupByIdentifier(ctx context.Context, id domain.Identifier) (*domain.Candidate, error) {
	if id.IsZero() {
		return nil, domain.ErrInvalidFormat
	}
	return s.lookupCandidate(ctx, "", id), nil
}

// MarkRequested flips the persistence flag that exempts a stored record from
// janitor cleanup.
func (s *Service) MarkRequested(ctx context.Context, id domain.Identifier, requested bool) error {
	if id.IsZero() {
		return domain.ErrInvalidFormat
	}
	return s.store.SetRequested(ctx, id, requested)
}

func (s *Service) lookupCandidate(ctx context.Context, region string, id domain.Identifier) *domain.Candidate {
	for _, source := range s.orderedSources() {
		if ctx.Err() != nil {
			return nil
		}
		candidate := s.lookupOnSource(ctx, source, region, id)
		if candidate != nil {
			return candidate
		}
	}
	return nil
}

func (s *Service) lookupOnSource(ctx context.Context, source Source, region string, id domain.Identifier) *domain.Candidate {
	name := source.Name()
	if blocked, _, _ := s.isSourceBlocked(name, time.Now()); blocked {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.sourceTimeout)
	defer cancel()

	startedAt := time.Now()
	candidate, err := source.Lookup(callCtx, region, id)
	s.recordSourceResult(name, err, time.Since(startedAt), time.Now())
	if err != nil {
		slog.Debug("source lookup failed",
			slog.String("source", string(name)),
			slog.String("identifier", id.Value),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if candidate == nil {
		return nil
	}
	candidate.Source = name
	return candidate
}

// persist upserts the ranked records so that cache rehydration has rows to
// resolve against. An upsert failure degrades to a detached record rather
// than dropping the result.
func (s *Service) persist(ctx context.Context, records []domain.CanonicalRecord) []domain.LiveRecord {
	items := make([]domain.LiveRecord, 0, len(records))
	for _, record := range records {
		live, err := s.store.Upsert(ctx, record)
		if err != nil {
			slog.Warn("record upsert failed",
				slog.String("title", record.Title),
				slog.String("error", err.Error()),
			)
			live = domain.LiveRecord{Record: record}
		}
		items = append(items, live)
	}
	return items
}

// candidateResolveKey mirrors CanonicalRecord.ResolveKey for raw candidates:
// the identifier that would dedupe this hit.
func candidateResolveKey(c domain.Candidate) string {
	switch {
	case c.ASIN != "":
		return "asin:" + c.ASIN
	case c.ISBN13 != "":
		return "isbn13:" + c.ISBN13
	case c.ISBN10 != "":
		return "isbn10:" + c.ISBN10
	default:
		return ""
	}
}
