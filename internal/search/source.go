package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookrequest/searchservice/internal/domain"
)

var (
	ErrInvalidQuery  = errors.New("query is required")
	ErrNoSources     = errors.New("no catalog sources configured")
	ErrUnknownSource = errors.New("source priority names an unconfigured source")
	ErrEmptyPriority = errors.New("source priority list is empty")
	ErrNilStore      = errors.New("persistent store is required")
)

// Source is one upstream catalog. Search returns raw candidates for a query
// variant; Lookup fetches a single candidate by identifier, returning
// (nil, nil) when the catalog simply does not carry the item. The region key
// selects the catalog host where the source is region-partitioned; sources
// with a single global catalog ignore it.
type Source interface {
	Name() domain.SourceName
	Search(ctx context.Context, query, region string, limit int) ([]domain.Candidate, error)
	Lookup(ctx context.Context, region string, id domain.Identifier) (*domain.Candidate, error)
}

// Store is the persistent-store collaborator owned by the surrounding
// application. Identifiers with no matching row are absent from the fetch
// result, never an error.
type Store interface {
	FetchByIdentifiers(ctx context.Context, ids []domain.Identifier) (map[domain.Identifier]domain.LiveRecord, error)
	Upsert(ctx context.Context, record domain.CanonicalRecord) (domain.LiveRecord, error)
	SetRequested(ctx context.Context, id domain.Identifier, requested bool) error
}

const (
	defaultPassTimeout     = 20 * time.Second
	defaultSourceTimeout   = 5 * time.Second
	defaultPerSourceLimit  = 50
	defaultSufficientCount = 10
)

type Service struct {
	sources         map[domain.SourceName]Source
	priority        []domain.SourceName
	store           Store
	cache           *SnapshotCache
	passTimeout     time.Duration
	sourceTimeout   time.Duration
	perSourceLimit  int
	sufficientCount int
	cacheDisabled   bool

	healthMu sync.Mutex
	health   map[domain.SourceName]*sourceHealth
}

type ServiceOption func(*Service)

func WithPassTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.passTimeout = timeout
		}
	}
}

func WithSourceTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.sourceTimeout = timeout
		}
	}
}

func WithPerSourceLimit(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.perSourceLimit = limit
		}
	}
}

func WithSufficientCount(count int) ServiceOption {
	return func(s *Service) {
		if count > 0 {
			s.sufficientCount = count
		}
	}
}

func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cache.ttl = ttl
		}
	}
}

func WithCacheMaxEntries(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.cache.maxEntries = limit
		}
	}
}

func WithCacheDisabled(disabled bool) ServiceOption {
	return func(s *Service) {
		s.cacheDisabled = disabled
	}
}

func WithRedisCache(backend *RedisCacheBackend) ServiceOption {
	return func(s *Service) {
		s.cache.redis = backend
	}
}

// NewService validates the source priority list against the configured
// sources. A misconfigured priority list is the only construction-time error
// path; everything at search time degrades instead of failing.
func NewService(sources []Source, store Store, priority []domain.SourceName, opts ...ServiceOption) (*Service, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if store == nil {
		return nil, ErrNilStore
	}
	if len(priority) == 0 {
		return nil, ErrEmptyPriority
	}

	registry := make(map[domain.SourceName]Source, len(sources))
	for _, source := range sources {
		if source == nil || source.Name() == "" {
			continue
		}
		registry[source.Name()] = source
	}
	for _, name := range priority {
		if _, ok := registry[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
		}
	}

	svc := &Service{
		sources:         registry,
		priority:        append([]domain.SourceName(nil), priority...),
		store:           store,
		passTimeout:     defaultPassTimeout,
		sourceTimeout:   defaultSourceTimeout,
		perSourceLimit:  defaultPerSourceLimit,
		sufficientCount: defaultSufficientCount,
		health:          make(map[domain.SourceName]*sourceHealth),
	}
	svc.cache = NewSnapshotCache(store, defaultCacheTTL)
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Cache exposes the snapshot cache so the surrounding application can wire
// invalidation hooks (row deleted or mutated upstream).
func (s *Service) Cache() *SnapshotCache {
	return s.cache
}

// StartBackground launches the lazy-sweep loop for the snapshot cache. It
// returns when ctx is cancelled.
func (s *Service) StartBackground(ctx context.Context) {
	if s.cacheDisabled {
		return
	}
	go s.cache.runSweeper(ctx)
}

// primarySource is the highest-priority source; it drives the short-circuit
// decision and identifier cross-referencing.
func (s *Service) primarySource() Source {
	return s.sources[s.priority[0]]
}

// orderedSources returns the configured sources in priority order.
func (s *Service) orderedSources() []Source {
	ordered := make([]Source, 0, len(s.priority))
	for _, name := range s.priority {
		ordered = append(ordered, s.sources[name])
	}
	return ordered
}

func (s *Service) sourcePriorityIndex(name domain.SourceName) int {
	for i, candidate := range s.priority {
		if candidate == name {
			return i
		}
	}
	// Merged and unknown names sort after every configured source.
	return len(s.priority)
}

// Sources lists the configured source names in priority order.
func (s *Service) Sources() []domain.SourceName {
	return append([]domain.SourceName(nil), s.priority...)
}
