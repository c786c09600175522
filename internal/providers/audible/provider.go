package audible

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"bookrequest/searchservice/internal/domain"
)

const (
	defaultUserAgent       = "book-request-search/1.0"
	defaultAudimetaBase    = "https://audimeta.de"
	defaultAudnexusBase    = "https://api.audnex.us"
	defaultRegion          = "us"
	maxConcurrentDetails   = 8
	maxResponseBytes       = 4 * 1024 * 1024
	defaultDetailRateLimit = 10 // requests per second against the metadata hosts
)

// regionHosts maps a region key to the audible.com TLD suffix used by the
// catalog API.
var regionHosts = map[string]string{
	"us": ".com",
	"ca": ".ca",
	"uk": ".co.uk",
	"au": ".com.au",
	"fr": ".fr",
	"de": ".de",
	"jp": ".co.jp",
	"it": ".it",
	"in": ".in",
	"es": ".es",
	"br": ".com.br",
}

// ValidRegion reports whether the region key is a known catalog region.
func ValidRegion(region string) bool {
	_, ok := regionHosts[strings.ToLower(strings.TrimSpace(region))]
	return ok
}

type Config struct {
	// Region selects the catalog host, e.g. "us" -> api.audible.com.
	Region string
	// SearchEndpoint overrides the catalog search URL, mainly for tests.
	SearchEndpoint string
	// AudimetaEndpoint and AudnexusEndpoint override the detail hosts. The
	// catalog search API only returns bare ASINs; full metadata comes from
	// audimeta first, audnexus as fallback.
	AudimetaEndpoint string
	AudnexusEndpoint string
	UserAgent        string
	Client           *http.Client
	// DetailRate bounds requests per second against the detail hosts.
	DetailRate float64
}

// Provider is the primary catalog source. Search is two-tier: the catalog
// API yields ranked ASINs, and each ASIN is resolved to full metadata via
// the detail endpoints. The catalog host follows the request region; calls
// without a usable region fall back to the configured default.
type Provider struct {
	client         *http.Client
	region         string
	searchOverride string
	audimetaBase   string
	audnexusBase   string
	userAgent      string
	limiter        *rate.Limiter
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	region := strings.ToLower(strings.TrimSpace(cfg.Region))
	if _, ok := regionHosts[region]; !ok {
		region = defaultRegion
	}
	audimetaBase := strings.TrimRight(strings.TrimSpace(cfg.AudimetaEndpoint), "/")
	if audimetaBase == "" {
		audimetaBase = defaultAudimetaBase
	}
	audnexusBase := strings.TrimRight(strings.TrimSpace(cfg.AudnexusEndpoint), "/")
	if audnexusBase == "" {
		audnexusBase = defaultAudnexusBase
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	detailRate := cfg.DetailRate
	if detailRate <= 0 {
		detailRate = defaultDetailRateLimit
	}

	return &Provider{
		client:         client,
		region:         region,
		searchOverride: strings.TrimSpace(cfg.SearchEndpoint),
		audimetaBase:   audimetaBase,
		audnexusBase:   audnexusBase,
		userAgent:      userAgent,
		limiter:        rate.NewLimiter(rate.Limit(detailRate), int(detailRate)),
	}
}

func (p *Provider) Name() domain.SourceName {
	return domain.SourceAudible
}

func (p *Provider) Region() string {
	return p.region
}

// resolveRegion picks the catalog region for one call: a known request
// region wins, anything else falls back to the configured default.
func (p *Provider) resolveRegion(region string) string {
	region = strings.ToLower(strings.TrimSpace(region))
	if _, ok := regionHosts[region]; ok {
		return region
	}
	return p.region
}

func (p *Provider) searchEndpointFor(region string) string {
	if p.searchOverride != "" {
		return p.searchOverride
	}
	return "https://api.audible" + regionHosts[region] + "/1.0/catalog/products"
}

type searchResponse struct {
	Products []struct {
		ASIN string `json:"asin"`
	} `json:"products"`
}

// Search resolves the query to ranked ASINs and fans out bounded concurrent
// detail lookups. ASINs whose detail fetch fails are dropped; catalog rank
// order is preserved in the result.
func (p *Provider) Search(ctx context.Context, query, region string, limit int) ([]domain.Candidate, error) {
	if limit <= 0 {
		limit = 50
	}
	resolved := p.resolveRegion(region)

	uri, err := url.Parse(p.searchEndpointFor(resolved))
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	params := uri.Query()
	params.Set("num_results", strconv.Itoa(limit))
	params.Set("products_sort_by", "Relevance")
	params.Set("keywords", strings.TrimSpace(query))
	uri.RawQuery = params.Encode()

	var parsed searchResponse
	if err := p.getJSON(ctx, uri.String(), &parsed); err != nil {
		return nil, fmt.Errorf("catalog search: %w", err)
	}

	asins := make([]string, 0, len(parsed.Products))
	seen := make(map[string]struct{}, len(parsed.Products))
	for _, product := range parsed.Products {
		asin := strings.ToUpper(strings.TrimSpace(product.ASIN))
		if asin == "" {
			continue
		}
		if _, dup := seen[asin]; dup {
			continue
		}
		seen[asin] = struct{}{}
		asins = append(asins, asin)
	}
	if len(asins) == 0 {
		return nil, nil
	}

	slots := make([]*domain.Candidate, len(asins))
	sem := semaphore.NewWeighted(maxConcurrentDetails)
	var wg sync.WaitGroup
	for i, asin := range asins {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, asin string) {
			defer wg.Done()
			defer sem.Release(1)
			candidate, err := p.fetchDetails(ctx, resolved, asin)
			if err != nil || candidate == nil {
				return
			}
			candidate.RankPosition = i
			slots[i] = candidate
		}(i, asin)
	}
	wg.Wait()

	candidates := make([]domain.Candidate, 0, len(slots))
	for _, candidate := range slots {
		if candidate != nil {
			candidates = append(candidates, *candidate)
		}
	}
	return candidates, nil
}

// Lookup fetches a single title via the detail endpoints. Ten-digit ISBNs
// share the ASIN shape and the catalog resolves many of them verbatim, so
// ISBN-10 values are tried as literal catalog IDs. ISBN-13s are not
// addressable here.
func (p *Provider) Lookup(ctx context.Context, region string, id domain.Identifier) (*domain.Candidate, error) {
	switch id.Kind {
	case domain.IdentifierASIN, domain.IdentifierISBN10:
	default:
		return nil, nil
	}
	if id.Value == "" {
		return nil, nil
	}
	return p.fetchDetails(ctx, p.resolveRegion(region), id.Value)
}

type audimetaDetail struct {
	ASIN          string       `json:"asin"`
	Title         string       `json:"title"`
	Subtitle      string       `json:"subtitle"`
	Authors       []namedEntry `json:"authors"`
	Narrators     []namedEntry `json:"narrators"`
	ImageURL      string       `json:"imageUrl"`
	ReleaseDate   string       `json:"releaseDate"`
	LengthMinutes int          `json:"lengthMinutes"`
}

type audnexusDetail struct {
	ASIN             string       `json:"asin"`
	Title            string       `json:"title"`
	Subtitle         string       `json:"subtitle"`
	Authors          []namedEntry `json:"authors"`
	Narrators        []namedEntry `json:"narrators"`
	Image            string       `json:"image"`
	ReleaseDate      string       `json:"releaseDate"`
	RuntimeLengthMin int          `json:"runtimeLengthMin"`
}

type namedEntry struct {
	Name string `json:"name"`
}

// fetchDetails tries audimeta first, then audnexus. Both hosts answering
// "not found" yields (nil, nil).
func (p *Provider) fetchDetails(ctx context.Context, region, asin string) (*domain.Candidate, error) {
	detailURL := fmt.Sprintf("%s/book/%s?region=%s", p.audimetaBase, url.PathEscape(asin), region)
	var audimeta audimetaDetail
	err := p.getJSON(ctx, detailURL, &audimeta)
	if err == nil && audimeta.ASIN != "" {
		return &domain.Candidate{
			Source:         domain.SourceAudible,
			ASIN:           strings.ToUpper(audimeta.ASIN),
			Title:          audimeta.Title,
			Subtitle:       audimeta.Subtitle,
			Authors:        names(audimeta.Authors),
			Narrators:      names(audimeta.Narrators),
			CoverURL:       audimeta.ImageURL,
			RuntimeMinutes: audimeta.LengthMinutes,
			PublishDate:    parseReleaseDate(audimeta.ReleaseDate),
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	fallbackURL := fmt.Sprintf("%s/books/%s?region=%s", p.audnexusBase, url.PathEscape(asin), region)
	var audnexus audnexusDetail
	if err := p.getJSON(ctx, fallbackURL, &audnexus); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("detail lookup %s: %w", asin, err)
	}
	if audnexus.ASIN == "" {
		return nil, nil
	}
	return &domain.Candidate{
		Source:         domain.SourceAudible,
		ASIN:           strings.ToUpper(audnexus.ASIN),
		Title:          audnexus.Title,
		Subtitle:       audnexus.Subtitle,
		Authors:        names(audnexus.Authors),
		Narrators:      names(audnexus.Narrators),
		CoverURL:       audnexus.Image,
		RuntimeMinutes: audnexus.RuntimeLengthMin,
		PublishDate:    parseReleaseDate(audnexus.ReleaseDate),
	}, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

func (p *Provider) getJSON(ctx context.Context, rawURL string, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Client-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func names(entries []namedEntry) []string {
	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		if name := strings.TrimSpace(entry.Name); name != "" {
			result = append(result, name)
		}
	}
	return result
}

func parseReleaseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			value := parsed.UTC()
			return &value
		}
	}
	return nil
}
