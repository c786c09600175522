package openlibrary

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bookrequest/searchservice/internal/domain"
)

const (
	defaultEndpoint  = "https://openlibrary.org/search.json"
	defaultCoverBase = "https://covers.openlibrary.org"
	defaultUserAgent = "book-request-search/1.0"
	// search.json caps limit at 100.
	maxAPIResults    = 100
	maxResponseBytes = 4 * 1024 * 1024
	defaultRateLimit = 5
)

type Config struct {
	Endpoint  string
	CoverBase string
	UserAgent string
	Client    *http.Client
	// Rate bounds requests per second.
	Rate float64
}

// Provider is a metadata source backed by the Open Library search API. Docs
// carry mixed ISBN-10/ISBN-13 lists; the first of each length wins.
type Provider struct {
	client    *http.Client
	endpoint  string
	coverBase string
	userAgent string
	limiter   *rate.Limiter
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	coverBase := strings.TrimRight(strings.TrimSpace(cfg.CoverBase), "/")
	if coverBase == "" {
		coverBase = defaultCoverBase
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	rateLimit := cfg.Rate
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}

	return &Provider{
		client:    client,
		endpoint:  endpoint,
		coverBase: coverBase,
		userAgent: userAgent,
		limiter:   rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)),
	}
}

func (p *Provider) Name() domain.SourceName {
	return domain.SourceOpenLibrary
}

type searchResponse struct {
	Docs []searchDoc `json:"docs"`
}

type searchDoc struct {
	Title            string   `json:"title"`
	AuthorName       []string `json:"author_name"`
	ISBN             []string `json:"isbn"`
	CoverID          int64    `json:"cover_i"`
	FirstPublishYear int      `json:"first_publish_year"`
}

// Search queries the single global catalog; the region key has no meaning
// here and is ignored.
func (p *Provider) Search(ctx context.Context, query, _ string, limit int) ([]domain.Candidate, error) {
	if limit <= 0 || limit > maxAPIResults {
		limit = maxAPIResults
	}
	return p.search(ctx, strings.TrimSpace(query), limit)
}

// Lookup resolves ISBN identifiers via the isbn: query qualifier. ASINs are
// not addressable in this catalog.
func (p *Provider) Lookup(ctx context.Context, _ string, id domain.Identifier) (*domain.Candidate, error) {
	if id.Value == "" {
		return nil, nil
	}
	switch id.Kind {
	case domain.IdentifierISBN10, domain.IdentifierISBN13:
	default:
		return nil, nil
	}
	candidates, err := p.search(ctx, "isbn:"+id.Value, 1)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	candidate := candidates[0]
	return &candidate, nil
}

func (p *Provider) search(ctx context.Context, query string, limit int) ([]domain.Candidate, error) {
	uri, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	params := uri.Query()
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("fields", "title,author_name,isbn,cover_i,first_publish_year")
	uri.RawQuery = params.Encode()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("search API HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	var parsed searchResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode search payload: %w", err)
	}

	candidates := make([]domain.Candidate, 0, len(parsed.Docs))
	for _, doc := range parsed.Docs {
		candidate, ok := p.toCandidate(doc)
		if !ok {
			continue
		}
		candidate.RankPosition = len(candidates)
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func (p *Provider) toCandidate(doc searchDoc) (domain.Candidate, bool) {
	title := strings.TrimSpace(doc.Title)
	if title == "" {
		return domain.Candidate{}, false
	}

	var isbn10, isbn13 string
	for _, raw := range doc.ISBN {
		value := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", ""))
		switch len(value) {
		case 10:
			if isbn10 == "" {
				isbn10 = value
			}
		case 13:
			if isbn13 == "" {
				isbn13 = value
			}
		}
		if isbn10 != "" && isbn13 != "" {
			break
		}
	}

	var cover string
	if doc.CoverID > 0 {
		cover = fmt.Sprintf("%s/b/id/%d-M.jpg", p.coverBase, doc.CoverID)
	}
	var publishDate *time.Time
	if doc.FirstPublishYear > 0 {
		value := time.Date(doc.FirstPublishYear, time.January, 1, 0, 0, 0, 0, time.UTC)
		publishDate = &value
	}

	return domain.Candidate{
		Source:      domain.SourceOpenLibrary,
		ISBN10:      isbn10,
		ISBN13:      isbn13,
		Title:       title,
		Authors:     doc.AuthorName,
		CoverURL:    cover,
		PublishDate: publishDate,
	}, true
}
