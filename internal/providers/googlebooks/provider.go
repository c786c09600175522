package googlebooks

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
	defaultEndpoint  = "https://www.googleapis.com/books/v1/volumes"
	defaultUserAgent = "book-request-search/1.0"
	// The volumes API rejects maxResults above 40.
	maxAPIResults    = 40
	maxResponseBytes = 4 * 1024 * 1024
	defaultRateLimit = 5
)

type Config struct {
	Endpoint  string
	APIKey    string
	UserAgent string
	Client    *http.Client
	// Rate bounds requests per second.
	Rate float64
}

// Provider is a metadata source backed by the Google Books volumes API.
// Hits carry ISBN identifiers, never ASINs.
type Provider struct {
	client    *http.Client
	endpoint  string
	apiKey    string
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
		apiKey:    strings.TrimSpace(cfg.APIKey),
		userAgent: userAgent,
		limiter:   rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)),
	}
}

func (p *Provider) Name() domain.SourceName {
	return domain.SourceGoogleBooks
}

type volumesResponse struct {
	Items []volumeItem `json:"items"`
}

type volumeItem struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Subtitle            string   `json:"subtitle"`
		Authors             []string `json:"authors"`
		PublishedDate       string   `json:"publishedDate"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		ImageLinks struct {
			Thumbnail      string `json:"thumbnail"`
			SmallThumbnail string `json:"smallThumbnail"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
}

// Search queries the single global volumes catalog; the region key has no
// meaning here and is ignored.
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
	params.Set("maxResults", strconv.Itoa(limit))
	params.Set("printType", "books")
	if p.apiKey != "" {
		params.Set("key", p.apiKey)
	}
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
		return nil, fmt.Errorf("volumes API HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	var parsed volumesResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode volumes payload: %w", err)
	}

	candidates := make([]domain.Candidate, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		candidate, ok := toCandidate(item)
		if !ok {
			continue
		}
		candidate.RankPosition = len(candidates)
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func toCandidate(item volumeItem) (domain.Candidate, bool) {
	info := item.VolumeInfo
	title := strings.TrimSpace(info.Title)
	if title == "" {
		return domain.Candidate{}, false
	}

	var isbn10, isbn13 string
	for _, identifier := range info.IndustryIdentifiers {
		value := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(identifier.Identifier), "-", ""))
		switch identifier.Type {
		case "ISBN_10":
			isbn10 = value
		case "ISBN_13":
			isbn13 = value
		}
	}

	cover := info.ImageLinks.Thumbnail
	if cover == "" {
		cover = info.ImageLinks.SmallThumbnail
	}

	return domain.Candidate{
		Source:      domain.SourceGoogleBooks,
		ISBN10:      isbn10,
		ISBN13:      isbn13,
		Title:       title,
		Subtitle:    strings.TrimSpace(info.Subtitle),
		Authors:     info.Authors,
		CoverURL:    cover,
		PublishDate: parsePublishedDate(info.PublishedDate),
	}, true
}

// parsePublishedDate accepts the volume API's year, year-month and full date
// forms.
func parsePublishedDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			value := parsed.UTC()
			return &value
		}
	}
	return nil
}
