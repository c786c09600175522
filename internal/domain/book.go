package domain

import "time"

type IdentifierKind string

const (
	IdentifierISBN10 IdentifierKind = "isbn10"
	IdentifierISBN13 IdentifierKind = "isbn13"
	IdentifierASIN   IdentifierKind = "asin"
)

// Identifier is a classified, normalized book/edition code. Value is stored
// without separators and uppercased.
type Identifier struct {
	Kind  IdentifierKind `json:"kind"`
	Value string         `json:"value"`
}

func (i Identifier) IsZero() bool {
	return i.Value == ""
}

type SourceName string

const (
	SourceAudible     SourceName = "audible"
	SourceGoogleBooks SourceName = "googlebooks"
	SourceOpenLibrary SourceName = "openlibrary"
	// SourceMerged marks a record assembled from more than one source.
	SourceMerged SourceName = "merged"
)

// Candidate is one source's raw search hit for one query variant. It only
// lives for the duration of a single aggregation pass.
type Candidate struct {
	Source         SourceName `json:"source"`
	VariantIndex   int        `json:"variantIndex"`
	RankPosition   int        `json:"rankPosition"`
	ASIN           string     `json:"asin,omitempty"`
	ISBN10         string     `json:"isbn10,omitempty"`
	ISBN13         string     `json:"isbn13,omitempty"`
	Title          string     `json:"title"`
	Subtitle       string     `json:"subtitle,omitempty"`
	Authors        []string   `json:"authors,omitempty"`
	Narrators      []string   `json:"narrators,omitempty"`
	CoverURL       string     `json:"coverUrl,omitempty"`
	RuntimeMinutes int        `json:"runtimeMinutes,omitempty"`
	PublishDate    *time.Time `json:"publishDate,omitempty"`
}

// HasIdentifier reports whether the candidate carries at least one classified
// identifier and is therefore eligible for identifier-based matching.
func (c Candidate) HasIdentifier() bool {
	return c.ASIN != "" || c.ISBN10 != "" || c.ISBN13 != ""
}

// CanonicalRecord is the deduplicated, merged representation of one book
// across sources. Records are immutable once ranked; a later search for the
// same query produces new records rather than mutating old ones.
type CanonicalRecord struct {
	ASIN           string     `json:"asin,omitempty"`
	ISBN10         string     `json:"isbn10,omitempty"`
	ISBN13         string     `json:"isbn13,omitempty"`
	Title          string     `json:"title"`
	Subtitle       string     `json:"subtitle,omitempty"`
	Authors        []string   `json:"authors,omitempty"`
	Narrators      []string   `json:"narrators,omitempty"`
	CoverURL       string     `json:"coverUrl,omitempty"`
	RuntimeMinutes int        `json:"runtimeMinutes,omitempty"`
	PublishDate    *time.Time `json:"publishDate,omitempty"`
	Source         SourceName `json:"source"`

	// BestRankPosition is the lowest in-source rank this book achieved in any
	// source and query variant of the pass that produced it.
	BestRankPosition int `json:"bestRankPosition"`
	// FirstDiscoveryOrder is the pass-relative insertion index of the first
	// candidate that started this record, used only as a ranking tie-break.
	FirstDiscoveryOrder int `json:"firstDiscoveryOrder"`
}

// ResolveKey returns the identifier used to re-resolve this record against
// the persistent store: ASIN when present, else ISBN-13, else ISBN-10.
func (r CanonicalRecord) ResolveKey() Identifier {
	switch {
	case r.ASIN != "":
		return Identifier{Kind: IdentifierASIN, Value: r.ASIN}
	case r.ISBN13 != "":
		return Identifier{Kind: IdentifierISBN13, Value: r.ISBN13}
	case r.ISBN10 != "":
		return Identifier{Kind: IdentifierISBN10, Value: r.ISBN10}
	default:
		return Identifier{}
	}
}

// Identifiers returns every classified identifier the record carries.
func (r CanonicalRecord) Identifiers() []Identifier {
	ids := make([]Identifier, 0, 3)
	if r.ASIN != "" {
		ids = append(ids, Identifier{Kind: IdentifierASIN, Value: r.ASIN})
	}
	if r.ISBN13 != "" {
		ids = append(ids, Identifier{Kind: IdentifierISBN13, Value: r.ISBN13})
	}
	if r.ISBN10 != "" {
		ids = append(ids, Identifier{Kind: IdentifierISBN10, Value: r.ISBN10})
	}
	return ids
}

// Snapshot is a detached cache copy of a canonical record. It shares no
// mutable state with store-backed rows; Key is the minimal identifier needed
// to re-resolve the record on a cache hit.
type Snapshot struct {
	Key    Identifier      `json:"key"`
	Record CanonicalRecord `json:"record"`
}

// LiveRecord is a store-backed row, guaranteed to exist at the moment it was
// fetched.
type LiveRecord struct {
	ID        int64           `json:"id"`
	Record    CanonicalRecord `json:"record"`
	Requested bool            `json:"requested"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type SourceStatus struct {
	Name  SourceName `json:"name"`
	OK    bool       `json:"ok"`
	Count int        `json:"count"`
	Error string     `json:"error,omitempty"`
}

type SearchRequest struct {
	Query   string
	Limit   int
	Region  string
	NoCache bool
}

type SearchResponse struct {
	Query     string         `json:"query"`
	Region    string         `json:"region"`
	Items     []LiveRecord   `json:"items"`
	Sources   []SourceStatus `json:"sources,omitempty"`
	Variants  []string       `json:"variants,omitempty"`
	Cached    bool           `json:"cached"`
	ElapsedMS int64          `json:"elapsedMs"`
}
