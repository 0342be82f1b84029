// Package models defines data structures for the catalog crawler.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// VenueTarget is one storefront crawled category by category.
type VenueTarget struct {
	Slug      string
	BaseURL   string
	StoreName string
	Language  string
	Exhausted bool
}

// NewVenueTarget builds the target for a venue slug under the assortment API base.
func NewVenueTarget(apiBase, slug, language string) *VenueTarget {
	return &VenueTarget{
		Slug:      slug,
		BaseURL:   fmt.Sprintf("%s/venues/slug/%s/assortment", strings.TrimRight(apiBase, "/"), slug),
		StoreName: StoreNameFromSlug(slug),
		Language:  language,
	}
}

// URL renders the primary category URL for categoryID.
func (v *VenueTarget) URL(categoryID int) string {
	return fmt.Sprintf("%s/categories/slug/%d?language=%s", v.BaseURL, categoryID, url.QueryEscape(v.Language))
}

// Exhaust marks the venue as done. It reports whether the state changed.
func (v *VenueTarget) Exhaust() bool {
	if v.Exhausted {
		return false
	}
	v.Exhausted = true
	return true
}

// StoreNameFromSlug keeps the part of a venue slug before its first digit.
func StoreNameFromSlug(slug string) string {
	idx := strings.IndexFunc(slug, unicode.IsDigit)
	if idx >= 0 {
		slug = slug[:idx]
	}
	return strings.TrimRight(slug, "-")
}

// PaginationURL appends a page token to a primary category URL.
func PaginationURL(primary, token string) string {
	return primary + "&page_token=" + url.QueryEscape(token)
}

// CatalogCategory is the category block of a catalog page.
type CatalogCategory struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// CatalogMetadata carries the pagination cursor.
type CatalogMetadata struct {
	NextPageToken string `json:"next_page_token"`
}

// CatalogPage is one decoded category page.
type CatalogPage struct {
	Items    []json.RawMessage `json:"-"`
	Category CatalogCategory   `json:"category"`
	Metadata CatalogMetadata   `json:"metadata"`
	Detail   json.RawMessage   `json:"detail"`
}

// UnmarshalJSON accepts items as a list, a single object, or null.
func (p *CatalogPage) UnmarshalJSON(data []byte) error {
	type plain CatalogPage
	var aux struct {
		plain
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = CatalogPage(aux.plain)

	raw := bytes.TrimSpace(aux.Items)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		p.Items = nil
	case raw[0] == '[':
		if err := json.Unmarshal(raw, &p.Items); err != nil {
			return fmt.Errorf("decode items: %w", err)
		}
	default:
		p.Items = []json.RawMessage{raw}
	}
	return nil
}

// IsNotFound reports whether the payload is the "category does not exist" marker.
func (p *CatalogPage) IsNotFound() bool {
	return strings.Contains(strings.ToLower(string(p.Detail)), "not found")
}

// ProductRecord is one normalized product. JSON keys are consumed verbatim downstream.
type ProductRecord struct {
	ImageURL          string  `json:"Image URL"`
	CurrentPrice      float64 `json:"Current Price"`
	OldPrice          float64 `json:"Old Price"`
	Description       string  `json:"Description"`
	Title             string  `json:"Title"`
	Store             string  `json:"Store"`
	ProductLink       string  `json:"Product Link"`
	ProdID            string  `json:"Prod ID"`
	Unit              string  `json:"Unit"`
	MetrPrice         float64 `json:"MetrPrice"`
	Quantity          float64 `json:"Quantity"`
	LowValFlag        string  `json:"LowValFlag"`
	RawCategory       string  `json:"catheg"`
	CanonicalCategory string  `json:"Cathegori"`
	CategorySlug      string  `json:"CategorySlug"`
}

const (
	LowValue    = "Low"
	NormalValue = "Norm"
)

// CategorySlugEntry records a (category, store) pair seen while crawling.
type CategorySlugEntry struct {
	CategoryName string `json:"category_name"`
	CategorySlug string `json:"category_slug"`
	StoreName    string `json:"store_name"`
	StoreSlug    string `json:"store_slug"`
	HasItems     bool   `json:"has_items"`
}

// SlugManifest is an append-only list of slug entries unique by (category slug, store slug).
type SlugManifest struct {
	entries []CategorySlugEntry
	index   map[string]struct{}
}

// NewSlugManifest returns an empty manifest.
func NewSlugManifest() *SlugManifest {
	return &SlugManifest{index: make(map[string]struct{})}
}

// Add appends entry unless its pair is already present. It reports whether it was added.
func (m *SlugManifest) Add(entry CategorySlugEntry) bool {
	key := entry.CategorySlug + "\x00" + entry.StoreSlug
	if _, ok := m.index[key]; ok {
		return false
	}
	m.index[key] = struct{}{}
	m.entries = append(m.entries, entry)
	return true
}

// Len returns the number of unique entries.
func (m *SlugManifest) Len() int {
	return len(m.entries)
}

// Entries returns a copy of the entries in insertion order.
func (m *SlugManifest) Entries() []CategorySlugEntry {
	out := make([]CategorySlugEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// FetchKind distinguishes a category's first page from its continuation pages.
type FetchKind string

const (
	FetchPrimary    FetchKind = "primary"
	FetchPagination FetchKind = "pagination"
)

// FailedFetch is a fetch that exhausted the bounded retry budget.
type FailedFetch struct {
	URL        string    `json:"url"`
	Kind       FetchKind `json:"kind"`
	VenueSlug  string    `json:"venue_slug"`
	BaseURL    string    `json:"base_url"`
	CategoryID int       `json:"category_id"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
}

// Snapshot is the deduplicated output of one crawl.
type Snapshot struct {
	Date     time.Time
	Records  []*ProductRecord
	Manifest []CategorySlugEntry
}

// ScraperResult holds the overall result of a crawl.
type ScraperResult struct {
	StartTime       time.Time
	EndTime         time.Time
	Venues          int
	ExhaustedVenues int
	LastCategoryID  int
	PageCount       int
	RecordCount     int
	RequestCount    int
	ErrorCount      int
	RetryCount      int
	ErrorsByType    map[string]int
	RecoveredCount  int
	Unresolved      []FailedFetch
	Cancelled       bool
}
