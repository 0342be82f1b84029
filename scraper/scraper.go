package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
)

// RecordSink receives extracted records in crawl order.
type RecordSink interface {
	Process(record *models.ProductRecord) error
}

// PageExtractor turns a catalog page into records and its slug entry.
type PageExtractor interface {
	Extract(page *models.CatalogPage, venue *models.VenueTarget) ([]*models.ProductRecord, models.CategorySlugEntry)
}

type fetchFunc func(ctx context.Context, url string) (*FetchResult, error)

// CrawlState is everything the crawl mutates. It is owned by a single Scraper.
type CrawlState struct {
	Venues         []*models.VenueTarget
	NextCategoryID int
	LastCategoryID int
	Failures       *FailureQueue
	Manifest       *models.SlugManifest
	PageCount      int
	RecordCount    int
	RecoveredCount int
}

// NewCrawlState starts every venue at category id 1.
func NewCrawlState(venues []*models.VenueTarget, failures *FailureQueue) *CrawlState {
	if failures == nil {
		failures = NewFailureQueue(nil)
	}
	return &CrawlState{
		Venues:         venues,
		NextCategoryID: 1,
		Failures:       failures,
		Manifest:       models.NewSlugManifest(),
	}
}

// Active returns the number of venues not yet exhausted.
func (s *CrawlState) Active() int {
	n := 0
	for _, v := range s.Venues {
		if !v.Exhausted {
			n++
		}
	}
	return n
}

// Done reports whether every venue is exhausted.
func (s *CrawlState) Done() bool {
	return s.Active() == 0
}

// Scraper drives the round-robin category crawl across venues.
type Scraper struct {
	cfg       *config.Config
	fetcher   *Fetcher
	extractor PageExtractor
	state     *CrawlState
	Metrics   *Metrics
}

// NewScraper builds a scraper for every configured venue. seed entries are swept after the crawl.
func NewScraper(cfg *config.Config, extractor PageExtractor, seed ...models.FailedFetch) (*Scraper, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}

	venues := make([]*models.VenueTarget, 0, len(cfg.Venues))
	for _, slug := range cfg.Venues {
		venues = append(venues, models.NewVenueTarget(cfg.APIBaseURL, slug, cfg.Language))
	}

	metrics := NewMetrics()
	s := &Scraper{
		cfg:       cfg,
		fetcher:   NewFetcher(cfg, metrics),
		extractor: extractor,
		state:     NewCrawlState(venues, NewFailureQueue(metrics, seed...)),
		Metrics:   metrics,
	}
	return s, nil
}

// WithTransport replaces the HTTP transport used for every request.
func (s *Scraper) WithTransport(transport http.RoundTripper) {
	s.fetcher.WithTransport(transport)
}

// State exposes the crawl state, e.g. for the slug manifest after Run.
func (s *Scraper) State() *CrawlState {
	return s.state
}

// Run crawls until every venue is exhausted, then sweeps the failure queue.
// Cancellation is not an error: the result is marked Cancelled and lists what is unresolved.
func (s *Scraper) Run(ctx context.Context, sink RecordSink) (*models.ScraperResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if sink == nil {
		return nil, fmt.Errorf("record sink is required")
	}

	start := time.Now()
	state := s.state
	s.Metrics.SetVenuesActive(state.Active())

	cancelled := s.crawl(ctx, sink) != nil
	if !cancelled {
		if err := s.Sweep(ctx, sink); err != nil {
			if ctx.Err() == nil {
				return nil, fmt.Errorf("retry sweep: %w", err)
			}
			cancelled = true
		}
	}
	if cancelled {
		slog.Warn("crawl cancelled",
			slog.Int("unresolved", state.Failures.Len()),
			slog.Int("records", state.RecordCount),
		)
	}

	result := &models.ScraperResult{
		StartTime:       start,
		EndTime:         time.Now(),
		Venues:          len(state.Venues),
		ExhaustedVenues: len(state.Venues) - state.Active(),
		LastCategoryID:  state.LastCategoryID,
		PageCount:       state.PageCount,
		RecordCount:     state.RecordCount,
		RequestCount:    s.fetcher.RequestCount(),
		ErrorCount:      s.fetcher.ErrorCount(),
		RetryCount:      s.fetcher.RetryCount(),
		ErrorsByType:    s.fetcher.ErrorsByType(),
		RecoveredCount:  state.RecoveredCount,
		Unresolved:      state.Failures.Pending(),
		Cancelled:       cancelled,
	}
	return result, nil
}

// crawl visits category ids in increasing order, every active venue per id, in configured order.
func (s *Scraper) crawl(ctx context.Context, sink RecordSink) error {
	state := s.state
	for !state.Done() {
		id := state.NextCategoryID
		if s.cfg.MaxCategoryID > 0 && id > s.cfg.MaxCategoryID {
			for _, venue := range state.Venues {
				if !venue.Exhausted {
					slog.Warn("venue still active at category ceiling",
						slog.String("venue", venue.Slug),
						slog.Int("max_category_id", s.cfg.MaxCategoryID),
					)
				}
			}
			return nil
		}

		state.LastCategoryID = id
		for _, venue := range state.Venues {
			if venue.Exhausted {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.crawlCategory(ctx, venue, id, sink); err != nil {
				return err
			}
		}
		state.NextCategoryID++
	}
	return nil
}

// crawlCategory fetches one category of one venue and follows its pagination chain.
// It only returns an error when ctx is done.
func (s *Scraper) crawlCategory(ctx context.Context, venue *models.VenueTarget, id int, sink RecordSink) error {
	primary := venue.URL(id)
	res, err := s.fetcher.Fetch(ctx, primary)
	if err != nil {
		s.enqueue(venue, id, primary, models.FetchPrimary, err)
		return ctx.Err()
	}
	if res.NotFound {
		if venue.Exhaust() {
			s.Metrics.IncNotFound()
			s.Metrics.SetVenuesActive(s.state.Active())
			slog.Info("venue exhausted",
				slog.String("venue", venue.Slug),
				slog.Int("category_id", id),
			)
		}
		return nil
	}

	slog.Info("category fetched",
		slog.String("venue", venue.StoreName),
		slog.Int("category_id", id),
		slog.String("category", res.Page.Category.Name),
		slog.Int("items", len(res.Page.Items)),
	)
	token := s.process(res.Page, venue, sink)
	return s.followPagination(ctx, venue, id, primary, token, sink, s.fetcher.Fetch)
}

// followPagination walks next_page_token links. A failed page is queued and ends the chain.
func (s *Scraper) followPagination(ctx context.Context, venue *models.VenueTarget, id int, primary, token string, sink RecordSink, fetch fetchFunc) error {
	for token != "" {
		pageURL := models.PaginationURL(primary, token)
		res, err := fetch(ctx, pageURL)
		if err != nil {
			s.enqueue(venue, id, pageURL, models.FetchPagination, err)
			return ctx.Err()
		}
		if res.NotFound {
			slog.Warn("pagination page not found",
				slog.String("venue", venue.Slug),
				slog.Int("category_id", id),
				slog.String("url", pageURL),
			)
			return nil
		}
		token = s.process(res.Page, venue, sink)
	}
	return nil
}

// process extracts a page, records its slug entry and emits its records. It returns the next page token.
func (s *Scraper) process(page *models.CatalogPage, venue *models.VenueTarget, sink RecordSink) string {
	records, entry := s.extractor.Extract(page, venue)
	s.state.Manifest.Add(entry)
	s.state.PageCount++

	for _, record := range records {
		if err := sink.Process(record); err != nil {
			if !errors.Is(err, pipeline.ErrPipelineClosed) {
				slog.Error("pipeline process error", slog.Any("error", err))
			}
			continue
		}
		s.state.RecordCount++
	}
	s.Metrics.AddRecords(len(records))
	return page.Metadata.NextPageToken
}

func (s *Scraper) enqueue(venue *models.VenueTarget, id int, url string, kind models.FetchKind, err error) {
	attempts := 0
	var failure *ErrRetrievalFailure
	if errors.As(err, &failure) {
		attempts = failure.Attempts
	}
	entry := models.FailedFetch{
		URL:        url,
		Kind:       kind,
		VenueSlug:  venue.Slug,
		BaseURL:    venue.BaseURL,
		CategoryID: id,
		Attempts:   attempts,
		LastError:  err.Error(),
	}
	s.state.Failures.Push(entry)
	slog.Warn("fetch queued for retry sweep",
		slog.String("venue", venue.Slug),
		slog.Int("category_id", id),
		slog.String("kind", string(kind)),
		slog.Any("error", err),
	)
}

// venueFor resolves the venue of a queued entry, rebuilding it for entries seeded from a previous run.
func (s *Scraper) venueFor(entry models.FailedFetch) *models.VenueTarget {
	for _, venue := range s.state.Venues {
		if venue.Slug == entry.VenueSlug {
			return venue
		}
	}
	return &models.VenueTarget{
		Slug:      entry.VenueSlug,
		BaseURL:   entry.BaseURL,
		StoreName: models.StoreNameFromSlug(entry.VenueSlug),
		Language:  s.cfg.Language,
	}
}
