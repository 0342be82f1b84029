package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIBase = "http://api.test/v1"

func testConfig(venues ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.APIBaseURL = testAPIBase
	cfg.Venues = venues
	cfg.RequestRate = 0
	cfg.Timeout = time.Second
	cfg.MaxAttempts = 10
	cfg.RetryUnit = time.Millisecond
	return cfg
}

// fakeCatalog serves an assortment API from memory.
type fakeCatalog struct {
	mu         sync.Mutex
	categories map[string]int // venue slug -> highest existing category id
	pages      int
	items      int
	failures   map[string]int // request key -> failures left before it succeeds
	failStatus int
	failBody   string
	requests   []string
}

func newFakeCatalog(categories map[string]int) *fakeCatalog {
	return &fakeCatalog{
		categories: categories,
		pages:      1,
		items:      2,
		failures:   make(map[string]int),
		failStatus: http.StatusServiceUnavailable,
		failBody:   `{"detail":"try again"}`,
	}
}

func requestKey(slug string, id int, token string) string {
	return fmt.Sprintf("%s/%d/%s", slug, id, token)
}

func (f *fakeCatalog) failNext(key string, n int) {
	f.mu.Lock()
	f.failures[key] = n
	f.mu.Unlock()
}

func (f *fakeCatalog) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeCatalog) transport() *httpmock.MockTransport {
	transport := httpmock.NewMockTransport()
	transport.RegisterNoResponder(f.respond)
	return transport
}

func (f *fakeCatalog) respond(req *http.Request) (*http.Response, error) {
	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	slug := ""
	for i, part := range parts {
		if part == "venues" && i+2 < len(parts) {
			slug = parts[i+2]
		}
	}
	id, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || slug == "" {
		return jsonResponse(http.StatusBadRequest, `{"detail":"bad request"}`), nil
	}
	token := req.URL.Query().Get("page_token")
	key := requestKey(slug, id, token)

	f.mu.Lock()
	f.requests = append(f.requests, key)
	if left := f.failures[key]; left > 0 {
		f.failures[key] = left - 1
		status, body := f.failStatus, f.failBody
		f.mu.Unlock()
		return jsonResponse(status, body), nil
	}
	highest := f.categories[slug]
	pages, items := f.pages, f.items
	f.mu.Unlock()

	if id > highest {
		return jsonResponse(http.StatusNotFound, `{"detail":"Category not found"}`), nil
	}

	page := 1
	if token != "" {
		page, _ = strconv.Atoi(strings.TrimPrefix(token, "p"))
	}
	return jsonResponse(http.StatusOK, catalogBody(slug, id, page, pages, items)), nil
}

func catalogBody(slug string, id, page, pages, items int) string {
	list := make([]map[string]any, 0, items)
	for n := 1; n <= items; n++ {
		list = append(list, map[string]any{
			"id":     fmt.Sprintf("%s-%d-%d-%d", slug, id, page, n),
			"name":   fmt.Sprintf("Produs %d %d %d 500g", id, page, n),
			"price":  1000 + n,
			"images": []map[string]any{{"url": fmt.Sprintf("http://img.test/%s/%d/%d/%d.jpg", slug, id, page, n)}},
		})
	}
	body := map[string]any{
		"items":    list,
		"category": map[string]any{"name": fmt.Sprintf("Categoria %d", id), "slug": fmt.Sprintf("cat-%d", id)},
		"metadata": map[string]any{},
	}
	if page < pages {
		body["metadata"] = map[string]any{"next_page_token": fmt.Sprintf("p%d", page+1)}
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func jsonResponse(status int, body string) *http.Response {
	resp := httpmock.NewStringResponse(status, body)
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

type collectingSink struct {
	mu      sync.Mutex
	records []*models.ProductRecord
}

func (cs *collectingSink) Process(record *models.ProductRecord) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.records = append(cs.records, record)
	return nil
}

func (cs *collectingSink) All() []*models.ProductRecord {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*models.ProductRecord, len(cs.records))
	copy(out, cs.records)
	return out
}

func newTestScraper(t *testing.T, cfg *config.Config, fake *fakeCatalog, seed ...models.FailedFetch) *Scraper {
	t.Helper()
	extractor := pipeline.NewExtractor(nil, cfg.ProductLinkTemplate, cfg.LowValueThreshold)
	s, err := NewScraper(cfg, extractor, seed...)
	require.NoError(t, err)
	s.WithTransport(fake.transport())
	return s
}

func imageURLs(records []*models.ProductRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ImageURL)
	}
	sort.Strings(out)
	return out
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server", err: nil, statusCode: http.StatusBadGateway, expected: "server"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "status"},
		{name: "cancelled", err: context.Canceled, statusCode: 0, expected: "cancelled"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	cfg := testConfig("penny-1")
	bounded := BoundedPolicy(cfg)
	status := ErrServer{Status: 503, Err: errors.New("unavailable")}

	wait := bounded.InitialWait
	var waits []float64
	for i := 0; i < 7; i++ {
		waits = append(waits, wait)
		wait = bounded.Next(wait, status)
	}
	assert.Equal(t, []float64{1, 2, 4, 8, 16, 20, 20}, waits)
	assert.InDelta(t, 1.5, bounded.Next(1, ErrTimeout{Err: context.DeadlineExceeded}), 1e-9)
	assert.True(t, bounded.Bounded())

	unbounded := UnboundedPolicy(cfg)
	assert.False(t, unbounded.Bounded())
	assert.InDelta(t, 1.2, unbounded.Next(1, ErrRateLimited{Err: errors.New("429")}), 1e-9)
	assert.InDelta(t, 1.1, unbounded.Next(1, ErrConnection{Err: errors.New("reset")}), 1e-9)
	assert.Equal(t, 21.0, unbounded.Next(20, status))
	assert.Equal(t, 3*time.Millisecond, unbounded.Duration(3))
}

func TestRoundDelay(t *testing.T) {
	assert.InDelta(t, 2.1, roundDelay(1), 1e-9)
	assert.InDelta(t, 7.0, roundDelay(50), 1e-9)
	assert.Equal(t, 10.0, roundDelay(500))
}

func TestFetcherRetriesThenSucceeds(t *testing.T) {
	cfg := testConfig("penny-1")
	fake := newFakeCatalog(map[string]int{"penny-1": 3})
	fake.failNext(requestKey("penny-1", 2, ""), 3)

	s := newTestScraper(t, cfg, fake)
	venue := s.State().Venues[0]
	extractor := pipeline.NewExtractor(nil, cfg.ProductLinkTemplate, cfg.LowValueThreshold)

	flaky, err := s.fetcher.Fetch(context.Background(), venue.URL(2))
	require.NoError(t, err)
	assert.Equal(t, 4, flaky.Attempts)
	require.False(t, flaky.NotFound)

	clean, err := s.fetcher.Fetch(context.Background(), venue.URL(2))
	require.NoError(t, err)
	assert.Equal(t, 1, clean.Attempts)

	flakyRecords, _ := extractor.Extract(flaky.Page, venue)
	cleanRecords, _ := extractor.Extract(clean.Page, venue)
	assert.Equal(t, cleanRecords, flakyRecords)
	assert.Len(t, flakyRecords, 2)
	assert.Equal(t, 3, s.fetcher.RetryCount())
	assert.Equal(t, 3, s.fetcher.ErrorsByType()["server"])
}

func TestFetcherBoundedExhaustion(t *testing.T) {
	cfg := testConfig("penny-1")
	cfg.MaxAttempts = 3
	fake := newFakeCatalog(map[string]int{"penny-1": 3})
	fake.failStatus = http.StatusTooManyRequests
	fake.failNext(requestKey("penny-1", 1, ""), 100)

	s := newTestScraper(t, cfg, fake)
	url := s.State().Venues[0].URL(1)

	_, err := s.fetcher.Fetch(context.Background(), url)
	require.Error(t, err)

	var failure *ErrRetrievalFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 3, failure.Attempts)
	assert.Equal(t, url, failure.URL)
	assert.True(t, IsRetrievalFailure(err))
	assert.Equal(t, "rate_limited", errorTypeLabel(err))
	assert.Len(t, fake.log(), 3)
}

func TestFetcherNotFoundSignals(t *testing.T) {
	cfg := testConfig("penny-1")
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://api.test/status", httpmock.NewStringResponder(http.StatusNotFound, ""))
	transport.RegisterResponder("GET", "http://api.test/detail", httpmock.NewStringResponder(http.StatusOK, `{"detail":"Category Not Found"}`))

	f := NewFetcher(cfg, nil)
	f.WithTransport(transport)

	for _, url := range []string{"http://api.test/status", "http://api.test/detail"} {
		res, err := f.Fetch(context.Background(), url)
		require.NoError(t, err, url)
		assert.True(t, res.NotFound, url)
		assert.Nil(t, res.Page, url)
		assert.Equal(t, 1, res.Attempts, url)
	}
	assert.Equal(t, 0, f.ErrorCount())
}

func TestFetcherMalformedPayloadIsRetried(t *testing.T) {
	cfg := testConfig("penny-1")
	cfg.MaxAttempts = 2
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://api.test/broken", httpmock.NewStringResponder(http.StatusOK, "<html>oops</html>"))

	f := NewFetcher(cfg, NewMetrics())
	f.WithTransport(transport)

	_, err := f.Fetch(context.Background(), "http://api.test/broken")
	require.Error(t, err)
	assert.Equal(t, "malformed_payload", errorTypeLabel(err))
	assert.Equal(t, 2, f.ErrorsByType()["malformed_payload"])
	assert.Equal(t, 2, transport.GetTotalCallCount())
}

func TestFetcherUnboundedHandsBackMalformedPayload(t *testing.T) {
	cfg := testConfig("penny-1")
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://api.test/broken", httpmock.NewStringResponder(http.StatusOK, "<html>oops</html>"))

	f := NewFetcher(cfg, nil)
	f.WithTransport(transport)

	_, err := f.FetchUnbounded(context.Background(), "http://api.test/broken")
	require.Error(t, err)
	var malformed ErrMalformedPayload
	assert.True(t, errors.As(err, &malformed))
	assert.False(t, IsRetrievalFailure(err))
	assert.Equal(t, 1, transport.GetTotalCallCount())
	assert.Equal(t, 0, f.RetryCount())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (fn roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return fn(req)
}

func TestFetcherCancelAbortsInFlightRequest(t *testing.T) {
	cfg := testConfig("penny-1")
	cfg.Timeout = time.Minute

	f := NewFetcher(cfg, nil)
	f.WithTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := f.Fetch(ctx, "http://api.test/slow")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, f.RequestCount())
}

func TestFetcherCancelledWhileWaiting(t *testing.T) {
	cfg := testConfig("penny-1")
	cfg.RetryUnit = time.Hour
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://api.test/down", httpmock.NewStringResponder(http.StatusBadGateway, ""))

	f := NewFetcher(cfg, nil)
	f.WithTransport(transport)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.FetchUnbounded(ctx, "http://api.test/down")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsRetrievalFailure(err))
}

func TestScraperVenueExhaustionIsIndependent(t *testing.T) {
	cfg := testConfig("penny-4469-abc", "profi-3491-def")
	fake := newFakeCatalog(map[string]int{"penny-4469-abc": 6, "profi-3491-def": 10})
	s := newTestScraper(t, cfg, fake)
	sink := &collectingSink{}

	result, err := s.Run(context.Background(), sink)
	require.NoError(t, err)

	assert.False(t, result.Cancelled)
	assert.Equal(t, 2, result.ExhaustedVenues)
	assert.Equal(t, 11, result.LastCategoryID)
	assert.Empty(t, result.Unresolved)
	assert.Equal(t, (6+10)*2, result.RecordCount)
	assert.Len(t, sink.All(), (6+10)*2)

	maxID := map[string]int{}
	var order []string
	for _, key := range fake.log() {
		parts := strings.Split(key, "/")
		id, _ := strconv.Atoi(parts[1])
		assert.Greater(t, id, maxID[parts[0]]-1, "ids must not go backwards for %s", parts[0])
		if id > maxID[parts[0]] {
			maxID[parts[0]] = id
		}
		order = append(order, key)
	}
	assert.Equal(t, 7, maxID["penny-4469-abc"])
	assert.Equal(t, 11, maxID["profi-3491-def"])

	// Every venue is attempted at id i before any venue at i+1.
	assert.Equal(t, []string{
		"penny-4469-abc/1/", "profi-3491-def/1/",
		"penny-4469-abc/2/", "profi-3491-def/2/",
	}, order[:4])
	assert.Equal(t, "penny-4469-abc/7/", order[12])
	assert.Equal(t, "profi-3491-def/8/", order[14])

	records := sink.All()
	assert.Equal(t, "penny", records[0].Store)
	assert.Equal(t, "https://wolt.com/en/rou/bucharest/venue/penny-4469-abc/penny-4469-abc-1-1-1", records[0].ProductLink)
	assert.Equal(t, 500.0, records[0].Quantity)
	assert.Equal(t, 16, s.State().Manifest.Len())
}

func TestScraperFollowsPagination(t *testing.T) {
	cfg := testConfig("penny-1")
	fake := newFakeCatalog(map[string]int{"penny-1": 2})
	fake.pages = 3
	s := newTestScraper(t, cfg, fake)
	sink := &collectingSink{}

	result, err := s.Run(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 6, result.PageCount)
	assert.Len(t, sink.All(), 2*3*2)
	assert.Equal(t, []string{
		"penny-1/1/", "penny-1/1/p2", "penny-1/1/p3",
		"penny-1/2/", "penny-1/2/p2", "penny-1/2/p3",
		"penny-1/3/",
	}, fake.log())
	assert.Equal(t, 2, s.State().Manifest.Len())
}

func TestScraperZeroLossAfterSweep(t *testing.T) {
	venues := map[string]int{"penny-1": 3, "profi-2": 2}

	cleanFake := newFakeCatalog(venues)
	cleanFake.pages = 2
	clean := newTestScraper(t, testConfig("penny-1", "profi-2"), cleanFake)
	cleanSink := &collectingSink{}
	_, err := clean.Run(context.Background(), cleanSink)
	require.NoError(t, err)

	cfg := testConfig("penny-1", "profi-2")
	cfg.MaxAttempts = 2
	flakyFake := newFakeCatalog(venues)
	flakyFake.pages = 2
	flakyFake.failNext(requestKey("penny-1", 2, ""), 3)
	flakyFake.failNext(requestKey("profi-2", 1, "p2"), 3)
	flaky := newTestScraper(t, cfg, flakyFake)
	flakySink := &collectingSink{}

	result, err := flaky.Run(context.Background(), flakySink)
	require.NoError(t, err)

	assert.Empty(t, result.Unresolved)
	assert.Equal(t, 2, result.RecoveredCount)
	assert.False(t, result.Cancelled)
	assert.Equal(t, imageURLs(cleanSink.All()), imageURLs(flakySink.All()))
	assert.Len(t, pipeline.Dedupe(flakySink.All()), len(cleanSink.All()))
	assert.Equal(t, clean.State().Manifest.Len(), flaky.State().Manifest.Len())
}

func TestScraperSweepWalksRestOfChain(t *testing.T) {
	cfg := testConfig("penny-1")
	cfg.MaxAttempts = 1
	fake := newFakeCatalog(map[string]int{"penny-1": 1})
	fake.pages = 4
	fake.failNext(requestKey("penny-1", 1, "p2"), 1)
	s := newTestScraper(t, cfg, fake)
	sink := &collectingSink{}

	result, err := s.Run(context.Background(), sink)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"penny-1/1/", "penny-1/1/p2",
		"penny-1/2/",
		"penny-1/1/p2", "penny-1/1/p3", "penny-1/1/p4",
	}, fake.log())
	assert.Empty(t, result.Unresolved)
	assert.Equal(t, 1, result.RecoveredCount)
	assert.Equal(t, 4, result.PageCount)
	assert.Len(t, sink.All(), 4*2)
	assert.Len(t, pipeline.Dedupe(sink.All()), 4*2)
}

func TestScraperSweepRequeuesForNextRound(t *testing.T) {
	cfg := testConfig("penny-1")
	cfg.MaxAttempts = 1
	fake := newFakeCatalog(map[string]int{"penny-1": 1})
	fake.pages = 3
	fake.failStatus = http.StatusOK
	fake.failBody = "<html>busy</html>"
	// The primary page fails in the crawl and in the first sweep round,
	// then its chain breaks at p2 and p2 is recovered a round later.
	fake.failNext(requestKey("penny-1", 1, ""), 2)
	fake.failNext(requestKey("penny-1", 1, "p2"), 1)
	s := newTestScraper(t, cfg, fake)
	sink := &collectingSink{}

	result, err := s.Run(context.Background(), sink)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"penny-1/1/",
		"penny-1/2/",
		"penny-1/1/",
		"penny-1/1/", "penny-1/1/p2",
		"penny-1/1/p2", "penny-1/1/p3",
	}, fake.log())
	assert.Empty(t, result.Unresolved)
	assert.False(t, result.Cancelled)
	assert.Equal(t, 2, result.RecoveredCount)
	assert.Equal(t, 3, result.ErrorsByType["malformed_payload"])
	assert.Len(t, sink.All(), 3*2)
	assert.Equal(t, 1, s.State().Manifest.Len())
}

func TestScraperSweepResolvesPrimaryNotFound(t *testing.T) {
	cfg := testConfig("penny-1")
	cfg.MaxAttempts = 1
	fake := newFakeCatalog(map[string]int{"penny-1": 1})
	// id 2 fails during the crawl, then turns out not to exist.
	fake.failNext(requestKey("penny-1", 2, ""), 1)
	s := newTestScraper(t, cfg, fake)

	result, err := s.Run(context.Background(), &collectingSink{})
	require.NoError(t, err)
	assert.Empty(t, result.Unresolved)
	assert.Equal(t, 1, result.RecoveredCount)
	assert.Equal(t, 3, result.LastCategoryID)
}

func TestScraperCancelledSweepKeepsEntries(t *testing.T) {
	cfg := testConfig("penny-1")
	fake := newFakeCatalog(map[string]int{"penny-1": 0})
	seed := []models.FailedFetch{
		{URL: testAPIBase + "/venues/slug/penny-1/assortment/categories/slug/4?language=ro", Kind: models.FetchPrimary, VenueSlug: "penny-1", CategoryID: 4},
		{URL: testAPIBase + "/venues/slug/penny-1/assortment/categories/slug/5?language=ro", Kind: models.FetchPrimary, VenueSlug: "penny-1", CategoryID: 5},
	}
	fake.failNext(requestKey("penny-1", 4, ""), 1_000_000)
	fake.failNext(requestKey("penny-1", 5, ""), 1_000_000)
	s := newTestScraper(t, cfg, fake, seed...)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result, err := s.Run(ctx, &collectingSink{})
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	require.Len(t, result.Unresolved, 2)
	assert.Equal(t, 4, result.Unresolved[0].CategoryID)
	assert.Equal(t, 1, result.Unresolved[0].Attempts)
	assert.NotEmpty(t, result.Unresolved[0].LastError)
	assert.Equal(t, 5, result.Unresolved[1].CategoryID)
	assert.Equal(t, 0, result.Unresolved[1].Attempts)
}

func TestScraperCategoryCeiling(t *testing.T) {
	cfg := testConfig("penny-1")
	cfg.MaxCategoryID = 3
	fake := newFakeCatalog(map[string]int{"penny-1": 100})
	s := newTestScraper(t, cfg, fake)

	result, err := s.Run(context.Background(), &collectingSink{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.LastCategoryID)
	assert.Equal(t, 0, result.ExhaustedVenues)
	assert.Len(t, fake.log(), 3)
}

func TestFailureQueue(t *testing.T) {
	q := NewFailureQueue(NewMetrics(), models.FailedFetch{URL: "a"})
	q.Push(models.FailedFetch{URL: "b"}, models.FailedFetch{URL: "c"})
	assert.Equal(t, 3, q.Len())

	pending := q.Pending()
	pending[0].URL = "mutated"
	assert.Equal(t, "a", q.Pending()[0].URL)

	drained := q.Drain()
	assert.Len(t, drained, 3)
	assert.Equal(t, 0, q.Len())
	q.Push()
	assert.Equal(t, 0, q.Len())
}

func TestNewScraperRequiresExtractor(t *testing.T) {
	_, err := NewScraper(testConfig("penny-1"), nil)
	assert.Error(t, err)
	_, err = NewScraper(nil, pipeline.NewExtractor(nil, "", 0))
	assert.Error(t, err)
}
