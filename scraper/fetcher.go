package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"
)

const (
	ctxStatus = "status"
	ctxBody   = "body"
	ctxStart  = "start"
)

// FetchResult is the outcome of a fetch that did not fail.
type FetchResult struct {
	Page     *models.CatalogPage
	NotFound bool
	Attempts int
}

// Fetcher issues catalog requests through a synchronous colly collector.
type Fetcher struct {
	collector *colly.Collector
	transport *cancelTransport
	limiter   *rate.Limiter
	bounded   RetryPolicy
	unbounded RetryPolicy
	metrics   *Metrics

	requestCount int64
	errorCount   int64
	retryCount   int64

	mu           sync.Mutex
	errorsByType map[string]int
}

// NewFetcher builds a fetcher configured from cfg. metrics may be nil.
func NewFetcher(cfg *config.Config, metrics *Metrics) *Fetcher {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	transport := &cancelTransport{base: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}}
	collector.WithTransport(transport)

	f := &Fetcher{
		collector:    collector,
		transport:    transport,
		bounded:      BoundedPolicy(cfg),
		unbounded:    UnboundedPolicy(cfg),
		metrics:      metrics,
		errorsByType: make(map[string]int),
	}
	if cfg.RequestRate > 0 {
		burst := int(math.Ceil(cfg.RequestRate))
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), burst)
	}
	f.configureHandlers()
	return f
}

// WithTransport swaps the underlying transport, e.g. for mocks in tests.
func (f *Fetcher) WithTransport(transport http.RoundTripper) {
	f.transport.setBase(transport)
}

// cancelTransport binds each outgoing request to the context of the fetch in flight.
// colly requests carry no context of their own; fetches are sequential, so one slot is enough.
type cancelTransport struct {
	mu   sync.Mutex
	base http.RoundTripper
	ctx  context.Context
}

func (t *cancelTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	base, ctx := t.base, t.ctx
	t.mu.Unlock()
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return base.RoundTrip(req)
}

func (t *cancelTransport) setBase(base http.RoundTripper) {
	t.mu.Lock()
	t.base = base
	t.mu.Unlock()
}

func (t *cancelTransport) bind(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
}

func (f *Fetcher) configureHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStart, time.Now())
		current := atomic.AddInt64(&f.requestCount, 1)
		f.metrics.IncRequest("started")
		if current%100 == 0 {
			slog.Debug("fetch progress",
				slog.Int64("requests", current),
				slog.String("url", r.URL.String()),
			)
		}
	})

	f.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		r.Ctx.Put(ctxBody, r.Body)
		if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
			f.metrics.ObserveDuration(time.Since(start))
		}
	})
}

// Fetch retrieves url under the bounded policy. Exhaustion yields *ErrRetrievalFailure.
// Cancelling ctx also aborts a request already in flight.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	return f.fetch(ctx, url, f.bounded)
}

// FetchUnbounded retrieves url until it succeeds or ctx is cancelled.
// An undecodable payload is returned as ErrMalformedPayload instead of retried.
func (f *Fetcher) FetchUnbounded(ctx context.Context, url string) (*FetchResult, error) {
	return f.fetch(ctx, url, f.unbounded)
}

func (f *Fetcher) fetch(ctx context.Context, url string, policy RetryPolicy) (*FetchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	wait := policy.InitialWait
	for attempt := 1; ; attempt++ {
		page, notFound, err := f.attempt(ctx, url)
		if err == nil {
			outcome := "ok"
			if notFound {
				outcome = "not_found"
			}
			f.metrics.IncRequest(outcome)
			return &FetchResult{Page: page, NotFound: notFound, Attempts: attempt}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		category := f.recordError(err)
		var malformed ErrMalformedPayload
		if !policy.RetryMalformed && errors.As(err, &malformed) {
			slog.Warn("undecodable payload, handing back",
				slog.String("url", url),
				slog.String("policy", policy.Name),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return nil, err
		}
		if policy.Bounded() && attempt >= policy.MaxAttempts {
			slog.Warn("retry budget exhausted",
				slog.String("url", url),
				slog.Int("attempts", attempt),
				slog.String("category", category),
				slog.Any("error", err),
			)
			return nil, &ErrRetrievalFailure{URL: url, Attempts: attempt, Err: err}
		}

		delay := policy.Duration(wait)
		atomic.AddInt64(&f.retryCount, 1)
		f.metrics.IncRetries(policy.Name)
		slog.Warn("fetch failed, retrying",
			slog.String("url", url),
			slog.String("policy", policy.Name),
			slog.Int("attempt", attempt),
			slog.String("category", category),
			slog.Duration("wait", delay),
			slog.Any("error", err),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
		wait = policy.Next(wait, err)
	}
}

// attempt performs exactly one request. A nil error means success or not-found.
func (f *Fetcher) attempt(ctx context.Context, url string) (*models.CatalogPage, bool, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, false, ctxErr
			}
			return nil, false, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	cctx := colly.NewContext()
	f.transport.bind(ctx)
	reqErr := f.collector.Request(http.MethodGet, url, nil, cctx, nil)
	f.transport.bind(nil)
	status, _ := cctx.GetAny(ctxStatus).(int)
	body, _ := cctx.GetAny(ctxBody).([]byte)

	if reqErr != nil {
		return nil, false, classifyError(reqErr, 0)
	}

	switch status {
	case http.StatusNotFound:
		return nil, true, nil
	case http.StatusOK:
	default:
		return nil, false, classifyError(nil, status)
	}

	page := &models.CatalogPage{}
	if err := json.Unmarshal(body, page); err != nil {
		return nil, false, ErrMalformedPayload{Err: fmt.Errorf("decode %s: %w", url, err)}
	}
	if page.IsNotFound() {
		return nil, true, nil
	}
	return page, false, nil
}

func (f *Fetcher) recordError(err error) string {
	atomic.AddInt64(&f.errorCount, 1)
	category := errorTypeLabel(err)
	f.mu.Lock()
	f.errorsByType[category]++
	f.mu.Unlock()
	f.metrics.IncError(category)
	f.metrics.IncRequest("failed")
	return category
}

// RequestCount returns the number of requests issued so far.
func (f *Fetcher) RequestCount() int {
	return int(atomic.LoadInt64(&f.requestCount))
}

// ErrorCount returns the number of failed attempts so far.
func (f *Fetcher) ErrorCount() int {
	return int(atomic.LoadInt64(&f.errorCount))
}

// RetryCount returns the number of retry waits so far.
func (f *Fetcher) RetryCount() int {
	return int(atomic.LoadInt64(&f.retryCount))
}

// ErrorsByType returns a copy of the failed attempt counts by error label.
func (f *Fetcher) ErrorsByType() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		out[k] = v
	}
	return out
}

// IsRetrievalFailure reports whether err is a spent bounded retry budget.
func IsRetrievalFailure(err error) bool {
	var failure *ErrRetrievalFailure
	return errors.As(err, &failure)
}
