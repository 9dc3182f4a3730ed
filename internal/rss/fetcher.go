// Package rss provides feed fetching and parsing.
package rss

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryan-buckman/curator/internal/database"
	"github.com/bryan-buckman/curator/internal/model"
)

// Concurrency settings
const (
	// MaxConcurrency is the number of parallel fetches for stores that take
	// concurrent writes.
	MaxConcurrency = 10
	// MaxConcurrencySQLite is the number of parallel fetches for SQLite (limited due to locking)
	MaxConcurrencySQLite = 1
	// MaxConcurrencyPerDomain limits parallel requests to any single domain
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// ConcurrencyFor returns the fetch concurrency suited to a store backend.
func ConcurrencyFor(databaseType string) int {
	if databaseType == "SQLite" {
		return MaxConcurrencySQLite
	}
	return MaxConcurrency
}

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	delay       time.Duration
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newDomainLimiter(delay time.Duration) *domainLimiter {
	return &domainLimiter{
		delay:       delay,
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain, blocking if necessary.
// It also enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if !lastReq.IsZero() {
		if elapsed := time.Since(lastReq); elapsed < dl.delay {
			select {
			case <-time.After(dl.delay - elapsed):
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		}
	}
	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

// Target is the state the fetcher reads feeds from and merges articles into.
type Target interface {
	Feeds() []model.Feed
	MergeArticles(incoming []model.Article)
	MarkFetched(ctx context.Context, feedID string, at time.Time) error
}

// Fetcher handles RSS feed fetching.
type Fetcher struct {
	source        Source
	concurrency   int
	domainLimiter *domainLimiter
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithConcurrency sets the number of parallel fetch workers.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithDomainDelay sets the minimum delay between requests to one host.
func WithDomainDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.domainLimiter.delay = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// WithClock sets the clock used for fetch timestamps and missing pubDates.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// NewFetcher creates a fetcher reading from source.
func NewFetcher(source Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:        source,
		concurrency:   MaxConcurrencySQLite,
		domainLimiter: newDomainLimiter(DelayBetweenDomainRequests),
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFetcherForStore creates a fetcher with concurrency based on the store type.
func NewFetcherForStore(source Source, store database.Store, opts ...Option) *Fetcher {
	opts = append([]Option{WithConcurrency(ConcurrencyFor(store.DatabaseType()))}, opts...)
	return NewFetcher(source, opts...)
}

// Probe fetches a feed URL once and returns its title. It is used to validate a
// subscription before it is stored.
func (f *Fetcher) Probe(ctx context.Context, feedURL string) (string, error) {
	domain := extractDomain(feedURL)
	if err := f.domainLimiter.acquire(ctx, domain); err != nil {
		return "", fmt.Errorf("rate limit cancelled for %s: %w", feedURL, err)
	}
	defer f.domainLimiter.release(domain)

	parsed, err := f.source.Fetch(ctx, feedURL)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", feedURL, err)
	}
	return parsed.Title, nil
}

// FetchFeed fetches and parses a single feed into articles.
func (f *Fetcher) FetchFeed(ctx context.Context, feed model.Feed) ([]model.Article, error) {
	domain := extractDomain(feed.URL)
	if err := f.domainLimiter.acquire(ctx, domain); err != nil {
		return nil, fmt.Errorf("rate limit cancelled for %s: %w", feed.URL, err)
	}
	defer f.domainLimiter.release(domain)

	parsed, err := f.source.Fetch(ctx, feed.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feed.URL, err)
	}

	now := f.now()
	articles := make([]model.Article, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		key := item.GUID
		if key == "" {
			key = item.Link
		}
		if key == "" {
			key = uuid.NewString()
		}
		content := item.Content
		if content == "" {
			content = item.Description
		}
		pubDate := item.PubDate
		if pubDate.IsZero() {
			pubDate = now
		}
		articles = append(articles, model.Article{
			ID:      feed.ID + "-" + key,
			FeedID:  feed.ID,
			Title:   item.Title,
			Link:    item.Link,
			Content: content,
			PubDate: pubDate,
		})
	}
	return articles, nil
}

// FetchResult holds the result of fetching a single feed.
type FetchResult struct {
	FeedID   string
	Articles []model.Article
	Error    error
}

// Report summarizes a refresh.
type Report struct {
	Feeds    int `json:"feeds"`
	Failed   int `json:"failed"`
	Articles int `json:"articles"`
}

// Refresh fetches every feed of the target and merges the results as one batch.
// A failing feed is logged and skipped; it never aborts the refresh.
func (f *Fetcher) Refresh(ctx context.Context, target Target) (Report, error) {
	feeds := target.Feeds()
	if len(feeds) == 0 {
		return Report{}, nil
	}
	f.logger.Info("fetching feeds", "feeds", len(feeds), "concurrency", f.concurrency)

	var results []FetchResult
	if f.concurrency <= 1 {
		results = f.fetchSequential(ctx, feeds)
	} else {
		results = f.fetchParallel(ctx, feeds)
	}

	report := Report{Feeds: len(feeds)}
	var batch []model.Article
	for _, r := range results {
		if r.Error != nil {
			report.Failed++
			f.logger.Warn("feed fetch failed", "feed", r.FeedID, "error", r.Error)
			continue
		}
		batch = append(batch, r.Articles...)
	}
	report.Failed += len(feeds) - len(results)
	report.Articles = len(batch)
	target.MergeArticles(batch)

	now := f.now()
	for _, r := range results {
		if r.Error != nil {
			continue
		}
		if err := target.MarkFetched(ctx, r.FeedID, now); err != nil {
			f.logger.Warn("update last fetched failed", "feed", r.FeedID, "error", err)
		}
	}
	f.logger.Info("feeds fetched", "feeds", report.Feeds, "failed", report.Failed, "articles", report.Articles)
	return report, ctx.Err()
}

// fetchSequential fetches feeds one at a time (for SQLite).
func (f *Fetcher) fetchSequential(ctx context.Context, feeds []model.Feed) []FetchResult {
	results := make([]FetchResult, 0, len(feeds))
	for i, feed := range feeds {
		if ctx.Err() != nil {
			f.logger.Warn("refresh cancelled", "fetched", i, "feeds", len(feeds))
			break
		}
		articles, err := f.FetchFeed(ctx, feed)
		results = append(results, FetchResult{FeedID: feed.ID, Articles: articles, Error: err})

		if (i+1)%50 == 0 {
			f.logger.Info("refresh progress", "fetched", i+1, "feeds", len(feeds))
		}
	}
	return results
}

// fetchParallel fetches feeds using a worker pool. Results keep the feed order so
// merges are deterministic.
func (f *Fetcher) fetchParallel(ctx context.Context, feeds []model.Feed) []FetchResult {
	var wg sync.WaitGroup
	slots := make([]*FetchResult, len(feeds))
	jobs := make(chan int)

	for w := 0; w < f.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				articles, err := f.FetchFeed(ctx, feeds[i])
				slots[i] = &FetchResult{FeedID: feeds[i].ID, Articles: articles, Error: err}
			}
		}()
	}

send:
	for i := range feeds {
		select {
		case <-ctx.Done():
			break send
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	results := make([]FetchResult, 0, len(feeds))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results
}
