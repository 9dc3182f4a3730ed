package rss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/curator/internal/database"
	"github.com/bryan-buckman/curator/internal/model"
	"github.com/bryan-buckman/curator/internal/state"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Blog</title>
  <link>https://blog.example.com</link>
  <item>
    <title>First</title>
    <link>https://blog.example.com/first</link>
    <guid>first-guid</guid>
    <description>summary only</description>
    <pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Second</title>
    <link>https://blog.example.com/second</link>
    <description>second summary</description>
  </item>
</channel>
</rss>`

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() time.Time {
	return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
}

type stubSource struct {
	mu    sync.Mutex
	feeds map[string]*Feed
	errs  map[string]error
	calls []string
}

func (s *stubSource) Fetch(_ context.Context, feedURL string) (*Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, feedURL)
	if err := s.errs[feedURL]; err != nil {
		return nil, err
	}
	if f, ok := s.feeds[feedURL]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("no stub for %s", feedURL)
}

func TestRss2JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/api.json", r.URL.Path)
		assert.Equal(t, "https://blog.example.com/feed?x=1", r.URL.Query().Get("rss_url"))
		assert.Equal(t, "k", r.URL.Query().Get("api_key"))
		w.Write([]byte(`{
			"status": "ok",
			"feed": {"title": "Example Blog"},
			"items": [
				{"guid": "g1", "title": "One", "link": "https://blog.example.com/1",
				 "content": "<p>full</p>", "description": "short", "pubDate": "2024-01-02 15:04:05"},
				{"guid": "", "title": "Two", "link": "https://blog.example.com/2",
				 "content": "", "description": "desc", "pubDate": "not a date"}
			]
		}`))
	}))
	defer srv.Close()

	src := NewRss2JSON(WithBaseURL(srv.URL), WithAPIKey("k"), WithHTTPClient(srv.Client()))
	feed, err := src.Fetch(context.Background(), "https://blog.example.com/feed?x=1")
	require.NoError(t, err)
	assert.Equal(t, "Example Blog", feed.Title)
	require.Len(t, feed.Items, 2)
	assert.Equal(t, "g1", feed.Items[0].GUID)
	assert.Equal(t, time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC), feed.Items[0].PubDate.UTC())
	assert.True(t, feed.Items[1].PubDate.IsZero())
}

func TestRss2JSONRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"status":"error","message":"Cannot download this RSS feed"}`))
	}))
	defer srv.Close()

	_, err := NewRss2JSON(WithBaseURL(srv.URL)).Fetch(context.Background(), "https://bad.example")
	assert.ErrorIs(t, err, ErrFeedStatus)
}

func TestDirectSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	feed, err := NewDirectSource(srv.Client()).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Example Blog", feed.Title)
	require.Len(t, feed.Items, 2)
	assert.Equal(t, "first-guid", feed.Items[0].GUID)
	assert.Equal(t, "summary only", feed.Items[0].Description)
	assert.False(t, feed.Items[0].PubDate.IsZero())
	assert.True(t, feed.Items[1].PubDate.IsZero())
}

func TestFetchFeedBuildsArticles(t *testing.T) {
	src := &stubSource{feeds: map[string]*Feed{
		"https://a.example/rss": {Title: "A", Items: []Item{
			{GUID: "g", Title: "guid", Link: "https://a.example/1", Content: "body", Description: "d"},
			{Title: "link only", Link: "https://a.example/2", Description: "fallback"},
			{Title: "nothing"},
		}},
	}}
	f := NewFetcher(src, WithDomainDelay(0), WithLogger(quiet()), WithClock(fixedClock))

	got, err := f.FetchFeed(context.Background(), model.Feed{ID: "f1", URL: "https://a.example/rss"})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "f1-g", got[0].ID)
	assert.Equal(t, "body", got[0].Content)
	assert.Equal(t, "f1-https://a.example/2", got[1].ID)
	assert.Equal(t, "fallback", got[1].Content)
	assert.Regexp(t, `^f1-[0-9a-f-]{36}$`, got[2].ID)
	for _, a := range got {
		assert.Equal(t, "f1", a.FeedID)
		assert.False(t, a.IsFavorite)
	}
	assert.Equal(t, fixedClock(), got[2].PubDate)
}

func TestProbe(t *testing.T) {
	src := &stubSource{
		feeds: map[string]*Feed{"https://ok.example": {Title: "Ok Feed"}},
		errs:  map[string]error{"https://bad.example": ErrFeedStatus},
	}
	f := NewFetcher(src, WithDomainDelay(0))

	title, err := f.Probe(context.Background(), "https://ok.example")
	require.NoError(t, err)
	assert.Equal(t, "Ok Feed", title)

	_, err = f.Probe(context.Background(), "https://bad.example")
	assert.ErrorIs(t, err, ErrFeedStatus)
}

func newState(t *testing.T) *state.State {
	t.Helper()
	store, err := database.NewBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	s := state.New(store, state.WithLogger(quiet()))
	t.Cleanup(s.Close)
	return s
}

func TestRefreshNewestIngestWins(t *testing.T) {
	ctx := context.Background()
	s := newState(t)
	c, err := s.AddCollection(ctx, "News", "#123456")
	require.NoError(t, err)
	feed, err := s.AddFeed(ctx, model.Feed{Title: "A", URL: "https://a.example/rss", CollectionID: c.ID})
	require.NoError(t, err)

	src := &stubSource{feeds: map[string]*Feed{
		feed.URL: {Items: []Item{{GUID: "1", Link: "a", Title: "X1"}}},
	}}
	f := NewFetcher(src, WithDomainDelay(0), WithLogger(quiet()), WithClock(fixedClock))

	_, err = f.Refresh(ctx, s)
	require.NoError(t, err)

	src.feeds[feed.URL] = &Feed{Items: []Item{{GUID: "2", Link: "a", Title: "X2"}}}
	report, err := f.Refresh(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, Report{Feeds: 1, Articles: 1}, report)

	all := s.AllArticles()
	require.Len(t, all, 1)
	assert.Equal(t, "X2", all[0].Title)

	got, ok := s.Feed(feed.ID)
	require.True(t, ok)
	assert.True(t, fixedClock().Equal(got.LastFetched))
}

func TestRefreshToleratesFailingFeeds(t *testing.T) {
	ctx := context.Background()
	s := newState(t)
	c, err := s.AddCollection(ctx, "News", "#000")
	require.NoError(t, err)

	src := &stubSource{feeds: map[string]*Feed{}, errs: map[string]error{}}
	for i := 0; i < 6; i++ {
		u := fmt.Sprintf("https://host%d.example/rss", i)
		_, err := s.AddFeed(ctx, model.Feed{URL: u, CollectionID: c.ID})
		require.NoError(t, err)
		if i == 2 {
			src.errs[u] = errors.New("connection reset")
			continue
		}
		src.feeds[u] = &Feed{Items: []Item{{GUID: "x", Link: fmt.Sprintf("https://host%d.example/1", i)}}}
	}

	f := NewFetcher(src, WithConcurrency(3), WithDomainDelay(0), WithLogger(quiet()))
	report, err := f.Refresh(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, Report{Feeds: 6, Failed: 1, Articles: 5}, report)
	assert.Len(t, s.AllArticles(), 5)
	assert.Len(t, src.calls, 6)
}

func TestConcurrencyFor(t *testing.T) {
	assert.Equal(t, MaxConcurrencySQLite, ConcurrencyFor("SQLite"))
	assert.Equal(t, MaxConcurrency, ConcurrencyFor("PostgreSQL"))
	assert.Equal(t, MaxConcurrency, ConcurrencyFor("Badger"))
}

func TestPollerIntervalFloor(t *testing.T) {
	f := NewFetcher(&stubSource{}, WithLogger(quiet()))
	assert.Equal(t, MinPollingInterval, NewPoller(f, newState(t), time.Minute).Interval())
	assert.Equal(t, time.Hour, NewPoller(f, newState(t), time.Hour).Interval())
}

func TestPollerRunsImmediately(t *testing.T) {
	ctx := context.Background()
	s := newState(t)
	c, err := s.AddCollection(ctx, "News", "#000")
	require.NoError(t, err)
	feed, err := s.AddFeed(ctx, model.Feed{URL: "https://p.example/rss", CollectionID: c.ID})
	require.NoError(t, err)
	src := &stubSource{feeds: map[string]*Feed{feed.URL: {Items: []Item{{Link: "p"}}}}}

	p := NewPoller(NewFetcher(src, WithDomainDelay(0), WithLogger(quiet())), s, time.Hour)
	require.NoError(t, p.Start())
	assert.Eventually(t, func() bool { return len(s.AllArticles()) == 1 }, 2*time.Second, 10*time.Millisecond)
	p.Stop()
}
