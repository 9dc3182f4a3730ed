package rss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
)

// ErrFeedStatus is returned when the conversion API reports a status other
// than "ok".
var ErrFeedStatus = errors.New("rss: feed status not ok")

// Feed is a parsed feed in the shape the fetcher consumes.
type Feed struct {
	Title string
	Items []Item
}

// Item is one entry of a parsed feed.
type Item struct {
	GUID        string
	Title       string
	Link        string
	Content     string
	Description string
	PubDate     time.Time
}

// Source turns a feed URL into a parsed feed.
type Source interface {
	Fetch(ctx context.Context, feedURL string) (*Feed, error)
}

// DefaultRss2JSONURL is the public rss2json endpoint.
const DefaultRss2JSONURL = "https://api.rss2json.com"

// Rss2JSON fetches feeds through the rss2json conversion API.
type Rss2JSON struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Rss2JSONOption configures an Rss2JSON source.
type Rss2JSONOption func(*Rss2JSON)

// WithBaseURL points the source at another rss2json-compatible server.
func WithBaseURL(u string) Rss2JSONOption {
	return func(s *Rss2JSON) {
		s.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithAPIKey sets the rss2json api key.
func WithAPIKey(key string) Rss2JSONOption {
	return func(s *Rss2JSON) {
		s.apiKey = key
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Rss2JSONOption {
	return func(s *Rss2JSON) {
		s.http = hc
	}
}

// NewRss2JSON creates an rss2json source.
func NewRss2JSON(opts ...Rss2JSONOption) *Rss2JSON {
	s := &Rss2JSON{
		baseURL: DefaultRss2JSONURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type rss2jsonResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Feed    struct {
		Title string `json:"title"`
	} `json:"feed"`
	Items []struct {
		GUID        string `json:"guid"`
		Title       string `json:"title"`
		Link        string `json:"link"`
		Content     string `json:"content"`
		Description string `json:"description"`
		PubDate     string `json:"pubDate"`
	} `json:"items"`
}

// Fetch converts feedURL through the API. Only status "ok" is accepted.
func (s *Rss2JSON) Fetch(ctx context.Context, feedURL string) (*Feed, error) {
	q := url.Values{"rss_url": {feedURL}}
	if s.apiKey != "" {
		q.Set("api_key", s.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/api.json?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create rss2json request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call rss2json: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rss2json response: %w", err)
	}
	var out rss2jsonResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse rss2json response (status %d): %w", resp.StatusCode, err)
	}
	if out.Status != "ok" {
		return nil, fmt.Errorf("%w: %q %s", ErrFeedStatus, out.Status, out.Message)
	}

	feed := &Feed{Title: out.Feed.Title, Items: make([]Item, 0, len(out.Items))}
	for _, it := range out.Items {
		item := Item{
			GUID:        it.GUID,
			Title:       it.Title,
			Link:        it.Link,
			Content:     it.Content,
			Description: it.Description,
		}
		if it.PubDate != "" {
			if t, err := dateparse.ParseIn(it.PubDate, time.UTC); err == nil {
				item.PubDate = t
			}
		}
		feed.Items = append(feed.Items, item)
	}
	return feed, nil
}

// DirectSource parses RSS and Atom feeds itself.
type DirectSource struct {
	parser *gofeed.Parser
}

// NewDirectSource creates a gofeed-backed source.
func NewDirectSource(hc *http.Client) *DirectSource {
	p := gofeed.NewParser()
	if hc != nil {
		p.Client = hc
	}
	return &DirectSource{parser: p}
}

// Fetch downloads and parses feedURL.
func (s *DirectSource) Fetch(ctx context.Context, feedURL string) (*Feed, error) {
	parsed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	feed := &Feed{Title: parsed.Title, Items: make([]Item, 0, len(parsed.Items))}
	for _, it := range parsed.Items {
		item := Item{
			GUID:        it.GUID,
			Title:       it.Title,
			Link:        it.Link,
			Content:     it.Content,
			Description: it.Description,
		}
		switch {
		case it.PublishedParsed != nil:
			item.PubDate = *it.PublishedParsed
		case it.UpdatedParsed != nil:
			item.PubDate = *it.UpdatedParsed
		}
		feed.Items = append(feed.Items, item)
	}
	return feed, nil
}
