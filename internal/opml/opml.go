// Package opml handles importing and exporting OPML files.
package opml

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bryan-buckman/curator/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry represents a flattened feed with its folder path.
type FeedEntry struct {
	FolderPath []string // e.g., ["Tech", "Google"]
	Title      string
	URL        string
}

// DefaultCollection receives feeds that sit outside any folder.
const DefaultCollection = "Imported"

// Collection returns the collection name for the entry. Collections are flat,
// so nested folders are joined with "/".
func (e FeedEntry) Collection() string {
	if len(e.FolderPath) == 0 {
		return DefaultCollection
	}
	return strings.Join(e.FolderPath, "/")
}

// Parse reads an OPML document and returns a flat list of FeedEntry.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	var walk func(outlines []Outline, path []string)
	walk = func(outlines []Outline, path []string) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				entries = append(entries, FeedEntry{
					FolderPath: append([]string{}, path...),
					Title:      title,
					URL:        o.XMLURL,
				})
			} else if len(o.Outlines) > 0 {
				name := o.Text
				if name == "" {
					name = o.Title
				}
				walk(o.Outlines, append(path, name))
			}
		}
	}
	walk(doc.Body.Outlines, nil)
	return entries, nil
}

// Export renders collections as folders holding their feeds, in the given order.
// Feeds whose collection is unknown are written at the top level.
func Export(title string, collections []model.Collection, feeds []model.Feed, now time.Time) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: now.Format(time.RFC1123Z),
		},
	}

	doc.Body.Outlines = make([]Outline, len(collections))
	folders := make(map[string]*Outline, len(collections))
	for i, c := range collections {
		doc.Body.Outlines[i] = Outline{Text: c.Name, Title: c.Name}
		folders[c.ID] = &doc.Body.Outlines[i]
	}

	var loose []Outline
	for _, f := range feeds {
		name := f.Title
		if name == "" {
			name = f.URL
		}
		o := Outline{Text: name, Title: name, Type: "rss", XMLURL: f.URL}
		if folder, ok := folders[f.CollectionID]; ok {
			folder.Outlines = append(folder.Outlines, o)
		} else {
			loose = append(loose, o)
		}
	}
	doc.Body.Outlines = append(doc.Body.Outlines, loose...)

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode opml: %w", err)
	}
	return append([]byte(xml.Header), output...), nil
}

// Store is the state an import writes into.
type Store interface {
	Collections() []model.Collection
	Feeds() []model.Feed
	AddCollection(ctx context.Context, name, color string) (model.Collection, error)
	AddFeed(ctx context.Context, f model.Feed) (model.Feed, error)
}

// ImportResult counts what an import changed.
type ImportResult struct {
	Collections int `json:"collections"`
	Feeds       int `json:"feeds"`
	Skipped     int `json:"skipped"`
}

var palette = []string{"#3B82F6", "#10B981", "#F59E0B", "#EF4444", "#8B5CF6", "#EC4899"}

// Import adds the entries to s, creating collections by name as needed. Feeds
// whose URL is already subscribed are skipped.
func Import(ctx context.Context, s Store, entries []FeedEntry) (ImportResult, error) {
	var res ImportResult
	byName := make(map[string]string)
	existing := s.Collections()
	for _, c := range existing {
		byName[c.Name] = c.ID
	}
	subscribed := make(map[string]bool)
	for _, f := range s.Feeds() {
		subscribed[f.URL] = true
	}

	for _, e := range entries {
		if subscribed[e.URL] {
			res.Skipped++
			continue
		}
		name := e.Collection()
		id, ok := byName[name]
		if !ok {
			color := palette[(len(existing)+res.Collections)%len(palette)]
			c, err := s.AddCollection(ctx, name, color)
			if err != nil {
				return res, fmt.Errorf("import collection %q: %w", name, err)
			}
			id = c.ID
			byName[name] = id
			res.Collections++
		}
		title := e.Title
		if title == "" {
			title = e.URL
		}
		if _, err := s.AddFeed(ctx, model.Feed{Title: title, URL: e.URL, CollectionID: id}); err != nil {
			return res, fmt.Errorf("import feed %s: %w", e.URL, err)
		}
		subscribed[e.URL] = true
		res.Feeds++
	}
	return res, nil
}
