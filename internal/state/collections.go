package state

import (
	"context"
	"fmt"
	"time"

	"github.com/bryan-buckman/curator/internal/database"
	"github.com/bryan-buckman/curator/internal/model"
)

// Collections returns a copy of the collections.
func (s *State) Collections() []model.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Collection(nil), s.collections...)
}

// Collection looks up a collection by id.
func (s *State) Collection(id string) (model.Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.collections {
		if c.ID == id {
			return c, true
		}
	}
	return model.Collection{}, false
}

// AddCollection stores a new collection and returns it with its assigned id.
func (s *State) AddCollection(ctx context.Context, name, color string) (model.Collection, error) {
	c := model.Collection{Name: name, Color: color}
	id, err := s.store.Add(ctx, model.CollectionsCollection, c)
	if err != nil {
		return model.Collection{}, fmt.Errorf("add collection: %w", err)
	}
	c.ID = id
	s.mu.Lock()
	s.collections = append(s.collections, c)
	s.mu.Unlock()
	return c, nil
}

// CollectionUpdate carries the fields to change; nil fields are left alone.
type CollectionUpdate struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty"`
}

// UpdateCollection applies a partial update to a collection.
func (s *State) UpdateCollection(ctx context.Context, id string, u CollectionUpdate) error {
	fields := make(map[string]any)
	if u.Name != nil {
		fields["name"] = *u.Name
	}
	if u.Color != nil {
		fields["color"] = *u.Color
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.store.Update(ctx, model.CollectionsCollection, id, fields); err != nil {
		return fmt.Errorf("update collection %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.collections {
		if s.collections[i].ID != id {
			continue
		}
		if u.Name != nil {
			s.collections[i].Name = *u.Name
		}
		if u.Color != nil {
			s.collections[i].Color = *u.Color
		}
	}
	return nil
}

// DeleteCollection removes a collection and cascades to its feeds and their
// articles.
//
// The collection document is deleted first, then the feeds referencing it are
// queried and their deletions are started concurrently without waiting for them.
// In-memory cleanup proceeds immediately, using the feed list as it was before the
// mutation. A failed feed deletion is logged and leaves an orphaned remote document
// until the next full reload; there is no retry.
func (s *State) DeleteCollection(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, model.CollectionsCollection, id); err != nil {
		return fmt.Errorf("delete collection %s: %w", id, err)
	}
	docs, err := s.store.Query(ctx, model.FeedsCollection, database.Where("collectionId", id))
	if err != nil {
		return fmt.Errorf("query feeds of collection %s: %w", id, err)
	}
	for _, d := range docs {
		feedID := d.ID
		s.background(func() {
			// Detached from the request so the cascade outlives it.
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := s.store.Delete(dctx, model.FeedsCollection, feedID); err != nil {
				s.logger.Error("cascade feed delete failed", "collection", id, "feed", feedID, "error", err)
			}
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[string]struct{})
	for _, f := range s.feeds {
		if f.CollectionID == id {
			removed[f.ID] = struct{}{}
		}
	}
	s.collections = filter(s.collections, func(c model.Collection) bool { return c.ID != id })
	s.feeds = filter(s.feeds, func(f model.Feed) bool { return f.CollectionID != id })
	s.articles = filter(s.articles, func(a model.Article) bool {
		_, gone := removed[a.FeedID]
		return !gone
	})
	return nil
}

// Feeds returns a copy of the feeds.
func (s *State) Feeds() []model.Feed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Feed(nil), s.feeds...)
}

// Feed looks up a feed by id.
func (s *State) Feed(id string) (model.Feed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.feeds {
		if f.ID == id {
			return f, true
		}
	}
	return model.Feed{}, false
}

// AddFeed stores a feed in an existing collection and returns it with its id.
func (s *State) AddFeed(ctx context.Context, f model.Feed) (model.Feed, error) {
	if _, ok := s.Collection(f.CollectionID); !ok {
		return model.Feed{}, fmt.Errorf("add feed %s: %w", f.URL, ErrUnknownCollection)
	}
	f.ID = ""
	id, err := s.store.Add(ctx, model.FeedsCollection, f)
	if err != nil {
		return model.Feed{}, fmt.Errorf("add feed %s: %w", f.URL, err)
	}
	f.ID = id
	s.mu.Lock()
	s.feeds = append(s.feeds, f)
	s.mu.Unlock()
	return f, nil
}

// DeleteFeed removes a feed and every in-memory article it produced.
func (s *State) DeleteFeed(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, model.FeedsCollection, id); err != nil {
		return fmt.Errorf("delete feed %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds = filter(s.feeds, func(f model.Feed) bool { return f.ID != id })
	s.articles = filter(s.articles, func(a model.Article) bool { return a.FeedID != id })
	return nil
}

// MarkFetched records a successful ingestion of a feed.
func (s *State) MarkFetched(ctx context.Context, feedID string, at time.Time) error {
	if err := s.store.Update(ctx, model.FeedsCollection, feedID, map[string]any{"lastFetched": at}); err != nil {
		return fmt.Errorf("mark feed %s fetched: %w", feedID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.feeds {
		if s.feeds[i].ID == feedID {
			s.feeds[i].LastFetched = at
		}
	}
	return nil
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
