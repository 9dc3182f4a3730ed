package state

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bryan-buckman/curator/internal/database"
	"github.com/bryan-buckman/curator/internal/model"
)

// Article looks up an article by id.
func (s *State) Article(id string) (model.Article, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.articles {
		if a.ID == id {
			return a, true
		}
	}
	return model.Article{}, false
}

// AllArticles returns a copy of the article list in its current order.
func (s *State) AllArticles() []model.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Article(nil), s.articles...)
}

// Unclassified returns the articles that are not yet AI-tagged.
func (s *State) Unclassified() []model.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filter(s.articles, func(a model.Article) bool { return !a.IsAIArticle })
}

// ArticleDraft is the user input for a hand-written article.
type ArticleDraft struct {
	Title   string    `json:"title"`
	Link    string    `json:"link"`
	Content string    `json:"content"`
	PubDate time.Time `json:"pubDate"`
}

// CreateArticle stores a user-authored article and merges it into the list.
func (s *State) CreateArticle(ctx context.Context, d ArticleDraft) (model.Article, error) {
	now := s.now()
	if d.PubDate.IsZero() {
		d.PubDate = now
	}
	id, err := s.store.Add(ctx, model.UserArticlesCollection, model.UserArticle{
		Title:     d.Title,
		Link:      d.Link,
		Content:   d.Content,
		PubDate:   d.PubDate,
		Timestamp: now,
	})
	if err != nil {
		return model.Article{}, fmt.Errorf("create article: %w", err)
	}
	a := model.Article{
		ID:            id,
		FeedID:        model.UserFeedID,
		Title:         d.Title,
		Link:          d.Link,
		Content:       d.Content,
		PubDate:       d.PubDate,
		IsUserCreated: true,
	}
	s.MergeArticles([]model.Article{a})
	a.IsFavorite = s.favorites.Has(a.Link)
	a.IsAIArticle = s.aiArticles.Has(a.Link)
	return a, nil
}

// LoadUserArticles reads the user-authored articles and merges them in.
func (s *State) LoadUserArticles(ctx context.Context) error {
	docs, err := s.store.Query(ctx, model.UserArticlesCollection, database.Query{})
	if err != nil {
		return fmt.Errorf("load user articles: %w", err)
	}
	articles := make([]model.Article, 0, len(docs))
	for _, d := range docs {
		var ua model.UserArticle
		if err := d.Decode(&ua); err != nil {
			s.logger.Warn("skipping user article", "id", d.ID, "error", err)
			continue
		}
		articles = append(articles, model.Article{
			ID:            d.ID,
			FeedID:        model.UserFeedID,
			Title:         ua.Title,
			Link:          ua.Link,
			Content:       ua.Content,
			PubDate:       ua.PubDate,
			IsUserCreated: true,
		})
	}
	s.MergeArticles(articles)
	return nil
}

// DeleteArticle removes a user-authored article.
func (s *State) DeleteArticle(ctx context.Context, id string) error {
	a, ok := s.Article(id)
	if !ok {
		return fmt.Errorf("delete article %s: %w", id, ErrUnknownArticle)
	}
	if !a.IsUserCreated {
		return fmt.Errorf("delete article %s: %w", id, ErrNotUserArticle)
	}
	if err := s.store.Delete(ctx, model.UserArticlesCollection, id); err != nil {
		return fmt.Errorf("delete article %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles = filter(s.articles, func(a model.Article) bool { return a.ID != id })
	return nil
}

// Special selections understood by Articles.
const (
	SelectAll        = "all"
	SelectFavorites  = "favorites"
	SelectAIArticles = "ai-articles"
	SelectMine       = "my-articles"
)

// Selection picks the article view. FeedID wins over CollectionID. CollectionID
// is either a collection id or one of the Select constants.
type Selection struct {
	CollectionID string
	FeedID       string
}

// Articles returns the articles for a selection. An empty selection yields none.
func (s *State) Articles(sel Selection) []model.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case sel.FeedID != "":
		return filter(s.articles, func(a model.Article) bool { return a.FeedID == sel.FeedID })
	case sel.CollectionID == SelectFavorites:
		return filter(s.articles, func(a model.Article) bool { return a.IsFavorite })
	case sel.CollectionID == SelectAIArticles:
		return filter(s.articles, func(a model.Article) bool { return a.IsAIArticle })
	case sel.CollectionID == SelectMine:
		return filter(s.articles, func(a model.Article) bool { return a.IsUserCreated })
	case sel.CollectionID == SelectAll:
		out := append([]model.Article(nil), s.articles...)
		sortNewestFirst(out)
		return out
	case sel.CollectionID != "":
		inCollection := make(map[string]struct{})
		for _, f := range s.feeds {
			if f.CollectionID == sel.CollectionID {
				inCollection[f.ID] = struct{}{}
			}
		}
		return filter(s.articles, func(a model.Article) bool {
			_, ok := inCollection[a.FeedID]
			return ok
		})
	}
	return []model.Article{}
}

// sortNewestFirst orders by publication date, newest first. Articles without a
// date sort last.
func sortNewestFirst(articles []model.Article) {
	sort.SliceStable(articles, func(i, j int) bool {
		return articles[i].PubDate.After(articles[j].PubDate)
	})
}

// Dashboard summarizes the state for the landing view.
type Dashboard struct {
	Feeds       int             `json:"feeds"`
	Collections int             `json:"collections"`
	Articles    int             `json:"articles"`
	AIArticles  int             `json:"aiArticles"`
	Recent      []model.Article `json:"recent"`
}

const recentLimit = 5

// Dashboard returns counts and the most recent articles.
func (s *State) Dashboard() Dashboard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := Dashboard{
		Feeds:       len(s.feeds),
		Collections: len(s.collections),
		Articles:    len(s.articles),
	}
	seen := make(map[string]struct{})
	unique := make([]model.Article, 0, len(s.articles))
	for _, a := range s.articles {
		if a.IsAIArticle {
			d.AIArticles++
		}
		if a.Link != "" {
			if _, dup := seen[a.Link]; dup {
				continue
			}
			seen[a.Link] = struct{}{}
		}
		unique = append(unique, a)
	}
	sortNewestFirst(unique)
	if len(unique) > recentLimit {
		unique = unique[:recentLimit]
	}
	d.Recent = unique
	return d
}
