package state

import (
	"context"

	"github.com/bryan-buckman/curator/internal/model"
)

// MergeArticles folds incoming into the article list. Incoming articles come
// first, so on a link collision the newly ingested copy wins. Every surviving
// article then has IsFavorite and IsAIArticle overwritten from the side-tables.
// Articles without a link never collapse.
func (s *State) MergeArticles(incoming []model.Article) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles = s.reconcile(incoming, s.articles)
}

func (s *State) reconcile(incoming, existing []model.Article) []model.Article {
	out := make([]model.Article, 0, len(incoming)+len(existing))
	seen := make(map[string]struct{}, len(incoming)+len(existing))
	keep := func(a model.Article) {
		if a.Link != "" {
			if _, dup := seen[a.Link]; dup {
				return
			}
			seen[a.Link] = struct{}{}
		}
		a.IsFavorite = s.favorites.Has(a.Link)
		a.IsAIArticle = s.aiArticles.Has(a.Link)
		out = append(out, a)
	}
	for _, a := range incoming {
		keep(a)
	}
	for _, a := range existing {
		keep(a)
	}
	return out
}

func (s *State) reapplyFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.articles {
		s.articles[i].IsFavorite = s.favorites.Has(s.articles[i].Link)
		s.articles[i].IsAIArticle = s.aiArticles.Has(s.articles[i].Link)
	}
}

// ToggleRead flips the local read flag of an article. It reports whether the
// article exists.
func (s *State) ToggleRead(articleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for i := range s.articles {
		if s.articles[i].ID == articleID {
			s.articles[i].IsRead = !s.articles[i].IsRead
			found = true
		}
	}
	return found
}

// ToggleFavorite flips the favorite flag of a.Link. The remote document is written
// or deleted first; only then are the side-table and every article sharing the
// link updated. On remote failure nothing local changes.
func (s *State) ToggleFavorite(ctx context.Context, a model.Article) error {
	_, err := s.favorites.Toggle(ctx, a, func(on bool) {
		s.setFlag(a.Link, func(x *model.Article) { x.IsFavorite = on })
	})
	return err
}

// MarkAsAI tags a.Link as an AI article. It can only set the flag, never clear it,
// and re-marking a tagged link is harmless.
func (s *State) MarkAsAI(ctx context.Context, a model.Article) error {
	return s.aiArticles.Mark(ctx, a, func() {
		s.setFlag(a.Link, func(x *model.Article) { x.IsAIArticle = true })
	})
}

// IsFavorite reports the side-table value for link.
func (s *State) IsFavorite(link string) bool {
	return s.favorites.Has(link)
}

// IsAIArticle reports the side-table value for link. Callers use it to skip
// inference for already tagged articles.
func (s *State) IsAIArticle(link string) bool {
	return s.aiArticles.Has(link)
}

func (s *State) setFlag(link string, apply func(*model.Article)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.articles {
		if s.articles[i].Link == link {
			apply(&s.articles[i])
		}
	}
}
