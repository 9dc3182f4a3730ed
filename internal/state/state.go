// Package state owns the in-memory reader state and keeps it reconciled with the
// document store.
//
// A State is constructed once at startup with New, shared by pointer, and torn down
// with Close. Every mutation that has a remote representation writes to the store
// first and touches memory only after the write succeeded. IsRead is the exception:
// it is local only and lost on reload.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/curator/internal/database"
	"github.com/bryan-buckman/curator/internal/keylock"
	"github.com/bryan-buckman/curator/internal/model"
	"github.com/bryan-buckman/curator/internal/sidetable"
)

var (
	ErrUnknownCollection = errors.New("state: unknown collection")
	ErrUnknownFeed       = errors.New("state: unknown feed")
	ErrUnknownArticle    = errors.New("state: unknown article")
	ErrNotUserArticle    = errors.New("state: article was not created by the user")
)

// State is the application state object.
type State struct {
	store  database.Store
	logger *slog.Logger
	now    func() time.Time

	favorites  *sidetable.Table
	aiArticles *sidetable.Table

	mu          sync.RWMutex
	collections []model.Collection
	feeds       []model.Feed
	articles    []model.Article
	settings    model.OllamaSettings
	posts       map[string][]model.LinkedInPost

	chatLocks keylock.Locker

	closeMu sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// Option configures a State.
type Option func(*State)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *State) {
		s.logger = l
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		s.now = now
	}
}

// New creates an empty State over store. Call Load to populate it.
func New(store database.Store, opts ...Option) *State {
	s := &State{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		settings: model.DefaultOllamaSettings(),
		posts:    make(map[string][]model.LinkedInPost),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.favorites = sidetable.New(store, model.FavoritesCollection, sidetable.WithClock(s.now))
	s.aiArticles = sidetable.New(store, model.AIArticlesCollection, sidetable.WithClock(s.now))
	return s
}

// Close waits for background remote writes started by cascade deletes. Work
// started after Close runs synchronously.
func (s *State) Close() {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	s.pending.Wait()
}

// background runs fn in a goroutine tracked by Close, or inline once the
// state is closed.
func (s *State) background(fn func()) {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		fn()
		return
	}
	s.pending.Add(1)
	s.closeMu.Unlock()
	go func() {
		defer s.pending.Done()
		fn()
	}()
}

// Load populates collections, feeds, side-tables and settings concurrently, then
// merges the user-authored articles so they pick up the loaded flags.
func (s *State) Load(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.LoadCollections(gctx) })
	g.Go(func() error { return s.LoadFeeds(gctx) })
	g.Go(func() error { return s.LoadFavorites(gctx) })
	g.Go(func() error { return s.LoadAIArticles(gctx) })
	g.Go(func() error { return s.LoadSettings(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	return s.LoadUserArticles(ctx)
}

// LoadCollections replaces the in-memory collections with the stored ones.
func (s *State) LoadCollections(ctx context.Context) error {
	docs, err := s.store.Query(ctx, model.CollectionsCollection, database.Query{})
	if err != nil {
		return fmt.Errorf("load collections: %w", err)
	}
	collections := make([]model.Collection, 0, len(docs))
	for _, d := range docs {
		var c model.Collection
		if err := d.Decode(&c); err != nil {
			s.logger.Warn("skipping collection", "id", d.ID, "error", err)
			continue
		}
		c.ID = d.ID
		collections = append(collections, c)
	}
	s.mu.Lock()
	s.collections = collections
	s.mu.Unlock()
	return nil
}

// LoadFeeds replaces the in-memory feeds with the stored ones.
func (s *State) LoadFeeds(ctx context.Context) error {
	docs, err := s.store.Query(ctx, model.FeedsCollection, database.Query{})
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}
	feeds := make([]model.Feed, 0, len(docs))
	for _, d := range docs {
		var f model.Feed
		if err := d.Decode(&f); err != nil {
			s.logger.Warn("skipping feed", "id", d.ID, "error", err)
			continue
		}
		f.ID = d.ID
		feeds = append(feeds, f)
	}
	s.mu.Lock()
	s.feeds = feeds
	s.mu.Unlock()
	return nil
}

// LoadFavorites repopulates the favorites side-table and re-derives article flags.
func (s *State) LoadFavorites(ctx context.Context) error {
	if err := s.favorites.Load(ctx); err != nil {
		return err
	}
	s.reapplyFlags()
	return nil
}

// LoadAIArticles repopulates the AI side-table and re-derives article flags.
func (s *State) LoadAIArticles(ctx context.Context) error {
	if err := s.aiArticles.Load(ctx); err != nil {
		return err
	}
	s.reapplyFlags()
	return nil
}

// LoadSettings reads the settings singleton, creating it with defaults when absent.
func (s *State) LoadSettings(ctx context.Context) error {
	var settings model.OllamaSettings
	err := s.store.Get(ctx, model.SettingsCollection, model.SettingsOllamaID, &settings)
	if errors.Is(err, database.ErrNotFound) {
		settings = model.DefaultOllamaSettings()
		if err := s.store.Set(ctx, model.SettingsCollection, model.SettingsOllamaID, settings); err != nil {
			return fmt.Errorf("create default settings: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

// Settings returns the current inference settings.
func (s *State) Settings() model.OllamaSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings replaces the settings singleton.
func (s *State) UpdateSettings(ctx context.Context, settings model.OllamaSettings) error {
	if err := s.store.Set(ctx, model.SettingsCollection, model.SettingsOllamaID, settings); err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}
