// Package sidetable mirrors a remote per-flag collection as an in-memory set of
// article links.
//
// The remote collection stores one document per flagged link, keyed by
// EncodeKey(link). The in-memory map is what views read; the remote collection is
// what Load repopulates it from. Writes go to the remote store first and reach the
// map only once the remote write has succeeded, serialized per link.
package sidetable

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/curator/internal/database"
	"github.com/bryan-buckman/curator/internal/keylock"
	"github.com/bryan-buckman/curator/internal/model"
)

// ErrEmptyLink is returned when an article without a link is flagged.
var ErrEmptyLink = errors.New("sidetable: article has no link")

var componentEscapes = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// EncodeKey encodes a link the way JavaScript's encodeURIComponent does, so
// documents written by earlier clients keep resolving to the same key.
func EncodeKey(link string) string {
	return componentEscapes.Replace(url.QueryEscape(link))
}

// DecodeKey reverses EncodeKey.
func DecodeKey(key string) (string, error) {
	return url.PathUnescape(key)
}

// Table is a write-through flag set keyed by article link.
type Table struct {
	collection string
	store      database.Store
	now        func() time.Time

	mu    sync.RWMutex
	flags map[string]bool
	// dirty records links written locally while a Load is in flight.
	dirty map[string]bool
	locks keylock.Locker

	loadMu sync.Mutex
}

// Option configures a Table.
type Option func(*Table)

// WithClock sets the clock used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// New creates an empty table over the remote collection.
func New(store database.Store, collection string, opts ...Option) *Table {
	t := &Table{
		collection: collection,
		store:      store,
		now:        time.Now,
		flags:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Collection returns the remote collection name.
func (t *Table) Collection() string {
	return t.collection
}

// Load replaces the in-memory set with the keys of the remote collection.
// Links toggled or marked while the query runs keep their local value, since
// their remote write may not be part of the query result.
func (t *Table) Load(ctx context.Context) error {
	t.loadMu.Lock()
	defer t.loadMu.Unlock()

	t.mu.Lock()
	t.dirty = make(map[string]bool)
	t.mu.Unlock()

	docs, err := t.store.Query(ctx, t.collection, database.Query{})

	t.mu.Lock()
	defer t.mu.Unlock()
	dirty := t.dirty
	t.dirty = nil
	if err != nil {
		return fmt.Errorf("load %s: %w", t.collection, err)
	}
	flags := make(map[string]bool, len(docs))
	for _, d := range docs {
		link, err := DecodeKey(d.ID)
		if err != nil {
			link = d.ID
		}
		flags[link] = true
	}
	for link := range dirty {
		if t.flags[link] {
			flags[link] = true
		} else {
			delete(flags, link)
		}
	}
	t.flags = flags
	return nil
}

// Has reports whether link is flagged. Absence means false.
func (t *Table) Has(link string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flags[link]
}

// Len returns the number of flagged links.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flags)
}

// Snapshot returns a copy of the flagged links.
func (t *Table) Snapshot() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool, len(t.flags))
	for k, v := range t.flags {
		out[k] = v
	}
	return out
}

func (t *Table) setLocal(link string, v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirty != nil {
		t.dirty[link] = true
	}
	if v {
		t.flags[link] = true
	} else {
		delete(t.flags, link)
	}
}

// Toggle flips the flag of a.Link. The current value is read under the per-link
// lock; the remote document is written (or deleted) first, then the in-memory set
// is updated and commit is called with the new value while the lock is still held.
// On remote failure nothing local changes.
func (t *Table) Toggle(ctx context.Context, a model.Article, commit func(bool)) (bool, error) {
	if a.Link == "" {
		return false, ErrEmptyLink
	}
	unlock := t.locks.Lock(a.Link)
	defer unlock()

	next := !t.Has(a.Link)
	key := EncodeKey(a.Link)
	if next {
		if err := t.store.Set(ctx, t.collection, key, model.SnapshotOf(a, t.now())); err != nil {
			return false, fmt.Errorf("flag %s: %w", t.collection, err)
		}
	} else {
		if err := t.store.Delete(ctx, t.collection, key); err != nil {
			return false, fmt.Errorf("unflag %s: %w", t.collection, err)
		}
	}
	t.setLocal(a.Link, next)
	if commit != nil {
		commit(next)
	}
	return next, nil
}

// Mark sets the flag of a.Link. It never clears; marking an already flagged link
// rewrites the same document.
func (t *Table) Mark(ctx context.Context, a model.Article, commit func()) error {
	if a.Link == "" {
		return ErrEmptyLink
	}
	unlock := t.locks.Lock(a.Link)
	defer unlock()

	if err := t.store.Set(ctx, t.collection, EncodeKey(a.Link), model.SnapshotOf(a, t.now())); err != nil {
		return fmt.Errorf("flag %s: %w", t.collection, err)
	}
	t.setLocal(a.Link, true)
	if commit != nil {
		commit()
	}
	return nil
}
