package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerStore keeps documents in an embedded Badger key-value database.
// Keys are "<collection>\x00<id>"; queries scan the collection prefix.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

var _ Store = (*BadgerStore)(nil)

// envelope wraps a stored document with its creation time for default ordering.
type envelope struct {
	Created int64           `json:"c"`
	Data    json.RawMessage `json:"d"`
}

// NewBadger opens a Badger database in dir. An empty dir opens an in-memory store.
func NewBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// DatabaseType returns the database backend name.
func (s *BadgerStore) DatabaseType() string {
	return "Badger"
}

func docKey(collection, id string) []byte {
	return []byte(collection + "\x00" + id)
}

func collectionPrefix(collection string) []byte {
	return []byte(collection + "\x00")
}

func (s *BadgerStore) put(txn *badger.Txn, collection, id string, data []byte, created int64) error {
	val, err := json.Marshal(envelope{Created: created, Data: data})
	if err != nil {
		return err
	}
	return txn.Set(docKey(collection, id), val)
}

func readEnvelope(item *badger.Item) (envelope, error) {
	var env envelope
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(raw, &env)
	return env, err
}

// Add stores doc under a new id.
func (s *BadgerStore) Add(ctx context.Context, collection string, doc any) (string, error) {
	data, err := encode(doc)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = s.db.Update(func(txn *badger.Txn) error {
		return s.put(txn, collection, id, data, s.now().UnixNano())
	})
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	return id, nil
}

// Set creates or replaces a document, keeping the original creation time.
func (s *BadgerStore) Set(ctx context.Context, collection, id string, doc any) error {
	data, err := encode(doc)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		created := s.now().UnixNano()
		if item, err := txn.Get(docKey(collection, id)); err == nil {
			if env, err := readEnvelope(item); err == nil {
				created = env.Created
			}
		}
		return s.put(txn, collection, id, data, created)
	})
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get decodes a single document into dst.
func (s *BadgerStore) Get(ctx context.Context, collection, id string, dst any) error {
	var env envelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(collection, id))
		if err != nil {
			return err
		}
		env, err = readEnvelope(item)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return Document{ID: id, Data: env.Data}.Decode(dst)
}

// Update merges fields into an existing document.
func (s *BadgerStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(collection, id))
		if err != nil {
			return err
		}
		env, err := readEnvelope(item)
		if err != nil {
			return err
		}
		merged, err := mergeFields(env.Data, fields)
		if err != nil {
			return err
		}
		return s.put(txn, collection, id, merged, env.Created)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete removes a document.
func (s *BadgerStore) Delete(ctx context.Context, collection, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(docKey(collection, id))
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

type scanned struct {
	doc     Document
	created int64
	fields  map[string]any
}

// Query scans the collection and filters and orders in memory.
func (s *BadgerStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	var matched []scanned
	prefix := collectionPrefix(collection)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			env, err := readEnvelope(item)
			if err != nil {
				return err
			}
			var fields map[string]any
			if err := json.Unmarshal(env.Data, &fields); err != nil {
				return err
			}
			if !matchesAll(fields, q.Where) {
				continue
			}
			id := string(bytes.TrimPrefix(item.KeyCopy(nil), prefix))
			matched = append(matched, scanned{
				doc:     Document{ID: id, Data: env.Data},
				created: env.Created,
				fields:  fields,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if q.OrderBy == "" {
			return matched[i].created < matched[j].created
		}
		c := compareValues(matched[i].fields[q.OrderBy], matched[j].fields[q.OrderBy])
		if q.Descending {
			return c > 0
		}
		return c < 0
	})

	docs := make([]Document, 0, len(matched))
	for _, m := range matched {
		docs = append(docs, m.doc)
	}
	return docs, nil
}

func matchesAll(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := fields[f.Field].(string)
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

// compareValues orders JSON scalars: missing values first, numbers numerically,
// everything else by its string form.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if x, ok := a.(float64); ok {
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
