package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// dialect captures the SQL differences between SQLite and PostgreSQL.
type dialect struct {
	name      string
	numbered  bool   // $1-style placeholders
	lockRow   string // appended to the SELECT inside Update
	fieldExpr func(field string) string
}

var sqliteDialect = dialect{
	name: "SQLite",
	fieldExpr: func(field string) string {
		return "json_extract(data, '$." + field + "')"
	},
}

// DB is a document store on top of a SQL database.
type DB struct {
	conn    *sql.DB
	dialect dialect
	now     func() time.Time
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between writers.
	conn.SetMaxOpenConns(1)
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{conn: conn, dialect: sqliteDialect, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return db.dialect.name
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(collection, created_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// rebind rewrites ? placeholders for dialects that number them.
func (db *DB) rebind(query string) string {
	if !db.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// --- Document Methods ---

// Add stores doc under a new id.
func (db *DB) Add(ctx context.Context, collection string, doc any) (string, error) {
	data, err := encode(doc)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := db.now().UTC()
	_, err = db.conn.ExecContext(ctx, db.rebind(
		"INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)"),
		collection, id, string(data), now, now)
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	return id, nil
}

// Set creates or replaces a document.
func (db *DB) Set(ctx context.Context, collection, id string, doc any) error {
	data, err := encode(doc)
	if err != nil {
		return err
	}
	now := db.now().UTC()
	_, err = db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO documents (collection, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`),
		collection, id, string(data), now, now)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get decodes a single document into dst.
func (db *DB) Get(ctx context.Context, collection, id string, dst any) error {
	var data []byte
	err := db.conn.QueryRowContext(ctx, db.rebind(
		"SELECT data FROM documents WHERE collection = ? AND id = ?"), collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return Document{ID: id, Data: data}.Decode(dst)
}

// Update merges fields into an existing document inside a transaction.
func (db *DB) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRowContext(ctx, db.rebind(
		"SELECT data FROM documents WHERE collection = ? AND id = ?"+db.dialect.lockRow), collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	merged, err := mergeFields(data, fields)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, db.rebind(
		"UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?"),
		string(merged), db.now().UTC(), collection, id); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return tx.Commit()
}

// Delete removes a document.
func (db *DB) Delete(ctx context.Context, collection, id string) error {
	_, err := db.conn.ExecContext(ctx, db.rebind(
		"DELETE FROM documents WHERE collection = ? AND id = ?"), collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query returns matching documents of a collection.
func (db *DB) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	query := "SELECT id, data FROM documents WHERE collection = ?"
	args := []any{collection}
	for _, f := range q.Where {
		query += " AND " + db.dialect.fieldExpr(f.Field) + " = ?"
		args = append(args, f.Value)
	}
	if q.OrderBy != "" {
		query += " ORDER BY " + db.dialect.fieldExpr(q.OrderBy)
		if q.Descending {
			query += " DESC"
		}
	} else {
		query += " ORDER BY created_at, id"
	}
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var d Document
		var data []byte
		if err := rows.Scan(&d.ID, &data); err != nil {
			return nil, err
		}
		d.Data = data
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
