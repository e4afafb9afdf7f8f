// Package sqlitestore keeps documents as JSON rows in a single SQLite table.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/query"
	"github.com/trafflux/petdb/internal/store"
)

const schemaDDL = `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);
`

var identifier = regexp.MustCompile(`^\w+$`)

// Connector opens the database file at path when connected.
type Connector struct {
	Path string
}

var _ store.Connector = Connector{}

func (c Connector) Connect(ctx context.Context) (store.Store, error) {
	return Open(ctx, c.Path)
}

// Store is a SQLite database holding every collection.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "could not create directory for %s", path)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open sqlite database %s", path)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "could not apply %s", pragma)
		}
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "could not initialize documents table")
	}

	return &Store{db: db}, nil
}

func (s *Store) Collection(name string) store.Collection {
	return &Collection{db: s.db, name: name}
}

// Ensure adds an expression index per key. Keys that are not plain identifiers are skipped.
func (s *Store) Ensure(ctx context.Context, name string, keys ...string) error {
	if !identifier.MatchString(name) {
		return errors.Errorf("invalid collection name %q", name)
	}

	for _, key := range keys {
		if !identifier.MatchString(key) {
			continue
		}
		ddl := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_%s ON documents(collection, json_extract(body, '$.%s'))`,
			name, key, key,
		)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrapf(err, "could not index %s on %s", name, key)
		}
	}

	return nil
}

func (s *Store) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "could not close sqlite database")
	}
	return nil
}

// Collection rows share the documents table and are told apart by name.
type Collection struct {
	db   *sql.DB
	name string
}

var _ store.Collection = (*Collection)(nil)

type row struct {
	id   string
	body []byte
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) FindOne(ctx context.Context, q *query.Query) (data.M, error) {
	rows, err := c.match(ctx, c.db, q, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "%s in %s", q, c.name)
	}
	return decode(rows[0].body)
}

func (c *Collection) Find(ctx context.Context, q *query.Query) ([]data.M, error) {
	rows, err := c.match(ctx, c.db, q, 0)
	if err != nil {
		return nil, err
	}

	docs := make([]data.M, 0, len(rows))
	for _, r := range rows {
		doc, err := decode(r.body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (c *Collection) FindOneAndUpdate(
	ctx context.Context,
	q *query.Query,
	update data.M,
	opts store.UpdateOptions,
) (data.M, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := c.match(ctx, tx, q, 1)
	if err != nil {
		return nil, err
	}

	var result data.M
	if len(rows) == 0 {
		if !opts.Upsert {
			return nil, errors.Wrapf(store.ErrNotFound, "%s in %s", q, c.name)
		}
		created, err := c.insert(ctx, tx, store.Upserted(q, update))
		if err != nil {
			return nil, err
		}
		if opts.ReturnUpdated {
			result = created
		}
	} else {
		before, err := decode(rows[0].body)
		if err != nil {
			return nil, err
		}

		after := before.Clone()
		for k, v := range update {
			if k != data.IDKey {
				after[k] = v
			}
		}

		b, err := json.Marshal(after)
		if err != nil {
			return nil, errors.Wrapf(store.ErrInvalidDocument, "could not marshal document %s: %v", rows[0].id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET body = ? WHERE collection = ? AND id = ?`,
			string(b), c.name, rows[0].id,
		); err != nil {
			return nil, errors.Wrapf(err, "could not update %s in %s", rows[0].id, c.name)
		}

		result = before
		if opts.ReturnUpdated {
			if result, err = decode(b); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "could not commit update")
	}

	return result, nil
}

func (c *Collection) Remove(ctx context.Context, q *query.Query) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "could not begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := c.match(ctx, tx, q, 0)
	if err != nil {
		return 0, err
	}

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND id = ?`, c.name, r.id,
		); err != nil {
			return 0, errors.Wrapf(err, "could not remove %s from %s", r.id, c.name)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "could not commit removal")
	}

	return int64(len(rows)), nil
}

func (c *Collection) Create(ctx context.Context, doc data.M) (data.M, error) {
	return c.insert(ctx, c.db, doc)
}

func (c *Collection) Latest(ctx context.Context, field string, n int) ([]data.M, error) {
	path := fmt.Sprintf(`$."%s"`, field)
	stmt := `SELECT id, body FROM documents
		WHERE collection = ? AND json_extract(body, ?) IS NOT NULL
		ORDER BY CAST(json_extract(body, ?) AS REAL) DESC`
	args := []interface{}{c.name, path, path}
	if n > 0 {
		stmt += ` LIMIT ?`
		args = append(args, n)
	}

	rows, err := scan(c.db.QueryContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read latest from %s", c.name)
	}

	docs := make([]data.M, 0, len(rows))
	for _, r := range rows {
		doc, err := decode(r.body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (c *Collection) insert(ctx context.Context, db querier, doc data.M) (data.M, error) {
	stored := doc.Clone()
	if stored == nil {
		stored = data.M{}
	}

	id := fmt.Sprint(stored[data.IDKey])
	if stored[data.IDKey] == nil || id == "" {
		id = store.NewID()
	}
	stored[data.IDKey] = id

	b, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Wrapf(store.ErrInvalidDocument, "could not marshal document: %v", err)
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)`,
		c.name, id, string(b),
	); err != nil {
		return nil, errors.Wrapf(store.ErrInvalidDocument, "could not insert %s into %s: %v", id, c.name, err)
	}

	return decode(b)
}

// match narrows rows by id or species in SQL and applies the remaining filters to the JSON body.
func (c *Collection) match(ctx context.Context, db querier, q *query.Query, limit int) ([]row, error) {
	stmt := `SELECT id, body FROM documents WHERE collection = ?`
	args := []interface{}{c.name}

	switch {
	case q == nil:
	case q.HasID():
		stmt += ` AND id = ?`
		args = append(args, fmt.Sprint(q.ID))
	case q.Species != "":
		stmt += ` AND lower(json_extract(body, '$.species')) = lower(?)`
		args = append(args, q.Species)
	}
	stmt += ` ORDER BY id`

	rows, err := scan(db.QueryContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrapf(err, "could not query %s", c.name)
	}

	if q == nil {
		return rows, nil
	}

	matched := rows[:0]
	for _, r := range rows {
		if !q.MatchJSON(r.body) {
			continue
		}
		matched = append(matched, r)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func scan(rs *sql.Rows, err error) ([]row, error) {
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var rows []row
	for rs.Next() {
		var r row
		var body string
		if err := rs.Scan(&r.id, &body); err != nil {
			return nil, err
		}
		r.body = []byte(body)
		rows = append(rows, r)
	}
	return rows, rs.Err()
}

func decode(b []byte) (data.M, error) {
	var doc data.M
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrapf(store.ErrInvalidDocument, "could not unmarshal %s: %v", string(b), err)
	}
	return doc, nil
}
