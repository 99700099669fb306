package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder and JSON syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var fieldPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// SQL stores documents in a single relational table:
//
//	documents(collection, doc_key, version, body, updated_at)
//
// A conditional write re-reads the row, evaluates the caller's function and
// issues UPDATE ... WHERE version = <observed>. If another writer got there
// first no row matches, so the function is evaluated again on the new body.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
}

var _ Store = (*SQL)(nil)

func NewSQL(db *sql.DB, dialect Dialect, opts Options) *SQL {
	return &SQL{db: db, dialect: dialect, opts: opts}
}

// rebind rewrites ? placeholders for postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
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

func (s *SQL) stamp() string {
	return s.opts.now().UTC().Format(time.RFC3339Nano)
}

func (s *SQL) Get(ctx context.Context, collection, key string) (Document, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	doc, err := s.get(ctx, collection, key)
	return doc, wrap("get", err)
}

func (s *SQL) get(ctx context.Context, collection, key string) (Document, error) {
	doc := Document{Collection: collection, Key: key}
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT version, body, updated_at FROM documents WHERE collection=? AND doc_key=?`), collection, key).
		Scan(&doc.Version, &body, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return doc, ErrNotFound
	}
	if err != nil {
		return doc, err
	}
	doc.Body = []byte(body)
	return doc, nil
}

func (s *SQL) Put(ctx context.Context, collection, key string, body []byte) error {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO documents(collection,doc_key,version,body,updated_at) VALUES (?,?,1,?,?)
ON CONFLICT(collection,doc_key) DO UPDATE SET version=documents.version+1, body=excluded.body, updated_at=excluded.updated_at`),
		collection, key, string(body), s.stamp())
	return wrap("put", err)
}

func (s *SQL) Create(ctx context.Context, collection, key string, body []byte) error {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO documents(collection,doc_key,version,body,updated_at) VALUES (?,?,1,?,?)
ON CONFLICT(collection,doc_key) DO NOTHING`), collection, key, string(body), s.stamp())
	if err != nil {
		return wrap("create", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("create", err)
	}
	if n == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *SQL) Update(ctx context.Context, collection, key string, fn Mutator) (Document, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	for attempt := 0; attempt < s.opts.casAttempts(); attempt++ {
		cur, err := s.get(ctx, collection, key)
		if err != nil {
			return Document{}, wrap("update", err)
		}
		next, err := fn(cur.Body)
		if err != nil {
			return Document{}, err
		}
		updatedAt := s.stamp()
		res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE documents SET body=?, version=version+1, updated_at=? WHERE collection=? AND doc_key=? AND version=?`),
			string(next), updatedAt, collection, key, cur.Version)
		if err != nil {
			return Document{}, wrap("update", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Document{}, wrap("update", err)
		}
		if n == 1 {
			return Document{Collection: collection, Key: key, Version: cur.Version + 1, Body: next, UpdatedAt: updatedAt}, nil
		}
	}
	return Document{}, &UnavailableError{Op: "update", Err: errContention}
}

func (s *SQL) Delete(ctx context.Context, collection, key string, fn Predicate) error {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	for attempt := 0; attempt < s.opts.casAttempts(); attempt++ {
		cur, err := s.get(ctx, collection, key)
		if err != nil {
			return wrap("delete", err)
		}
		if fn != nil {
			if err := fn(cur.Body); err != nil {
				return err
			}
		}
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM documents WHERE collection=? AND doc_key=? AND version=?`), collection, key, cur.Version)
		if err != nil {
			return wrap("delete", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrap("delete", err)
		}
		if n == 1 {
			return nil
		}
	}
	return &UnavailableError{Op: "delete", Err: errContention}
}

func (s *SQL) Find(ctx context.Context, collection, field, value string, limit int) ([]Document, error) {
	if !fieldPattern.MatchString(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	var match string
	var fieldArg any
	switch s.dialect {
	case DialectPostgres:
		match = "(body::jsonb ->> ?::text) = ?"
		fieldArg = field
	default:
		match = "json_extract(body, ?) = ?"
		fieldArg = "$." + field
	}
	query := `SELECT doc_key, version, body, updated_at FROM documents WHERE collection=? AND ` + match + ` ORDER BY doc_key ASC`
	args := []any{collection, fieldArg, value}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrap("find", err)
	}
	defer rows.Close()
	var res []Document
	for rows.Next() {
		d := Document{Collection: collection}
		var body string
		if err := rows.Scan(&d.Key, &d.Version, &body, &d.UpdatedAt); err != nil {
			return nil, wrap("find", err)
		}
		d.Body = []byte(body)
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("find", err)
	}
	return res, nil
}

func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
