package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Schema creates the single table backing every collection. The partial
// unique index enforces secondary-key uniqueness per collection.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	seq        BIGSERIAL,
	collection TEXT  NOT NULL,
	id         TEXT  NOT NULL,
	key        TEXT,
	data       JSONB NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS documents_collection_key
	ON documents (collection, key) WHERE key IS NOT NULL;`

const uniqueViolation = "23505"

// PostgresStore implements Store on a JSONB table.
type PostgresStore struct {
	db *sqlx.DB
}

type documentRow struct {
	ID   string         `db:"id"`
	Key  sql.NullString `db:"key"`
	Data []byte         `db:"data"`
}

func (r documentRow) document() Document {
	return Document{ID: r.ID, Key: r.Key.String, Data: r.Data}
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the documents table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func nullKey(key string) sql.NullString {
	return sql.NullString{String: key, Valid: key != ""}
}

func mapPQError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return ErrDuplicateKey
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

func (s *PostgresStore) Insert(ctx context.Context, collection string, doc Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, key, data) VALUES ($1, $2, $3, $4::jsonb)`,
		collection, doc.ID, nullKey(doc.Key), string(doc.Data))
	if err != nil {
		return mapPQError("insert", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, key, data FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, mapPQError("get", err)
	}
	return row.document(), nil
}

func (s *PostgresStore) Replace(ctx context.Context, collection string, doc Document) error {
	return replaceRow(ctx, s.db, collection, doc)
}

func replaceRow(ctx context.Context, ex sqlx.ExecerContext, collection string, doc Document) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE documents SET key = $3, data = $4::jsonb WHERE collection = $1 AND id = $2`,
		collection, doc.ID, nullKey(doc.Key), string(doc.Data))
	if err != nil {
		return mapPQError("replace", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapPQError("replace", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (s *PostgresStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) (Document, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Document{}, mapPQError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row documentRow
	err = tx.GetContext(ctx, &row,
		`SELECT id, key, data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, mapPQError("select for update", err)
	}

	next, err := fn(row.document())
	if err != nil {
		return Document{}, err
	}
	next.ID = id
	if err := replaceRow(ctx, tx, collection, next); err != nil {
		return Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return Document{}, mapPQError("commit", err)
	}
	return next, nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return mapPQError("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapPQError("delete", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, collection string) ([]Document, error) {
	var rows []documentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, key, data FROM documents WHERE collection = $1 ORDER BY seq`, collection)
	if err != nil {
		return nil, mapPQError("list", err)
	}
	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, r.document())
	}
	return docs, nil
}

func (s *PostgresStore) Stats(ctx context.Context, collection string) (StoreStats, error) {
	var out struct {
		Documents int `db:"documents"`
		Bytes     int `db:"bytes"`
	}
	err := s.db.GetContext(ctx, &out,
		`SELECT COUNT(*) AS documents, COALESCE(SUM(octet_length(data::text)), 0) AS bytes
		 FROM documents WHERE collection = $1`, collection)
	if err != nil {
		return StoreStats{}, mapPQError("stats", err)
	}
	return StoreStats{Documents: out.Documents, Bytes: out.Bytes}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
