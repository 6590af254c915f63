package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"poruka/api/internal/model"
)

// uniqueIndexFields maps the partial unique indexes on documents to the
// field they guard.
var uniqueIndexFields = map[string]string{
	"idx_documents_users_email":  model.FieldEmail,
	"idx_documents_users_handle": model.FieldHandle,
}

// PostgresStore keeps every collection in one JSONB documents table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, collection, key string) (Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM documents WHERE collection=$1 AND key=$2`, collection, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, model.ErrNotFound
	}
	if err != nil {
		return Document{}, model.Unavailable(err, "get %s/%s", collection, key)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{Collection: collection, Key: key, Fields: fields}, nil
}

func (s *PostgresStore) Put(ctx context.Context, collection, key string, fields Fields) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, key, fields, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (collection, key) DO UPDATE SET fields=EXCLUDED.fields, updated_at=NOW()
	`, collection, key, string(payload))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &UniqueViolation{Collection: collection, Field: uniqueIndexFields[pgErr.ConstraintName]}
	}
	if err != nil {
		return model.Unavailable(err, "put %s/%s", collection, key)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND key=$2`, collection, key)
	if err != nil {
		return model.Unavailable(err, "delete %s/%s", collection, key)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return model.Unavailable(err, "delete %s/%s", collection, key)
	}
	if affected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) QueryEqual(ctx context.Context, collection, field, value string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, fields
		FROM documents
		WHERE collection=$1 AND fields->>$2 = $3
		ORDER BY key
	`, collection, field, value)
	if err != nil {
		return nil, model.Unavailable(err, "query %s where %s", collection, field)
	}
	return scanDocuments(collection, rows)
}

func (s *PostgresStore) List(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, fields FROM documents WHERE collection=$1 ORDER BY key`, collection)
	if err != nil {
		return nil, model.Unavailable(err, "list %s", collection)
	}
	return scanDocuments(collection, rows)
}

func scanDocuments(collection string, rows *sql.Rows) ([]Document, error) {
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, model.Unavailable(err, "scan %s", collection)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{Collection: collection, Key: key, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable(err, "iterate %s", collection)
	}
	return docs, nil
}
