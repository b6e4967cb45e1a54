package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// collectionTables whitelists the reachable collections and names the
// document field whose value is the table key.
var collectionTables = map[string]struct {
	table    string
	keyField string
}{
	Products: {table: "products", keyField: "barcode"},
	Orders:   {table: "orders", keyField: "id"},
}

// PgStore implements Store on PostgreSQL. Each collection is a table of
// (k text primary key, doc jsonb) rows so open document fields survive
// verbatim, the way the till's documents require.
type PgStore struct {
	pool *pgxpool.Pool
	fns  *FunctionClient
}

// NewPgStore creates a Store backed by a PostgreSQL connection pool. The
// function client may be nil when no serverless functions are configured.
func NewPgStore(pool *pgxpool.Pool, fns *FunctionClient) *PgStore {
	return &PgStore{pool: pool, fns: fns}
}

func (s *PgStore) Select(ctx context.Context, collection string, filter *Filter) ([]json.RawMessage, error) {
	ct, ok := collectionTables[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}

	var b strings.Builder
	var args []any
	fmt.Fprintf(&b, "SELECT doc FROM %s", ct.table)
	if filter != nil && len(filter.Match) > 0 {
		match, err := json.Marshal(filter.Match)
		if err != nil {
			return nil, fmt.Errorf("failed to encode filter: %w", err)
		}
		args = append(args, match)
		fmt.Fprintf(&b, " WHERE doc @> $%d::jsonb", len(args))
	}
	if filter != nil && filter.OrderByDesc != "" {
		args = append(args, filter.OrderByDesc)
		fmt.Fprintf(&b, " ORDER BY doc->>$%d DESC", len(args))
	} else {
		b.WriteString(" ORDER BY k")
	}
	if filter != nil && filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s: %w", collection, err)
	}
	defer rows.Close()

	var records []json.RawMessage
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan %s document: %w", collection, err)
		}
		records = append(records, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s documents: %w", collection, err)
	}
	return records, nil
}

func (s *PgStore) Insert(ctx context.Context, collection string, records []json.RawMessage) error {
	ct, ok := collectionTables[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	docs, err := packRecords(records)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (k, doc)
		 SELECT d->>$2, d FROM jsonb_array_elements($1::jsonb) AS t(d)`,
		ct.table)
	if _, err := s.pool.Exec(ctx, query, docs, ct.keyField); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return nil
}

func (s *PgStore) Update(ctx context.Context, collection string, patch json.RawMessage, key, value string) (int64, error) {
	ct, ok := collectionTables[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	query := fmt.Sprintf(`UPDATE %s SET doc = doc || $1::jsonb WHERE doc->>$2 = $3`, ct.table)
	tag, err := s.pool.Exec(ctx, query, []byte(patch), key, value)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", collection, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) Upsert(ctx context.Context, collection string, records []json.RawMessage, conflictKey string) (int64, error) {
	ct, ok := collectionTables[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	docs, err := packRecords(records)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (k, doc)
		 SELECT d->>$2, d FROM jsonb_array_elements($1::jsonb) AS t(d)
		 ON CONFLICT (k) DO UPDATE SET doc = %s.doc || EXCLUDED.doc`,
		ct.table, ct.table)
	tag, err := s.pool.Exec(ctx, query, docs, conflictKey)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert into %s: %w", collection, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) Delete(ctx context.Context, collection string, key, value string) error {
	ct, ok := collectionTables[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE doc->>$1 = $2`, ct.table)
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", collection, err)
	}
	return nil
}

func (s *PgStore) Invoke(ctx context.Context, function string, payload any) ([]byte, error) {
	if s.fns == nil {
		return nil, ErrFunctionsDisabled
	}
	return s.fns.Invoke(ctx, function, payload)
}

// packRecords joins the documents into one jsonb array argument.
func packRecords(records []json.RawMessage) ([]byte, error) {
	docs, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}
	return docs, nil
}
