// Package remote abstracts the authoritative networked record store. The
// engine treats it as an opaque key-addressed document store: every error is
// "not confirmed, retry later", never fatal.
package remote

import (
	"context"
	"encoding/json"
	"errors"
)

// Collection names understood by the remote store.
const (
	Products = "products"
	Orders   = "orders"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrFunctionsDisabled = errors.New("function invocation is not configured")
)

// Filter narrows a Select. The zero value selects everything.
type Filter struct {
	// Match requires the document to contain these field values.
	Match map[string]any
	// OrderByDesc sorts by the named document field, descending.
	OrderByDesc string
	// Limit caps the number of returned records when greater than zero.
	Limit int
}

// Store is the remote record store contract.
//
// Records are opaque JSON documents. Implementations must make Upsert and
// Delete idempotent: reapplying a confirmed operation must not error.
type Store interface {
	// Select returns the documents of a collection, optionally filtered.
	Select(ctx context.Context, collection string, filter *Filter) ([]json.RawMessage, error)

	// Insert adds new documents. Fails on duplicate keys; use Upsert for
	// idempotent writes.
	Insert(ctx context.Context, collection string, records []json.RawMessage) error

	// Update merges patch into every document whose key field equals value
	// and reports how many documents were touched.
	Update(ctx context.Context, collection string, patch json.RawMessage, key, value string) (int64, error)

	// Upsert inserts the documents, merging them onto existing rows when the
	// conflict key collides. Returns the number of affected rows.
	Upsert(ctx context.Context, collection string, records []json.RawMessage, conflictKey string) (int64, error)

	// Delete removes every document whose key field equals value. Deleting
	// absent documents is not an error.
	Delete(ctx context.Context, collection string, key, value string) error

	// Invoke calls a named serverless function with a JSON payload and
	// returns the raw response body.
	Invoke(ctx context.Context, function string, payload any) ([]byte, error)
}
