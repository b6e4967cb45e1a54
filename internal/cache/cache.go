// Package cache provides the local durable cache the till relies on while
// offline. It mirrors the engine's in-memory collections as three named JSON
// snapshots in a single SQLite file, written through on every observed
// mutation and reloaded on startup.
package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tillworks/tillsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Entry names. The products and orders names match the keys the till has
// always written, so existing cache files keep working.
const (
	productsEntry = "my-products"
	ordersEntry   = "my-orders"
	pendingEntry  = "pending-ops"
)

// Cache is a single-process, single-writer snapshot store.
type Cache struct {
	db *sql.DB
}

// Open creates or opens the cache file at the given path.
//
// The database is configured with WAL mode for cheap reads during writes, a
// busy timeout for lock contention, and a single connection because SQLite
// allows only one writer at a time.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// SaveProducts writes the product collection snapshot.
func (c *Cache) SaveProducts(ctx context.Context, products []model.Product) error {
	return c.save(ctx, productsEntry, products)
}

// LoadProducts reads the product collection snapshot. A missing entry loads
// as an empty slice.
func (c *Cache) LoadProducts(ctx context.Context) ([]model.Product, error) {
	var products []model.Product
	if err := c.load(ctx, productsEntry, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// SaveOrders writes the order history snapshot (newest first).
func (c *Cache) SaveOrders(ctx context.Context, orders []model.Order) error {
	return c.save(ctx, ordersEntry, orders)
}

// LoadOrders reads the order history snapshot.
func (c *Cache) LoadOrders(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order
	if err := c.load(ctx, ordersEntry, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// SavePending writes the pending operation log.
func (c *Cache) SavePending(ctx context.Context, ops []model.PendingOperation) error {
	return c.save(ctx, pendingEntry, ops)
}

// LoadPending reads the pending operation log.
func (c *Cache) LoadPending(ctx context.Context) ([]model.PendingOperation, error) {
	var ops []model.PendingOperation
	if err := c.load(ctx, pendingEntry, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func (c *Cache) save(ctx context.Context, name string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s entry: %w", name, err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO entries (name, doc, updated_at)
		 VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT (name) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		name, doc)
	if err != nil {
		return fmt.Errorf("failed to write %s entry: %w", name, err)
	}
	return nil
}

func (c *Cache) load(ctx context.Context, name string, v any) error {
	var doc []byte
	err := c.db.QueryRowContext(ctx, `SELECT doc FROM entries WHERE name = ?`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s entry: %w", name, err)
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return fmt.Errorf("failed to decode %s entry: %w", name, err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}
