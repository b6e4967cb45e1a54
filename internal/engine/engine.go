// Package engine implements the reconciliation core of the till. It owns the
// product, order, cart and pending-operation collections, applies every
// mutation optimistically to local state, and converges the remote store
// through the durable pending-operation queue.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillworks/tillsync/internal/enrich"
	"github.com/tillworks/tillsync/internal/model"
	"github.com/tillworks/tillsync/internal/queue"
	"github.com/tillworks/tillsync/internal/remote"
	"github.com/tillworks/tillsync/pkg/messaging"
	"github.com/tillworks/tillsync/pkg/messaging/events"
)

const defaultOrdersLimit = 50

// drainTimeout bounds one background drain pass; the queue keeps whatever
// did not complete.
const drainTimeout = 30 * time.Second

// Cache mirrors the engine's collections to durable local storage.
type Cache interface {
	SaveProducts(ctx context.Context, products []model.Product) error
	LoadProducts(ctx context.Context) ([]model.Product, error)
	SaveOrders(ctx context.Context, orders []model.Order) error
	LoadOrders(ctx context.Context) ([]model.Order, error)
	SavePending(ctx context.Context, ops []model.PendingOperation) error
	LoadPending(ctx context.Context) ([]model.PendingOperation, error)
}

// Lookuper resolves barcodes against the external enrichment service.
type Lookuper interface {
	Lookup(ctx context.Context, barcode string) (enrich.Result, error)
}

// Engine is the single owner of the till's state. Construct one per process
// with New and pass it by reference; it is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	products []model.Product
	orders   []model.Order
	cart     []model.CartItem

	queue     *queue.Queue
	cache     Cache
	remote    remote.Store
	enricher  Lookuper
	publisher messaging.Publisher
	logger    *slog.Logger

	syncing     atomic.Bool
	wg          sync.WaitGroup
	ordersLimit int
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher makes the engine publish an order-created event after each
// checkout. Publishing is best effort.
func WithPublisher(p messaging.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithOrdersLimit caps how many recent orders the initial sync pulls.
func WithOrdersLimit(n int) Option {
	return func(e *Engine) { e.ordersLimit = n }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine from the durably cached state. The remote store is
// not contacted; call InitSync separately once connectivity is plausible.
func New(ctx context.Context, cache Cache, store remote.Store, enricher Lookuper, logger *slog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		cache:       cache,
		remote:      store,
		enricher:    enricher,
		logger:      logger.With("component", "engine"),
		ordersLimit: defaultOrdersLimit,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queue = queue.New(cache, logger)

	var err error
	if e.products, err = cache.LoadProducts(ctx); err != nil {
		return nil, fmt.Errorf("failed to load cached products: %w", err)
	}
	if e.orders, err = cache.LoadOrders(ctx); err != nil {
		return nil, fmt.Errorf("failed to load cached orders: %w", err)
	}
	pending, err := cache.LoadPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}
	e.queue.Restore(pending)
	return e, nil
}

// Wait blocks until all background remote applies have finished. Used on
// shutdown and by tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// FindProduct returns the product with the given barcode, deleted or not.
func (e *Engine) FindProduct(barcode string) (model.Product, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexOf(barcode); i >= 0 {
		return e.products[i].Clone(), true
	}
	return model.Product{}, false
}

// Products returns a copy of the catalog, live and soft-deleted rows alike.
func (e *Engine) Products() []model.Product {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Product, len(e.products))
	for i, p := range e.products {
		out[i] = p.Clone()
	}
	return out
}

// Orders returns a copy of the order history, newest first.
func (e *Engine) Orders() []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Order(nil), e.orders...)
}

// PendingOperations exposes the queued, not-yet-confirmed mutations.
func (e *Engine) PendingOperations() []model.PendingOperation {
	return e.queue.Snapshot()
}

// AddProduct registers a new product. Adding over a live barcode fails with
// ErrDuplicateBarcode; adding over a soft-deleted one resurrects it in
// place. The product is visible locally immediately, before any remote
// confirmation.
func (e *Engine) AddProduct(ctx context.Context, p model.Product) error {
	if p.Barcode == "" || p.Price.IsNegative() || p.Stock < 0 {
		return ErrInvalidProduct
	}
	p.IsDeleted = false

	e.mu.Lock()
	if i := e.indexOf(p.Barcode); i >= 0 {
		if !e.products[i].IsDeleted {
			e.mu.Unlock()
			return ErrDuplicateBarcode
		}
		// Resurrection: overwrite the tombstone with the new payload.
		e.products[i] = p.Clone()
	} else {
		e.products = append(e.products, p.Clone())
	}
	e.persistProducts(ctx)

	doc, err := p.Doc()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to encode product %s: %w", p.Barcode, err)
	}
	e.enqueue(ctx, model.NewPendingOperation(remote.Products, p.Barcode, model.OpAdd, doc))
	e.mu.Unlock()

	e.scheduleDrain()
	return nil
}

// UpdateProduct merges the patch onto an existing product. The soft-delete
// flag is explicitly preserved: a plain update can neither delete nor
// resurrect. Name and price changes propagate into a matching cart line.
func (e *Engine) UpdateProduct(ctx context.Context, patch model.ProductPatch) error {
	if patch.Barcode == "" {
		return ErrInvalidProduct
	}
	if patch.Price != nil && patch.Price.IsNegative() {
		return ErrInvalidProduct
	}

	e.mu.Lock()
	i := e.indexOf(patch.Barcode)
	if i < 0 {
		e.mu.Unlock()
		return ErrProductNotFound
	}
	p := &e.products[i]
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Price != nil {
		p.Price = *patch.Price
	}
	if patch.Stock != nil {
		p.Stock = *patch.Stock
	}
	for k, v := range patch.Extra {
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	if !p.IsDeleted {
		e.refreshCartLine(*p)
	}
	e.persistProducts(ctx)

	doc, err := patch.Doc()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to encode patch for %s: %w", patch.Barcode, err)
	}
	e.enqueue(ctx, model.NewPendingOperation(remote.Products, patch.Barcode, model.OpUpdate, doc))
	e.mu.Unlock()

	e.scheduleDrain()
	return nil
}

// RemoveProduct soft-deletes a product: the local row is retained with
// is_deleted set, and the same flag is queued for the remote store. An
// unknown barcode is a no-op.
func (e *Engine) RemoveProduct(ctx context.Context, barcode string) error {
	e.mu.Lock()
	i := e.indexOf(barcode)
	if i < 0 {
		e.mu.Unlock()
		return nil
	}
	e.products[i].IsDeleted = true
	e.persistProducts(ctx)
	e.enqueue(ctx, model.NewPendingOperation(remote.Products, barcode, model.OpDelete, nil))
	e.mu.Unlock()

	e.scheduleDrain()
	return nil
}

// RestockProduct adds amount to a live product's stock. Negative amounts
// are manual corrections and are not clamped. Unknown or deleted barcodes
// are a no-op.
func (e *Engine) RestockProduct(ctx context.Context, barcode string, amount int64) error {
	e.mu.Lock()
	i := e.indexOf(barcode)
	if i < 0 || e.products[i].IsDeleted {
		e.mu.Unlock()
		return nil
	}
	e.products[i].Stock += amount
	e.persistProducts(ctx)
	e.enqueueStockUpdate(ctx, barcode, e.products[i].Stock)
	e.mu.Unlock()

	e.scheduleDrain()
	return nil
}

// EnrichProductInfo resolves the barcode against the enrichment service and,
// when found, rewrites the product's name and price locally, in the cart,
// and (via the queue) remotely. Stock is never taken from the lookup. The
// remote apply upserts, so it lands even when the remote row does not exist
// yet. Returns the resolved display name, or "" when not found or on any
// failure.
func (e *Engine) EnrichProductInfo(ctx context.Context, barcode string) (string, bool) {
	if barcode == "" {
		return "", false
	}
	res, err := e.enricher.Lookup(ctx, barcode)
	if err != nil {
		e.logger.Warn("barcode lookup failed", "barcode", barcode, "error", err)
		return "", false
	}
	if !res.Found {
		return "", false
	}
	name := res.DisplayName()

	e.mu.Lock()
	if i := e.indexOf(barcode); i >= 0 {
		p := &e.products[i]
		p.Name = name
		p.Price = res.Price
		e.refreshCartLine(*p)
		e.persistProducts(ctx)

		corrected := model.Product{
			Barcode: barcode,
			Name:    name,
			Price:   res.Price,
			Stock:   p.Stock, // keep the existing stock
		}
		if doc, err := corrected.Doc(); err == nil {
			e.enqueue(ctx, model.NewPendingOperation(remote.Products, barcode, model.OpUpdate, doc))
		}
	} else {
		// No catalog row; still refresh a matching cart line.
		for j := range e.cart {
			if e.cart[j].Barcode == barcode {
				e.cart[j].Name = name
				e.cart[j].Price = res.Price
			}
		}
	}
	e.mu.Unlock()

	e.scheduleDrain()
	return name, true
}

// enqueueStockUpdate queues a stock-only patch for a product. Caller holds
// the engine lock.
func (e *Engine) enqueueStockUpdate(ctx context.Context, barcode string, stock int64) {
	patch := model.ProductPatch{Barcode: barcode, Stock: &stock}
	doc, err := patch.Doc()
	if err != nil {
		e.logger.Error("failed to encode stock patch", "barcode", barcode, "error", err)
		return
	}
	e.enqueue(ctx, model.NewPendingOperation(remote.Products, barcode, model.OpUpdate, doc))
}

// enqueue appends to the pending log. Caller holds the engine lock. A
// persistence failure is logged; the operation stays in the in-memory log
// and will be re-persisted on the next queue change.
func (e *Engine) enqueue(ctx context.Context, op model.PendingOperation) {
	if err := e.queue.Append(ctx, op); err != nil {
		e.logger.Error("failed to persist pending operation", "op_id", op.ID, "error", err)
	}
}

// refreshCartLine copies name and price from the product into a matching
// cart line. Caller holds the engine lock.
func (e *Engine) refreshCartLine(p model.Product) {
	for i := range e.cart {
		if e.cart[i].Barcode == p.Barcode {
			e.cart[i].Name = p.Name
			e.cart[i].Price = p.Price
		}
	}
}

// indexOf returns the position of the barcode in the product slice, or -1.
// Caller holds the engine lock.
func (e *Engine) indexOf(barcode string) int {
	for i := range e.products {
		if e.products[i].Barcode == barcode {
			return i
		}
	}
	return -1
}

// persistProducts mirrors the product collection to the local cache. Caller
// holds the engine lock. Failures are logged, never propagated: local
// in-memory state remains the source of truth for the session.
func (e *Engine) persistProducts(ctx context.Context) {
	if err := e.cache.SaveProducts(ctx, e.products); err != nil {
		e.logger.Error("failed to persist products", "error", err)
	}
}

// persistOrders mirrors the order history to the local cache. Caller holds
// the engine lock.
func (e *Engine) persistOrders(ctx context.Context) {
	if err := e.cache.SaveOrders(ctx, e.orders); err != nil {
		e.logger.Error("failed to persist orders", "error", err)
	}
}

// scheduleDrain kicks off a background drain of the pending queue. Drains
// are single-flight; an extra trigger while one is running is dropped.
func (e *Engine) scheduleDrain() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		e.DrainPending(ctx)
	}()
}

// DrainPending synchronously attempts every queued operation against the
// remote store and drops the ones that confirm.
func (e *Engine) DrainPending(ctx context.Context) (confirmed, failed int) {
	return e.queue.Drain(ctx, e.applyOp)
}

// publishOrderCreated emits the checkout event when a publisher is wired.
func (e *Engine) publishOrderCreated(order model.Order) {
	if e.publisher == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		event := events.OrderCreatedEvent{
			OrderID:   order.ID,
			ItemCount: len(order.Items),
			Total:     order.Total,
			CreatedAt: e.now().UTC(),
		}
		if err := e.publisher.Publish(ctx, event); err != nil {
			e.logger.Warn("failed to publish order created event", "order_id", order.ID, "error", err)
		}
	}()
}

// round2 rounds a money amount to two decimal places.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
