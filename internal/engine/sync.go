package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tillworks/tillsync/internal/model"
	"github.com/tillworks/tillsync/internal/remote"
)

// InitSync pulls the remote catalog and recent order history and merges them
// into local state. The remote value wins for every field it carries;
// local-only rows (typically created offline and not yet confirmed) are kept.
// Only one sync runs at a time; concurrent calls return immediately with no
// error.
func (e *Engine) InitSync(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.syncing.Store(false)

	start := e.now()

	remoteProducts, err := e.remote.Select(ctx, remote.Products, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch remote products: %w", err)
	}
	remoteOrders, err := e.remote.Select(ctx, remote.Orders, &remote.Filter{
		OrderByDesc: "date",
		Limit:       e.ordersLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch remote orders: %w", err)
	}

	e.mu.Lock()
	mergedP, badP := e.mergeProductsLocked(remoteProducts)
	mergedO, badO := e.mergeOrdersLocked(remoteOrders)
	e.persistProducts(ctx)
	e.persistOrders(ctx)
	e.mu.Unlock()

	e.logger.Info("initial sync complete",
		"products_merged", mergedP, "orders_merged", mergedO,
		"skipped", badP+badO, "took", time.Since(start))
	return nil
}

// mergeProductsLocked folds remote product documents into the local catalog.
// Existing rows are overwritten field by field from the remote document;
// unknown barcodes are appended, preserving local insertion order. Returns
// the number of merged documents and the number skipped as malformed.
func (e *Engine) mergeProductsLocked(docs []json.RawMessage) (merged, skipped int) {
	for _, doc := range docs {
		var p model.Product
		if err := json.Unmarshal(doc, &p); err != nil || p.Barcode == "" {
			skipped++
			e.logger.Warn("skipping malformed remote product", "error", err)
			continue
		}
		if i := e.indexOf(p.Barcode); i >= 0 {
			e.products[i] = p
			if !p.IsDeleted {
				e.refreshCartLine(p)
			}
		} else {
			e.products = append(e.products, p)
		}
		merged++
	}
	return merged, skipped
}

// mergeOrdersLocked folds remote order documents into the local history and
// re-sorts it newest first. Local orders absent from the remote page stay.
func (e *Engine) mergeOrdersLocked(docs []json.RawMessage) (merged, skipped int) {
	byID := make(map[string]int, len(e.orders))
	for i, o := range e.orders {
		byID[o.ID] = i
	}
	for _, doc := range docs {
		var o model.Order
		if err := json.Unmarshal(doc, &o); err != nil || o.ID == "" {
			skipped++
			e.logger.Warn("skipping malformed remote order", "error", err)
			continue
		}
		if i, ok := byID[o.ID]; ok {
			e.orders[i] = o
		} else {
			byID[o.ID] = len(e.orders)
			e.orders = append(e.orders, o)
		}
		merged++
	}
	sort.SliceStable(e.orders, func(i, j int) bool {
		return e.orders[i].Date > e.orders[j].Date
	})
	return merged, skipped
}

// SyncNow drains the pending queue first so local mutations reach the remote
// store before its state is pulled back, then runs the full merge.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.DrainPending(ctx)
	return e.InitSync(ctx)
}

// RunPeriodicDrain retries the pending queue on a fixed interval until the
// context is cancelled. Intervals of zero or less disable it.
func (e *Engine) RunPeriodicDrain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.queue.Len() == 0 {
				continue
			}
			confirmed, failed := e.DrainPending(ctx)
			if confirmed+failed > 0 {
				e.logger.Info("periodic drain", "confirmed", confirmed, "failed", failed)
			}
		}
	}
}

// applyOp pushes one pending operation to the remote store. A nil return
// confirms the operation. Applies are idempotent so a retried operation that
// actually landed earlier converges instead of erroring.
func (e *Engine) applyOp(ctx context.Context, op model.PendingOperation) error {
	switch op.Collection {
	case remote.Products:
		return e.applyProductOp(ctx, op)
	case remote.Orders:
		return e.applyOrderOp(ctx, op)
	default:
		return fmt.Errorf("%w: %s", remote.ErrUnknownCollection, op.Collection)
	}
}

func (e *Engine) applyProductOp(ctx context.Context, op model.PendingOperation) error {
	switch op.Kind {
	case model.OpAdd:
		_, err := e.remote.Upsert(ctx, remote.Products, []json.RawMessage{op.Payload}, "barcode")
		return err
	case model.OpUpdate:
		affected, err := e.remote.Update(ctx, remote.Products, op.Payload, "barcode", op.Key)
		if err != nil {
			return err
		}
		if affected == 0 {
			// The row never made it remotely; create it from the patch.
			_, err = e.remote.Upsert(ctx, remote.Products, []json.RawMessage{op.Payload}, "barcode")
			return err
		}
		return nil
	case model.OpDelete:
		tombstone := json.RawMessage(fmt.Sprintf(`{"barcode":%q,"is_deleted":true}`, op.Key))
		affected, err := e.remote.Update(ctx, remote.Products, tombstone, "barcode", op.Key)
		if err != nil {
			return err
		}
		if affected == 0 {
			_, err = e.remote.Upsert(ctx, remote.Products, []json.RawMessage{tombstone}, "barcode")
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported product operation kind %q", op.Kind)
	}
}

func (e *Engine) applyOrderOp(ctx context.Context, op model.PendingOperation) error {
	if op.Kind != model.OpAdd {
		return fmt.Errorf("unsupported order operation kind %q", op.Kind)
	}
	_, err := e.remote.Upsert(ctx, remote.Orders, []json.RawMessage{op.Payload}, "id")
	return err
}

// orderDoc encodes an order as a remote store document.
func orderDoc(o model.Order) (json.RawMessage, error) {
	return json.Marshal(o)
}
