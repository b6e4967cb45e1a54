package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillworks/tillsync/internal/model"
	"github.com/tillworks/tillsync/internal/remote"
)

// AddToCart puts qty units of a live product into the cart, caching the
// product's current name and price on the line. Adding the same barcode
// again increments the existing line.
func (e *Engine) AddToCart(barcode string, qty int64) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexOf(barcode)
	if i < 0 || e.products[i].IsDeleted {
		return ErrProductNotFound
	}
	for j := range e.cart {
		if e.cart[j].Barcode == barcode {
			e.cart[j].Qty += qty
			return nil
		}
	}
	p := e.products[i]
	e.cart = append(e.cart, model.CartItem{
		Barcode: p.Barcode,
		Name:    p.Name,
		Price:   p.Price,
		Qty:     qty,
	})
	return nil
}

// SetCartQty sets the quantity of a cart line; zero or less removes it.
func (e *Engine) SetCartQty(barcode string, qty int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for j := range e.cart {
		if e.cart[j].Barcode == barcode {
			if qty < 1 {
				e.cart = append(e.cart[:j], e.cart[j+1:]...)
			} else {
				e.cart[j].Qty = qty
			}
			return nil
		}
	}
	return ErrProductNotFound
}

// RemoveFromCart drops the cart line for the barcode, if any.
func (e *Engine) RemoveFromCart(barcode string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for j := range e.cart {
		if e.cart[j].Barcode == barcode {
			e.cart = append(e.cart[:j], e.cart[j+1:]...)
			return
		}
	}
}

// Cart returns a copy of the current cart lines.
func (e *Engine) Cart() []model.CartItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.CartItem(nil), e.cart...)
}

// CartTotal sums price times quantity over the cart, rounded to two decimal
// places.
func (e *Engine) CartTotal() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return round2(e.cartTotalLocked())
}

func (e *Engine) cartTotalLocked() decimal.Decimal {
	total := decimal.Zero
	for _, item := range e.cart {
		total = total.Add(item.LineTotal())
	}
	return total
}

// Checkout validates every cart line against available stock before touching
// any state, then decrements stocks, snapshots the cart into an immutable
// order prepended to the history, clears the cart, and queues the remote
// writes (one stock patch per line plus the order itself).
func (e *Engine) Checkout(ctx context.Context) (model.Order, error) {
	e.mu.Lock()
	if len(e.cart) == 0 {
		e.mu.Unlock()
		return model.Order{}, ErrEmptyCart
	}

	// Validate first; a partial decrement must never happen.
	for _, item := range e.cart {
		i := e.indexOf(item.Barcode)
		if i < 0 || e.products[i].IsDeleted {
			e.mu.Unlock()
			return model.Order{}, fmt.Errorf("%s: %w", item.Barcode, ErrInsufficientStock)
		}
		if e.products[i].Stock < item.Qty {
			e.mu.Unlock()
			return model.Order{}, fmt.Errorf("%s: %w", item.Barcode, ErrInsufficientStock)
		}
	}

	now := e.now()
	order := model.Order{
		ID:    model.NewOrderID(now),
		Date:  now.UTC().Format(time.RFC3339),
		Items: append([]model.CartItem(nil), e.cart...),
		Total: round2(e.cartTotalLocked()),
	}

	for _, item := range e.cart {
		i := e.indexOf(item.Barcode)
		e.products[i].Stock -= item.Qty
		e.enqueueStockUpdate(ctx, item.Barcode, e.products[i].Stock)
	}
	e.orders = append([]model.Order{order}, e.orders...)
	e.cart = nil

	e.persistProducts(ctx)
	e.persistOrders(ctx)

	if doc, err := orderDoc(order); err == nil {
		e.enqueue(ctx, model.NewPendingOperation(remote.Orders, order.ID, model.OpAdd, doc))
	} else {
		e.logger.Error("failed to encode order", "order_id", order.ID, "error", err)
	}
	e.mu.Unlock()

	e.scheduleDrain()
	e.publishOrderCreated(order)
	return order, nil
}

// TodaySales sums the totals of today's orders.
func (e *Engine) TodaySales() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := decimal.Zero
	today := e.now()
	for _, o := range e.orders {
		if sameDay(o.Date, today) {
			total = total.Add(o.Total)
		}
	}
	return round2(total)
}

// TodayOrderCount counts today's orders.
func (e *Engine) TodayOrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	today := e.now()
	for _, o := range e.orders {
		if sameDay(o.Date, today) {
			count++
		}
	}
	return count
}

func sameDay(date string, ref time.Time) bool {
	t, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return false
	}
	y1, m1, d1 := t.Local().Date()
	y2, m2, d2 := ref.Local().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
