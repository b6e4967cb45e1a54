package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CartItem is a transient line in the till's cart. Name and price are cached
// copies taken when the item was added so catalog edits can be propagated
// explicitly rather than implicitly. Cart items are never persisted.
type CartItem struct {
	Barcode string          `json:"barcode"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	Qty     int64           `json:"qty"`
}

// LineTotal returns price multiplied by quantity.
func (i CartItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(i.Qty))
}

// Order is an immutable snapshot of a checkout. Orders are append-only and
// never updated or deleted.
type Order struct {
	ID    string          `json:"id"`
	Date  string          `json:"date"`
	Items []CartItem      `json:"items"`
	Total decimal.Decimal `json:"total"`
}

// NewOrderID builds a time-based order id. The uuid suffix keeps ids unique
// across process restarts within the same millisecond.
func NewOrderID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
