package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tillworks/tillsync/pkg/messaging"
)

type OrderCreatedEvent struct {
	OrderID   string          `json:"order_id"`
	ItemCount int             `json:"item_count"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
}

func (o OrderCreatedEvent) Subject() string {
	return messaging.OrdersCreatedSubject
}

func (o OrderCreatedEvent) Payload() ([]byte, error) {
	return json.Marshal(o)
}
