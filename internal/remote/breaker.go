package remote

import (
	"context"
	"encoding/json"

	"github.com/sony/gobreaker/v2"

	"github.com/tillworks/tillsync/pkg/config"
)

// BreakerStore wraps a Store in a circuit breaker so that a dead network
// fails fast instead of stalling every drain attempt. Failed operations stay
// in the pending queue either way; the breaker only shortens the wait.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps next with a circuit breaker configured from cfg.
func NewBreakerStore(next Store, cfg config.CircuitBreakerConfig) *BreakerStore {
	st := gobreaker.Settings{
		Name:        "remote-store",
		MaxRequests: 3,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.ConsecutiveFailures ||
				(counts.TotalSuccesses+counts.TotalFailures > cfg.ConsecutiveFailures &&
					float64(counts.TotalFailures)/float64(counts.TotalSuccesses+counts.TotalFailures)*100 > float64(cfg.ErrorRatePercent))
		},
	}
	return &BreakerStore{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[any](st),
	}
}

func (b *BreakerStore) Select(ctx context.Context, collection string, filter *Filter) ([]json.RawMessage, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Select(ctx, collection, filter)
	})
	if err != nil {
		return nil, err
	}
	records, _ := res.([]json.RawMessage)
	return records, nil
}

func (b *BreakerStore) Insert(ctx context.Context, collection string, records []json.RawMessage) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Insert(ctx, collection, records)
	})
	return err
}

func (b *BreakerStore) Update(ctx context.Context, collection string, patch json.RawMessage, key, value string) (int64, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Update(ctx, collection, patch, key, value)
	})
	if err != nil {
		return 0, err
	}
	affected, _ := res.(int64)
	return affected, nil
}

func (b *BreakerStore) Upsert(ctx context.Context, collection string, records []json.RawMessage, conflictKey string) (int64, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Upsert(ctx, collection, records, conflictKey)
	})
	if err != nil {
		return 0, err
	}
	affected, _ := res.(int64)
	return affected, nil
}

func (b *BreakerStore) Delete(ctx context.Context, collection string, key, value string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Delete(ctx, collection, key, value)
	})
	return err
}

func (b *BreakerStore) Invoke(ctx context.Context, function string, payload any) ([]byte, error) {
	// Lookup traffic is user-initiated and already bounded by its own
	// timeout; it does not go through the breaker.
	return b.next.Invoke(ctx, function, payload)
}
