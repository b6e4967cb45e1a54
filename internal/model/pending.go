package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OpKind classifies a pending mutation.
type OpKind string

const (
	OpAdd    OpKind = "ADD"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

// OpStatus tracks a pending mutation through its lifecycle. Confirmed
// operations leave the queue, so no confirmed status exists on the record.
type OpStatus string

const (
	OpProposed OpStatus = "proposed"
	OpInFlight OpStatus = "in_flight"
	OpFailed   OpStatus = "failed"
)

// PendingOperation is one durable record of a not-yet-confirmed mutation
// destined for the remote store. Every local mutation that must reach the
// remote store is represented by exactly one PendingOperation until the
// remote apply is confirmed.
type PendingOperation struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Kind       OpKind          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Status     OpStatus        `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewPendingOperation builds a proposed operation with a fresh id.
func NewPendingOperation(collection, key string, kind OpKind, payload json.RawMessage) PendingOperation {
	return PendingOperation{
		ID:         uuid.NewString(),
		Collection: collection,
		Key:        key,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		Status:     OpProposed,
	}
}
