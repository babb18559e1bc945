package calllog

import (
	"context"
	"time"
)

// Event kinds the service records over a call's life.
const (
	KindStarted     = "started"
	KindConnected   = "connected"
	KindInterrupted = "interrupted"
	KindErrored     = "errored"
	KindEnded       = "ended"
)

// EventRecord is one timestamped call lifecycle event.
type EventRecord struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists call lifecycle events. Recording is best effort: the
// call keeps going even when the store is down.
type Store interface {
	Record(ctx context.Context, record EventRecord) error
	CallEvents(ctx context.Context, callID string, limit int) ([]EventRecord, error)
	Close() error
}
