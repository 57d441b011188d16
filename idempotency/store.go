package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/eventpipe/contracts"
)

var (
	ErrEmptyEventID = errors.New("event id cannot be empty")
	ErrNotFound     = errors.New("processed event record not found")
)

// Store records processed event ids. TryMarkProcessed must be atomic: when
// several deliveries race on the same id exactly one of them gets true.
type Store interface {
	// TryMarkProcessed records the id and reports whether it was fresh.
	// A ttl of zero or less keeps the record forever.
	TryMarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	// Release drops the record so a failed event can be processed again.
	Release(ctx context.Context, eventID string) error
}

// Reader is implemented by stores that can return the stored record
type Reader interface {
	Get(ctx context.Context, eventID string) (*contracts.ProcessedEventRecord, error)
}

// Pinger is implemented by stores backed by a remote service
type Pinger interface {
	Ping(ctx context.Context) error
}

func expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
