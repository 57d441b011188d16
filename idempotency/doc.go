// Package idempotency provides the stores behind duplicate detection.
//
// A Store atomically records that an event id has been processed. Three
// implementations are provided:
//
//   - MemoryStore: process-local, for tests and single-instance consumers
//   - RedisStore: SET NX with an expiry, shared across instances
//   - PostgresStore: a processed_events table keyed by event_id, via gorm
//
// Records expire after the ttl passed to TryMarkProcessed. An event
// redelivered after its record expired is treated as fresh and processed
// again, so handlers that cannot tolerate that must keep their own
// idempotency or use a ttl of zero.
package idempotency
