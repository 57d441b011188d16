// Package rabbitmq is the broker transport of the event pipeline.
//
// This package includes:
//   - ConnectionManager: one connection with automatic reconnection and state listeners
//   - ChannelPool: pooled channels for publishing and topology declarations
//   - Publisher: publishing with publisher confirms and bounded retries
//   - Consumer: one queue subscription on a dedicated channel, with handler
//     concurrency bounded by prefetch and a graceful Shutdown
//   - TopologyManager: exchanges, queues and bindings, plus queue inspection
//
// Consumers never acknowledge on their own. The handler passed to Start owns
// the delivery and settles it exactly once.
package rabbitmq
