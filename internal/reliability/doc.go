// Package reliability decides what happens to a delivery once the pipeline is
// done with it.
//
// This package implements:
//   - RetryPolicy: exponential backoff min(base*multiplier^attempt, max) with optional jitter
//   - ErrorClassifier: ordered predicates mapping raw errors to a ClassifiedError
//   - AckHandler: the terminal state machine (ack, retry, dead-letter, discard)
//   - Retry schedulers: TTL delay queues or a delayed-message exchange
//   - Spill logs for dead letters the broker refused (memory, SQLite)
//
// Every delivery reaches exactly one terminal state:
//
//	handler := NewAckHandler(
//	    WithRetryPolicy(policy),
//	    WithRetryScheduler(scheduler),
//	    WithDLQ(DLQConfig{Exchange: "dlx", RoutingKey: "orders.dlq"}, publisher),
//	)
//	outcome, err := handler.Handle(ctx, delivery, info, classified)
package reliability
