// Package contracts provides the data model shared by every stage of the event
// consumption pipeline.
//
// This package defines:
//   - EventEnvelope: the canonical unit of work decoded from the wire
//   - ProcessedEventRecord: what the idempotency store keeps per event id
//   - ClassifiedError: a failure annotated with type, severity and retryability
//   - Typed stage errors (size limit, deserialization, schema, business rules)
//   - Header names written on redelivered and dead-lettered messages
//
// Severity and retryability are fixed functions of the ErrorType:
//
//	err := contracts.NewClassifiedError(contracts.ErrorTypeDatabase, cause)
//	err.Retryable // true
//	err.Severity  // high
package contracts
