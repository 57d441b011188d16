// Package interceptors provides the middleware chain events pass through
// before the terminal acknowledgment.
//
// A Chain folds its interceptors right to left around a final Handler, so
// the first interceptor added is the outermost. Each stage receives the
// per-delivery MiddlewareContext and a next Handler; a stage that does not
// call next ends the chain.
//
// Built-in stages, in the order an EventProcessor wires them:
//   - ErrorClassification: classifies every failure and recovered panic
//   - Deserializer: enforces the size limit and decodes the JSON envelope
//   - CorrelationPropagator: resolves correlation and trace ids
//   - SchemaValidation: validates the payload against the registered schema
//   - IdempotencyGuard: skips events whose id was already processed
//   - Timeout: bounds the business handler
//
// Example usage:
//
//	chain := interceptors.NewChain(logger,
//		interceptors.NewErrorClassification(classifier, logger),
//		interceptors.NewDeserializer(interceptors.WithMaxMessageSize(64*1024)),
//		interceptors.NewCorrelationPropagator(),
//		interceptors.NewSchemaValidation(registry, interceptors.UnknownTypeReject, logger),
//		interceptors.NewIdempotencyGuard(store, 24*time.Hour, logger),
//	)
//
//	err := chain.Execute(ctx, interceptors.NewMiddlewareContext(delivery, "orders"), handler)
//
// Anything a handler publishes should carry OutboundHeaders(ctx) so the
// correlation id follows the causal chain.
package interceptors
