// Package eventpipe consumes events from RabbitMQ through a middleware
// pipeline that guarantees each event id is handled at most once and every
// delivery ends in exactly one terminal state: acked, retried with backoff,
// or dead-lettered with diagnostics.
//
// An EventConsumer owns the broker connection and the subscription:
//
//	cfg, err := config.Load("eventpipe.yaml")
//	if err != nil {
//		return err
//	}
//
//	consumer, err := eventpipe.NewEventConsumer(cfg, eventpipe.EventHandlerFunc(
//		func(ctx context.Context, event *contracts.EventEnvelope) error {
//			var order Order
//			if err := event.Decode(&order); err != nil {
//				return err
//			}
//			return orders.Apply(ctx, order)
//		}),
//		eventpipe.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	if err := consumer.Start(ctx); err != nil {
//		return err
//	}
//	defer consumer.Shutdown(context.Background())
//
// Handlers never acknowledge. Returning nil acks the delivery; returning an
// error classifies it and the pipeline decides between retry and the DLQ.
// EventProcessor runs the same pipeline for a single delivery and can be
// driven by any source of amqp.Delivery values.
package eventpipe
