package reliability

import (
	"context"

	"github.com/glimte/eventpipe/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	args := m.Called(exchange, routingKey, msg)
	return args.Error(0)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) ScheduleRetry(ctx context.Context, req RetryRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

type mockTopology struct {
	mock.Mock
}

func (m *mockTopology) DeclareExchange(ctx context.Context, exchange rabbitmq.ExchangeDeclaration) error {
	args := m.Called(exchange)
	return args.Error(0)
}

func (m *mockTopology) DeclareQueue(ctx context.Context, queue rabbitmq.QueueDeclaration) (amqp.Queue, error) {
	args := m.Called(queue)
	return amqp.Queue{Name: queue.Name}, args.Error(0)
}

func (m *mockTopology) BindQueue(ctx context.Context, binding rabbitmq.Binding) error {
	args := m.Called(binding)
	return args.Error(0)
}

func newDelivery(ack amqp.Acknowledger, tag uint64) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		MessageId:    "msg-1",
		Exchange:     "events",
		RoutingKey:   "order.created",
		ContentType:  "application/json",
		Body:         []byte(`{"event_id":"e1","event_type":"order.created","payload":{}}`),
	}
}
