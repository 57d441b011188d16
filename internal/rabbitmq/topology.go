package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return err
			}
		}
		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return err
			}
		}
		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return declareExchange(ch, exchange)
	})
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		return err
	})
	return q, err
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return bindQueue(ch, binding)
	})
}

// InspectQueue returns the message and consumer counts of an existing queue
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err}
		}
		return nil
	})
	return q, err
}

// Peek fetches up to limit messages from queue and returns them to the
// queue unacknowledged, so the broker redelivers them to consumers
func (tm *TopologyManager) Peek(ctx context.Context, queue string, limit int) ([]amqp.Delivery, error) {
	var messages []amqp.Delivery
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var lastTag uint64
		for len(messages) < limit {
			msg, ok, err := ch.Get(queue, false)
			if err != nil {
				return &TopologyError{Component: "queue", Name: queue, Op: "get from", Err: err}
			}
			if !ok {
				break
			}
			messages = append(messages, msg)
			lastTag = msg.DeliveryTag
		}
		if lastTag > 0 {
			return ch.Nack(lastTag, true, true)
		}
		return nil
	})
	return messages, err
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
	}
	return nil
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
	}
	return q, nil
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue),
			Op:        "declare",
			Err:       err,
		}
	}
	return nil
}

// QueueTopologyOptions describes the queues a consumer works against
type QueueTopologyOptions struct {
	Queue string
	// Exchange and RoutingKeys bind the main queue; empty means the queue is
	// fed through the default exchange only.
	Exchange     string
	ExchangeType string
	RoutingKeys  []string
	// DLQExchange and DLQRoutingKey are where dead letters are published.
	DLQExchange   string
	DLQRoutingKey string
	// DLQTTL expires dead letters after the given number of milliseconds
	DLQTTL int64
}

// QueueTopology builds the main queue and its dead letter queue. The main
// queue carries no broker-side dead-letter arguments: dead letters are
// published explicitly with diagnostic headers, and a plain reject must not
// create a second copy.
func QueueTopology(opts QueueTopologyOptions) Topology {
	var topo Topology

	topo.Queues = append(topo.Queues, QueueDeclaration{Name: opts.Queue, Durable: true})

	if opts.Exchange != "" {
		kind := opts.ExchangeType
		if kind == "" {
			kind = amqp.ExchangeTopic
		}
		topo.Exchanges = append(topo.Exchanges, ExchangeDeclaration{Name: opts.Exchange, Type: kind, Durable: true})
		keys := opts.RoutingKeys
		if len(keys) == 0 {
			keys = []string{opts.Queue}
		}
		for _, key := range keys {
			topo.Bindings = append(topo.Bindings, Binding{Queue: opts.Queue, Exchange: opts.Exchange, RoutingKey: key})
		}
	}

	if opts.DLQRoutingKey != "" {
		var args amqp.Table
		if opts.DLQTTL > 0 {
			args = amqp.Table{"x-message-ttl": opts.DLQTTL}
		}
		topo.Queues = append(topo.Queues, QueueDeclaration{Name: opts.DLQRoutingKey, Durable: true, Arguments: args})
		if opts.DLQExchange != "" {
			topo.Exchanges = append(topo.Exchanges, ExchangeDeclaration{Name: opts.DLQExchange, Type: amqp.ExchangeDirect, Durable: true})
			topo.Bindings = append(topo.Bindings, Binding{
				Queue:      opts.DLQRoutingKey,
				Exchange:   opts.DLQExchange,
				RoutingKey: opts.DLQRoutingKey,
			})
		}
	}

	return topo
}
