package health

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionState is the view of the broker connection the checker needs
type ConnectionState interface {
	IsConnected() bool
}

// BrokerChecker reports whether the broker connection is up. A dropped
// connection is unhealthy even while reconnection is in progress.
type BrokerChecker struct {
	conn ConnectionState
}

// NewBrokerChecker creates a broker connection checker
func NewBrokerChecker(conn ConnectionState) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.conn.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is down"
	}

	result.Duration = time.Since(start)
	return result
}

// ConsumerState is the view of a running subscription the checker needs
type ConsumerState interface {
	Queue() string
	Running() bool
	InFlight() int
}

// ConsumerChecker reports whether the subscription is active. A consumer
// with every prefetch slot busy is degraded, not unhealthy.
type ConsumerChecker struct {
	consumer ConsumerState
	prefetch int
}

// NewConsumerChecker creates a consumer checker. prefetch is the concurrency
// limit of the consumer; zero disables the saturation check.
func NewConsumerChecker(consumer ConsumerState, prefetch int) *ConsumerChecker {
	return &ConsumerChecker{consumer: consumer, prefetch: prefetch}
}

func (c *ConsumerChecker) Name() string {
	return fmt.Sprintf("consumer_%s", c.consumer.Queue())
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	running := c.consumer.Running()
	inFlight := c.consumer.InFlight()
	result.Details["running"] = running
	result.Details["in_flight"] = inFlight

	switch {
	case !running:
		result.Status = StatusUnhealthy
		result.Message = "Consumer is not running"
	case c.prefetch > 0 && inFlight >= c.prefetch:
		result.Status = StatusDegraded
		result.Message = "All prefetch slots are busy"
	default:
		result.Status = StatusHealthy
		result.Message = "Consumer is running"
	}

	result.Duration = time.Since(start)
	return result
}

// Pinger is implemented by dependencies reachable over the network
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a dependency healthy when Ping succeeds
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker creates a checker named name around pinger
func NewPingChecker(name string, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: pinger}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Ping succeeded"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueInspector returns the broker's view of a queue
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

// QueueChecker checks that a queue exists and has not backed up beyond
// maxDepth messages
type QueueChecker struct {
	queueName string
	inspector QueueInspector
	maxDepth  int
}

// NewQueueChecker creates a queue checker. maxDepth of zero disables the
// depth threshold.
func NewQueueChecker(queueName string, inspector QueueInspector, maxDepth int) *QueueChecker {
	return &QueueChecker{
		queueName: queueName,
		inspector: inspector,
		maxDepth:  maxDepth,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	queue, err := c.inspector.InspectQueue(ctx, c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if c.maxDepth > 0 && queue.Messages > c.maxDepth {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}
