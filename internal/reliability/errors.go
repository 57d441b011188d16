package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNoScheduler        = errors.New("retry: no scheduler configured")

	// Dead letter errors
	ErrNoDLQ            = errors.New("dlq: no dead letter destination configured")
	ErrDLQPublishFailed = errors.New("dlq: publish failed")

	// Acknowledgment errors
	ErrAlreadySettled = errors.New("ack: delivery already settled")

	// Spill log errors
	ErrSpillNotFound  = errors.New("spill log: message not found")
	ErrSpillLogClosed = errors.New("spill log: closed")
)

// RetryError reports a retry loop that ran out of attempts
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

// DLQError represents a dead letter operation error
type DLQError struct {
	Queue     string
	MessageID string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *DLQError) Error() string {
	return fmt.Sprintf("dlq error: %s failed for message %s in queue %s: %v",
		e.Op, e.MessageID, e.Queue, e.Err)
}

func (e *DLQError) Unwrap() error {
	return e.Err
}

// AckError reports a broker acknowledgment call that failed
type AckError struct {
	Action      string
	DeliveryTag uint64
	Err         error
}

func (e *AckError) Error() string {
	return fmt.Sprintf("ack error: %s failed for delivery %d: %v", e.Action, e.DeliveryTag, e.Err)
}

func (e *AckError) Unwrap() error {
	return e.Err
}
