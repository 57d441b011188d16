package reliability

import (
	"strconv"
	"time"

	"github.com/glimte/eventpipe/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderString safely extracts a string from headers
func HeaderString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}
	switch val := headers[key].(type) {
	case string:
		return val
	case []byte:
		return string(val)
	}
	return ""
}

// HeaderInt safely extracts an int from headers. Numeric strings are accepted.
func HeaderInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch val := headers[key].(type) {
	case int:
		return val
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case float32:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// HeaderTime safely extracts a time from headers
func HeaderTime(headers amqp.Table, key string) time.Time {
	if headers == nil {
		return time.Time{}
	}
	switch val := headers[key].(type) {
	case int64:
		return time.Unix(val, 0)
	case float64:
		return time.Unix(int64(val), 0)
	case time.Time:
		return val
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

// RetryAttempt returns the attempt count carried by a redelivered message,
// or 0 for a first delivery. Negative values are treated as 0.
func RetryAttempt(headers amqp.Table) int {
	n := HeaderInt(headers, contracts.HeaderRetryAttempt)
	if n < 0 {
		return 0
	}
	return n
}

// CopyHeaders returns a shallow copy of headers that is safe to modify
func CopyHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+8)
	for k, v := range headers {
		out[k] = v
	}
	return out
}

// DeadLetterMetadata is the diagnostic data carried by a dead-lettered message
type DeadLetterMetadata struct {
	OriginalQueue      string
	OriginalExchange   string
	OriginalRoutingKey string
	Reason             string
	ErrorType          string
	ErrorSeverity      string
	CorrelationID      string
	RetryAttempt       int
	FailedAt           time.Time
}

// ReadDeadLetter extracts diagnostics from a dead-lettered delivery. Messages
// dead-lettered by the broker itself are read from the x-death header.
func ReadDeadLetter(msg amqp.Delivery) DeadLetterMetadata {
	metadata := DeadLetterMetadata{
		OriginalQueue:      HeaderString(msg.Headers, contracts.HeaderOriginalQueue),
		OriginalExchange:   HeaderString(msg.Headers, contracts.HeaderOriginalExchange),
		OriginalRoutingKey: HeaderString(msg.Headers, contracts.HeaderOriginalRoutingKey),
		Reason:             HeaderString(msg.Headers, contracts.HeaderDLQReason),
		ErrorType:          HeaderString(msg.Headers, contracts.HeaderErrorType),
		ErrorSeverity:      HeaderString(msg.Headers, contracts.HeaderErrorSeverity),
		CorrelationID:      HeaderString(msg.Headers, contracts.HeaderCorrelationID),
		RetryAttempt:       RetryAttempt(msg.Headers),
		FailedAt:           HeaderTime(msg.Headers, contracts.HeaderFailedAt),
	}

	if metadata.CorrelationID == "" {
		metadata.CorrelationID = msg.CorrelationId
	}

	if xDeath, ok := msg.Headers["x-death"].([]interface{}); ok && len(xDeath) > 0 {
		if death, ok := xDeath[0].(amqp.Table); ok {
			if queue, ok := death["queue"].(string); ok && metadata.OriginalQueue == "" {
				metadata.OriginalQueue = queue
			}
			if reason, ok := death["reason"].(string); ok && metadata.Reason == "" {
				metadata.Reason = reason
			}
			if metadata.FailedAt.IsZero() {
				if at, ok := death["time"].(time.Time); ok {
					metadata.FailedAt = at
				}
			}
		}
	}

	return metadata
}
