package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/glimte/eventpipe/config"
	"github.com/glimte/eventpipe/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// newLogger builds the process logger from the log section of the config
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q, want json or text", cfg.Format)
	}
}

// spilledPublishing rebuilds the dead letter that failed to publish
func spilledPublishing(m reliability.FailedMessage) amqp.Publishing {
	return amqp.Publishing{
		Headers:       reliability.CopyHeaders(m.Headers),
		ContentType:   m.ContentType,
		Body:          m.Body,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: m.CorrelationID,
		MessageId:     m.MessageID,
		Timestamp:     m.FailedAt,
	}
}

func printDeadLetters(queue string, messages []amqp.Delivery) {
	if len(messages) == 0 {
		fmt.Printf("No dead letters in %s\n", queue)
		return
	}

	for i, msg := range messages {
		meta := reliability.ReadDeadLetter(msg)
		fmt.Printf("Message %d:\n", i+1)
		fmt.Printf("  ID: %s\n", msg.MessageId)
		fmt.Printf("  Type: %s\n", msg.Type)
		fmt.Printf("  Correlation ID: %s\n", meta.CorrelationID)
		fmt.Printf("  Original Queue: %s\n", meta.OriginalQueue)
		fmt.Printf("  Original Routing Key: %s\n", meta.OriginalRoutingKey)
		fmt.Printf("  Error Type: %s (%s)\n", meta.ErrorType, meta.ErrorSeverity)
		fmt.Printf("  Reason: %s\n", meta.Reason)
		fmt.Printf("  Retry Attempt: %d\n", meta.RetryAttempt)
		if !meta.FailedAt.IsZero() {
			fmt.Printf("  Failed At: %s\n", meta.FailedAt.Format(time.RFC3339))
		}
		fmt.Printf("  Body Preview: %s\n", truncate(string(msg.Body), 100))
		fmt.Println(strings.Repeat("-", 60))
	}
}

func printSpilled(messages []reliability.FailedMessage) {
	if len(messages) == 0 {
		fmt.Println("Spill log is empty")
		return
	}

	fmt.Printf("%-38s %-24s %-18s %-22s %s\n", "ID", "Queue", "Error Type", "Failed At", "Error")
	fmt.Println(strings.Repeat("-", 130))

	for _, m := range messages {
		fmt.Printf("%-38s %-24s %-18s %-22s %s\n",
			truncate(m.ID, 38),
			truncate(m.Queue, 24),
			m.ErrorType,
			m.FailedAt.Format(time.RFC3339),
			truncate(m.Error, 40),
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
