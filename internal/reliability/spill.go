package reliability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// fixed width so stored timestamps sort lexically
const spillTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SpillLog persists dead letters that could not be published to the DLQ
type SpillLog interface {
	Append(ctx context.Context, message FailedMessage) error
	List(ctx context.Context, filter SpillFilter) ([]FailedMessage, error)
	Delete(ctx context.Context, id string) error
}

// FailedMessage represents a message that failed processing and could not be
// dead-lettered through the broker
type FailedMessage struct {
	ID            string     `json:"id"`
	MessageID     string     `json:"messageId"`
	Queue         string     `json:"queue"`
	Exchange      string     `json:"exchange"`
	RoutingKey    string     `json:"routingKey"`
	Headers       amqp.Table `json:"headers,omitempty"`
	Body          []byte     `json:"body"`
	ContentType   string     `json:"contentType,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
	ErrorType     string     `json:"errorType"`
	Error         string     `json:"error"`
	RetryAttempt  int        `json:"retryAttempt"`
	FailedAt      time.Time  `json:"failedAt"`
}

// SpillFilter filters spilled messages
type SpillFilter struct {
	Queue      string
	Since      time.Time
	MaxResults int
}

// InMemorySpillLog keeps spilled messages in memory
type InMemorySpillLog struct {
	mu       sync.RWMutex
	messages map[string]FailedMessage
}

// NewInMemorySpillLog creates an empty in-memory spill log
func NewInMemorySpillLog() *InMemorySpillLog {
	return &InMemorySpillLog{
		messages: make(map[string]FailedMessage),
	}
}

// Append implements SpillLog
func (s *InMemorySpillLog) Append(ctx context.Context, message FailedMessage) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.ID] = message
	return nil
}

// List implements SpillLog. Results are ordered by failure time.
func (s *InMemorySpillLog) List(ctx context.Context, filter SpillFilter) ([]FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []FailedMessage
	for _, msg := range s.messages {
		if filter.Queue != "" && msg.Queue != filter.Queue {
			continue
		}
		if !filter.Since.IsZero() && msg.FailedAt.Before(filter.Since) {
			continue
		}
		results = append(results, msg)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].FailedAt.Before(results[j].FailedAt)
	})
	if filter.MaxResults > 0 && len(results) > filter.MaxResults {
		results = results[:filter.MaxResults]
	}
	return results, nil
}

// Delete implements SpillLog
func (s *InMemorySpillLog) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return ErrSpillNotFound
	}
	delete(s.messages, id)
	return nil
}

// SQLiteSpillLog persists spilled messages to a local SQLite file so they
// survive a restart. Use ":memory:" for tests.
type SQLiteSpillLog struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteSpillLog opens (or creates) the spill log at path
func NewSQLiteSpillLog(path string) (*SQLiteSpillLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spill log: %w", err)
	}

	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS spilled_messages (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			queue TEXT NOT NULL,
			exchange TEXT NOT NULL,
			routing_key TEXT NOT NULL,
			headers TEXT NOT NULL,
			body BLOB NOT NULL,
			content_type TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			error_type TEXT NOT NULL,
			error TEXT NOT NULL,
			retry_attempt INTEGER NOT NULL,
			failed_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_spilled_messages_queue
		ON spilled_messages(queue, failed_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteSpillLog{db: db}, nil
}

// Append implements SpillLog
func (s *SQLiteSpillLog) Append(ctx context.Context, message FailedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSpillLogClosed
	}

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.FailedAt.IsZero() {
		message.FailedAt = time.Now()
	}

	if message.Body == nil {
		message.Body = []byte{}
	}

	headers, err := json.Marshal(message.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spilled_messages (
			id, message_id, queue, exchange, routing_key, headers, body,
			content_type, correlation_id, error_type, error, retry_attempt, failed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, message.ID, message.MessageID, message.Queue, message.Exchange, message.RoutingKey,
		string(headers), message.Body, message.ContentType, message.CorrelationID,
		message.ErrorType, message.Error, message.RetryAttempt,
		message.FailedAt.UTC().Format(spillTimeFormat))
	if err != nil {
		return fmt.Errorf("append spilled message: %w", err)
	}
	return nil
}

// List implements SpillLog
func (s *SQLiteSpillLog) List(ctx context.Context, filter SpillFilter) ([]FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrSpillLogClosed
	}

	query := `
		SELECT id, message_id, queue, exchange, routing_key, headers, body,
			content_type, correlation_id, error_type, error, retry_attempt, failed_at
		FROM spilled_messages
		WHERE (? = '' OR queue = ?) AND failed_at >= ?
		ORDER BY failed_at`
	args := []interface{}{filter.Queue, filter.Queue, filter.Since.UTC().Format(spillTimeFormat)}
	if filter.MaxResults > 0 {
		query += " LIMIT ?"
		args = append(args, filter.MaxResults)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spilled messages: %w", err)
	}
	defer rows.Close()

	var results []FailedMessage
	for rows.Next() {
		var msg FailedMessage
		var headers, failedAt string
		if err := rows.Scan(&msg.ID, &msg.MessageID, &msg.Queue, &msg.Exchange, &msg.RoutingKey,
			&headers, &msg.Body, &msg.ContentType, &msg.CorrelationID, &msg.ErrorType,
			&msg.Error, &msg.RetryAttempt, &failedAt); err != nil {
			return nil, fmt.Errorf("scan spilled message: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &msg.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
		msg.FailedAt, _ = time.Parse(spillTimeFormat, failedAt)
		results = append(results, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spilled messages: %w", err)
	}
	return results, nil
}

// Delete implements SpillLog
func (s *SQLiteSpillLog) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSpillLogClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM spilled_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete spilled message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSpillNotFound
	}
	return nil
}

// Close closes the database
func (s *SQLiteSpillLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
