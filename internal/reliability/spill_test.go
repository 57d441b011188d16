package reliability

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spillLogs(t *testing.T) map[string]SpillLog {
	t.Helper()

	sqlite, err := NewSQLiteSpillLog(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]SpillLog{
		"memory": NewInMemorySpillLog(),
		"sqlite": sqlite,
	}
}

func TestSpillLog(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for name, log := range spillLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, log.Append(ctx, FailedMessage{
				ID:        "a",
				MessageID: "msg-a",
				Queue:     "orders",
				Headers:   amqp.Table{"x-dlq-reason": "bad payload"},
				Body:      []byte(`{"event_id":"e1"}`),
				ErrorType: "validation",
				Error:     "bad payload",
				FailedAt:  base.Add(2 * time.Minute),
			}))
			require.NoError(t, log.Append(ctx, FailedMessage{
				ID:        "b",
				MessageID: "msg-b",
				Queue:     "orders",
				ErrorType: "business",
				Error:     "rule",
				FailedAt:  base,
			}))
			require.NoError(t, log.Append(ctx, FailedMessage{
				ID:        "c",
				MessageID: "msg-c",
				Queue:     "billing",
				FailedAt:  base.Add(time.Minute),
			}))

			all, err := log.List(ctx, SpillFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"b", "c", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

			orders, err := log.List(ctx, SpillFilter{Queue: "orders"})
			require.NoError(t, err)
			require.Len(t, orders, 2)
			assert.Equal(t, "msg-b", orders[0].MessageID)
			assert.Equal(t, "bad payload", orders[1].Headers["x-dlq-reason"])
			assert.Equal(t, `{"event_id":"e1"}`, string(orders[1].Body))
			assert.True(t, base.Add(2*time.Minute).Equal(orders[1].FailedAt))

			recent, err := log.List(ctx, SpillFilter{Since: base.Add(30 * time.Second), MaxResults: 1})
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, "c", recent[0].ID)

			require.NoError(t, log.Delete(ctx, "a"))
			assert.ErrorIs(t, log.Delete(ctx, "a"), ErrSpillNotFound)
		})
	}
}

func TestSQLiteSpillLog_Closed(t *testing.T) {
	log, err := NewSQLiteSpillLog(":memory:")
	require.NoError(t, err)
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())

	err = log.Append(context.Background(), FailedMessage{MessageID: "x"})
	assert.ErrorIs(t, err, ErrSpillLogClosed)
}
