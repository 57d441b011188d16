package reliability

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// batchAcker collects successful deliveries and acknowledges them together.
// A flush happens when maxSize deliveries are pending or window elapses after
// the first one was added, whichever comes first.
//
// A multiple=true ack at tag T settles every outstanding tag <= T on the
// channel, so it is only used up to the highest tag below which every
// delivery is either pending here or already settled. Everything above that
// floor is acked one by one.
type batchAcker struct {
	window  time.Duration
	maxSize int
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[amqp.Acknowledger]*tagTracker
	pending  int
	timer    *time.Timer
}

// tagTracker follows delivery tags of a single channel
type tagTracker struct {
	floor    uint64
	resolved map[uint64]struct{}
	pending  map[uint64]amqp.Delivery
}

func newBatchAcker(window time.Duration, maxSize int, logger *slog.Logger) *batchAcker {
	if maxSize < 1 {
		maxSize = 1
	}
	return &batchAcker{
		window:   window,
		maxSize:  maxSize,
		logger:   logger,
		channels: make(map[amqp.Acknowledger]*tagTracker),
	}
}

func (b *batchAcker) tracker(ack amqp.Acknowledger) *tagTracker {
	t, ok := b.channels[ack]
	if !ok {
		t = &tagTracker{
			resolved: make(map[uint64]struct{}),
			pending:  make(map[uint64]amqp.Delivery),
		}
		b.channels[ack] = t
	}
	return t
}

func (t *tagTracker) resolve(tag uint64) {
	if tag <= t.floor {
		return
	}
	t.resolved[tag] = struct{}{}
	for {
		if _, ok := t.resolved[t.floor+1]; !ok {
			return
		}
		delete(t.resolved, t.floor+1)
		t.floor++
	}
}

// Add queues a successful delivery for acknowledgment
func (b *batchAcker) Add(d amqp.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.tracker(d.Acknowledger)
	t.pending[d.DeliveryTag] = d
	t.resolve(d.DeliveryTag)
	b.pending++

	if b.pending >= b.maxSize {
		b.flushLocked()
		return
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.Flush)
	}
}

// Settled records a delivery that was acked or nacked outside the batch
func (b *batchAcker) Settled(d amqp.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tracker(d.Acknowledger).resolve(d.DeliveryTag)
}

// Flush acknowledges every pending delivery
func (b *batchAcker) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushLocked()
}

// Pending returns the number of deliveries waiting for a flush
func (b *batchAcker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

func (b *batchAcker) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.pending == 0 {
		return
	}

	for _, t := range b.channels {
		if len(t.pending) == 0 {
			continue
		}

		tags := make([]uint64, 0, len(t.pending))
		for tag := range t.pending {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

		// highest pending tag covered by the floor
		var upTo uint64
		for _, tag := range tags {
			if tag <= t.floor {
				upTo = tag
			}
		}

		if upTo > 0 {
			d := t.pending[upTo]
			if err := d.Ack(true); err != nil {
				b.logger.Error("Failed to batch acknowledge deliveries",
					"error", err,
					"deliveryTag", upTo,
				)
			}
		}

		for _, tag := range tags {
			if tag > upTo {
				d := t.pending[tag]
				if err := d.Ack(false); err != nil {
					b.logger.Error("Failed to acknowledge delivery",
						"error", err,
						"deliveryTag", tag,
					)
				}
			}
		}

		b.logger.Debug("Flushed batch acknowledgments",
			"count", len(tags),
			"multipleUpTo", upTo,
		)
		t.pending = make(map[uint64]amqp.Delivery)
	}

	b.pending = 0
}
