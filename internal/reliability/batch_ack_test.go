package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/eventpipe/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestBatchAck_FlushOnSize(t *testing.T) {
	ack := &mockAcknowledger{}
	ack.On("Ack", uint64(3), true).Return(nil).Once()

	h := NewAckHandler(WithBatchAck(time.Hour, 3))
	for tag := uint64(1); tag <= 3; tag++ {
		outcome, err := h.Handle(context.Background(), newDelivery(ack, tag), DeliveryInfo{}, nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAcked, outcome)
	}

	assert.Equal(t, 0, h.Pending())
	ack.AssertExpectations(t)
	ack.AssertNumberOfCalls(t, "Ack", 1)
}

func TestBatchAck_FlushOnWindow(t *testing.T) {
	ack := &mockAcknowledger{}
	ack.On("Ack", uint64(2), true).Return(nil).Once()

	h := NewAckHandler(WithBatchAck(20*time.Millisecond, 100))
	_, err := h.Handle(context.Background(), newDelivery(ack, 1), DeliveryInfo{}, nil)
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), newDelivery(ack, 2), DeliveryInfo{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Pending())

	require.Eventually(t, func() bool { return h.Pending() == 0 }, time.Second, 5*time.Millisecond)
	ack.AssertExpectations(t)
}

func TestBatchAck_DoesNotCoverInFlightTags(t *testing.T) {
	ack := &mockAcknowledger{}
	// tag 2 is still in flight: only tag 1 may be covered by a multiple ack
	ack.On("Ack", uint64(1), true).Return(nil).Once()
	ack.On("Ack", uint64(3), false).Return(nil).Once()
	ack.On("Ack", uint64(4), false).Return(nil).Once()

	h := NewAckHandler(WithBatchAck(time.Hour, 100))
	for _, tag := range []uint64{1, 3, 4} {
		_, err := h.Handle(context.Background(), newDelivery(ack, tag), DeliveryInfo{}, nil)
		require.NoError(t, err)
	}

	h.Flush()
	ack.AssertExpectations(t)
}

func TestBatchAck_NackedTagsExtendFloor(t *testing.T) {
	ack := &mockAcknowledger{}
	ack.On("Nack", uint64(2), false, false).Return(nil).Once()
	ack.On("Ack", uint64(3), true).Return(nil).Once()

	h := NewAckHandler(WithBatchAck(time.Hour, 100))
	ctx := context.Background()

	_, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{}, nil)
	require.NoError(t, err)
	outcome, err := h.Handle(ctx, newDelivery(ack, 2), DeliveryInfo{},
		contracts.NewClassifiedError(contracts.ErrorTypeValidation, errors.New("bad")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, outcome)
	_, err = h.Handle(ctx, newDelivery(ack, 3), DeliveryInfo{}, nil)
	require.NoError(t, err)

	h.Flush()
	ack.AssertExpectations(t)
	ack.AssertNotCalled(t, "Ack", uint64(1), mock.Anything)
}

func TestBatchAck_SeparateChannels(t *testing.T) {
	first := &mockAcknowledger{}
	first.On("Ack", uint64(2), true).Return(nil).Once()
	second := &mockAcknowledger{}
	second.On("Ack", uint64(1), true).Return(nil).Once()

	h := NewAckHandler(WithBatchAck(time.Hour, 100))
	ctx := context.Background()
	for _, d := range []struct {
		ack *mockAcknowledger
		tag uint64
	}{{first, 1}, {first, 2}, {second, 1}} {
		_, err := h.Handle(ctx, newDelivery(d.ack, d.tag), DeliveryInfo{}, nil)
		require.NoError(t, err)
	}

	h.Flush()
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}
