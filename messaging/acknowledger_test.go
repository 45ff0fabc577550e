package messaging

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestAckDispatcher(t *testing.T) {
	t.Run("Ack acks once", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil).Once()

		action, err := NewAckDispatcher().Dispatch(newDelivery(ack, 1, "k", nil, nil), Ack)

		require.NoError(t, err)
		assert.Equal(t, ActionAck, action)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Requeue nacks with requeue regardless of headers", func(t *testing.T) {
		for _, headers := range []amqp.Table{nil, xDeath("q", int64(5))} {
			ack := &mockAcknowledger{}
			ack.On("Nack", uint64(2), false, true).Return(nil).Once()

			action, err := NewAckDispatcher().Dispatch(newDelivery(ack, 2, "k", nil, headers), Requeue)

			require.NoError(t, err)
			assert.Equal(t, ActionRequeue, action)
			ack.AssertExpectations(t)
			ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		}
	})

	t.Run("Nack without x-death dead-letters", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(3), false, false).Return(nil).Once()

		action, err := NewAckDispatcher().Dispatch(newDelivery(ack, 3, "k", nil, nil), Nack)

		require.NoError(t, err)
		assert.Equal(t, ActionDeadLetter, action)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("Nack below the ceiling dead-letters", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(4), false, false).Return(nil).Once()

		action, err := NewAckDispatcher().Dispatch(newDelivery(ack, 4, "k", nil, xDeath("catalog.genre", int64(2))), Nack)

		require.NoError(t, err)
		assert.Equal(t, ActionDeadLetter, action)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("Nack at the ceiling acks and logs the queue", func(t *testing.T) {
		logger, logs := newTestLogger()
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(5), false).Return(nil).Once()

		d := NewAckDispatcher(WithAckLogger(logger))
		action, err := d.Dispatch(newDelivery(ack, 5, "model.genre.created", nil, xDeath("catalog.genre", int64(3))), Nack)

		require.NoError(t, err)
		assert.Equal(t, ActionDrop, action)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		assert.Contains(t, logs.String(), "level=ERROR")
		assert.Contains(t, logs.String(), "queue=catalog.genre")
	})

	t.Run("unrecognized outcome uses default", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(6), false, true).Return(nil).Once()

		d := NewAckDispatcher(WithDefaultOutcome(Requeue))
		action, err := d.Dispatch(newDelivery(ack, 6, "k", nil, nil), Outcome(42))

		require.NoError(t, err)
		assert.Equal(t, ActionRequeue, action)
		ack.AssertExpectations(t)
	})

	t.Run("DispatchFailure uses default", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, false).Return(nil).Once()

		d := NewAckDispatcher(WithDefaultOutcome(Nack))
		assert.Equal(t, Nack, d.DefaultOutcome())
		action, err := d.DispatchFailure(newDelivery(ack, 7, "k", nil, nil))

		require.NoError(t, err)
		assert.Equal(t, ActionDeadLetter, action)
		ack.AssertExpectations(t)
	})

	t.Run("invalid default is ignored", func(t *testing.T) {
		assert.Equal(t, Ack, NewAckDispatcher(WithDefaultOutcome(Outcome(9))).DefaultOutcome())
	})

	t.Run("primitive error is logged not raised", func(t *testing.T) {
		logger, logs := newTestLogger()
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(8), false).Return(amqp.ErrClosed).Once()

		d := NewAckDispatcher(WithAckLogger(logger))
		assert.NotPanics(t, func() {
			_, err := d.Dispatch(newDelivery(ack, 8, "k", nil, nil), Ack)
			assert.ErrorIs(t, err, amqp.ErrClosed)
		})
		assert.Contains(t, logs.String(), "failed to settle message")
	})
}
