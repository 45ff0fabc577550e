package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/catalog-sync/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock handler
type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(messaging.Outcome), args.Error(1)
}

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) IncrementMessageCount(subscription string) {
	m.Called(subscription)
}

func (m *mockMetricsCollector) RecordProcessingTime(subscription string, duration time.Duration) {
	m.Called(subscription, duration)
}

func (m *mockMetricsCollector) IncrementErrorCount(subscription string) {
	m.Called(subscription)
}

func (m *mockMetricsCollector) IncrementOutcomeCount(subscription string, outcome messaging.Outcome) {
	m.Called(subscription, outcome)
}

func testMessage() messaging.Message {
	return messaging.Message{
		Data:     []byte(`{"id":"1"}`),
		Delivery: amqp.Delivery{RoutingKey: "model.category.created", DeliveryTag: 7},
	}
}

func TestInterceptorChain(t *testing.T) {
	t.Run("Execute with no interceptors calls handler", func(t *testing.T) {
		chain := NewInterceptorChain(nil)
		handler := &mockHandler{}
		msg := testMessage()
		handler.On("Handle", mock.Anything, msg).Return(messaging.Requeue, nil)

		outcome, err := chain.Execute(context.Background(), msg, handler.Handle)

		assert.NoError(t, err)
		assert.Equal(t, messaging.Requeue, outcome)
		handler.AssertExpectations(t)
	})

	t.Run("interceptors run in order", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, msg messaging.Message, next messaging.HandlerFunc) (messaging.Outcome, error) {
				order = append(order, name+":before")
				outcome, err := next(ctx, msg)
				order = append(order, name+":after")
				return outcome, err
			})
		}

		chain := NewInterceptorChain(slog.Default()).Add(record("first")).Add(record("second"))
		assert.Equal(t, []string{"first", "second"}, chain.Names())

		_, err := chain.Execute(context.Background(), testMessage(), func(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
			order = append(order, "handler")
			return messaging.Ack, nil
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"first:before", "second:before", "handler", "second:after", "first:after"}, order)
	})

	t.Run("interceptor can short-circuit", func(t *testing.T) {
		handler := &mockHandler{}
		chain := NewInterceptorChain(nil).Add(NewInterceptorFunc("reject", func(ctx context.Context, msg messaging.Message, next messaging.HandlerFunc) (messaging.Outcome, error) {
			return messaging.Nack, nil
		}))

		outcome, err := chain.Wrap(handler.Handle)(context.Background(), testMessage())

		assert.NoError(t, err)
		assert.Equal(t, messaging.Nack, outcome)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	interceptor := NewLoggingInterceptor(logger)
	assert.Equal(t, "LoggingInterceptor", interceptor.Name())

	handler := &mockHandler{}
	handler.On("Handle", mock.Anything, mock.Anything).Return(messaging.Nack, nil).Once()

	outcome, err := interceptor.Intercept(context.Background(), testMessage(), handler.Handle)

	require.NoError(t, err)
	assert.Equal(t, messaging.Nack, outcome)
	assert.Contains(t, buf.String(), "message processed")
	assert.Contains(t, buf.String(), "outcome=NACK")
	assert.Contains(t, buf.String(), "routingKey=model.category.created")

	buf.Reset()
	handler.On("Handle", mock.Anything, mock.Anything).Return(messaging.Ack, errors.New("boom")).Once()
	_, err = interceptor.Intercept(context.Background(), testMessage(), handler.Handle)
	assert.EqualError(t, err, "boom")
	assert.NotContains(t, buf.String(), "message processed")
}

func TestTimeoutInterceptor(t *testing.T) {
	t.Run("passes through a fast handler", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(time.Second)
		outcome, err := interceptor.Intercept(context.Background(), testMessage(), func(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return messaging.Requeue, nil
		})
		require.NoError(t, err)
		assert.Equal(t, messaging.Requeue, outcome)
	})

	t.Run("fails a slow handler", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(20 * time.Millisecond)
		release := make(chan struct{})
		defer close(release)

		_, err := interceptor.Intercept(context.Background(), testMessage(), func(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
			<-release
			return messaging.Ack, nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "model.category.created")
	})

	t.Run("recovers a panic in the handler goroutine", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(time.Second)
		_, err := interceptor.Intercept(context.Background(), testMessage(), func(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
			panic("kaboom")
		})
		var panicErr *messaging.HandlerPanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "kaboom", panicErr.Value)
	})
}

func TestMetricsInterceptor(t *testing.T) {
	t.Run("records success", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "").Return()
		collector.On("RecordProcessingTime", "", mock.AnythingOfType("time.Duration")).Return()
		collector.On("IncrementOutcomeCount", "", messaging.Requeue).Return()

		interceptor := NewMetricsInterceptor(collector)
		_, err := interceptor.Intercept(context.Background(), testMessage(), func(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
			return messaging.Requeue, nil
		})

		require.NoError(t, err)
		collector.AssertExpectations(t)
		collector.AssertNotCalled(t, "IncrementErrorCount", mock.Anything)
	})

	t.Run("records failure", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "").Return()
		collector.On("RecordProcessingTime", "", mock.AnythingOfType("time.Duration")).Return()
		collector.On("IncrementErrorCount", "").Return()

		interceptor := NewMetricsInterceptor(collector)
		_, err := interceptor.Intercept(context.Background(), testMessage(), func(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
			return messaging.Ack, errors.New("failed")
		})

		assert.Error(t, err)
		collector.AssertExpectations(t)
		collector.AssertNotCalled(t, "IncrementOutcomeCount", mock.Anything, mock.Anything)
	})
}

func TestCounters(t *testing.T) {
	c := NewCounters()
	c.IncrementMessageCount("genre")
	c.IncrementMessageCount("genre")
	c.IncrementMessageCount("category")
	c.IncrementOutcomeCount("genre", messaging.Ack)
	c.IncrementOutcomeCount("genre", messaging.Nack)
	c.IncrementErrorCount("category")
	c.RecordProcessingTime("genre", 3*time.Millisecond)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, SubscriptionStats{Subscription: "category", Messages: 1, Errors: 1}, snap[0])
	assert.Equal(t, SubscriptionStats{Subscription: "genre", Messages: 2, Acked: 1, Nacked: 1, TotalTime: 3 * time.Millisecond}, snap[1])
}
