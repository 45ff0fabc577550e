package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/catalog-sync/messaging"
)

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg messaging.Message, next messaging.HandlerFunc) (messaging.Outcome, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg messaging.Message, next messaging.HandlerFunc) (messaging.Outcome, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg messaging.Message, next messaging.HandlerFunc) (messaging.Outcome, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg messaging.Message, next messaging.HandlerFunc) (messaging.Outcome, error) {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	c.logger.Debug("interceptor added", "interceptor", interceptor.Name(), "position", len(c.interceptors))
	return c
}

// Names returns interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Wrap returns final wrapped by every interceptor. It has the shape of
// messaging.Middleware.
func (c *InterceptorChain) Wrap(final messaging.HandlerFunc) messaging.HandlerFunc {
	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
			return interceptor.Intercept(ctx, msg, next)
		}
	}
	return handler
}

// Execute runs msg through the chain and final
func (c *InterceptorChain) Execute(ctx context.Context, msg messaging.Message, final messaging.HandlerFunc) (messaging.Outcome, error) {
	return c.Wrap(final)(ctx, msg)
}

// Built-in interceptors

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor. Failures are logged by the consumer, so
// only successful handling is logged here.
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg messaging.Message, next messaging.HandlerFunc) (messaging.Outcome, error) {
	start := time.Now()

	i.logger.Debug("processing message",
		"subscription", messaging.SubscriptionName(ctx),
		"routingKey", msg.RoutingKey(),
		"deliveryTag", msg.Delivery.DeliveryTag,
		"redelivered", msg.Delivery.Redelivered,
	)

	outcome, err := next(ctx, msg)
	if err == nil {
		i.logger.Debug("message processed",
			"subscription", messaging.SubscriptionName(ctx),
			"routingKey", msg.RoutingKey(),
			"outcome", outcome.String(),
			"duration", time.Since(start),
		)
	}

	return outcome, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor adds timeout handling
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

type handlerResult struct {
	outcome messaging.Outcome
	err     error
}

// Intercept implements Interceptor. A handler still running at the deadline
// is abandoned and the message fails; its late result is discarded.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg messaging.Message, next messaging.HandlerFunc) (messaging.Outcome, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: &messaging.HandlerPanicError{Value: r}}
			}
		}()
		outcome, err := next(timeoutCtx, msg)
		done <- handlerResult{outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		return res.outcome, res.err
	case <-timeoutCtx.Done():
		return messaging.Ack, fmt.Errorf("message processing timeout after %v for %s: %w",
			i.timeout, msg.RoutingKey(), timeoutCtx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
