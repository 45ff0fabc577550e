package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/catalog-sync/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerState is the lifecycle state of a ConsumerLoop
type ConsumerState int32

const (
	// StateIdle: created, nothing consumed yet
	StateIdle ConsumerState = iota
	// StateConsuming: registered with the broker and waiting for deliveries
	StateConsuming
	// StateHandling: at least one delivery is being handled
	StateHandling
	// StateStopped: the delivery stream ended with the channel
	StateStopped
)

// String implements fmt.Stringer
func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConsuming:
		return "consuming"
	case StateHandling:
		return "handling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConsumerOption configures a ConsumerLoop
type ConsumerOption func(*ConsumerLoop)

// WithPrefetch sets the QoS prefetch count
func WithPrefetch(count int) ConsumerOption {
	return func(c *ConsumerLoop) {
		c.prefetch = count
	}
}

// WithConcurrency sets how many deliveries of the queue are handled at once.
// One keeps per-queue FIFO handling.
func WithConcurrency(n int) ConsumerOption {
	return func(c *ConsumerLoop) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *ConsumerLoop) {
		c.tag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *ConsumerLoop) {
		c.logger = logger
	}
}

// ConsumerLoop pumps deliveries of one queue into one handler
type ConsumerLoop struct {
	sub         Subscription
	queue       string
	tag         string
	ch          rabbitmq.Channel
	acks        *AckDispatcher
	logger      *slog.Logger
	prefetch    int
	concurrency int

	state    atomic.Int32
	inflight atomic.Int32
	handled  atomic.Int64
	done     chan struct{}
}

// NewConsumerLoop creates a loop for sub on queue. Nothing is consumed until Start.
func NewConsumerLoop(sub Subscription, queue string, ch rabbitmq.Channel, acks *AckDispatcher, options ...ConsumerOption) *ConsumerLoop {
	c := &ConsumerLoop{
		sub:         sub,
		queue:       queue,
		tag:         fmt.Sprintf("catalog-sync-%s", uuid.NewString()),
		ch:          ch,
		acks:        acks,
		logger:      slog.Default(),
		prefetch:    10,
		concurrency: 1,
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.acks == nil {
		c.acks = NewAckDispatcher(WithAckLogger(c.logger))
	}
	return c
}

// Start sets QoS, registers the consumer and starts the workers.
// Handlers run under a context that Stop does not cancel.
func (c *ConsumerLoop) Start(ctx context.Context) error {
	if c.prefetch > 0 {
		if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
			return &ConsumerError{Queue: c.queue, Subscription: c.sub.Name, Op: "qos", Err: err}
		}
	}

	deliveries, err := c.ch.Consume(
		c.queue,
		c.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: c.queue, Subscription: c.sub.Name, Op: "consume", Err: err}
	}

	c.state.Store(int32(StateConsuming))
	handlerCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for delivery := range deliveries {
				c.Handle(handlerCtx, delivery)
			}
		}()
	}

	go func() {
		wg.Wait()
		c.state.Store(int32(StateStopped))
		close(c.done)
		c.logger.Info("consumer stopped",
			"subscription", c.sub.Name,
			"queue", c.queue,
			"handled", c.handled.Load())
	}()

	c.logger.Info("subscribed to queue",
		"subscription", c.sub.Name,
		"queue", c.queue,
		"consumerTag", c.tag,
		"prefetchCount", c.prefetch,
		"concurrency", c.concurrency)
	return nil
}

// Handle runs the handler for one delivery and settles it exactly once
func (c *ConsumerLoop) Handle(ctx context.Context, delivery amqp.Delivery) Action {
	c.inflight.Add(1)
	c.state.CompareAndSwap(int32(StateConsuming), int32(StateHandling))
	defer func() {
		c.handled.Add(1)
		if c.inflight.Add(-1) == 0 {
			c.state.CompareAndSwap(int32(StateHandling), int32(StateConsuming))
		}
	}()

	msg := Message{
		Data:     decodePayload(delivery.Body),
		Delivery: delivery,
		Channel:  c.ch,
	}

	start := time.Now()
	outcome, err := c.invoke(withConsumer(ctx, c.sub.Name, c.queue), msg)
	if err != nil {
		c.logger.Error("handler failed",
			"subscription", c.sub.Name,
			"queue", c.queue,
			"routingKey", delivery.RoutingKey,
			"content", string(delivery.Body),
			"duration", time.Since(start),
			"error", err)
		action, _ := c.acks.DispatchFailure(delivery)
		return action
	}

	action, _ := c.acks.Dispatch(delivery, outcome)
	return action
}

func (c *ConsumerLoop) invoke(ctx context.Context, msg Message) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = Ack, &HandlerPanicError{Value: r}
		}
	}()
	return c.sub.Handler(ctx, msg)
}

// State returns the current state
func (c *ConsumerLoop) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Queue returns the queue being consumed
func (c *ConsumerLoop) Queue() string {
	return c.queue
}

// Tag returns the consumer tag
func (c *ConsumerLoop) Tag() string {
	return c.tag
}

// Handled returns the number of deliveries settled so far
func (c *ConsumerLoop) Handled() int64 {
	return c.handled.Load()
}

// Done is closed once the loop has stopped
func (c *ConsumerLoop) Done() <-chan struct{} {
	return c.done
}
