package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages with publisher confirms on a dedicated channel.
// Publishes are serialized so each one waits for its own confirm.
type Publisher struct {
	opener         ChannelOpener
	logger         *slog.Logger
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the overall publish timeout used when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries and the initial delay between them
func WithPublishRetries(retries int, delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher. The channel is opened on first use.
func NewPublisher(opener ChannelOpener, options ...PublisherOption) *Publisher {
	p := &Publisher{
		opener:         opener,
		logger:         slog.Default(),
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     3,
		retryDelay:     time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and waits for the broker to confirm it, retrying with
// backoff. A failed publish or a confirm timeout discards the channel before
// the next attempt.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	attempts := 0
	operation := func() error {
		attempts++
		return p.publishWithConfirm(ctx, exchange, routingKey, msg)
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn("publish failed, retrying",
			"exchange", exchange,
			"routingKey", routingKey,
			"attempt", attempts,
			"error", err,
			"nextRetryIn", next)
	}

	b := backoff.WithMaxRetries(newReconnectBackOff(p.retryDelay, 10*p.retryDelay, -1), uint64(max(p.maxRetries, 0)))
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Attempts:   attempts,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"attempts", attempts)
	return nil
}

// publishWithConfirm publishes a single message and waits for its confirmation
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, confirms, err := p.channel()
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.discard()
		return err
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-confirms:
		if !ok {
			p.discard()
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return ErrPublishNacked
		}
		return nil

	case <-timer.C:
		p.discard()
		return ErrConfirmTimeout

	case <-ctx.Done():
		p.discard()
		return backoff.Permanent(ctx.Err())
	}
}

// channel returns the current channel, opening one in confirm mode if needed
func (p *Publisher) channel() (Channel, chan amqp.Confirmation, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, p.confirms, nil
	}

	ch, err := p.opener.OpenChannel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, nil, &ChannelError{Op: "confirm", ChannelID: "publisher", Err: err, Timestamp: time.Now()}
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return p.ch, p.confirms, nil
}

func (p *Publisher) discard() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discard()
	return nil
}
