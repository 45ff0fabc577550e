package messaging

import (
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Action is the broker primitive a dispatch resolved to
type Action int

const (
	// ActionAck acknowledged the delivery
	ActionAck Action = iota
	// ActionDeadLetter rejected the delivery without requeue
	ActionDeadLetter
	// ActionRequeue rejected the delivery with requeue
	ActionRequeue
	// ActionDrop acknowledged a delivery whose dead-letter attempts ran out
	ActionDrop
)

// String implements fmt.Stringer
func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionDeadLetter:
		return "dead-letter"
	case ActionRequeue:
		return "requeue"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// AckDispatcher maps an Outcome to exactly one ack or nack on the delivery
type AckDispatcher struct {
	fallback Outcome
	logger   *slog.Logger
}

// AckDispatcherOption configures an AckDispatcher
type AckDispatcherOption func(*AckDispatcher)

// WithDefaultOutcome sets the outcome used for failed handlers and
// unrecognized outcomes
func WithDefaultOutcome(outcome Outcome) AckDispatcherOption {
	return func(d *AckDispatcher) {
		if outcome.Valid() {
			d.fallback = outcome
		}
	}
}

// WithAckLogger sets the logger
func WithAckLogger(logger *slog.Logger) AckDispatcherOption {
	return func(d *AckDispatcher) {
		d.logger = logger
	}
}

// NewAckDispatcher creates a dispatcher whose default outcome is Ack
func NewAckDispatcher(options ...AckDispatcherOption) *AckDispatcher {
	d := &AckDispatcher{
		fallback: Ack,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// DefaultOutcome returns the outcome applied on handler failure
func (d *AckDispatcher) DefaultOutcome() Outcome {
	return d.fallback
}

// Dispatch issues one primitive for delivery. Primitive errors, e.g. on a
// channel closed by Stop, are logged and returned but never panic.
func (d *AckDispatcher) Dispatch(delivery amqp.Delivery, outcome Outcome) (Action, error) {
	if !outcome.Valid() {
		d.logger.Warn("unrecognized handler outcome, using default",
			"outcome", int(outcome),
			"default", d.fallback.String(),
			"routingKey", delivery.RoutingKey)
		outcome = d.fallback
	}

	var (
		action Action
		err    error
	)

	switch outcome {
	case Requeue:
		action = ActionRequeue
		err = delivery.Nack(false, true)

	case Nack:
		state := DeadLetterStateOf(delivery.Headers)
		if state.Exhausted(MaxAttempts) {
			action = ActionDrop
			d.logger.Error("message dead-lettered too many times, dropping",
				"queue", state.Queue,
				"deathCount", state.Count,
				"maxAttempts", MaxAttempts,
				"routingKey", delivery.RoutingKey,
				"deliveryTag", delivery.DeliveryTag)
			err = delivery.Ack(false)
		} else {
			action = ActionDeadLetter
			d.logger.Debug("rejecting message",
				"routingKey", delivery.RoutingKey,
				"deliveryTag", delivery.DeliveryTag,
				"deathCount", state.Count)
			err = delivery.Nack(false, false)
		}

	default:
		action = ActionAck
		err = delivery.Ack(false)
	}

	if err != nil {
		d.logger.Error("failed to settle message",
			"action", action.String(),
			"routingKey", delivery.RoutingKey,
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
	}
	return action, err
}

// DispatchFailure settles a delivery whose handler failed
func (d *AckDispatcher) DispatchFailure(delivery amqp.Delivery) (Action, error) {
	return d.Dispatch(delivery, d.fallback)
}
