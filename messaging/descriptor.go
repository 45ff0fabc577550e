package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/glimte/catalog-sync/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKeys is an ordered, non-empty list of binding patterns
type RoutingKeys []string

// Keys builds RoutingKeys from one or more patterns
func Keys(key string, more ...string) RoutingKeys {
	keys := make(RoutingKeys, 0, 1+len(more))
	keys = append(keys, key)
	return append(keys, more...)
}

// Validate checks that there is at least one key and none is blank
func (k RoutingKeys) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("%w: no routing keys", ErrInvalidDescriptor)
	}
	for i, key := range k {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: routing key %d is empty", ErrInvalidDescriptor, i)
		}
	}
	return nil
}

// QueueOptions tunes the queue a subscription consumes from
type QueueOptions struct {
	Exclusive            bool
	AutoDelete           bool
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MessageTTL           time.Duration
	MaxLength            int
	Arguments            map[string]interface{}
}

// Table renders the options as queue.declare arguments
func (o QueueOptions) Table() amqp.Table {
	args := amqp.Table{}
	for k, v := range o.Arguments {
		args[k] = v
	}
	if o.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = o.DeadLetterExchange
	}
	if o.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = o.DeadLetterRoutingKey
	}
	if o.MessageTTL > 0 {
		args["x-message-ttl"] = o.MessageTTL.Milliseconds()
	}
	if o.MaxLength > 0 {
		args["x-max-length"] = int64(o.MaxLength)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// SubscriptionDescriptor says where a handler's messages come from.
// An empty Queue asks the broker for a generated, non-durable queue that
// does not survive a restart.
type SubscriptionDescriptor struct {
	Exchange     string
	RoutingKeys  RoutingKeys
	Queue        string
	QueueOptions QueueOptions
}

// Validate checks the descriptor can be bound
func (d SubscriptionDescriptor) Validate() error {
	if strings.TrimSpace(d.Exchange) == "" {
		return fmt.Errorf("%w: exchange is required", ErrInvalidDescriptor)
	}
	return d.RoutingKeys.Validate()
}

// Named reports whether the descriptor pins an explicit queue name
func (d SubscriptionDescriptor) Named() bool {
	return d.Queue != ""
}

// QueueDeclaration maps the descriptor to a queue declaration. Named queues
// are durable; broker-named queues are exclusive and auto-deleted.
func (d SubscriptionDescriptor) QueueDeclaration() rabbitmq.QueueDeclaration {
	if !d.Named() {
		return rabbitmq.QueueDeclaration{
			Durable:    false,
			AutoDelete: true,
			Exclusive:  true,
			Arguments:  d.QueueOptions.Table(),
		}
	}
	return rabbitmq.QueueDeclaration{
		Name:       d.Queue,
		Durable:    true,
		AutoDelete: d.QueueOptions.AutoDelete,
		Exclusive:  d.QueueOptions.Exclusive,
		Arguments:  d.QueueOptions.Table(),
	}
}

// Bindings returns one binding per routing key against queue
func (d SubscriptionDescriptor) Bindings(queue string) []rabbitmq.Binding {
	bindings := make([]rabbitmq.Binding, 0, len(d.RoutingKeys))
	for _, key := range d.RoutingKeys {
		bindings = append(bindings, rabbitmq.Binding{
			Queue:      queue,
			Exchange:   d.Exchange,
			RoutingKey: key,
		})
	}
	return bindings
}
