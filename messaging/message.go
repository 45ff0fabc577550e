package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/glimte/catalog-sync/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is what a handler receives for one delivery
type Message struct {
	// Data is the parsed JSON body, or nil when the body was not valid JSON
	Data     json.RawMessage
	Delivery amqp.Delivery
	Channel  rabbitmq.Channel
}

// HasData reports whether the body decoded to a non-null JSON value
func (m Message) HasData() bool {
	return m.Data != nil
}

// Bind unmarshals Data into v
func (m Message) Bind(v interface{}) error {
	if !m.HasData() {
		return ErrNoData
	}
	return json.Unmarshal(m.Data, v)
}

// RoutingKey returns the key the message was published with
func (m Message) RoutingKey() string {
	return m.Delivery.RoutingKey
}

// HandlerFunc processes one message. A nil error with the zero Outcome acks.
type HandlerFunc func(ctx context.Context, msg Message) (Outcome, error)

// AckOnSuccess adapts a handler with no outcome of its own: nil acks, an error
// takes the configured default outcome.
func AckOnSuccess(fn func(ctx context.Context, msg Message) error) HandlerFunc {
	return func(ctx context.Context, msg Message) (Outcome, error) {
		return Ack, fn(ctx, msg)
	}
}

// Subscription pairs a descriptor with the handler bound to it
type Subscription struct {
	Name       string
	Descriptor SubscriptionDescriptor
	Handler    HandlerFunc
}

// Subscriber is implemented by services that consume broker messages
type Subscriber interface {
	Subscriptions() []Subscription
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func() []Subscription

// Subscriptions implements Subscriber
func (f SubscriberFunc) Subscriptions() []Subscription {
	return f()
}

// decodePayload returns body as JSON, or nil if it is not valid UTF-8 JSON
func decodePayload(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !utf8.Valid(trimmed) || !json.Valid(trimmed) {
		return nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.RawMessage(trimmed)
}
