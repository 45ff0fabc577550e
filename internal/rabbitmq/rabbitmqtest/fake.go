// Package rabbitmqtest provides an in-memory stand-in for an AMQP channel and
// connection so setups, consumers and acknowledgments can be tested without a broker.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/catalog-sync/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// NackCall records one negative acknowledgment
type NackCall struct {
	Tag     uint64
	Requeue bool
}

// ConsumeCall records one basic.consume
type ConsumeCall struct {
	Queue       string
	ConsumerTag string
}

// Published records one basic.publish
type Published struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
}

// FakeChannel records every operation issued against it. It also acts as the
// amqp.Acknowledger of the deliveries it produces.
type FakeChannel struct {
	mu sync.Mutex

	exchanges []rabbitmq.ExchangeDeclaration
	queues    []rabbitmq.QueueDeclaration
	bindings  []rabbitmq.Binding
	consumes  []ConsumeCall
	prefetch  int
	acks      []uint64
	nacks     []NackCall
	published []Published

	confirming  bool
	confirms    []chan amqp.Confirmation
	publishSeq  uint64
	nackPublish bool

	consumers map[string]chan amqp.Delivery
	notify    []chan *amqp.Error
	failures  map[string]error
	fatal     bool
	closed    bool
	queueSeq  int
	nextTag   uint64
}

// NewFakeChannel returns an open fake channel
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{
		consumers: make(map[string]chan amqp.Delivery),
		failures:  make(map[string]error),
	}
}

// FailOn makes the operation identified by key return err. Keys are
// "exchange:<name>", "queue:<name>", "bind:<queue>:<key>", "consume:<queue>", "publish:<exchange>", "confirm" and "qos".
func (f *FakeChannel) FailOn(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = err
}

// CloseOnFailure makes injected failures close the channel with a
// PRECONDITION_FAILED channel exception, as the broker does for a failed assertion.
func (f *FakeChannel) CloseOnFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fatal = true
}

func (f *FakeChannel) failure(key string) error {
	if f.closed {
		return amqp.ErrClosed
	}
	err := f.failures[key]
	if err != nil && f.fatal {
		cause := &amqp.Error{Code: amqp.PreconditionFailed, Reason: err.Error(), Server: true}
		f.shutdownLocked(cause)
		return cause
	}
	return err
}

// ExchangeDeclare implements rabbitmq.Channel
func (f *FakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("exchange:" + name); err != nil {
		return err
	}
	f.exchanges = append(f.exchanges, rabbitmq.ExchangeDeclaration{
		Name: name, Type: kind, Durable: durable, AutoDelete: autoDelete, Internal: internal, Arguments: args,
	})
	return nil
}

// QueueDeclare implements rabbitmq.Channel. Empty names get a generated one.
func (f *FakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("queue:" + name); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		f.queueSeq++
		name = fmt.Sprintf("amq.gen-%d", f.queueSeq)
	}
	f.queues = append(f.queues, rabbitmq.QueueDeclaration{
		Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Arguments: args,
	})
	return amqp.Queue{Name: name}, nil
}

// QueueBind implements rabbitmq.Channel
func (f *FakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("bind:" + name + ":" + key); err != nil {
		return err
	}
	f.bindings = append(f.bindings, rabbitmq.Binding{Queue: name, Exchange: exchange, RoutingKey: key, Arguments: args})
	return nil
}

// Qos implements rabbitmq.Channel
func (f *FakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("qos"); err != nil {
		return err
	}
	f.prefetch = prefetchCount
	return nil
}

// Consume implements rabbitmq.Channel
func (f *FakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("consume:" + queue); err != nil {
		return nil, err
	}
	deliveries := make(chan amqp.Delivery, 64)
	f.consumers[queue] = deliveries
	f.consumes = append(f.consumes, ConsumeCall{Queue: queue, ConsumerTag: consumer})
	return deliveries, nil
}

// Confirm implements rabbitmq.Channel
func (f *FakeChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("confirm"); err != nil {
		return err
	}
	f.confirming = true
	return nil
}

// NotifyPublish implements rabbitmq.Channel
func (f *FakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(confirm)
		return confirm
	}
	f.confirms = append(f.confirms, confirm)
	return confirm
}

// PublishWithContext implements rabbitmq.Channel. In confirm mode every
// publish is acked, or nacked after NackPublishes.
func (f *FakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("publish:" + exchange); err != nil {
		return err
	}
	f.published = append(f.published, Published{Exchange: exchange, RoutingKey: key, Message: msg})
	if !f.confirming {
		return nil
	}
	f.publishSeq++
	for _, c := range f.confirms {
		c <- amqp.Confirmation{DeliveryTag: f.publishSeq, Ack: !f.nackPublish}
	}
	return nil
}

// NackPublishes makes the broker nack every later publish
func (f *FakeChannel) NackPublishes() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nackPublish = true
}

// Published returns the recorded publishes
func (f *FakeChannel) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.published...)
}

// NotifyClose implements rabbitmq.Channel
func (f *FakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(receiver)
		return receiver
	}
	f.notify = append(f.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel
func (f *FakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close implements rabbitmq.Channel: a client-initiated, graceful close
func (f *FakeChannel) Close() error {
	f.shutdown(nil)
	return nil
}

// Drop simulates the broker closing the channel, e.g. after a network failure
func (f *FakeChannel) Drop(reason string) {
	f.shutdown(&amqp.Error{Code: amqp.ChannelError, Reason: reason})
}

func (f *FakeChannel) shutdown(cause *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownLocked(cause)
}

func (f *FakeChannel) shutdownLocked(cause *amqp.Error) {
	if f.closed {
		return
	}
	f.closed = true
	for _, c := range f.notify {
		if cause != nil {
			c <- cause
		}
		close(c)
	}
	f.notify = nil
	for _, c := range f.confirms {
		close(c)
	}
	f.confirms = nil
	for queue, c := range f.consumers {
		close(c)
		delete(f.consumers, queue)
	}
}

// Deliver pushes a message to the consumer of queue and returns its delivery tag
func (f *FakeChannel) Deliver(queue, routingKey string, body []byte, headers amqp.Table) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, amqp.ErrClosed
	}
	c, ok := f.consumers[queue]
	if !ok {
		return 0, fmt.Errorf("no consumer on queue %q", queue)
	}
	f.nextTag++
	c <- amqp.Delivery{
		Acknowledger: f,
		DeliveryTag:  f.nextTag,
		RoutingKey:   routingKey,
		Exchange:     "amq.topic",
		Body:         body,
		Headers:      headers,
		ContentType:  "application/json",
	}
	return f.nextTag, nil
}

// Ack implements amqp.Acknowledger
func (f *FakeChannel) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.acks = append(f.acks, tag)
	return nil
}

// Nack implements amqp.Acknowledger
func (f *FakeChannel) Nack(tag uint64, multiple bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.nacks = append(f.nacks, NackCall{Tag: tag, Requeue: requeue})
	return nil
}

// Reject implements amqp.Acknowledger
func (f *FakeChannel) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

// Exchanges returns the recorded exchange declarations
func (f *FakeChannel) Exchanges() []rabbitmq.ExchangeDeclaration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rabbitmq.ExchangeDeclaration(nil), f.exchanges...)
}

// Queues returns the recorded queue declarations
func (f *FakeChannel) Queues() []rabbitmq.QueueDeclaration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rabbitmq.QueueDeclaration(nil), f.queues...)
}

// Bindings returns the recorded bindings
func (f *FakeChannel) Bindings() []rabbitmq.Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rabbitmq.Binding(nil), f.bindings...)
}

// Consumes returns the recorded consume calls
func (f *FakeChannel) Consumes() []ConsumeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ConsumeCall(nil), f.consumes...)
}

// Prefetch returns the last QoS prefetch count
func (f *FakeChannel) Prefetch() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefetch
}

// Acks returns acknowledged delivery tags
func (f *FakeChannel) Acks() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.acks...)
}

// Nacks returns negative acknowledgments
func (f *FakeChannel) Nacks() []NackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NackCall(nil), f.nacks...)
}

// Settled returns the number of ack and nack calls issued
func (f *FakeChannel) Settled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks) + len(f.nacks)
}

// HasConsumer reports whether queue has an active consumer
func (f *FakeChannel) HasConsumer(queue string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.consumers[queue]
	return ok
}

// FakeConnector hands out FakeChannels and implements rabbitmq.Connector
type FakeConnector struct {
	mu         sync.Mutex
	channels   []*FakeChannel
	connected  bool
	ConnectErr error
	OpenErr    error
	// Prepare, when set, configures every channel before it is returned
	Prepare func(*FakeChannel)
}

// Connect implements rabbitmq.Connector
func (c *FakeConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.connected = true
	return nil
}

// OpenChannel implements rabbitmq.Connector
func (c *FakeConnector) OpenChannel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, rabbitmq.ErrConnectionNotReady
	}
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	ch := NewFakeChannel()
	if c.Prepare != nil {
		c.Prepare(ch)
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// SetOpenErr makes subsequent OpenChannel calls fail with err; nil clears it
func (c *FakeConnector) SetOpenErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenErr = err
}

// IsConnected implements rabbitmq.Connector
func (c *FakeConnector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close implements rabbitmq.Connector
func (c *FakeConnector) Close() error {
	c.mu.Lock()
	c.connected = false
	channels := append([]*FakeChannel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return nil
}

// Channels returns every channel opened so far
func (c *FakeConnector) Channels() []*FakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeChannel(nil), c.channels...)
}

// Latest returns the most recently opened channel, or nil
func (c *FakeConnector) Latest() *FakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

// ErrInjected is a convenience error for FailOn
var ErrInjected = errors.New("rabbitmqtest: injected failure")

var (
	_ rabbitmq.Channel   = (*FakeChannel)(nil)
	_ amqp.Acknowledger  = (*FakeChannel)(nil)
	_ rabbitmq.Connector = (*FakeConnector)(nil)
)
