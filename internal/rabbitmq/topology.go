package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologySetupName is the setup name under which InstallTopology registers
const TopologySetupName = "topology"

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared.
// An empty Name asks the broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the static messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// IsEmpty reports whether there is nothing to declare
func (t Topology) IsEmpty() bool {
	return len(t.Exchanges) == 0 && len(t.Queues) == 0 && len(t.Bindings) == 0
}

// Validate checks declarations for missing names and types
func (t Topology) Validate() error {
	for i, ex := range t.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("%w: exchange %d has no name", ErrInvalidTopology, i)
		}
		if ex.Type == "" {
			return fmt.Errorf("%w: exchange %s has no type", ErrInvalidTopology, ex.Name)
		}
	}
	for i, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue %d has no name", ErrInvalidTopology, i)
		}
	}
	for _, b := range t.Bindings {
		if b.Queue == "" || b.Exchange == "" {
			return fmt.Errorf("%w: binding %q -> %q is incomplete", ErrInvalidTopology, b.Exchange, b.Queue)
		}
	}
	return nil
}

// InstallTopology registers a single setup that declares the whole topology,
// so it is replayed as one unit after every reopen.
func InstallTopology(ctx context.Context, mc *ManagedChannel, topology Topology) error {
	if err := topology.Validate(); err != nil {
		return err
	}
	return mc.AddSetup(ctx, TopologySetupName, func(_ context.Context, ch Channel) error {
		return DeclareTopology(ch, topology)
	})
}

// DeclareTopology declares exchanges, then queues, then bindings
func DeclareTopology(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := DeclareExchange(ch, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := DeclareQueue(ch, queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := BindQueue(ch, binding); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange declares an exchange on the given channel
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		exchange.Internal,
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
	}
	return nil
}

// DeclareQueue declares a queue on the given channel and returns the broker's view of it
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on the given channel
func BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s -> %s (%s)", binding.Exchange, binding.Queue, binding.RoutingKey),
			Op:        "create",
			Err:       err,
		}
	}
	return nil
}
