package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/catalog-sync/internal/rabbitmq"
)

// SetupPrefix prefixes the setup name of every bound subscription
const SetupPrefix = "subscription:"

// Middleware wraps a handler, e.g. with an interceptor chain
type Middleware func(next HandlerFunc) HandlerFunc

// ConsumerStatus is a snapshot of one bound subscription
type ConsumerStatus struct {
	Subscription string
	Queue        string
	ConsumerTag  string
	State        ConsumerState
	Handled      int64
}

// Registry discovers subscriptions and binds them to a managed channel
type Registry struct {
	acks        *AckDispatcher
	logger      *slog.Logger
	prefetch    int
	concurrency int
	middleware  Middleware

	mu        sync.RWMutex
	subs      []Subscription
	consumers map[string]*ConsumerLoop
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithAckDispatcher sets the dispatcher shared by every consumer
func WithAckDispatcher(acks *AckDispatcher) RegistryOption {
	return func(r *Registry) {
		r.acks = acks
	}
}

// WithConsumerPrefetch sets the prefetch count of every consumer
func WithConsumerPrefetch(count int) RegistryOption {
	return func(r *Registry) {
		r.prefetch = count
	}
}

// WithConsumerConcurrency sets the per-queue handler concurrency
func WithConsumerConcurrency(n int) RegistryOption {
	return func(r *Registry) {
		r.concurrency = n
	}
}

// WithMiddleware wraps every bound handler
func WithMiddleware(mw Middleware) RegistryOption {
	return func(r *Registry) {
		r.middleware = mw
	}
}

// NewRegistry creates an empty registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		logger:      slog.Default(),
		prefetch:    10,
		concurrency: 1,
		consumers:   make(map[string]*ConsumerLoop),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.acks == nil {
		r.acks = NewAckDispatcher(WithAckLogger(r.logger))
	}
	return r
}

// Discover collects the subscriptions of services in order. Unnamed
// subscriptions are named after their queue, or numbered when the queue is
// broker-assigned. Every problem found is reported.
func (r *Registry) Discover(services ...Subscriber) ([]Subscription, error) {
	var (
		subs   []Subscription
		errs   []error
		queues = make(map[string]string)
		names  = make(map[string]bool)
	)

	for _, service := range services {
		if service == nil {
			continue
		}
		for _, sub := range service.Subscriptions() {
			if sub.Name == "" {
				sub.Name = sub.Descriptor.Queue
			}
			if sub.Name == "" {
				sub.Name = fmt.Sprintf("subscription-%d", len(subs)+1)
			}

			if err := sub.Descriptor.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("subscription %s: %w", sub.Name, err))
				continue
			}
			if sub.Handler == nil {
				errs = append(errs, fmt.Errorf("subscription %s: %w: no handler", sub.Name, ErrInvalidDescriptor))
				continue
			}
			if names[sub.Name] {
				errs = append(errs, fmt.Errorf("subscription %s: %w: duplicate name", sub.Name, ErrInvalidDescriptor))
				continue
			}
			if q := sub.Descriptor.Queue; q != "" {
				if owner, taken := queues[q]; taken {
					errs = append(errs, fmt.Errorf("subscription %s: %w: %s already used by %s", sub.Name, ErrDuplicateQueue, q, owner))
					continue
				}
				queues[q] = sub.Name
			}

			names[sub.Name] = true
			subs = append(subs, sub)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	r.mu.Lock()
	r.subs = subs
	r.mu.Unlock()

	r.logger.Info("subscriptions discovered", "count", len(subs))
	return subs, nil
}

// Subscriptions returns the last discovered subscriptions
func (r *Registry) Subscriptions() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Subscription(nil), r.subs...)
}

// BindAll registers one setup per subscription on mc. A failing subscription
// does not keep the others from being bound; all failures are joined.
func (r *Registry) BindAll(ctx context.Context, mc *rabbitmq.ManagedChannel, subs []Subscription) error {
	var errs []error
	for _, sub := range subs {
		if err := mc.AddSetup(ctx, SetupPrefix+sub.Name, r.setup(sub)); err != nil {
			r.logger.Error("failed to bind subscription",
				"subscription", sub.Name,
				"queue", sub.Descriptor.Queue,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) setup(sub Subscription) rabbitmq.SetupFunc {
	bound := sub
	if r.middleware != nil {
		bound.Handler = r.middleware(sub.Handler)
	}

	return func(ctx context.Context, ch rabbitmq.Channel) error {
		queue, err := Declare(ch, sub.Descriptor)
		if err != nil {
			return err
		}

		loop := NewConsumerLoop(bound, queue, ch, r.acks,
			WithPrefetch(r.prefetch),
			WithConcurrency(r.concurrency),
			WithConsumerLogger(r.logger))
		if err := loop.Start(ctx); err != nil {
			return err
		}

		r.mu.Lock()
		r.consumers[sub.Name] = loop
		r.mu.Unlock()
		return nil
	}
}

// Declare asserts the descriptor's queue and binds it once per routing key.
// It returns the queue name, which the broker picks for unnamed descriptors.
func Declare(ch rabbitmq.Channel, d SubscriptionDescriptor) (string, error) {
	q, err := rabbitmq.DeclareQueue(ch, d.QueueDeclaration())
	if err != nil {
		return "", err
	}
	for _, binding := range d.Bindings(q.Name) {
		if err := rabbitmq.BindQueue(ch, binding); err != nil {
			return q.Name, err
		}
	}
	return q.Name, nil
}

// Consumer returns the current consumer of the named subscription
func (r *Registry) Consumer(name string) (*ConsumerLoop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loop, ok := r.consumers[name]
	return loop, ok
}

// Consumers returns a snapshot of every bound subscription, sorted by name
func (r *Registry) Consumers() []ConsumerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]ConsumerStatus, 0, len(r.consumers))
	for name, loop := range r.consumers {
		statuses = append(statuses, ConsumerStatus{
			Subscription: name,
			Queue:        loop.Queue(),
			ConsumerTag:  loop.Tag(),
			State:        loop.State(),
			Handled:      loop.Handled(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Subscription < statuses[j].Subscription
	})
	return statuses
}
