package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/catalog-sync/messaging"
	"github.com/glimte/catalog-sync/store"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidPayload marks a message that can never be applied as sent
	ErrInvalidPayload = errors.New("catalog: invalid payload")
	// ErrUnknownGenre is returned by relation sync for a genre not yet synced
	ErrUnknownGenre = errors.New("catalog: unknown genre")
)

// Option configures a sync service
type Option func(*options)

type options struct {
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithValidator sets the payload validator
func WithValidator(v *validator.Validate) Option {
	return func(o *options) {
		o.validate = v
	}
}

// WithClock sets the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.validate == nil {
		o.validate = NewValidator()
	}
	return o
}

type stampable[T any] interface {
	*T
	stamp(created, updated time.Time)
	timestamps() (time.Time, time.Time)
}

// modelSync applies created, updated and deleted events of one entity kind
type modelSync[T store.Entity, PT stampable[T]] struct {
	entity string
	repo   store.Repository[T]
	options
	// merge, when set, folds fields the event does not carry from the stored copy
	merge func(existing T, incoming PT)
}

func newModelSync[T store.Entity, PT stampable[T]](entity string, repo store.Repository[T], o options) *modelSync[T, PT] {
	return &modelSync[T, PT]{entity: entity, repo: repo, options: o}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// apply returns the stored entity for created and updated events
func (s *modelSync[T, PT]) apply(ctx context.Context, msg messaging.Message) (T, Event, error) {
	var zero T

	_, event, err := ParseRoutingKey(msg.RoutingKey())
	if err != nil {
		return zero, "", invalid("%v", err)
	}

	switch event {
	case EventCreated, EventUpdated:
		if !msg.HasData() {
			return zero, event, invalid("%s %s without data", s.entity, event)
		}
		var entity T
		if err := msg.Bind(&entity); err != nil {
			return zero, event, invalid("decode %s: %v", s.entity, err)
		}
		if err := s.validate.Struct(entity); err != nil {
			return zero, event, invalid("validate %s: %v", s.entity, err)
		}

		if err := s.prepare(ctx, PT(&entity)); err != nil {
			return zero, event, err
		}
		if err := s.repo.Upsert(ctx, entity); err != nil {
			return zero, event, fmt.Errorf("upsert %s %s: %w", s.entity, entity.GetID(), err)
		}

		s.logger.Info("entity synced", "entity", s.entity, "id", entity.GetID(), "event", string(event))
		return entity, event, nil

	case EventDeleted:
		var ref struct {
			ID string `json:"id"`
		}
		if err := msg.Bind(&ref); err != nil || ref.ID == "" {
			return zero, event, invalid("%s delete without id", s.entity)
		}
		removed, err := s.repo.Delete(ctx, ref.ID)
		if err != nil {
			return zero, event, fmt.Errorf("delete %s %s: %w", s.entity, ref.ID, err)
		}

		s.logger.Info("entity deleted", "entity", s.entity, "id", ref.ID, "existed", removed)
		return zero, event, nil

	default:
		s.logger.Warn("ignoring unknown model event",
			"entity", s.entity,
			"event", string(event),
			"routingKey", msg.RoutingKey())
		return zero, event, nil
	}
}

// prepare keeps the stored created_at and stamps missing timestamps
func (s *modelSync[T, PT]) prepare(ctx context.Context, incoming PT) error {
	created, updated := incoming.timestamps()

	existing, err := s.repo.Get(ctx, (*incoming).GetID())
	switch {
	case err == nil:
		if storedCreated, _ := PT(&existing).timestamps(); !storedCreated.IsZero() {
			created = storedCreated
		}
		if s.merge != nil {
			s.merge(existing, incoming)
		}
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load %s %s: %w", s.entity, (*incoming).GetID(), err)
	}

	now := s.now().UTC()
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	incoming.stamp(created, updated)
	return nil
}

// outcomeOf rejects messages that can never succeed and surfaces everything
// else to the consumer's default outcome
func outcomeOf(logger *slog.Logger, msg messaging.Message, err error) (messaging.Outcome, error) {
	switch {
	case err == nil:
		return messaging.Ack, nil
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownGenre):
		logger.Warn("rejecting message",
			"routingKey", msg.RoutingKey(),
			"deliveryTag", msg.Delivery.DeliveryTag,
			"reason", err)
		return messaging.Nack, nil
	default:
		return messaging.Ack, err
	}
}
