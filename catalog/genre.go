package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/catalog-sync/messaging"
	"github.com/glimte/catalog-sync/store"
)

// GenreSyncService mirrors genre events and the genre to category relation
type GenreSyncService struct {
	sync       *modelSync[Genre, *Genre]
	genres     store.Repository[Genre]
	categories store.Repository[Category]
	opts       options
}

// NewGenreSyncService creates the service
func NewGenreSyncService(genres store.Repository[Genre], categories store.Repository[Category], opts ...Option) *GenreSyncService {
	o := newOptions(opts)
	sync := newModelSync[Genre]("genre", genres, o)
	sync.merge = func(existing Genre, incoming *Genre) {
		// genre events do not carry the relation
		if incoming.Categories == nil {
			incoming.Categories = existing.Categories
		}
	}
	return &GenreSyncService{
		sync:       sync,
		genres:     genres,
		categories: categories,
		opts:       o,
	}
}

// Subscriptions implements messaging.Subscriber
func (s *GenreSyncService) Subscriptions() []messaging.Subscription {
	return []messaging.Subscription{
		{
			Name: "genre",
			Descriptor: messaging.SubscriptionDescriptor{
				Exchange:    Exchange,
				RoutingKeys: messaging.Keys(ModelKey("genre")),
				Queue:       QueueGenre,
			},
			Handler: s.Handle,
		},
		{
			Name: "genre_categories",
			Descriptor: messaging.SubscriptionDescriptor{
				Exchange:    Exchange,
				RoutingKeys: messaging.Keys(ModelKey("genre_categories")),
				Queue:       QueueGenreCategories,
			},
			Handler: s.HandleCategories,
		},
	}
}

// Handle applies one genre event
func (s *GenreSyncService) Handle(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
	_, _, err := s.sync.apply(ctx, msg)
	return outcomeOf(s.opts.logger, msg, err)
}

type relationPayload struct {
	ID          string   `json:"id"`
	RelationIDs []string `json:"relation_ids"`
}

// HandleCategories replaces the categories embedded in a genre
func (s *GenreSyncService) HandleCategories(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
	return outcomeOf(s.opts.logger, msg, s.syncCategories(ctx, msg))
}

func (s *GenreSyncService) syncCategories(ctx context.Context, msg messaging.Message) error {
	var payload relationPayload
	if err := msg.Bind(&payload); err != nil || payload.ID == "" {
		return invalid("genre categories without genre id")
	}

	genre, err := s.genres.Get(ctx, payload.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownGenre, payload.ID)
	}
	if err != nil {
		return fmt.Errorf("load genre %s: %w", payload.ID, err)
	}

	categories, err := s.categories.FindByIDs(ctx, payload.RelationIDs)
	if err != nil {
		return fmt.Errorf("load categories of genre %s: %w", payload.ID, err)
	}
	if missing := len(payload.RelationIDs) - len(categories); missing > 0 {
		s.opts.logger.Warn("genre references unknown categories",
			"genre", payload.ID,
			"missing", missing)
	}

	refs := make([]CategoryRef, 0, len(categories))
	for _, c := range categories {
		refs = append(refs, c.Ref())
	}
	genre.Categories = refs
	genre.UpdatedAt = s.opts.now().UTC()

	if err := s.genres.Upsert(ctx, genre); err != nil {
		return fmt.Errorf("upsert genre %s: %w", genre.ID, err)
	}

	s.opts.logger.Info("genre categories synced", "genre", genre.ID, "categories", len(refs))
	return nil
}
