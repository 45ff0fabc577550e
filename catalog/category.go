package catalog

import (
	"context"
	"fmt"

	"github.com/glimte/catalog-sync/messaging"
	"github.com/glimte/catalog-sync/store"
)

// CategorySyncService mirrors category events and refreshes the category
// refs embedded in genres
type CategorySyncService struct {
	sync   *modelSync[Category, *Category]
	genres store.Repository[Genre]
	opts   options
}

// NewCategorySyncService creates the service
func NewCategorySyncService(categories store.Repository[Category], genres store.Repository[Genre], opts ...Option) *CategorySyncService {
	o := newOptions(opts)
	return &CategorySyncService{
		sync:   newModelSync[Category]("category", categories, o),
		genres: genres,
		opts:   o,
	}
}

// Subscriptions implements messaging.Subscriber
func (s *CategorySyncService) Subscriptions() []messaging.Subscription {
	return []messaging.Subscription{{
		Name: "category",
		Descriptor: messaging.SubscriptionDescriptor{
			Exchange:    Exchange,
			RoutingKeys: messaging.Keys(ModelKey("category")),
			Queue:       QueueCategory,
		},
		Handler: s.Handle,
	}}
}

// Handle applies one category event
func (s *CategorySyncService) Handle(ctx context.Context, msg messaging.Message) (messaging.Outcome, error) {
	category, event, err := s.sync.apply(ctx, msg)
	if err == nil && event == EventUpdated {
		err = s.propagate(ctx, category)
	}
	return outcomeOf(s.opts.logger, msg, err)
}

// propagate rewrites the ref of category in every genre embedding it
func (s *CategorySyncService) propagate(ctx context.Context, category Category) error {
	genres, err := s.genres.Find(ctx)
	if err != nil {
		return fmt.Errorf("load genres: %w", err)
	}

	updated := 0
	for _, genre := range genres {
		if !genre.HasCategory(category.ID) {
			continue
		}
		// Find may share the stored slice
		refs := append([]CategoryRef(nil), genre.Categories...)
		for i := range refs {
			if refs[i].ID == category.ID {
				refs[i] = category.Ref()
			}
		}
		genre.Categories = refs
		if err := s.genres.Upsert(ctx, genre); err != nil {
			return fmt.Errorf("update genre %s: %w", genre.ID, err)
		}
		updated++
	}

	if updated > 0 {
		s.opts.logger.Info("category propagated to genres", "category", category.ID, "genres", updated)
	}
	return nil
}
