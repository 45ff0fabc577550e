package catalog

import (
	"context"

	"github.com/glimte/catalog-sync/messaging"
	"github.com/glimte/catalog-sync/store"
)

// CastMemberSyncService mirrors cast member events. Its queue dead-letters to
// DeadLetterExchange, and its handler reports failures only as errors, which
// the consumer resolves with the configured default outcome.
type CastMemberSyncService struct {
	sync *modelSync[CastMember, *CastMember]
}

// NewCastMemberSyncService creates the service
func NewCastMemberSyncService(members store.Repository[CastMember], opts ...Option) *CastMemberSyncService {
	return &CastMemberSyncService{
		sync: newModelSync[CastMember]("cast_member", members, newOptions(opts)),
	}
}

// Subscriptions implements messaging.Subscriber
func (s *CastMemberSyncService) Subscriptions() []messaging.Subscription {
	return []messaging.Subscription{{
		Name: "cast_member",
		Descriptor: messaging.SubscriptionDescriptor{
			Exchange:    Exchange,
			RoutingKeys: messaging.Keys(ModelKey("cast_member")),
			Queue:       QueueCastMember,
			QueueOptions: messaging.QueueOptions{
				DeadLetterExchange: DeadLetterExchange,
			},
		},
		Handler: messaging.AckOnSuccess(s.Handle),
	}}
}

// Handle applies one cast member event
func (s *CastMemberSyncService) Handle(ctx context.Context, msg messaging.Message) error {
	_, _, err := s.sync.apply(ctx, msg)
	return err
}
