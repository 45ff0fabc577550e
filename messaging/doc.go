// Package messaging turns broker deliveries into handler calls and handler
// outcomes back into exactly one acknowledgment per delivery.
//
// Services describe what they listen to by implementing Subscriber:
//
//	func (s *CategorySync) Subscriptions() []messaging.Subscription {
//		return []messaging.Subscription{{
//			Name: "category",
//			Descriptor: messaging.SubscriptionDescriptor{
//				Exchange:    "amq.topic",
//				RoutingKeys: messaging.Keys("model.category.*"),
//				Queue:       "micro-catalog/sync-videos/category",
//			},
//			Handler: s.Handle,
//		}}
//	}
//
// A Registry discovers these subscriptions and binds each one as its own
// setup on a rabbitmq.ManagedChannel, so queues, bindings and consumers are
// restored together after a reconnect.
package messaging
