package messaging

import "context"

type contextKey string

const (
	subscriptionKey contextKey = "subscription"
	queueKey        contextKey = "queue"
)

// SubscriptionName returns the name of the subscription handling ctx's message
func SubscriptionName(ctx context.Context) string {
	name, _ := ctx.Value(subscriptionKey).(string)
	return name
}

// QueueName returns the queue the message in ctx was consumed from
func QueueName(ctx context.Context) string {
	queue, _ := ctx.Value(queueKey).(string)
	return queue
}

func withConsumer(ctx context.Context, subscription, queue string) context.Context {
	ctx = context.WithValue(ctx, subscriptionKey, subscription)
	return context.WithValue(ctx, queueKey, queue)
}
