package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/catalog-sync/internal/rabbitmq"
	"github.com/glimte/catalog-sync/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	msg := amqp.Publishing{ContentType: "application/json", Body: []byte(`{"id":"1"}`)}

	t.Run("publishes in confirm mode on one channel", func(t *testing.T) {
		connector := newConnected(t)
		p := rabbitmq.NewPublisher(connector)
		defer p.Close()

		require.NoError(t, p.Publish(ctx, "amq.topic", "model.category.created", msg))
		require.NoError(t, p.Publish(ctx, "amq.topic", "model.category.updated", msg))

		require.Len(t, connector.Channels(), 1)
		published := connector.Latest().Published()
		require.Len(t, published, 2)
		assert.Equal(t, "amq.topic", published[0].Exchange)
		assert.Equal(t, "model.category.created", published[0].RoutingKey)
		assert.Equal(t, msg.Body, published[1].Message.Body)
	})

	t.Run("retries on a fresh channel after a publish failure", func(t *testing.T) {
		connector := newConnected(t)
		opened := 0
		connector.Prepare = func(ch *rabbitmqtest.FakeChannel) {
			opened++
			if opened == 1 {
				ch.FailOn("publish:amq.topic", rabbitmqtest.ErrInjected)
			}
		}
		p := rabbitmq.NewPublisher(connector, rabbitmq.WithPublishRetries(2, time.Millisecond))
		defer p.Close()

		require.NoError(t, p.Publish(ctx, "amq.topic", "model.genre.created", msg))
		require.Len(t, connector.Channels(), 2)
		assert.True(t, connector.Channels()[0].IsClosed())
		assert.Len(t, connector.Latest().Published(), 1)
	})

	t.Run("nacked publishes fail after the retries", func(t *testing.T) {
		connector := newConnected(t)
		connector.Prepare = func(ch *rabbitmqtest.FakeChannel) { ch.NackPublishes() }
		p := rabbitmq.NewPublisher(connector, rabbitmq.WithPublishRetries(1, time.Millisecond))
		defer p.Close()

		err := p.Publish(ctx, "amq.topic", "model.genre.created", msg)
		var pubErr *rabbitmq.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, 2, pubErr.Attempts)
		assert.ErrorIs(t, err, rabbitmq.ErrPublishNacked)
	})

	t.Run("confirm mode failure is reported", func(t *testing.T) {
		connector := newConnected(t)
		connector.Prepare = func(ch *rabbitmqtest.FakeChannel) { ch.FailOn("confirm", rabbitmqtest.ErrInjected) }
		p := rabbitmq.NewPublisher(connector, rabbitmq.WithPublishRetries(0, time.Millisecond))
		defer p.Close()

		err := p.Publish(ctx, "amq.topic", "model.genre.created", msg)
		var chErr *rabbitmq.ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.Equal(t, "confirm", chErr.Op)
		assert.ErrorIs(t, err, rabbitmqtest.ErrInjected)
	})
}
