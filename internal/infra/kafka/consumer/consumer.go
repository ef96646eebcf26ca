package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"imagemill/internal/config"
)

// uploadedHandler processes messages from the uploads topic.
type uploadedHandler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

// Consumer drains the uploads topic and hands each message to its handler.
type Consumer struct {
	Client          *wbfkafka.Consumer
	uploadedHandler uploadedHandler
	cfg             *config.Kafka
	strategy        retry.Strategy
}

// New creates a Consumer for the uploads topic.
func New(cfg *config.Kafka, s retry.Strategy, uh uploadedHandler) *Consumer {
	consumer := wbfkafka.NewConsumer(cfg.Brokers, cfg.UploadsTopic, cfg.GroupID)

	return &Consumer{
		Client:          consumer,
		uploadedHandler: uh,
		cfg:             cfg,
		strategy:        s,
	}
}

// Consume continuously fetches messages, processes them and commits offsets
// after successful handling. It stops gracefully on context cancellation.
func (c *Consumer) Consume(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	zlog.Logger.Info().
		Str("topic", c.cfg.UploadsTopic).
		Msg("starting consumer")

	for {
		if ctx.Err() != nil {
			zlog.Logger.Info().Msg("shutdown signal received, stopping consumer")
			return
		}

		var msg kafka.Message
		err := retry.Do(func() error {
			var fetchErr error
			msg, fetchErr = c.Client.Fetch(ctx)
			return fetchErr
		}, c.strategy)

		if err != nil {
			zlog.Logger.Err(err).Msg("failed to fetch message")
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if err := c.uploadedHandler.Handle(ctx, msg); err != nil {
			zlog.Logger.Err(err).
				Str("message", string(msg.Value)).
				Msg("failed to handle uploaded event")
			continue
		}

		err = retry.Do(func() error {
			return c.Client.Commit(ctx, msg)
		}, c.strategy)
		if err != nil {
			zlog.Logger.Err(err).Msg("failed to commit message after retries")
		}
	}
}
