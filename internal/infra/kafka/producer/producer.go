package producer

import (
	"context"
	"encoding/json"
	"fmt"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"imagemill/internal/config"
	"imagemill/internal/model"
)

// Producer publishes pipeline events: stored originals on the uploads topic
// and terminal jobs on the events topic.
type Producer struct {
	uploads  *wbfkafka.Producer
	events   *wbfkafka.Producer
	strategy retry.Strategy
}

// New creates a Producer for both topics.
func New(cfg *config.Kafka, s retry.Strategy) *Producer {
	return &Producer{
		uploads:  wbfkafka.NewProducer(cfg.Brokers, cfg.UploadsTopic),
		events:   wbfkafka.NewProducer(cfg.Brokers, cfg.EventsTopic),
		strategy: s,
	}
}

// ImageUploaded announces a stored original. The image ID is the message key
// for partitioning and ordering.
func (p *Producer) ImageUploaded(ctx context.Context, ev model.UploadedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal uploaded event: %w", err)
	}

	key := []byte(ev.ImageID.String())

	if err = p.uploads.SendWithRetry(ctx, p.strategy, key, data); err != nil {
		return fmt.Errorf("failed to send uploaded event: %w", err)
	}

	return nil
}

// JobFinished announces a terminal job, keyed by job ID.
func (p *Producer) JobFinished(ctx context.Context, ev model.JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	key := []byte(ev.JobID.String())

	if err = p.events.SendWithRetry(ctx, p.strategy, key, data); err != nil {
		return fmt.Errorf("failed to send job event: %w", err)
	}

	return nil
}

// Close closes both underlying producers.
func (p *Producer) Close() error {
	if err := p.uploads.Close(); err != nil {
		return err
	}
	return p.events.Close()
}
