// Package pubsub implements the task broker on Google Cloud Pub/Sub, one
// topic and subscription pair per stage.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// Config identifies the Pub/Sub project and resource naming.
type Config struct {
	ProjectID string
	// Prefix is prepended to stage-derived topic/subscription IDs,
	// e.g. prefix "pagelens" and stage "analyze:seo" use topic
	// "pagelens-analyze-seo".
	Prefix string
}

// Broker adapts Pub/Sub's callback Receive to the pull-style Broker port.
type Broker struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[pipeline.Stage]chan pipeline.Delivery
	cancel []context.CancelFunc
}

// New creates a Broker backed by a Pub/Sub client using application default
// credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "pagelens"
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Broker{
		client: client,
		cfg:    cfg,
		logger: logger,
		subs:   make(map[pipeline.Stage]chan pipeline.Delivery),
	}, nil
}

// Publish marshals the task message and publishes it to the stage topic.
// Pub/Sub has no delayed publish, so retry backoff is applied client-side.
func (b *Broker) Publish(ctx context.Context, stage pipeline.Stage, msg pipeline.TaskMessage, delay time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}
	topic := b.client.Topic(b.resourceID(stage))
	if delay > 0 {
		time.AfterFunc(delay, func() {
			pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := topic.Publish(pubCtx, &pubsub.Message{Data: data}).Get(pubCtx); err != nil {
				b.logger.Error("delayed publish failed",
					zap.String("stage", string(stage)),
					zap.String("task_id", msg.TaskID),
					zap.Error(err),
				)
			}
		})
		return nil
	}
	if _, err := topic.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", stage, err)
	}
	return nil
}

// Receive blocks for the next delivery on the stage subscription. The
// subscription's ack deadline provides the visibility timeout.
func (b *Broker) Receive(ctx context.Context, stage pipeline.Stage) (pipeline.Delivery, error) {
	ch := b.deliveries(stage)
	select {
	case <-ctx.Done():
		return pipeline.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
	case d := <-ch:
		return d, nil
	}
}

// Close stops subscriber goroutines and closes the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancel {
		cancel()
	}
	b.cancel = nil
	b.mu.Unlock()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (b *Broker) deliveries(stage pipeline.Stage) chan pipeline.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[stage]
	if ok {
		return ch
	}
	ch = make(chan pipeline.Delivery)
	b.subs[stage] = ch

	subCtx, cancel := context.WithCancel(context.Background())
	b.cancel = append(b.cancel, cancel)
	sub := b.client.Subscription(b.resourceID(stage))
	go func() {
		err := sub.Receive(subCtx, func(ctx context.Context, msg *pubsub.Message) {
			var tm pipeline.TaskMessage
			if err := json.Unmarshal(msg.Data, &tm); err != nil {
				b.logger.Warn("dropping undecodable task message",
					zap.String("stage", string(stage)),
					zap.Error(err),
				)
				msg.Ack()
				return
			}
			select {
			case ch <- pipeline.Delivery{Message: tm, Ack: msg.Ack, Nack: msg.Nack}:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && subCtx.Err() == nil {
			b.logger.Error("subscription receive stopped",
				zap.String("stage", string(stage)),
				zap.Error(err),
			)
		}
	}()
	return ch
}

func (b *Broker) resourceID(stage pipeline.Stage) string {
	return b.cfg.Prefix + "-" + strings.ReplaceAll(string(stage), ":", "-")
}
