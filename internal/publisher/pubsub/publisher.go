// Package pubsub announces completed deliveries on a Google Cloud Pub/Sub
// topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

type sendFunc func(ctx context.Context, data []byte, attrs map[string]string) (string, error)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	send sendFunc
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	if publisher == nil {
		return &Publisher{}
	}
	return &Publisher{send: func(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
		result := publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
		return result.Get(ctx)
	}}
}

// Announce marshals the announcement to JSON and publishes it. The origin and
// channel are copied into message attributes so subscribers can filter.
func (p *Publisher) Announce(ctx context.Context, a crawler.Announcement) error {
	if p.send == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	attrs := map[string]string{
		"origin":  a.Origin,
		"channel": a.Channel,
	}
	if _, err := p.send(ctx, data, attrs); err != nil {
		return fmt.Errorf("publish announcement: %w", err)
	}
	return nil
}
