package mqtt

import (
	"context"
	"encoding/json"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/scan"
)

// Publisher publishes saved scans to a fixed topic.
type Publisher struct {
	client Client
	topic  string
}

// NewPublisher returns a Publisher sending to topic through client.
func NewPublisher(client Client, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

// Topic returns the publish topic.
func (p *Publisher) Topic() string { return p.topic }

// PublishRecord publishes rec as a ScanEventDTO. A disconnected client is
// reconnected once before publishing.
func (p *Publisher) PublishRecord(ctx context.Context, rec scan.Record) error {
	payload, err := json.Marshal(NewScanEventDTO(rec))
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("operation", "marshal").
			Build()
	}

	if !p.client.IsConnected() {
		if err := p.client.Connect(ctx); err != nil {
			return err
		}
	}
	return p.client.Publish(ctx, p.topic, payload)
}

// Close disconnects the underlying client.
func (p *Publisher) Close() {
	p.client.Disconnect()
}
