package publisher

import (
	"context"
	"time"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/events"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
)

// Sender is satisfied by *mqx.Producer.
type Sender interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// ResultPublisher emits persisted outcomes keyed by subject id, so one subject's
// outcomes share a partition downstream.
type ResultPublisher struct {
	sender Sender
	topic  string
	now    func() time.Time
}

func New(sender Sender, topic string) *ResultPublisher {
	if topic == "" {
		topic = events.TopicCustomerSSNVerified
	}
	return &ResultPublisher{sender: sender, topic: topic, now: time.Now}
}

func (p *ResultPublisher) Publish(ctx context.Context, outcome models.VerificationOutcome) (models.DeliveryAck, error) {
	publishedAt := p.now().UTC()
	value, headers, err := events.EncodeOutcome(outcome, publishedAt)
	if err != nil {
		return models.DeliveryAck{}, err
	}
	if err := p.sender.Publish(ctx, p.topic, []byte(outcome.SubjectID), value, headers); err != nil {
		return models.DeliveryAck{}, err
	}
	return models.DeliveryAck{Topic: p.topic, Key: outcome.SubjectID, PublishedAt: publishedAt}, nil
}
