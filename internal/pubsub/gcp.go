package pubsub

import (
	"context"
	"fmt"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// GCPReceiver is a Cloud Pub/Sub pull subscription.
type GCPReceiver struct {
	client         *gpubsub.Client
	topicID        string
	subscriptionID string
	maxOutstanding int
}

// NewGCPReceiver connects to projectID. Credentials come from opts or the
// application default credentials.
func NewGCPReceiver(ctx context.Context, projectID, topicID, subscriptionID string, opts ...option.ClientOption) (*GCPReceiver, error) {
	client, err := gpubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &GCPReceiver{
		client:         client,
		topicID:        topicID,
		subscriptionID: subscriptionID,
		maxOutstanding: 16,
	}, nil
}

// Ensure implements Receiver. Creation races with another instance are
// resolved by checking existence again.
func (r *GCPReceiver) Ensure(ctx context.Context) error {
	topic := r.client.Topic(r.topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %s: %w", r.topicID, err)
	}
	if !ok {
		if topic, err = r.client.CreateTopic(ctx, r.topicID); err != nil {
			if exists, _ := r.client.Topic(r.topicID).Exists(ctx); !exists {
				return fmt.Errorf("create topic %s: %w", r.topicID, err)
			}
			topic = r.client.Topic(r.topicID)
		}
	}

	sub := r.client.Subscription(r.subscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check subscription %s: %w", r.subscriptionID, err)
	}
	if ok {
		return nil
	}

	_, err = r.client.CreateSubscription(ctx, r.subscriptionID, gpubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 60 * time.Second,
	})
	if err != nil {
		if exists, _ := sub.Exists(ctx); !exists {
			return fmt.Errorf("create subscription %s: %w", r.subscriptionID, err)
		}
	}
	return nil
}

// Receive implements Receiver.
func (r *GCPReceiver) Receive(ctx context.Context, f func(ctx context.Context, msg Message)) error {
	sub := r.client.Subscription(r.subscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = r.maxOutstanding
	return sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		f(ctx, gcpMessage{m})
	})
}

// Close releases the client.
func (r *GCPReceiver) Close() error {
	return r.client.Close()
}

type gcpMessage struct {
	m *gpubsub.Message
}

func (g gcpMessage) ID() string   { return g.m.ID }
func (g gcpMessage) Data() []byte { return g.m.Data }
func (g gcpMessage) Ack()         { g.m.Ack() }
func (g gcpMessage) Nack()        { g.m.Nack() }
