// Package pubsub hands consolidated restock notifications to a Google Cloud
// Pub/Sub topic, where a mail or push service picks them up.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/stockwatch/internal/notify"
	"github.com/JakeFAU/stockwatch/internal/restock"
)

// Message is the JSON payload published for each notification.
type Message struct {
	Address  string                     `json:"address"`
	Region   string                     `json:"region"`
	Subject  string                     `json:"subject"`
	Body     string                     `json:"body"`
	Products []restock.RestockedProduct `json:"products"`
}

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Notifier publishes notifications to a topic.
type Notifier struct {
	publish publishFunc
}

// New creates a Notifier for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Notifier {
	if publisher == nil {
		return &Notifier{}
	}
	return &Notifier{publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
		return publisher.Publish(ctx, msg).Get(ctx)
	}}
}

// Send publishes n and waits for the server to acknowledge it.
func (p *Notifier) Send(ctx context.Context, n restock.Notification) error {
	if p.publish == nil {
		return errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(Message{
		Address:  n.Address,
		Region:   n.Region,
		Subject:  notify.Subject(n),
		Body:     notify.FormatText(n),
		Products: n.Products,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"region":     n.Region,
			"subscriber": n.Address,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	if _, err := p.publish(ctx, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
