package events

import (
	"context"
	"fmt"

	"github.com/segmentio/encoding/json"
	"gopherex.com/mdfeed/internal/broker"
	"gopherex.com/mdfeed/pkg/metrics"
)

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type BrokerPublisher struct {
	b broker.Broker
}

func NewBrokerPublisher(b broker.Broker) *BrokerPublisher {
	return &BrokerPublisher{b: b}
}

func (p *BrokerPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		metrics.PublishTotal.WithLabelValues(string(e.Kind), "encode_error").Inc()
		return fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	if err := p.b.Publish(ctx, e.Topic(), payload); err != nil {
		metrics.PublishTotal.WithLabelValues(string(e.Kind), "error").Inc()
		return fmt.Errorf("publish %s: %w", e.Topic(), err)
	}
	metrics.PublishTotal.WithLabelValues(string(e.Kind), "ok").Inc()
	return nil
}

var _ Publisher = (*BrokerPublisher)(nil)
