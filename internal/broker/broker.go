// Package broker is the pub/sub bus market data events are published onto.
package broker

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe 返回的 channel 在 ctx 结束时关闭
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
