// Package bus provides the publish/subscribe transports a peer can run over.
package bus

import (
	"context"
	"errors"
)

// Handler receives one delivered message. Implementations must not block for long.
type Handler func(ctx context.Context, topic string, data []byte)

// Bus is a topic-based publish/subscribe transport. Delivery is at-least-once
// at best: messages may be duplicated, reordered or dropped.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe starts delivering messages for topics to handler. It returns
	// once the subscription is established.
	Subscribe(ctx context.Context, handler Handler, topics ...string) error
	Close() error
}

var (
	ErrClosed     = errors.New("bus: closed")
	ErrNoTopics   = errors.New("bus: no topics given")
	ErrNilHandler = errors.New("bus: nil handler")
)

// Backend names accepted by BUS_BACKEND.
const (
	BackendMemory = "memory"
	BackendP2P    = "p2p"
	BackendMQTT   = "mqtt"
	BackendKafka  = "kafka"
	BackendRedis  = "redis"
)

func validateSubscribe(handler Handler, topics []string) error {
	if handler == nil {
		return ErrNilHandler
	}
	if len(topics) == 0 {
		return ErrNoTopics
	}
	return nil
}
