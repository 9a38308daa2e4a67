// Package publisher delivers events to the pub/sub bus.
package publisher

import (
	"context"
	"errors"

	"raydium-pair-stream/internal/domain"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// Publisher sends events to named topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev domain.Event) error
	Close() error
}

// Pinger is implemented by publishers whose connection can be health-checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Default topic names.
const (
	DefaultPairsTopic = "pairs"
	DefaultSwapsTopic = "swaps"
	DefaultBurnsTopic = "burns"
)

// Topics maps event types to topic names.
type Topics struct {
	Pairs string `yaml:"pairs"`
	Swaps string `yaml:"swaps"`
	Burns string `yaml:"burns"`
	// PerTokenSwaps publishes swaps to "<swaps>:<mint>" instead of one topic.
	PerTokenSwaps bool `yaml:"per_token_swaps"`
}

// DefaultTopics returns the default topic names.
func DefaultTopics() Topics {
	return Topics{
		Pairs: DefaultPairsTopic,
		Swaps: DefaultSwapsTopic,
		Burns: DefaultBurnsTopic,
	}
}

// For returns the topic an event is published to.
func (t Topics) For(ev domain.Event) string {
	switch ev.Type {
	case domain.EventNewPair:
		return t.Pairs
	case domain.EventSwap:
		if t.PerTokenSwaps && ev.Swap != nil && ev.Swap.Transaction.TokenAddress != "" {
			return t.Swaps + ":" + ev.Swap.Transaction.TokenAddress
		}
		return t.Swaps
	case domain.EventBurn:
		return t.Burns
	}
	return ""
}
