package publisher

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"raydium-pair-stream/internal/domain"
)

// ProducerConnected is sent to every open channel when a producer starts.
const ProducerConnected = ":producerConnected"

// RedisOptions configures a Redis publisher.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Codec    Codec

	// Client overrides Addr/Password/DB when set.
	Client *redis.Client
	Logger logrus.FieldLogger
}

// Redis publishes events with PUBLISH.
type Redis struct {
	client *redis.Client
	codec  Codec
	log    logrus.FieldLogger
	closed atomic.Bool
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := opts.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}

	codec := opts.Codec
	if codec == "" {
		codec = CodecJSON
	}
	if !codec.Valid() {
		client.Close()
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Redis{
		client: client,
		codec:  codec,
		log:    logger.WithField("component", "publisher"),
	}, nil
}

// Publish encodes the event and publishes it to topic.
func (r *Redis) Publish(ctx context.Context, topic string, ev domain.Event) error {
	if r.closed.Load() {
		return ErrClosed
	}
	data, err := r.codec.Encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	receivers, err := r.client.Publish(ctx, topic, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	r.log.WithFields(logrus.Fields{
		"topic":     topic,
		"type":      ev.Type,
		"receivers": receivers,
	}).Debug("published")
	return nil
}

// AnnounceProducer sends ProducerConnected to every channel that currently
// has subscribers and returns how many channels were notified.
func (r *Redis) AnnounceProducer(ctx context.Context) (int, error) {
	channels, err := r.client.PubSubChannels(ctx, "*").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list channels: %w", err)
	}
	for _, ch := range channels {
		r.log.WithField("channel", ch).Info("consumers in channel")
		if err := r.client.Publish(ctx, ch, ProducerConnected).Err(); err != nil {
			return 0, fmt.Errorf("failed to announce on %s: %w", ch, err)
		}
	}
	return len(channels), nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client. Safe to call more than once.
func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.client.Close()
}
