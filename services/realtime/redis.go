package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/messaging"
)

// RedisBroker publishes sent messages on a Redis pub/sub channel and feeds the local hub
// from it, so every API instance sees the messages sent through the others.
type RedisBroker struct {
	*Hub
	client  *redis.Client
	channel string
	logger  core.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(conf core.RealtimeConfig, hub *Hub, logger core.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(conf.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis url")
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return &RedisBroker{Hub: hub, client: client, channel: conf.RedisChannel, logger: logger}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, msg messaging.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}
	return errors.Wrap(b.client.Publish(ctx, b.channel, data).Err(), "publishing to redis")
}

func (b *RedisBroker) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribing to redis")
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return b.Close()
		case rmsg, ok := <-ch:
			if !ok {
				return nil
			}
			var msg messaging.Message
			if err := json.Unmarshal([]byte(rmsg.Payload), &msg); err != nil {
				b.logger.Error(fmt.Sprintf("realtime: decoding redis message: %v", err), err)
				continue
			}
			_ = b.Hub.Publish(ctx, msg)
		}
	}
}

func (b *RedisBroker) Close() error {
	b.closeOnce.Do(func() {
		_ = b.Hub.Close()
		b.closeErr = b.client.Close()
	})
	return b.closeErr
}
