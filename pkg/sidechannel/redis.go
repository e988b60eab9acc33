package sidechannel

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/caam1406/gastos-bridge/pkg/logger"
)

// RedisChannel receives confirmation commands over a Redis pub/sub channel.
type RedisChannel struct {
	client  *redis.Client
	channel string
}

func NewRedisChannel(url, channel string) (*RedisChannel, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisChannel{
		client:  redis.NewClient(opts),
		channel: channel,
	}, nil
}

// Listen subscribes and returns a channel of decoded commands. Malformed
// payloads are logged and dropped; they never stop the subscription. The
// returned channel closes when ctx is cancelled.
func (c *RedisChannel) Listen(ctx context.Context) <-chan Command {
	out := make(chan Command, 16)
	pubsub := c.client.Subscribe(ctx, c.channel)

	go func() {
		defer close(out)
		defer pubsub.Close()

		logger.InfoCF("sidechannel", "Listening for confirmations", map[string]interface{}{
			"channel": c.channel,
		})

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				cmd, err := Decode([]byte(msg.Payload))
				if err != nil {
					if errors.Is(err, ErrNoReply) {
						logger.DebugC("sidechannel", "Confirmation without reply_message ignored")
					} else {
						logger.WarnCF("sidechannel", "Dropping malformed confirmation", map[string]interface{}{
							"error": err.Error(),
						})
					}
					continue
				}
				select {
				case out <- cmd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (c *RedisChannel) Close() error {
	return c.client.Close()
}
