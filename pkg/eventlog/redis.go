package eventlog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStream appends relay records to a Redis stream. Downstream workers
// read it with consumer groups, so entries are never trimmed here.
type RedisStream struct {
	client *redis.Client
	stream string
}

func NewRedisStream(url, stream string) (*RedisStream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisStream{
		client: redis.NewClient(opts),
		stream: stream,
	}, nil
}

// Ping verifies connectivity at startup.
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStream) Append(ctx context.Context, record RelayRecord) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: record.Fields(),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd to %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisStream) Close() error {
	return s.client.Close()
}
