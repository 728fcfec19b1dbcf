package scoring

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps each actor's delta window in a redis list, newest first.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func scoreKey(actorID string) string {
	return "gateflow:score:" + actorID
}

func (s *RedisStore) Push(ctx context.Context, actorID string, delta, window int) error {
	key := scoreKey(actorID)

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, strconv.Itoa(delta))
	pipe.LTrim(ctx, key, 0, int64(window)-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push score delta: %w", err)
	}

	return nil
}

func (s *RedisStore) Deltas(ctx context.Context, actorID string) ([]int, error) {
	values, err := s.client.LRange(ctx, scoreKey(actorID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read score window: %w", err)
	}

	deltas := make([]int, 0, len(values))

	for _, value := range values {
		delta, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("corrupt score window entry %q: %w", value, err)
		}

		deltas = append(deltas, delta)
	}

	return deltas, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
