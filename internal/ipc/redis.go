package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisTransport carries envelopes between processes over two Redis lists.
// Each list is bounded by MaxLen; a push onto a full list is dropped and logged.
type RedisTransport struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
	logger zerolog.Logger
}

// NewRedisTransport connects to Redis and validates the connection.
func NewRedisTransport(ctx context.Context, addr, prefix string, maxLen int, logger zerolog.Logger) (*RedisTransport, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if prefix == "" {
		prefix = "assistant"
	}
	return &RedisTransport{rdb: rdb, prefix: prefix, maxLen: int64(maxLen), logger: logger}, nil
}

func (t *RedisTransport) requestsKey() string { return t.prefix + ":requests" }
func (t *RedisTransport) resultsKey() string  { return t.prefix + ":results" }

// RunCore pushes Core's requests out and pulls Brain's results in until ctx ends.
func (t *RedisTransport) RunCore(ctx context.Context, pipe *Pipe) error {
	errCh := make(chan error, 2)
	go func() { errCh <- forwardToRedis(ctx, t, pipe.Requests, t.requestsKey()) }()
	go func() { errCh <- pullFromRedis(ctx, t, t.resultsKey(), pipe.Results) }()
	return <-errCh
}

// RunBrain pulls Core's requests in and pushes Brain's results out until ctx ends.
func (t *RedisTransport) RunBrain(ctx context.Context, pipe *Pipe) error {
	errCh := make(chan error, 2)
	go func() { errCh <- pullFromRedis(ctx, t, t.requestsKey(), pipe.Requests) }()
	go func() { errCh <- forwardToRedis(ctx, t, pipe.Results, t.resultsKey()) }()
	return <-errCh
}

// Close releases the Redis client.
func (t *RedisTransport) Close() error { return t.rdb.Close() }

func forwardToRedis[T any](ctx context.Context, t *RedisTransport, q *Queue[T], key string) error {
	for {
		msg, err := q.Recv(ctx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			t.logger.Error().Err(err).Str("key", key).Msg("encode envelope")
			continue
		}
		if t.maxLen > 0 {
			n, err := t.rdb.LLen(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("llen %s: %w", key, err)
			}
			if n >= t.maxLen {
				t.logger.Warn().Str("key", key).Int64("len", n).Msg("redis queue full, dropping envelope")
				continue
			}
		}
		if err := t.rdb.LPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("lpush %s: %w", key, err)
		}
	}
}

func pullFromRedis[T any](ctx context.Context, t *RedisTransport, key string, q *Queue[T]) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := t.rdb.BRPop(ctx, time.Second, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("brpop %s: %w", key, err)
		}
		if len(res) != 2 {
			continue
		}
		var msg T
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			t.logger.Error().Err(err).Str("key", key).Msg("decode envelope")
			continue
		}
		if err := q.Send(ctx, msg); err != nil {
			return err
		}
	}
}
