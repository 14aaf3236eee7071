// Package ratelimit provides Redis-backed connection-attempt counters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Limiter counts connection attempts per user in fixed TTL windows.
//
// The limiter fails open: when Redis is unreachable the attempt is allowed
// and the error is logged. Admission control is the authority on who gets
// in; the limiter only dampens floods, so availability wins over strictness
// here.
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	log    zerolog.Logger
}

func New(redisURL string, limit int, window time.Duration, log zerolog.Logger) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, limit, window, log), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client, limit int, window time.Duration, log zerolog.Logger) *Limiter {
	return &Limiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "connrate:",
		log:    log,
	}
}

// Allow records one connection attempt and reports whether the user is
// within the window's budget. A nil limiter allows everything (the cache
// is optional).
func (l *Limiter) Allow(ctx context.Context, userID string) bool {
	if l == nil {
		return true
	}
	key := l.prefix + userID
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Str("user", userID).Err(err).Msg("rate limit check failed, allowing")
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			l.log.Warn().Str("user", userID).Err(err).Msg("rate limit expiry failed")
		}
	}
	return count <= int64(l.limit)
}

func (l *Limiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Limiter) Close() error {
	return l.client.Close()
}
