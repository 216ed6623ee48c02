// Package ratelimit provides a per-client rate limiter shared through Redis,
// for running several smtpfront instances behind one address.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"smtpfront/logging"
	"smtpfront/server"
)

const (
	// DefaultKeyPrefix namespaces the limiter's keys.
	DefaultKeyPrefix = "smtpfront:ratelimit"
	// DefaultOpTimeout bounds every Redis round trip.
	DefaultOpTimeout = 500 * time.Millisecond

	window = time.Minute
)

const (
	kindConn = "conn"
	kindMsg  = "msg"
)

// RedisLimiter counts connections and messages per client IP in fixed
// one-minute windows. Each window is one key: INCR on record, EXPIRE so it
// disappears after the window. When Redis is unreachable the limiter fails
// open and logs the error.
type RedisLimiter struct {
	client redis.UniversalClient
	logger logging.Logger

	maxConnsPerMinute    int
	maxMessagesPerMinute int

	Prefix    string
	OpTimeout time.Duration

	now func() time.Time
}

var _ server.RateLimiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter on client. A non-positive limit disables
// that check.
func NewRedisLimiter(client redis.UniversalClient, maxConnsPerMinute, maxMessagesPerMinute int, logger logging.Logger) *RedisLimiter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RedisLimiter{
		client:               client,
		logger:               logger,
		maxConnsPerMinute:    maxConnsPerMinute,
		maxMessagesPerMinute: maxMessagesPerMinute,
		Prefix:               DefaultKeyPrefix,
		OpTimeout:            DefaultOpTimeout,
		now:                  time.Now,
	}
}

// NewClient creates a Redis client for addr and checks it with PING.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return client, nil
}

// key returns the counter key for kind and clientIP in the window holding t.
func (r *RedisLimiter) key(kind, clientIP string, t time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", r.Prefix, kind, clientIP, t.Unix()/int64(window/time.Second))
}

// AllowConnection checks the connection count of the current window.
func (r *RedisLimiter) AllowConnection(clientIP string) (allowed bool, reason string) {
	if r.under(kindConn, clientIP, r.maxConnsPerMinute) {
		return true, ""
	}
	return false, "Too many connections, try again later"
}

// AllowMessage checks the message count of the current window.
func (r *RedisLimiter) AllowMessage(clientIP string) (allowed bool, reason string) {
	if r.under(kindMsg, clientIP, r.maxMessagesPerMinute) {
		return true, ""
	}
	return false, "Too many messages, try again later"
}

// RecordConnection counts a connection.
func (r *RedisLimiter) RecordConnection(clientIP string) {
	r.incr(kindConn, clientIP)
}

// RecordMessage counts a message.
func (r *RedisLimiter) RecordMessage(clientIP string) {
	r.incr(kindMsg, clientIP)
}

// ReleaseConnection does nothing; window keys expire on their own.
func (r *RedisLimiter) ReleaseConnection(_ string) {}

func (r *RedisLimiter) under(kind, clientIP string, limit int) bool {
	if limit <= 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.OpTimeout)
	defer cancel()

	n, err := r.client.Get(ctx, r.key(kind, clientIP, r.now())).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return true
	case err != nil:
		r.logger.Warn("Rate limit check failed; allowing",
			logging.F("kind", kind),
			logging.F("client_ip", clientIP),
			logging.F("err", err))
		return true
	}
	return n < limit
}

func (r *RedisLimiter) incr(kind, clientIP string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.OpTimeout)
	defer cancel()

	key := r.key(kind, clientIP, r.now())
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window+time.Second)
		return nil
	})
	if err != nil {
		r.logger.Warn("Rate limit record failed",
			logging.F("kind", kind),
			logging.F("client_ip", clientIP),
			logging.F("err", err))
	}
}
