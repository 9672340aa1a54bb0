package consumer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/helixion/biomarker-worker/go/config"
)

// queueKey is the single FIFO list that feeds the worker. Producers LPUSH
// onto it and the worker RPOPs, so the oldest message is served first.
const queueKey = "jobs:default"

// ErrEmpty is returned by Pop when the queue has no message.
var ErrEmpty = errors.New("queue is empty")

// Queue hands out raw job messages in FIFO order.
type Queue interface {
	Pop(ctx context.Context) (string, error)
}

// RedisQueue is a Queue over a Redis list.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to the Redis endpoint named by settings. The URL
// may be a redis:// or rediss:// URL, or an Upstash-style https endpoint,
// in which case the REST token is used as the password and TLS is implied.
func NewRedisQueue(ctx context.Context, settings *config.Settings) (*RedisQueue, error) {
	var opts *redis.Options
	var err error

	if strings.HasPrefix(settings.RedisURL, "http") {
		opts, err = upstashOptions(settings.RedisURL, settings.RedisToken)
	} else {
		opts, err = redis.ParseURL(settings.RedisURL)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	var client = redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisQueue{client: client, key: queueKey}, nil
}

// upstashOptions derives client options from an Upstash REST endpoint.
func upstashOptions(rawURL, token string) (*redis.Options, error) {
	var u, err = url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	var host = u.Host
	if u.Port() == "" {
		host += ":6379"
	}
	return &redis.Options{
		Addr:      host,
		Password:  token,
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}, nil
}

// Pop removes and returns the oldest message, or ErrEmpty.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	var msg, err = q.client.RPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	} else if err != nil {
		return "", fmt.Errorf("popping from %s: %w", q.key, err)
	}
	return msg, nil
}

// Push enqueues a message at the head of the list, behind all messages
// already waiting.
func (q *RedisQueue) Push(ctx context.Context, payload string) error {
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("pushing to %s: %w", q.key, err)
	}
	return nil
}

// Close releases the client.
func (q *RedisQueue) Close() error { return q.client.Close() }
