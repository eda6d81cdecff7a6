// Package redisq implements the broker port on top of Redis lists and keys.
//
// Queues are plain lists (RPUSH/BLPOP), key/value entries carry optional
// TTLs, and leases are SET NX EX keys under the lock: prefix.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/job-scheduler/internal/domain"
)

const (
	lockPrefix = "lock:"
	// lockPollInterval is the fixed poll cadence for blocking lease acquisition.
	lockPollInterval = 100 * time.Millisecond
	// maxRetries bounds transient I/O retries before surfacing ErrBrokerUnavailable.
	maxRetries = 3
)

// Client wraps a pooled Redis connection with the queue, key/value and lease
// operations the engine needs. Safe for concurrent use.
type Client struct {
	rdb *redis.Client
}

// New constructs a Client from a redis:// URL.
func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.New: %w", err)
	}
	opt.PoolSize = 100
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

// Ping verifies connectivity.
func (c *Client) Ping(ctx domain.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redisq.ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// retry runs op with bounded exponential backoff; context cancellation and
// redis.Nil are permanent.
func (c *Client) retry(ctx domain.Context, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = 500 * time.Millisecond
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, maxRetries), ctx)
	wrapped := func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.Nil), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		default:
			return err
		}
	}
	return backoff.Retry(wrapped, bo)
}

// Enqueue appends the JSON encoding of v to the queue and returns the queue
// length after the push.
func (c *Client) Enqueue(ctx domain.Context, queue string, v any) (int64, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("op=broker.enqueue: marshal: %w", err)
	}
	var n int64
	err = c.retry(ctx, func() error {
		var rerr error
		n, rerr = c.rdb.RPush(ctx, queue, b).Result()
		return rerr
	})
	if err != nil {
		return 0, fmt.Errorf("op=broker.enqueue: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	return n, nil
}

// Dequeue blocks up to timeout on an empty queue and returns the raw message,
// or nil when the timeout elapses. The caller owns deserialization.
func (c *Client) Dequeue(ctx domain.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BLPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=broker.dequeue: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	// BLPOP returns [queue, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("op=broker.dequeue: %w: unexpected blpop reply of %d elements", domain.ErrInternal, len(res))
	}
	return []byte(res[1]), nil
}

// QueueLength returns the number of messages waiting on the queue.
func (c *Client) QueueLength(ctx domain.Context, queue string) (int64, error) {
	var n int64
	err := c.retry(ctx, func() error {
		var rerr error
		n, rerr = c.rdb.LLen(ctx, queue).Result()
		return rerr
	})
	if err != nil {
		return 0, fmt.Errorf("op=broker.queue_length: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	return n, nil
}

// Set stores the JSON encoding of v under key. A zero ttl means no expiry.
func (c *Client) Set(ctx domain.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=broker.set: marshal: %w", err)
	}
	err = c.retry(ctx, func() error { return c.rdb.Set(ctx, key, b, ttl).Err() })
	if err != nil {
		return fmt.Errorf("op=broker.set: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// GetRaw returns the raw value stored under key, or nil when absent.
func (c *Client) GetRaw(ctx domain.Context, key string) ([]byte, error) {
	var b []byte
	err := c.retry(ctx, func() error {
		var rerr error
		b, rerr = c.rdb.Get(ctx, key).Bytes()
		return rerr
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=broker.get: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	return b, nil
}

// Delete removes key.
func (c *Client) Delete(ctx domain.Context, key string) error {
	err := c.retry(ctx, func() error { return c.rdb.Del(ctx, key).Err() })
	if err != nil {
		return fmt.Errorf("op=broker.delete: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx domain.Context, key string) (bool, error) {
	var n int64
	err := c.retry(ctx, func() error {
		var rerr error
		n, rerr = c.rdb.Exists(ctx, key).Result()
		return rerr
	})
	if err != nil {
		return false, fmt.Errorf("op=broker.exists: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	return n > 0, nil
}

// AcquireLock takes the advisory lease lock:{name} with the given TTL using an
// atomic set-if-absent. When blockingTimeout is positive the acquisition polls
// every 100ms until it succeeds or the deadline passes; otherwise it is a
// single non-blocking attempt.
func (c *Client) AcquireLock(ctx domain.Context, name string, ttl, blockingTimeout time.Duration) (bool, error) {
	key := lockPrefix + name
	attempt := func() (bool, error) {
		var ok bool
		err := c.retry(ctx, func() error {
			var rerr error
			ok, rerr = c.rdb.SetNX(ctx, key, "1", ttl).Result()
			return rerr
		})
		if err != nil {
			return false, fmt.Errorf("op=broker.acquire_lock: %w: %v", domain.ErrBrokerUnavailable, err)
		}
		return ok, nil
	}
	if blockingTimeout <= 0 {
		return attempt()
	}
	deadline := time.Now().Add(blockingTimeout)
	for {
		ok, err := attempt()
		if err != nil || ok {
			return ok, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// ReleaseLock drops the lease unconditionally. A lease that already expired
// and was re-acquired by another holder is deleted too; holders are expected
// to finish well inside the TTL.
func (c *Client) ReleaseLock(ctx domain.Context, name string) error {
	err := c.retry(ctx, func() error { return c.rdb.Del(ctx, lockPrefix+name).Err() })
	if err != nil {
		return fmt.Errorf("op=broker.release_lock: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}
