package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// GetBytes retrieves a raw value by key
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return c.client.Del(ctx, keys...).Result()
}

// Incr increments a counter
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// IncrWithExpiry increments a counter and sets its TTL when the increment
// created it.
func (c *Client) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// IncrByFloatWithExpiry adds v to a float counter and sets its TTL if the
// key has none yet.
func (c *Client) IncrByFloatWithExpiry(ctx context.Context, key string, v float64, ttl time.Duration) (float64, error) {
	total, err := c.client.IncrByFloat(ctx, key, v).Result()
	if err != nil {
		return 0, err
	}
	current, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return total, err
	}
	if current < 0 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// HIncrWithExpiry increments a hash field and sets the hash TTL if it has
// none yet, so every field of the hash expires together.
func (c *Client) HIncrWithExpiry(ctx context.Context, key, field string, ttl time.Duration) (int64, error) {
	n, err := c.client.HIncrBy(ctx, key, field, 1).Result()
	if err != nil {
		return 0, err
	}
	current, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return n, err
	}
	if current < 0 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// HGetInts reads the same integer fields from several hashes in one round
// trip; missing hashes and fields read as 0
func (c *Client) HGetInts(ctx context.Context, keys []string, fields ...string) ([][]int64, error) {
	out := make([][]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, k, fields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	for i, cmd := range cmds {
		out[i] = make([]int64, len(fields))
		for j, v := range cmd.Val() {
			s, ok := v.(string)
			if !ok {
				continue
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("field %s of %s is not an integer: %w", fields[j], keys[i], err)
			}
			out[i][j] = n
		}
	}
	return out, nil
}

// Expire sets a TTL on a key
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// TTL returns the remaining time to live of a key, negative when the key is
// missing or has no expiry
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.client.TTL(ctx, key).Result()
}

// GetInts reads integer counters in one round trip; missing keys read as 0
func (c *Client) GetInts(ctx context.Context, keys ...string) ([]int64, error) {
	out := make([]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s is not an integer: %w", keys[i], err)
		}
		out[i] = n
	}
	return out, nil
}

// GetFloat reads a float counter; a missing key reads as 0
func (c *Client) GetFloat(ctx context.Context, key string) (float64, error) {
	v, err := c.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// ScanKeys returns every key matching pattern
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
