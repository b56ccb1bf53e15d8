package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SaveToken records an issued token under token:{jti}; the key expires with
// the token so revoked/stale entries do not accumulate.
func (c *Client) SaveToken(ctx context.Context, jti, userID string, ttl time.Duration) error {
	return c.cli.Set(ctx, "token:"+jti, userID, ttl).Err()
}

// GetTokenUser returns "" for unknown, expired or revoked tokens.
func (c *Client) GetTokenUser(ctx context.Context, jti string) (string, error) {
	val, err := c.cli.Get(ctx, "token:"+jti).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) RevokeToken(ctx context.Context, jti string) error {
	return c.cli.Del(ctx, "token:"+jti).Err()
}
