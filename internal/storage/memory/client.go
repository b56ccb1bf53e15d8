package memory

import (
	"context"
	"sync"
	"time"
)

type item struct {
	val string
	exp time.Time
}

// Client is an in-process TokenStore for -dev mode and tests.
type Client struct {
	mu     sync.RWMutex
	tokens map[string]item
}

func New() *Client {
	return &Client{tokens: make(map[string]item)}
}

func (c *Client) Close() error { return nil }

func (c *Client) SaveToken(ctx context.Context, jti, userID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[jti] = item{val: userID, exp: time.Now().Add(ttl)}
	return nil
}

func (c *Client) GetTokenUser(ctx context.Context, jti string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.tokens[jti]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return v.val, nil
}

func (c *Client) RevokeToken(ctx context.Context, jti string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, jti)
	return nil
}
